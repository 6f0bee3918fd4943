// Package main is the entry point of the CI job-metrics exporter.
package main

import (
	"os"

	"github.com/ci-exporter/cmd/ci-exporter/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
