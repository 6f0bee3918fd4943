// Package errors defines the error taxonomy of the sync pipeline.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryFetch represents provider network, auth or rate-limit failures (per project)
	CategoryFetch ErrorCategory = "fetch"
	// CategoryMapping represents an unrecognized provider status/outcome (per record)
	CategoryMapping ErrorCategory = "mapping"
	// CategoryAdaptation represents malformed or inconsistent provider records (per record)
	CategoryAdaptation ErrorCategory = "adaptation"
	// CategoryStore represents job store failures (fatal to a tick)
	CategoryStore ErrorCategory = "store"
	// CategoryProjection represents an inconsistency found while building metrics
	CategoryProjection ErrorCategory = "projection"
)

// FetchKind distinguishes provider failures
type FetchKind string

const (
	FetchRateLimit   FetchKind = "rate_limit"
	FetchNetwork     FetchKind = "network"
	FetchAuth        FetchKind = "auth"
	FetchHTTP        FetchKind = "http"
	FetchTimeout     FetchKind = "timeout"
	FetchDecode      FetchKind = "decode"
	FetchUnavailable FetchKind = "unavailable" // circuit open, provider shed locally
)

// ErrTickInProgress is returned when a tick is requested while another one
// is still running on the same engine.
var ErrTickInProgress = errors.New("tick already in progress")

// CategorizedError represents an error with a category and a stable code
type CategorizedError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Provider errors

// NewFetchError creates a provider fetch error for one project
func NewFetchError(provider, project string, kind FetchKind, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryFetch,
		Code:     "FETCH_" + strings.ToUpper(string(kind)),
		Message:  fmt.Sprintf("failed to fetch jobs for %s project %s", provider, project),
		Cause:    cause,
		Details: map[string]interface{}{
			"provider": provider,
			"project":  project,
			"kind":     kind,
		},
	}
}

// NewHTTPStatusError creates a fetch error for an unexpected HTTP response.
// The kind is derived from the status code.
func NewHTTPStatusError(provider, project string, statusCode int, body string) *CategorizedError {
	kind := FetchHTTP
	switch {
	case statusCode == http.StatusTooManyRequests:
		kind = FetchRateLimit
	case statusCode == http.StatusUnauthorized:
		kind = FetchAuth
	case statusCode == http.StatusForbidden:
		// GitHub reports exhausted primary rate limits as 403
		kind = FetchAuth
		if strings.Contains(strings.ToLower(body), "rate limit") {
			kind = FetchRateLimit
		}
	}

	err := NewFetchError(provider, project, kind, fmt.Errorf("unexpected status %d: %s", statusCode, truncate(body, 200)))
	err.Details["statusCode"] = statusCode
	return err
}

// Record errors

// NewMappingError creates an error for a status/outcome pair that has no canonical status
func NewMappingError(provider, status, outcome string) *CategorizedError {
	msg := fmt.Sprintf("unrecognized %s status %q", provider, status)
	if outcome != "" {
		msg = fmt.Sprintf("unrecognized %s status %q with outcome %q", provider, status, outcome)
	}
	return &CategorizedError{
		Category: CategoryMapping,
		Code:     "UNMAPPED_STATUS",
		Message:  msg,
		Details: map[string]interface{}{
			"provider": provider,
			"status":   status,
			"outcome":  outcome,
		},
	}
}

// NewAdaptationError creates an error for a record that cannot be adapted
func NewAdaptationError(provider string, jobID int64, reason string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryAdaptation,
		Code:     "INVALID_RECORD",
		Message:  fmt.Sprintf("%s job %d: %s", provider, jobID, reason),
		Cause:    cause,
		Details: map[string]interface{}{
			"provider": provider,
			"jobId":    jobID,
		},
	}
}

// Tick-fatal errors

// NewStoreError creates a job store error
func NewStoreError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryStore,
		Code:     "STORE_ERROR",
		Message:  fmt.Sprintf("job store error during %s", operation),
		Cause:    cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewProjectionError creates a metrics projection error
func NewProjectionError(reason string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryProjection,
		Code:     "PROJECTION_ERROR",
		Message:  reason,
		Cause:    cause,
	}
}

// Categorize returns the categorized error in err's chain, if any
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}
	return nil
}

func hasCategory(err error, category ErrorCategory) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == category
}

// IsFetch reports whether err is a provider fetch error
func IsFetch(err error) bool { return hasCategory(err, CategoryFetch) }

// IsMapping reports whether err is a status mapping error
func IsMapping(err error) bool { return hasCategory(err, CategoryMapping) }

// IsAdaptation reports whether err is a record adaptation error
func IsAdaptation(err error) bool { return hasCategory(err, CategoryAdaptation) }

// IsStore reports whether err is a job store error
func IsStore(err error) bool { return hasCategory(err, CategoryStore) }

// IsProjection reports whether err is a projection error
func IsProjection(err error) bool { return hasCategory(err, CategoryProjection) }

// FetchKindOf returns the fetch kind of err, or "" when err is not a fetch error
func FetchKindOf(err error) FetchKind {
	catErr := Categorize(err)
	if catErr == nil || catErr.Category != CategoryFetch {
		return ""
	}
	kind, _ := catErr.Details["kind"].(FetchKind)
	return kind
}

// IsRetryable determines if an error is worth retrying
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil || catErr.Category != CategoryFetch {
		return false
	}

	switch FetchKindOf(err) {
	case FetchRateLimit, FetchNetwork, FetchTimeout:
		return true
	case FetchHTTP:
		code, _ := catErr.Details["statusCode"].(int)
		return code >= 500
	default:
		return false
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
