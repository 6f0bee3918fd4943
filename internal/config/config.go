// Package config provides configuration management for the CI exporter.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Provider ProviderConfig
	Sync     SyncConfig
	Store    StoreConfig
	Redis    RedisConfig
	Metrics  MetricsConfig
	Logging  LoggingConfig
}

// ServerConfig holds the exposition server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ProviderConfig selects and configures the CI provider
type ProviderConfig struct {
	Name        string
	Timeout     time.Duration
	RPS         float64
	Concurrency int
	GitHub      GitHubConfig
	GitLab      GitLabConfig
}

// GitHubConfig holds GitHub Actions settings
type GitHubConfig struct {
	APIURL   string
	Token    string
	Projects []string
	Window   time.Duration
}

// GitLabConfig holds GitLab CI settings
type GitLabConfig struct {
	Host     string
	Token    string
	Projects []string
	MaxJobs  int
	PerPage  int
}

// SyncConfig holds the tick trigger configuration
type SyncConfig struct {
	Interval time.Duration
}

// StoreConfig selects the job store backend
type StoreConfig struct {
	Driver   string // sqlite or postgres
	Path     string // sqlite file; empty means a temporary file
	Postgres PostgresConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	Migrate        bool
}

// URL returns the connection URL used by migrations
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds the optional tick lease configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
	LeaseTTL time.Duration
}

// MetricsConfig holds metric shape configuration
type MetricsConfig struct {
	Buckets      []float64
	ProjectLabel bool
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// DefaultBuckets are histogram upper bounds in seconds sized for CI jobs
var DefaultBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	buckets, err := getEnvAsFloatList("METRICS_BUCKETS", DefaultBuckets)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("PORT", "8000"),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		},
		Provider: ProviderConfig{
			Name:        getEnv("CI_PROVIDER", "github"),
			Timeout:     getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
			RPS:         getEnvAsFloat("PROVIDER_RPS", 10),
			Concurrency: getEnvAsInt("FETCH_CONCURRENCY", 10),
			GitHub: GitHubConfig{
				APIURL:   getEnv("GITHUB_API_URL", "https://api.github.com"),
				Token:    getEnv("GITHUB_TOKEN", getEnv("GHE_TOKEN", "")),
				Projects: getEnvAsList("GITHUB_PROJECTS", getEnvAsList("GHE_PROJECTS", nil)),
				Window:   getEnvAsDuration("GITHUB_WINDOW", 3*time.Hour),
			},
			GitLab: GitLabConfig{
				Host:     getEnv("GITLAB_HOST", getEnv("GLE_HOST", "https://gitlab.com")),
				Token:    getEnv("GITLAB_TOKEN", getEnv("GLE_TOKEN", "")),
				Projects: getEnvAsList("GITLAB_PROJECTS", getEnvAsList("GLE_PROJECT", nil)),
				MaxJobs:  getEnvAsInt("GITLAB_MAX_JOBS", 1000),
				PerPage:  getEnvAsInt("GITLAB_PER_PAGE", 100),
			},
		},
		Sync: SyncConfig{
			Interval: getEnvAsDuration("SYNC_INTERVAL", legacyInterval()),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", "sqlite"),
			Path:   getEnv("STORE_PATH", ""),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "ci_exporter"),
				User:           getEnv("POSTGRES_USER", "exporter"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
				Migrate:        getEnvAsBool("POSTGRES_MIGRATIONS", true),
			},
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			LeaseTTL: getEnvAsDuration("TICK_LEASE_TTL", 5*time.Minute),
		},
		Metrics: MetricsConfig{
			Buckets:      buckets,
			ProjectLabel: getEnvAsBool("METRICS_PROJECT_LABEL", true),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// legacyInterval honours the per-provider interval variables of earlier releases
func legacyInterval() time.Duration {
	if v := getEnvAsInt("GHE_INTERVAL", 0); v > 0 {
		return time.Duration(v) * time.Second
	}
	if v := getEnvAsInt("GLE_INTERVAL", 0); v > 0 {
		return time.Duration(v) * time.Second
	}
	return 30 * time.Second
}

// Projects returns the tracked projects of the selected provider
func (c *Config) Projects() []string {
	if c.Provider.Name == "gitlab" {
		return c.Provider.GitLab.Projects
	}
	return c.Provider.GitHub.Projects
}

// Validate checks the configuration for values the exporter cannot run with
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "github":
		if c.Provider.GitHub.Token == "" {
			return fmt.Errorf("GITHUB_TOKEN is required for the github provider")
		}
	case "gitlab":
		if c.Provider.GitLab.Token == "" {
			return fmt.Errorf("GITLAB_TOKEN is required for the gitlab provider")
		}
		if c.Provider.GitLab.MaxJobs <= 0 {
			return fmt.Errorf("GITLAB_MAX_JOBS must be positive, got %d", c.Provider.GitLab.MaxJobs)
		}
	default:
		return fmt.Errorf("unknown CI_PROVIDER %q", c.Provider.Name)
	}

	if len(c.Projects()) == 0 {
		return fmt.Errorf("at least one project must be configured for %s", c.Provider.Name)
	}
	if c.Provider.Concurrency <= 0 {
		return fmt.Errorf("FETCH_CONCURRENCY must be positive, got %d", c.Provider.Concurrency)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive, got %v", c.Sync.Interval)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}

	// the lease is renewed every third of its TTL
	if c.Redis.Enabled && c.Redis.LeaseTTL < 3*time.Second {
		return fmt.Errorf("TICK_LEASE_TTL must be at least 3s, got %v", c.Redis.LeaseTTL)
	}

	if len(c.Metrics.Buckets) == 0 {
		return fmt.Errorf("METRICS_BUCKETS must not be empty")
	}
	if !sort.Float64sAreSorted(c.Metrics.Buckets) {
		return fmt.Errorf("METRICS_BUCKETS must be sorted ascending")
	}

	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma or whitespace separated variable
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	fields := strings.FieldsFunc(valueStr, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	if len(fields) == 0 {
		return defaultValue
	}
	return fields
}

func getEnvAsFloatList(key string, defaultValue []float64) ([]float64, error) {
	items := getEnvAsList(key, nil)
	if items == nil {
		return defaultValue, nil
	}

	values := make([]float64, 0, len(items))
	for _, item := range items {
		v, err := strconv.ParseFloat(item, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", key, item, err)
		}
		values = append(values, v)
	}
	return values, nil
}
