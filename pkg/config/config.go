// Package config provides the unified configuration for fabricsight.
// A single Config structure covers the whole collector, organized into
// logical sections:
//   - Auth: credential chain inputs (token, service principal)
//   - Collection: API endpoints, streams, entity scopes, window, workers
//   - Ingestion: Logs Ingestion endpoint, rule, batch limits
//   - Reliability: the shared retry/backoff policy
//   - Observability: logging, metrics, tracing
//
// Example usage:
//
//	cfg := config.NewConfig("fabric-prod")
//	cfg.Collection.Streams = []string{"Custom-FabricPipelineRun"}
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Collection window modes. The mode decides the default lookback and
// whether expensive sub-resources (per-activity detail) are fetched.
const (
	ModeBulk             = "bulk"
	ModeIncremental      = "incremental"
	ModeActivityBackfill = "activity_backfill"
)

// Detail levels for source reads
const (
	DetailSummary = "summary"
	DetailFull    = "full"
)

// Config is the single configuration structure for a collector instance
type Config struct {
	// Name identifies the collector instance
	Name string `yaml:"name" json:"name"`

	// Auth holds credential chain inputs
	Auth AuthConfig `yaml:"auth" json:"auth"`

	// Collection controls what is collected and how
	Collection CollectionConfig `yaml:"collection" json:"collection"`

	// Ingestion addresses the Logs Ingestion endpoint
	Ingestion IngestionConfig `yaml:"ingestion" json:"ingestion"`

	// Reliability settings for retry and backoff
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// Observability settings for logging, metrics, and tracing
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// AuthConfig contains credential chain inputs. A non-empty Token wins;
// otherwise the service principal fields are used.
type AuthConfig struct {
	// Token is an explicit bearer token (use env vars in production)
	Token string `yaml:"token" json:"token"`
	// TenantID for service principal authentication
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
	// ClientID for service principal authentication
	ClientID string `yaml:"client_id" json:"client_id"`
	// ClientSecret for service principal authentication
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	// Scope requested for the token
	Scope string `yaml:"scope" json:"scope"`
	// TokenURL overrides the token endpoint (normally derived from TenantID)
	TokenURL string `yaml:"token_url" json:"token_url"`
}

// CollectionConfig controls entity discovery and source reads
type CollectionConfig struct {
	// APIBaseURL is the Fabric REST API base
	APIBaseURL string `yaml:"api_base_url" json:"api_base_url"`
	// AdminBaseURL is the Power BI admin API base
	AdminBaseURL string `yaml:"admin_base_url" json:"admin_base_url"`
	// Streams lists the provisioned stream names to collect for
	Streams []string `yaml:"streams" json:"streams"`
	// Entities maps entity kind to explicit IDs; a missing or empty list
	// means "all accessible" and is resolved by discovery
	Entities map[string][]string `yaml:"entities" json:"entities"`
	// Mode selects the collection window mode
	Mode string `yaml:"mode" json:"mode"`
	// Lookback overrides the mode's default window length
	Lookback time.Duration `yaml:"lookback" json:"lookback"`
	// DetailLevel selects summary or full sub-resource fetches
	DetailLevel string `yaml:"detail_level" json:"detail_level"`
	// Workers bounds concurrent entity processing
	Workers int `yaml:"workers" json:"workers"`
	// MaxPages caps pages fetched per entity as a safety valve
	MaxPages int `yaml:"max_pages" json:"max_pages"`
	// RequestTimeout applies to each API call
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// IngestionConfig addresses the provisioned ingestion target
type IngestionConfig struct {
	// EndpointURL is the data collection endpoint
	EndpointURL string `yaml:"endpoint_url" json:"endpoint_url"`
	// RuleID is the data collection rule immutable ID
	RuleID string `yaml:"rule_id" json:"rule_id"`
	// Scope requested for the ingestion token
	Scope string `yaml:"scope" json:"scope"`
	// BatchMaxRecords triggers a flush when a stream buffer reaches it
	BatchMaxRecords int `yaml:"batch_max_records" json:"batch_max_records"`
	// BatchMaxBytes triggers a flush when a stream buffer's serialized
	// size reaches it
	BatchMaxBytes int `yaml:"batch_max_bytes" json:"batch_max_bytes"`
	// RequestTimeout applies to each flush call
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// ReliabilityConfig parameterizes the shared backoff policy
type ReliabilityConfig struct {
	// RetryAttempts sets maximum attempts for transient failures
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// RetryAfterDefault is used when a 429 carries no Retry-After header
	RetryAfterDefault time.Duration `yaml:"retry_after_default" json:"retry_after_default"`
}

// ObservabilityConfig contains monitoring settings
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// EnableMetrics activates Prometheus metrics
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// MetricsAddr is the listen address for the Prometheus endpoint
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	// EnableTracing activates OpenTelemetry tracing
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// NewConfig creates a Config with production-ready defaults
func NewConfig(name string) *Config {
	return &Config{
		Name: name,
		Auth: AuthConfig{
			Scope: "https://api.fabric.microsoft.com/.default",
		},
		Collection: CollectionConfig{
			APIBaseURL:     "https://api.fabric.microsoft.com/v1",
			AdminBaseURL:   "https://api.powerbi.com/v1.0/myorg",
			Entities:       make(map[string][]string),
			Mode:           ModeIncremental,
			DetailLevel:    DetailSummary,
			Workers:        runtime.NumCPU(),
			MaxPages:       1000,
			RequestTimeout: 30 * time.Second,
		},
		Ingestion: IngestionConfig{
			Scope:           "https://monitor.azure.com/.default",
			BatchMaxRecords: 500,
			BatchMaxBytes:   1 << 20, // Logs Ingestion caps request bodies at 1MB
			RequestTimeout:  30 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:     3,
			RetryDelay:        time.Second,
			RetryMultiplier:   2.0,
			MaxRetryDelay:     60 * time.Second,
			RetryAfterDefault: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			EnableMetrics:     true,
			MetricsAddr:       ":9090",
			EnableTracing:     false,
			TracingSampleRate: 0.1,
		},
	}
}

// DefaultLookback returns the window length for a mode when none is
// configured
func DefaultLookback(mode string) time.Duration {
	switch mode {
	case ModeBulk:
		return 30 * 24 * time.Hour
	case ModeActivityBackfill:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Validate validates the configuration for correctness. It must pass
// before any I/O is attempted.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Collection.Streams) == 0 {
		return fmt.Errorf("at least one stream is required")
	}
	switch c.Collection.Mode {
	case ModeBulk, ModeIncremental, ModeActivityBackfill:
	default:
		return fmt.Errorf("unknown collection mode %q", c.Collection.Mode)
	}
	switch c.Collection.DetailLevel {
	case DetailSummary, DetailFull:
	default:
		return fmt.Errorf("unknown detail level %q", c.Collection.DetailLevel)
	}
	if c.Collection.Lookback < 0 {
		return fmt.Errorf("lookback cannot be negative")
	}
	if c.Collection.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Collection.MaxPages <= 0 {
		return fmt.Errorf("max_pages must be positive")
	}
	if c.Ingestion.EndpointURL == "" {
		return fmt.Errorf("ingestion endpoint_url is required")
	}
	if c.Ingestion.RuleID == "" {
		return fmt.Errorf("ingestion rule_id is required")
	}
	if c.Ingestion.BatchMaxRecords <= 0 {
		return fmt.Errorf("batch_max_records must be positive")
	}
	if c.Ingestion.BatchMaxBytes <= 0 {
		return fmt.Errorf("batch_max_bytes must be positive")
	}
	if c.Reliability.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1")
	}
	if c.Auth.Token == "" && (c.Auth.TenantID == "" || c.Auth.ClientID == "" || c.Auth.ClientSecret == "") {
		return fmt.Errorf("auth requires a token or a full service principal (tenant_id, client_id, client_secret)")
	}
	return nil
}

// EffectiveLookback returns the configured lookback or the mode default
func (c *CollectionConfig) EffectiveLookback() time.Duration {
	if c.Lookback > 0 {
		return c.Lookback
	}
	return DefaultLookback(c.Mode)
}
