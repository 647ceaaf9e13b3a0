// Package config loads Aether's runtime configuration from environment
// variables, with an optional YAML/JSON5 file overlay for values that are
// awkward to express as env vars (redaction field lists, router rules).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the kernel reads at startup. Fields are kept
// flat and exported so the YAML overlay in loadRawRecursive can decode
// straight into them with KnownFields(true).
type Config struct {
	FSRoot   string `yaml:"fs_root"`
	LogLevel string `yaml:"log_level"`

	MaxTokensPerSession int64 `yaml:"max_tokens_per_session"`
	MaxTokensPerDay     int64 `yaml:"max_tokens_per_day"`
	MaxSteps            int   `yaml:"max_steps"`
	MaxWallClockMS      int64 `yaml:"max_wall_clock_ms"`

	AuditRetentionDays int `yaml:"audit_retention_days"`
	AuditPageSize      int `yaml:"audit_page_size"`
	// RedactedFields overrides the default redaction field set. Empty
	// means use the built-in set.
	RedactedFields []string `yaml:"redacted_fields"`

	RateLimitAuthenticatedPerMin int `yaml:"rate_limit_authenticated_per_min"`
	RateLimitAnonymousPerMin     int `yaml:"rate_limit_anonymous_per_min"`

	InterStepIntervalMS  int64 `yaml:"inter_step_interval_ms"`
	ApprovalTimeoutSec   int64 `yaml:"approval_timeout_sec"`
	ContainerGraceSec    int64 `yaml:"container_grace_sec"`
	MaxToolOutputBytes   int64 `yaml:"max_tool_output_bytes"`
	EventStreamQueueSize int   `yaml:"event_stream_queue_size"`

	ContainerRuntime string `yaml:"container_runtime"`
	ContainerImage   string `yaml:"container_image"`

	MetricsAddr string `yaml:"metrics_addr"`

	// OTelEndpoint is the OTLP/gRPC collector endpoint for distributed
	// tracing (e.g. "localhost:4317"). Empty disables tracing entirely.
	OTelEndpoint     string  `yaml:"otel_endpoint"`
	OTelSamplingRate float64 `yaml:"otel_sampling_rate"`
}

// Defaults returns the baseline configuration before env or file overlays
// are applied.
func Defaults() Config {
	return Config{
		FSRoot:   ".",
		LogLevel: "info",

		MaxTokensPerSession: 500_000,
		MaxTokensPerDay:     2_000_000,
		MaxSteps:            200,
		MaxWallClockMS:      3_600_000,

		AuditRetentionDays: 30,
		AuditPageSize:       50,

		RateLimitAuthenticatedPerMin: 120,
		RateLimitAnonymousPerMin:     30,

		InterStepIntervalMS:  3_000,
		ApprovalTimeoutSec:   300,
		ContainerGraceSec:    10,
		MaxToolOutputBytes:   10 * 1024 * 1024,
		EventStreamQueueSize: 500,

		ContainerRuntime: "docker",
		ContainerImage:   "aether/agent-sandbox:latest",

		MetricsAddr: ":9090",

		OTelEndpoint:     "",
		OTelSamplingRate: 1.0,
	}
}

// Load builds a Config from defaults, an optional file overlay (AETHER_CONFIG_FILE),
// and environment variable overrides, in that order.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("AETHER_CONFIG_FILE")); path != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		fileCfg, err := decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
		cfg = mergeNonZero(cfg, *fileCfg)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeNonZero overlays fields set in overlay onto base, field by field.
// Since YAML unmarshals zero values for anything absent from the file, a
// zero value means "not specified" and base wins.
func mergeNonZero(base, overlay Config) Config {
	if overlay.FSRoot != "" {
		base.FSRoot = overlay.FSRoot
	}
	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}
	if overlay.MaxTokensPerSession != 0 {
		base.MaxTokensPerSession = overlay.MaxTokensPerSession
	}
	if overlay.MaxTokensPerDay != 0 {
		base.MaxTokensPerDay = overlay.MaxTokensPerDay
	}
	if overlay.MaxSteps != 0 {
		base.MaxSteps = overlay.MaxSteps
	}
	if overlay.MaxWallClockMS != 0 {
		base.MaxWallClockMS = overlay.MaxWallClockMS
	}
	if overlay.AuditRetentionDays != 0 {
		base.AuditRetentionDays = overlay.AuditRetentionDays
	}
	if overlay.AuditPageSize != 0 {
		base.AuditPageSize = overlay.AuditPageSize
	}
	if len(overlay.RedactedFields) > 0 {
		base.RedactedFields = overlay.RedactedFields
	}
	if overlay.RateLimitAuthenticatedPerMin != 0 {
		base.RateLimitAuthenticatedPerMin = overlay.RateLimitAuthenticatedPerMin
	}
	if overlay.RateLimitAnonymousPerMin != 0 {
		base.RateLimitAnonymousPerMin = overlay.RateLimitAnonymousPerMin
	}
	if overlay.InterStepIntervalMS != 0 {
		base.InterStepIntervalMS = overlay.InterStepIntervalMS
	}
	if overlay.ApprovalTimeoutSec != 0 {
		base.ApprovalTimeoutSec = overlay.ApprovalTimeoutSec
	}
	if overlay.ContainerGraceSec != 0 {
		base.ContainerGraceSec = overlay.ContainerGraceSec
	}
	if overlay.MaxToolOutputBytes != 0 {
		base.MaxToolOutputBytes = overlay.MaxToolOutputBytes
	}
	if overlay.EventStreamQueueSize != 0 {
		base.EventStreamQueueSize = overlay.EventStreamQueueSize
	}
	if overlay.ContainerRuntime != "" {
		base.ContainerRuntime = overlay.ContainerRuntime
	}
	if overlay.ContainerImage != "" {
		base.ContainerImage = overlay.ContainerImage
	}
	if overlay.MetricsAddr != "" {
		base.MetricsAddr = overlay.MetricsAddr
	}
	if overlay.OTelEndpoint != "" {
		base.OTelEndpoint = overlay.OTelEndpoint
	}
	if overlay.OTelSamplingRate != 0 {
		base.OTelSamplingRate = overlay.OTelSamplingRate
	}
	return base
}

type envBinding struct {
	key    string
	target func(string) error
}

func applyEnvOverrides(cfg *Config) {
	bindings := []envBinding{
		{"AETHER_FS_ROOT", strField(&cfg.FSRoot)},
		{"AETHER_LOG_LEVEL", strField(&cfg.LogLevel)},
		{"AETHER_MAX_TOKENS_PER_SESSION", int64Field(&cfg.MaxTokensPerSession)},
		{"AETHER_MAX_TOKENS_PER_DAY", int64Field(&cfg.MaxTokensPerDay)},
		{"AETHER_MAX_STEPS", intField(&cfg.MaxSteps)},
		{"AETHER_MAX_WALL_CLOCK_MS", int64Field(&cfg.MaxWallClockMS)},
		{"AETHER_AUDIT_RETENTION_DAYS", intField(&cfg.AuditRetentionDays)},
		{"AETHER_AUDIT_PAGE_SIZE", intField(&cfg.AuditPageSize)},
		{"AETHER_RATE_LIMIT_AUTHENTICATED_PER_MIN", intField(&cfg.RateLimitAuthenticatedPerMin)},
		{"AETHER_RATE_LIMIT_ANONYMOUS_PER_MIN", intField(&cfg.RateLimitAnonymousPerMin)},
		{"AETHER_INTER_STEP_INTERVAL_MS", int64Field(&cfg.InterStepIntervalMS)},
		{"AETHER_APPROVAL_TIMEOUT_SEC", int64Field(&cfg.ApprovalTimeoutSec)},
		{"AETHER_CONTAINER_GRACE_SEC", int64Field(&cfg.ContainerGraceSec)},
		{"AETHER_MAX_TOOL_OUTPUT_BYTES", int64Field(&cfg.MaxToolOutputBytes)},
		{"AETHER_EVENT_STREAM_QUEUE_SIZE", intField(&cfg.EventStreamQueueSize)},
		{"AETHER_CONTAINER_RUNTIME", strField(&cfg.ContainerRuntime)},
		{"AETHER_CONTAINER_IMAGE", strField(&cfg.ContainerImage)},
		{"AETHER_METRICS_ADDR", strField(&cfg.MetricsAddr)},
		{"AETHER_OTEL_ENDPOINT", strField(&cfg.OTelEndpoint)},
		{"AETHER_OTEL_SAMPLING_RATE", float64Field(&cfg.OTelSamplingRate)},
	}
	for _, b := range bindings {
		val, ok := os.LookupEnv(b.key)
		if !ok || strings.TrimSpace(val) == "" {
			continue
		}
		// Overrides are best-effort: a malformed env var is ignored in
		// favor of whatever value was already set, surfaced later by
		// Validate if it leaves the config in a bad state.
		_ = b.target(val)
	}
	if fields := os.Getenv("AETHER_REDACTED_FIELDS"); strings.TrimSpace(fields) != "" {
		cfg.RedactedFields = strings.Split(fields, ",")
		for i := range cfg.RedactedFields {
			cfg.RedactedFields[i] = strings.TrimSpace(cfg.RedactedFields[i])
		}
	}
}

func strField(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func intField(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func int64Field(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func float64Field(dst *float64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

// Validate rejects configurations that would make the kernel misbehave.
func (c Config) Validate() error {
	if c.MaxTokensPerSession <= 0 {
		return fmt.Errorf("max_tokens_per_session must be positive")
	}
	if c.MaxTokensPerDay <= 0 {
		return fmt.Errorf("max_tokens_per_day must be positive")
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive")
	}
	if c.MaxWallClockMS <= 0 {
		return fmt.Errorf("max_wall_clock_ms must be positive")
	}
	if c.AuditRetentionDays <= 0 {
		return fmt.Errorf("audit_retention_days must be positive")
	}
	if c.ApprovalTimeoutSec <= 0 {
		return fmt.Errorf("approval_timeout_sec must be positive")
	}
	return nil
}

// ApprovalTimeout returns the approval wait timeout as a duration.
func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSec) * time.Second
}

// ContainerGrace returns the container shutdown grace period as a duration.
func (c Config) ContainerGrace() time.Duration {
	return time.Duration(c.ContainerGraceSec) * time.Second
}

// InterStepInterval returns the minimum delay the agent loop enforces
// between consecutive steps.
func (c Config) InterStepInterval() time.Duration {
	return time.Duration(c.InterStepIntervalMS) * time.Millisecond
}

// MaxWallClock returns the per-process wall clock budget as a duration.
func (c Config) MaxWallClock() time.Duration {
	return time.Duration(c.MaxWallClockMS) * time.Millisecond
}
