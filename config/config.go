// Package config handles YAML config file loading for the gateway.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Call admission and retry defaults.
const (
	// DefaultMaxCalls is the per-tenant concurrent call bound.
	DefaultMaxCalls = 2
	// DefaultMaxAttempts is the total attempts per call, including the first.
	DefaultMaxAttempts = 3
)

// Timeout defaults and bounds.
const (
	DefaultQueryTimeout    = 20 * time.Second
	DefaultStoreTimeout    = 20 * time.Second
	DefaultRetrieveTimeout = 40 * time.Second
	MinRetrieveTimeout     = 10 * time.Second
	MaxRetrieveTimeout     = 40 * time.Second
)

// DefaultBodyLimit is the maximum inbound request body size (20 MiB).
const DefaultBodyLimit = 20 * 1024 * 1024

// Config represents a pacsbridge.yaml configuration file.
// All values are optional; defaults are applied by ApplyDefaults.
// CLI flags always override config values.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Auth     AuthConfig    `yaml:"auth"`
	Cluster  ClusterConfig `yaml:"cluster"`
	Queue    QueueConfig   `yaml:"queue"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds the HTTP/websocket listener settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":5001".
	Addr string `yaml:"addr"`
	// Prefix is the route mount prefix for the REST surface.
	Prefix string `yaml:"prefix"`
	// BodyLimit caps inbound request bodies in bytes.
	BodyLimit int64 `yaml:"body_limit"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// AuthMode selects the behavior for absent or invalid caller tokens.
type AuthMode string

const (
	// AuthModeFallback substitutes the default tenant token when the
	// caller's token is absent or invalid.
	AuthModeFallback AuthMode = "fallback"
	// AuthModeStrict rejects absent or invalid tokens with 401.
	AuthModeStrict AuthMode = "strict"
)

// AuthConfig holds caller and worker authentication settings.
type AuthConfig struct {
	// Secret is the HMAC secret for caller JWT verification.
	Secret string `yaml:"secret"`
	// Issuer is the required JWT issuer claim.
	Issuer string `yaml:"issuer"`
	// Mode selects fallback or strict handling of invalid tokens.
	Mode AuthMode `yaml:"mode"`
	// DefaultTenant is the tenant token substituted in fallback mode.
	DefaultTenant string `yaml:"default_tenant"`
	// WorkerToken is the pre-shared handshake secret workers must
	// present in closed mode. Empty means open mode: any handshake
	// token is accepted and used as the tenant identity.
	WorkerToken string `yaml:"worker_token"`
}

// ClusterConfig holds the fan-out bus settings.
type ClusterConfig struct {
	// RedisURL enables the Redis bus when set. Empty runs the gateway
	// as a single process with an in-memory bus.
	// Format: redis://[:password@]host:port[/db]
	RedisURL string `yaml:"redis_url"`
	// MembershipTTL bounds how long a crashed process's membership
	// facts survive.
	MembershipTTL Duration `yaml:"membership_ttl"`
}

// QueueConfig holds per-tenant admission and retry settings.
type QueueConfig struct {
	// MaxCalls is the per-tenant concurrent call bound.
	MaxCalls int `yaml:"max_calls"`
	// MaxAttempts is the total attempts per call, including the first.
	MaxAttempts int `yaml:"max_attempts"`
}

// TimeoutConfig holds per-kind call deadlines.
type TimeoutConfig struct {
	Query    Duration `yaml:"query"`
	Retrieve Duration `yaml:"retrieve"`
	Store    Duration `yaml:"store"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	// Enabled exposes /metrics on the main listener when true.
	Enabled bool `yaml:"enabled"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// ApplyDefaults fills unset fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":5001"
	}
	if c.Server.Prefix == "" {
		c.Server.Prefix = "/viewer"
	}
	if c.Server.BodyLimit <= 0 {
		c.Server.BodyLimit = DefaultBodyLimit
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		c.Server.ShutdownTimeout.Duration = 10 * time.Second
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeStrict
	}
	if c.Cluster.MembershipTTL.Duration <= 0 {
		c.Cluster.MembershipTTL.Duration = 30 * time.Second
	}
	if c.Queue.MaxCalls <= 0 {
		c.Queue.MaxCalls = DefaultMaxCalls
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = DefaultMaxAttempts
	}
	if c.Timeouts.Query.Duration <= 0 {
		c.Timeouts.Query.Duration = DefaultQueryTimeout
	}
	if c.Timeouts.Store.Duration <= 0 {
		c.Timeouts.Store.Duration = DefaultStoreTimeout
	}
	if c.Timeouts.Retrieve.Duration <= 0 {
		c.Timeouts.Retrieve.Duration = DefaultRetrieveTimeout
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case AuthModeFallback, AuthModeStrict:
	default:
		return fmt.Errorf("auth.mode must be %q or %q, got %q", AuthModeFallback, AuthModeStrict, c.Auth.Mode)
	}
	if c.Auth.Mode == AuthModeFallback && c.Auth.DefaultTenant == "" {
		return fmt.Errorf("auth.default_tenant is required in fallback mode")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if c.Auth.Issuer == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if r := c.Timeouts.Retrieve.Duration; r < MinRetrieveTimeout || r > MaxRetrieveTimeout {
		return fmt.Errorf("timeouts.retrieve must be between %s and %s, got %s",
			MinRetrieveTimeout, MaxRetrieveTimeout, r)
	}
	return nil
}

// MarshalYAML renders a duration back to its string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

var _ yaml.Marshaler = Duration{}
