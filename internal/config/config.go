// Package config loads and validates the stratussync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/njoerd114/stratussync/internal/model"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Partner configures the StratusDX API client.
	Partner PartnerConfig `yaml:"partner"`

	// Database selects the local store backend.
	Database DatabaseConfig `yaml:"database"`

	// Server configures the HTTP invocation surface used by `serve`.
	Server ServerConfig `yaml:"server"`

	// Sync tunes the drain passes.
	Sync SyncConfig `yaml:"sync"`

	// FacilityMappings seeds the facility_mappings table at startup. Order
	// payloads are matched against Name to fill organization/facility IDs.
	FacilityMappings []model.FacilityMapping `yaml:"facility_mappings,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// PartnerConfig holds the partner base URL, retry knobs, and one credential
// pair per resource family. Each family authenticates as a distinct account.
type PartnerConfig struct {
	// BaseURL is the root of the partner REST interface,
	// e.g. "https://api.stratusdx.net/interface".
	BaseURL string `yaml:"base_url"`

	// AttemptTimeout bounds each HTTP attempt. Defaults to 30s.
	AttemptTimeout time.Duration `yaml:"attempt_timeout,omitempty"`

	// MaxAttempts is the retry ceiling for transport failures. Defaults to 3.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// RequestsPerSecond paces calls to the partner. 0 disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`

	// BreakerThreshold is the number of consecutive transport failures that
	// opens a family's circuit breaker. Defaults to 5; negative disables it.
	BreakerThreshold int `yaml:"breaker_threshold,omitempty"`

	// BreakerTimeout is how long an open breaker waits before probing again.
	// Defaults to 1m.
	BreakerTimeout time.Duration `yaml:"breaker_timeout,omitempty"`

	Orders        Credentials `yaml:"orders"`
	Confirmations Credentials `yaml:"confirmations"`
	Results       Credentials `yaml:"results"`
}

// Credentials is an HTTP Basic username/password pair.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// For returns the credentials configured for family f.
func (p *PartnerConfig) For(f model.Family) Credentials {
	switch f {
	case model.FamilyConfirmations:
		return p.Confirmations
	case model.FamilyResults:
		return p.Results
	default:
		return p.Orders
	}
}

// DatabaseConfig selects the store driver and data source.
type DatabaseConfig struct {
	// Driver is "sqlite3" (default) or "pgx".
	Driver string `yaml:"driver,omitempty"`

	// DSN is a file path for sqlite3 or a postgres:// URL for pgx.
	// Defaults to ~/.local/share/stratussync/state.db for sqlite3.
	DSN string `yaml:"dsn,omitempty"`
}

// ServerConfig configures `serve`.
type ServerConfig struct {
	// ListenAddr defaults to ":8080".
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// JWTSecret, when set, makes the API validate bearer credentials as
	// HS256 JWTs. When empty any non-empty bearer is accepted.
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// RateLimitPerMinute caps sync requests per client IP. Defaults to 30;
	// negative disables the limit.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute,omitempty"`

	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// SyncConfig tunes drain passes.
type SyncConfig struct {
	// PollInterval schedules a drain of all families in `serve` mode.
	// Zero disables the scheduler; otherwise 1m to 24h.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// MaxOrderBatches caps list/process cycles of a single orders drain.
	// Defaults to 20.
	MaxOrderBatches int `yaml:"max_order_batches,omitempty"`

	// FacilityCacheTTL bounds how long a facility-name lookup is memoised.
	// Defaults to 5m.
	FacilityCacheTTL time.Duration `yaml:"facility_cache_ttl,omitempty"`

	// FacilityCacheSize bounds the number of memoised lookups. Defaults to 256.
	FacilityCacheSize int `yaml:"facility_cache_size,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "stratussync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// DefaultPath returns the default config file path: ~/.config/stratussync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "stratussync", "config.yaml"), nil
}

// DefaultDBPath returns the default SQLite path: ~/.local/share/stratussync/state.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "stratussync", "state.db"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates cfg and writes it as YAML to path with 0600 permissions,
// creating parent directories as needed.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and well-formed and
// fills in defaults.
func (c *Config) validate() error {
	if err := c.Partner.validate(); err != nil {
		return err
	}
	if err := c.Database.validate(); err != nil {
		return err
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.RateLimitPerMinute == 0 {
		c.Server.RateLimitPerMinute = 30
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Sync.PollInterval != 0 {
		if c.Sync.PollInterval < time.Minute {
			return fmt.Errorf("sync.poll_interval %v is too short (minimum 1m)", c.Sync.PollInterval)
		}
		if c.Sync.PollInterval > 24*time.Hour {
			return fmt.Errorf("sync.poll_interval %v is too long (maximum 24h)", c.Sync.PollInterval)
		}
	}
	if c.Sync.MaxOrderBatches == 0 {
		c.Sync.MaxOrderBatches = 20
	}
	if c.Sync.MaxOrderBatches < 0 {
		return fmt.Errorf("sync.max_order_batches must be positive")
	}
	if c.Sync.FacilityCacheTTL == 0 {
		c.Sync.FacilityCacheTTL = 5 * time.Minute
	}
	if c.Sync.FacilityCacheSize == 0 {
		c.Sync.FacilityCacheSize = 256
	}

	seen := make(map[string]bool, len(c.FacilityMappings))
	for i, m := range c.FacilityMappings {
		if m.Name == "" {
			return fmt.Errorf("facility_mappings[%d] has an empty name", i)
		}
		if m.OrganizationID == "" && m.FacilityID == "" {
			return fmt.Errorf("facility_mappings[%d] (%q) needs organization_id or facility_id", i, m.Name)
		}
		if seen[m.Name] {
			return fmt.Errorf("facility_mappings contains %q more than once", m.Name)
		}
		seen[m.Name] = true
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

// Validate checks the partner block on its own and fills in its defaults.
func (p *PartnerConfig) Validate() error { return p.validate() }

func (p *PartnerConfig) validate() error {
	if p.BaseURL == "" {
		return fmt.Errorf("partner.base_url is required")
	}
	u, err := url.ParseRequestURI(p.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("partner.base_url %q must be a valid http or https URL", p.BaseURL)
	}

	for _, f := range model.Families {
		creds := p.For(f)
		if creds.Username == "" || creds.Password == "" {
			return fmt.Errorf("partner.%s.username and password are required", f)
		}
	}

	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = 30 * time.Second
	}
	if p.AttemptTimeout < time.Second {
		return fmt.Errorf("partner.attempt_timeout %v is too short (minimum 1s)", p.AttemptTimeout)
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.MaxAttempts < 1 || p.MaxAttempts > 10 {
		return fmt.Errorf("partner.max_attempts %d out of range (1-10)", p.MaxAttempts)
	}
	if p.RequestsPerSecond < 0 {
		return fmt.Errorf("partner.requests_per_second must not be negative")
	}
	if p.BreakerThreshold == 0 {
		p.BreakerThreshold = 5
	}
	if p.BreakerTimeout == 0 {
		p.BreakerTimeout = time.Minute
	}
	return nil
}

func (d *DatabaseConfig) validate() error {
	if d.Driver == "" {
		d.Driver = DriverSQLite
	}
	switch d.Driver {
	case DriverSQLite:
		if d.DSN == "" {
			path, err := DefaultDBPath()
			if err != nil {
				return err
			}
			d.DSN = path
		}
	case DriverPostgres:
		if d.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", d.Driver)
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (want %q or %q)", d.Driver, DriverSQLite, DriverPostgres)
	}
	return nil
}
