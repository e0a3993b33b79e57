// Package config handles loading and validating toolgate configuration.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/toolgate/internal/secrets"
	"github.com/jkaninda/toolgate/internal/security"
	"github.com/jkaninda/toolgate/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for toolgate.
//
// The flat policy keys are the mediation policy applied to every tool call.
type Config struct {
	Workspace string `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Root for bare paths. Default: current directory. Override: TOOLGATE_WORKSPACE.
	DataDir   string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.toolgate/data. Override: TOOLGATE_DATA_DIR.

	AllowedPaths           []string `json:"allowed_paths" yaml:"allowed_paths"` // Empty = [workspace]
	BlockedPaths           []string `json:"blocked_paths" yaml:"blocked_paths"`
	MaxPathLength          int      `json:"max_path_length" yaml:"max_path_length"`
	AllowSymlinks          bool     `json:"allow_symlinks" yaml:"allow_symlinks"`
	MaxDepth               int      `json:"max_depth" yaml:"max_depth"`
	MaxEntries             int      `json:"max_entries" yaml:"max_entries"`
	MaxExecutionTime       int      `json:"max_execution_time" yaml:"max_execution_time"` // seconds
	MaxMemoryMB            int      `json:"max_memory_mb" yaml:"max_memory_mb"`
	RequestsPerMinute      int      `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstCapacity          int      `json:"burst_capacity" yaml:"burst_capacity"`           // 0 = requests_per_minute
	EnableProcessIsolation bool     `json:"enable_process_isolation" yaml:"enable_process_isolation"`
	BlockNetwork           bool     `json:"block_network" yaml:"block_network"`
	EnableSeccomp          bool     `json:"enable_seccomp" yaml:"enable_seccomp"`

	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Limits        LimitsConfig         `json:"limits" yaml:"limits"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Storage       *storage.Config      `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite in data_dir
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`

	source string
}

// AuditConfig configures the audit trail and its sinks.
type AuditConfig struct {
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	RetentionDays int               `json:"retention_days" yaml:"retention_days"`                     // 0 = keep forever
	LogPath       string            `json:"log_path,omitempty" yaml:"log_path,omitempty"`             // JSONL file. Default: <data_dir>/audit.jsonl
	Store         bool              `json:"store" yaml:"store"`                                       // Persist to the SQL store.
	PruneSchedule string            `json:"prune_schedule,omitempty" yaml:"prune_schedule,omitempty"` // Cron spec. Default: @daily
	ClickHouse    *ClickHouseConfig `json:"clickhouse,omitempty" yaml:"clickhouse,omitempty"`         // nil = disabled
	NATS          *NATSConfig       `json:"nats,omitempty" yaml:"nats,omitempty"`                     // nil = disabled
	AlertWebhook  string            `json:"alert_webhook,omitempty" yaml:"alert_webhook,omitempty"`   // Critical events are POSTed here.
	AlertTimeout  int               `json:"alert_timeout,omitempty" yaml:"alert_timeout,omitempty"`   // seconds
	AlertCooldown int               `json:"alert_cooldown,omitempty" yaml:"alert_cooldown,omitempty"` // seconds between alerts per session. Default 300, -1 disables.
	// AlertAllowPrivate lets the alert webhook live on a private network.
	AlertAllowPrivate bool `json:"alert_allow_private,omitempty" yaml:"alert_allow_private,omitempty"`
}

// ClickHouseConfig configures the analytics audit sink.
type ClickHouseConfig struct {
	DSN   string `json:"dsn" yaml:"dsn"`
	Table string `json:"table,omitempty" yaml:"table,omitempty"`
}

// NATSConfig configures the audit event publisher.
type NATSConfig struct {
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
}

// LimitsConfig holds resource limits that have no flat key.
type LimitsConfig struct {
	MaxFSOperations int `json:"max_fs_operations" yaml:"max_fs_operations"`
	MaxConcurrent   int `json:"max_concurrent" yaml:"max_concurrent"`
	AcquireTimeout  int `json:"acquire_timeout" yaml:"acquire_timeout"`             // seconds
	BucketIdle      int `json:"bucket_idle,omitempty" yaml:"bucket_idle,omitempty"` // minutes before an unused rate bucket is dropped
}

// SandboxConfig configures isolation beyond the flat switches.
type SandboxConfig struct {
	Backend          string              `json:"backend" yaml:"backend"` // "process" or "docker"
	NetworkNamespace bool                `json:"network_namespace" yaml:"network_namespace"`
	NetworkAllow     []string            `json:"network_allow,omitempty" yaml:"network_allow,omitempty"`
	SyscallAllow     []string            `json:"syscall_allow,omitempty" yaml:"syscall_allow,omitempty"` // non-empty = default-deny
	SyscallDeny      []string            `json:"syscall_deny,omitempty" yaml:"syscall_deny,omitempty"`
	Docker           DockerSandboxConfig `json:"docker" yaml:"docker"`
}

// DockerSandboxConfig configures the container backend.
type DockerSandboxConfig struct {
	Image     string  `json:"image" yaml:"image"`
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"`
}

// SecurityConfig configures trust handling and sensitive paths.
type SecurityConfig struct {
	DefaultTrust   string              `json:"default_trust" yaml:"default_trust"`
	TrustDefaults  map[string][]string `json:"trust_defaults,omitempty" yaml:"trust_defaults,omitempty"` // trust level → permissions granted when a principal has none
	SensitivePaths []string            `json:"sensitive_paths,omitempty" yaml:"sensitive_paths,omitempty"`
	Anomaly        AnomalyConfig       `json:"anomaly" yaml:"anomaly"`
}

// AnomalyConfig tunes denial escalation and error-rate detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	DenialThreshold    int     `json:"denial_threshold" yaml:"denial_threshold"` // denials per session within the window
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // 0..1 per tool
}

// Window returns the sliding window as a duration.
func (a AnomalyConfig) Window() time.Duration {
	if a.WindowSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.WindowSeconds) * time.Second
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig  `json:"metrics" yaml:"metrics"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"` // nil = tracing disabled
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: /metrics
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP collector address.
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: toolgate
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0..1, default 1
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// GatewaysConfig holds the protocol surfaces.
type GatewaysConfig struct {
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"` // nil = disabled
	MCP  *MCPGatewayConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`   // nil = disabled
}

// HTTPGatewayConfig configures the JSON API.
type HTTPGatewayConfig struct {
	Enabled        bool                       `json:"enabled" yaml:"enabled"`
	ListenAddr     string                     `json:"listen_addr" yaml:"listen_addr"`
	EnableDocs     bool                       `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSize int64                      `json:"max_request_size,omitempty" yaml:"max_request_size,omitempty"` // bytes
	APIKeys        map[string]PrincipalConfig `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`                 // SHA-256 hex of the key → principal
	JWT            *JWTConfig                 `json:"jwt,omitempty" yaml:"jwt,omitempty"`                           // nil = bearer tokens disabled
	Stream         bool                       `json:"stream" yaml:"stream"`                                         // Live audit stream over WebSocket.
}

// JWTConfig configures HS256 bearer tokens.
type JWTConfig struct {
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"` // Override: TOOLGATE_JWT_SECRET
	Issuer string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	TTL    int    `json:"ttl,omitempty" yaml:"ttl,omitempty"` // minutes for issued tokens
}

// MCPGatewayConfig configures the MCP stdio server.
type MCPGatewayConfig struct {
	Enabled   bool            `json:"enabled" yaml:"enabled"`
	Principal PrincipalConfig `json:"principal" yaml:"principal"`
}

// PrincipalConfig is the identity a credential maps to.
type PrincipalConfig struct {
	UserID      string   `json:"user_id" yaml:"user_id"`
	TrustLevel  string   `json:"trust_level" yaml:"trust_level"`
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`   // trace, debug, info, warn, error
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // json (default) or text
}

// Defaults returns the built-in configuration used when no file is found.
// Network is blocked and the audit trail is on.
func Defaults() *Config {
	return &Config{
		MaxPathLength:     4096,
		MaxDepth:          10,
		MaxEntries:        10000,
		MaxExecutionTime:  30,
		MaxMemoryMB:       256,
		RequestsPerMinute: 60,
		BurstCapacity:     10,
		BlockNetwork:      true,
		Audit: AuditConfig{
			Enabled:       true,
			RetentionDays: 90,
			Store:         true,
			PruneSchedule: "@daily",
			AlertTimeout:  10,
		},
		Limits: LimitsConfig{
			MaxFSOperations: 50000,
			MaxConcurrent:   4,
			AcquireTimeout:  5,
			BucketIdle:      10,
		},
		Sandbox: SandboxConfig{Backend: "process"},
		Security: SecurityConfig{
			DefaultTrust: "untrusted",
			Anomaly: AnomalyConfig{
				Enabled:            true,
				DenialThreshold:    5,
				WindowSeconds:      300,
				ErrorRateThreshold: 0.5,
			},
		},
		Logging: LoggingConfig{Format: "json"},
	}
}

// Source returns the file the configuration was read from, or "" for defaults.
func (c *Config) Source() string { return c.source }

// configNames are tried in each search directory, in order.
var configNames = []string{"toolgate.yaml", "toolgate.yml", "toolgate.json"}

// SearchPaths returns the candidate config files in precedence order:
// ./toolgate.{yaml,yml,json}, ~/.toolgate/config.{yaml,yml,json},
// /etc/toolgate/config.{yaml,yml,json}.
func SearchPaths() []string {
	paths := slices.Clone(configNames)
	if home, err := os.UserHomeDir(); err == nil {
		for _, ext := range []string{"yaml", "yml", "json"} {
			paths = append(paths, filepath.Join(home, ".toolgate", "config."+ext))
		}
	}
	for _, ext := range []string{"yaml", "yml", "json"} {
		paths = append(paths, filepath.Join("/etc/toolgate", "config."+ext))
	}
	return paths
}

// Find returns the config file to load. An explicit path wins, then
// TOOLGATE_CONFIG, then the first existing SearchPaths entry. It returns ""
// when nothing is found.
func Find(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("TOOLGATE_CONFIG"); env != "" {
		return env
	}
	for _, p := range SearchPaths() {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// Load reads the configuration at path, or the discovered one when path is
// empty. With nothing to read the built-in defaults are used. Environment
// overrides are applied and the result is validated.
func Load(path string) (*Config, error) {
	path = Find(path)
	cfg := Defaults()

	if path != "" {
		// Expand ~ in config path.
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		if err := decode(resolved, data, cfg); err != nil {
			return nil, err
		}
		cfg.source = resolved
	}

	cfg.applyEnv()
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode unmarshals into cfg, which already holds defaults, so absent keys
// keep their default values.
func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv applies environment overrides. Env vars take precedence over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("TOOLGATE_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("TOOLGATE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TOOLGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TOOLGATE_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &storage.Config{}
		}
		c.Storage.Driver = storage.DriverPostgres
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("TOOLGATE_CLICKHOUSE_DSN"); v != "" {
		if c.Audit.ClickHouse == nil {
			c.Audit.ClickHouse = &ClickHouseConfig{}
		}
		c.Audit.ClickHouse.DSN = v
	}
	if v := os.Getenv("TOOLGATE_NATS_URL"); v != "" {
		if c.Audit.NATS == nil {
			c.Audit.NATS = &NATSConfig{}
		}
		c.Audit.NATS.URL = v
	}
	if v := os.Getenv("TOOLGATE_ALERT_WEBHOOK"); v != "" {
		c.Audit.AlertWebhook = v
	}
	if v := os.Getenv("TOOLGATE_JWT_SECRET"); v != "" && c.Gateways.HTTP != nil {
		if c.Gateways.HTTP.JWT == nil {
			c.Gateways.HTTP.JWT = &JWTConfig{}
		}
		c.Gateways.HTTP.JWT.Secret = v
	}
}

// normalize resolves the workspace and policy paths to absolute form.
func (c *Config) normalize() error {
	ws := c.Workspace
	if ws == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determining working directory: %w", err)
		}
		ws = wd
	}
	ws, err := resolvePath(ws)
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}
	c.Workspace = abs

	if len(c.AllowedPaths) == 0 {
		c.AllowedPaths = []string{c.Workspace}
	}
	for i, p := range c.AllowedPaths {
		if c.AllowedPaths[i], err = resolvePath(p); err != nil {
			return fmt.Errorf("resolving allowed path %s: %w", p, err)
		}
	}
	for i, p := range c.BlockedPaths {
		if c.BlockedPaths[i], err = resolvePath(p); err != nil {
			return fmt.Errorf("resolving blocked path %s: %w", p, err)
		}
	}
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// ResolvedDataDir returns the data directory, defaulting to ~/.toolgate/data.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		if dir, err := resolvePath(c.DataDir); err == nil {
			return dir
		}
		return c.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "toolgate")
	}
	return filepath.Join(home, ".toolgate", "data")
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
	}
	return filepath.Join(c.ResolvedDataDir(), "toolgate.db")
}

// AuditLogPath returns the JSONL audit file path.
func (c *Config) AuditLogPath() string {
	if c.Audit.LogPath != "" {
		if p, err := resolvePath(c.Audit.LogPath); err == nil {
			return p
		}
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the configured storage driver.
func (c *Config) StorageDriverName() string {
	if c.Storage == nil || c.Storage.Driver == "" {
		return storage.DefaultDriver
	}
	return c.Storage.Driver
}

// ExecutionTimeout returns max_execution_time as a duration.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.MaxExecutionTime) * time.Second
}

// AcquireTimeoutDuration returns how long a call waits for a concurrency slot.
func (l LimitsConfig) AcquireTimeoutDuration() time.Duration {
	if l.AcquireTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(l.AcquireTimeout) * time.Second
}

// BucketIdleDuration returns how long an unused rate bucket is kept.
func (l LimitsConfig) BucketIdleDuration() time.Duration {
	if l.BucketIdle <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(l.BucketIdle) * time.Minute
}

// AlertTimeoutDuration returns the alert delivery timeout.
func (a AuditConfig) AlertTimeoutDuration() time.Duration {
	if a.AlertTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.AlertTimeout) * time.Second
}

// AlertCooldownDuration returns the per-session alert cooldown, 0 meaning none.
func (a AuditConfig) AlertCooldownDuration() time.Duration {
	switch {
	case a.AlertCooldown < 0:
		return 0
	case a.AlertCooldown == 0:
		return 5 * time.Minute
	}
	return time.Duration(a.AlertCooldown) * time.Second
}

// RetentionDuration returns the audit retention, 0 meaning forever.
func (a AuditConfig) RetentionDuration() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

// DefaultTrustLevel returns the trust level used when a principal names none.
func (s SecurityConfig) DefaultTrustLevel() security.TrustLevel {
	return security.ParseTrustLevel(s.DefaultTrust)
}

// DefaultPermissions returns the permissions granted to trust when a
// principal carries none. Validation guarantees they parse.
func (s SecurityConfig) DefaultPermissions(trust security.TrustLevel) security.Permissions {
	perms, _ := security.ParsePermissions(s.TrustDefaults[trust.String()])
	return perms
}

// Principal converts the configured principal to a security context,
// falling back to the default trust and trust_defaults permissions.
func (s SecurityConfig) Principal(p PrincipalConfig, sessionID string) (security.Context, error) {
	trust := s.DefaultTrustLevel()
	if p.TrustLevel != "" {
		trust = security.ParseTrustLevel(p.TrustLevel)
	}
	perms, err := security.ParsePermissions(p.Permissions)
	if err != nil {
		return security.Context{}, err
	}
	if len(perms) == 0 {
		perms = s.DefaultPermissions(trust)
	}
	return security.Context{UserID: p.UserID, SessionID: sessionID, TrustLevel: trust, Permissions: perms}, nil
}

// Addr returns the HTTP listen address, defaulting to :8080.
func (h *HTTPGatewayConfig) Addr() string {
	if h.ListenAddr == "" {
		return ":8080"
	}
	return h.ListenAddr
}

// RequestLimit returns the maximum request body in bytes.
func (h *HTTPGatewayConfig) RequestLimit() int64 {
	if h.MaxRequestSize <= 0 {
		return 1 << 20
	}
	return h.MaxRequestSize
}

// TokenTTL returns the lifetime of issued tokens.
func (j *JWTConfig) TokenTTL() time.Duration {
	if j.TTL <= 0 {
		return time.Hour
	}
	return time.Duration(j.TTL) * time.Minute
}

// MetricsPath returns the metrics endpoint path.
func (m MetricsConfig) MetricsPath() string {
	if m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// ResolveSecrets replaces secret references (env://, file://, vault://) in
// credential fields with the values they point to, then validates again.
func (c *Config) ResolveSecrets(ctx context.Context, p secrets.Provider) error {
	fields := map[string]*string{
		"audit.alert_webhook": &c.Audit.AlertWebhook,
	}
	if c.Storage != nil {
		fields["storage.postgres.dsn"] = &c.Storage.Postgres.DSN
	}
	if c.Audit.ClickHouse != nil {
		fields["audit.clickhouse.dsn"] = &c.Audit.ClickHouse.DSN
	}
	if c.Audit.NATS != nil {
		fields["audit.nats.token"] = &c.Audit.NATS.Token
	}
	if h := c.Gateways.HTTP; h != nil && h.JWT != nil {
		fields["gateways.http.jwt.secret"] = &h.JWT.Secret
	}
	for key, value := range fields {
		if err := secrets.Expand(ctx, p, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return c.validate()
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	if c.Storage != nil {
		st := *c.Storage
		st.Postgres.DSN = mask(st.Postgres.DSN)
		out.Storage = &st
	}
	if c.Audit.ClickHouse != nil {
		ch := *c.Audit.ClickHouse
		ch.DSN = mask(ch.DSN)
		out.Audit.ClickHouse = &ch
	}
	if c.Audit.NATS != nil {
		n := *c.Audit.NATS
		n.Token = mask(n.Token)
		out.Audit.NATS = &n
	}
	out.Audit.AlertWebhook = mask(c.Audit.AlertWebhook)
	if c.Gateways.HTTP != nil {
		h := *c.Gateways.HTTP
		if h.JWT != nil {
			j := *h.JWT
			j.Secret = mask(j.Secret)
			h.JWT = &j
		}
		if len(h.APIKeys) > 0 {
			keys := make(map[string]PrincipalConfig, len(h.APIKeys))
			for k, v := range h.APIKeys {
				if len(k) > 8 {
					k = k[:8] + "…"
				}
				keys[k] = v
			}
			h.APIKeys = keys
		}
		out.Gateways.HTTP = &h
	}
	return &out
}

// InvalidValueError reports a configuration key with an unacceptable value.
type InvalidValueError struct {
	Key      string
	Value    any
	Expected string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value %v for %s: expected %s", e.Value, e.Key, e.Expected)
}

// ErrNotFound is returned by LoadFile when the file does not exist.
var ErrNotFound = errors.New("config file not found")

// LoadFile reads exactly path with no discovery. Used by `config validate`.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return Load(path)
}

var (
	validTrust   = []string{"untrusted", "community", "verified", "system"}
	validLevels  = []string{"", "trace", "debug", "info", "warn", "warning", "error"}
	validFormats = []string{"", "json", "text"}
)

// Validate reports the first invalid value as an *InvalidValueError.
func (c *Config) Validate() error { return c.validate() }

func (c *Config) validate() error {
	for i, p := range c.AllowedPaths {
		if !filepath.IsAbs(p) {
			return &InvalidValueError{Key: fmt.Sprintf("allowed_paths[%d]", i), Value: p, Expected: "an absolute path"}
		}
	}
	for i, p := range c.BlockedPaths {
		if !filepath.IsAbs(p) {
			return &InvalidValueError{Key: fmt.Sprintf("blocked_paths[%d]", i), Value: p, Expected: "an absolute path"}
		}
	}
	if c.MaxPathLength < 1 || c.MaxPathLength > 65536 {
		return &InvalidValueError{Key: "max_path_length", Value: c.MaxPathLength, Expected: "1..65536"}
	}
	if c.MaxDepth < 1 || c.MaxDepth > 64 {
		return &InvalidValueError{Key: "max_depth", Value: c.MaxDepth, Expected: "1..64"}
	}
	if c.MaxEntries < 1 {
		return &InvalidValueError{Key: "max_entries", Value: c.MaxEntries, Expected: "a positive integer"}
	}
	if c.MaxExecutionTime < 1 {
		return &InvalidValueError{Key: "max_execution_time", Value: c.MaxExecutionTime, Expected: "seconds >= 1"}
	}
	if c.MaxMemoryMB < 0 {
		return &InvalidValueError{Key: "max_memory_mb", Value: c.MaxMemoryMB, Expected: "0 or more"}
	}
	if c.RequestsPerMinute < 0 {
		return &InvalidValueError{Key: "requests_per_minute", Value: c.RequestsPerMinute, Expected: "0 (unlimited) or more"}
	}
	if c.BurstCapacity < 0 {
		return &InvalidValueError{Key: "burst_capacity", Value: c.BurstCapacity, Expected: "0 or more"}
	}
	if c.Audit.RetentionDays < 0 {
		return &InvalidValueError{Key: "audit.retention_days", Value: c.Audit.RetentionDays, Expected: "0 (forever) or more"}
	}
	if c.Audit.ClickHouse != nil && c.Audit.ClickHouse.DSN == "" {
		return &InvalidValueError{Key: "audit.clickhouse.dsn", Value: `""`, Expected: "a clickhouse:// DSN"}
	}
	if c.Audit.NATS != nil && c.Audit.NATS.URL == "" {
		return &InvalidValueError{Key: "audit.nats.url", Value: `""`, Expected: "a nats:// URL"}
	}
	if c.Limits.MaxFSOperations < 0 {
		return &InvalidValueError{Key: "limits.max_fs_operations", Value: c.Limits.MaxFSOperations, Expected: "0 or more"}
	}
	if c.Limits.MaxConcurrent < 0 {
		return &InvalidValueError{Key: "limits.max_concurrent", Value: c.Limits.MaxConcurrent, Expected: "0 or more"}
	}
	switch c.Sandbox.Backend {
	case "", "process", "docker":
	default:
		return &InvalidValueError{Key: "sandbox.backend", Value: c.Sandbox.Backend, Expected: "process or docker"}
	}
	if c.Security.DefaultTrust != "" && !slices.Contains(validTrust, strings.ToLower(c.Security.DefaultTrust)) {
		return &InvalidValueError{Key: "security.default_trust", Value: c.Security.DefaultTrust, Expected: strings.Join(validTrust, ", ")}
	}
	for trust, perms := range c.Security.TrustDefaults {
		key := "security.trust_defaults." + trust
		if !slices.Contains(validTrust, trust) {
			return &InvalidValueError{Key: key, Value: trust, Expected: strings.Join(validTrust, ", ")}
		}
		if _, err := security.ParsePermissions(perms); err != nil {
			return &InvalidValueError{Key: key, Value: perms, Expected: "permissions like file_read:/workspace/**"}
		}
	}
	if a := c.Security.Anomaly; a.ErrorRateThreshold < 0 || a.ErrorRateThreshold > 1 {
		return &InvalidValueError{Key: "security.anomaly.error_rate_threshold", Value: a.ErrorRateThreshold, Expected: "0..1"}
	}
	if c.Security.Anomaly.DenialThreshold < 0 {
		return &InvalidValueError{Key: "security.anomaly.denial_threshold", Value: c.Security.Anomaly.DenialThreshold, Expected: "0 or more"}
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateGateways(); err != nil {
		return err
	}
	if t := c.Observability; t != nil && t.Tracing != nil && t.Tracing.Enabled {
		switch t.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return &InvalidValueError{Key: "observability.tracing.protocol", Value: t.Tracing.Protocol, Expected: "grpc or http"}
		}
		if t.Tracing.Endpoint == "" {
			return &InvalidValueError{Key: "observability.tracing.endpoint", Value: `""`, Expected: "an OTLP collector address"}
		}
		if t.Tracing.SampleRate < 0 || t.Tracing.SampleRate > 1 {
			return &InvalidValueError{Key: "observability.tracing.sample_rate", Value: t.Tracing.SampleRate, Expected: "0..1"}
		}
	}
	if !slices.Contains(validLevels, strings.ToLower(c.Logging.Level)) {
		return &InvalidValueError{Key: "logging.level", Value: c.Logging.Level, Expected: "trace, debug, info, warn or error"}
	}
	if !slices.Contains(validFormats, strings.ToLower(c.Logging.Format)) {
		return &InvalidValueError{Key: "logging.format", Value: c.Logging.Format, Expected: "json or text"}
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.StorageDriverName() {
	case storage.DriverSQLite:
	case storage.DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return &InvalidValueError{Key: "storage.postgres.dsn", Value: `""`, Expected: "a postgres DSN (or TOOLGATE_DB_DSN)"}
		}
	default:
		return &InvalidValueError{Key: "storage.driver", Value: c.Storage.Driver, Expected: "sqlite or postgres"}
	}
	return nil
}

func (c *Config) validateGateways() error {
	validPrincipal := func(key string, p PrincipalConfig) error {
		if p.UserID == "" {
			return &InvalidValueError{Key: key + ".user_id", Value: `""`, Expected: "a user id"}
		}
		if p.TrustLevel != "" && !slices.Contains(validTrust, strings.ToLower(p.TrustLevel)) {
			return &InvalidValueError{Key: key + ".trust_level", Value: p.TrustLevel, Expected: strings.Join(validTrust, ", ")}
		}
		if _, err := security.ParsePermissions(p.Permissions); err != nil {
			return &InvalidValueError{Key: key + ".permissions", Value: p.Permissions, Expected: "permissions like file_read:/workspace/**"}
		}
		return nil
	}

	if h := c.Gateways.HTTP; h != nil && h.Enabled {
		if len(h.APIKeys) == 0 && (h.JWT == nil || h.JWT.Secret == "") {
			return &InvalidValueError{Key: "gateways.http", Value: "no credentials", Expected: "api_keys or jwt.secret"}
		}
		for hash, p := range h.APIKeys {
			if len(hash) != 64 {
				return &InvalidValueError{Key: "gateways.http.api_keys", Value: hash, Expected: "SHA-256 hex digest of the key"}
			}
			if err := validPrincipal("gateways.http.api_keys."+hash[:8], p); err != nil {
				return err
			}
		}
		if h.JWT != nil && h.JWT.Secret != "" && !secrets.IsRef(h.JWT.Secret) && len(h.JWT.Secret) < 32 {
			return &InvalidValueError{Key: "gateways.http.jwt.secret", Value: "(redacted)", Expected: "at least 32 bytes"}
		}
	}
	if m := c.Gateways.MCP; m != nil && m.Enabled {
		if err := validPrincipal("gateways.mcp.principal", m.Principal); err != nil {
			return err
		}
	}
	return nil
}
