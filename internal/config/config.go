// Package config handles loading and validating kazi configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for kazi.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.kazi/data. Override: KAZI_DATA_DIR env var.
	Store         *StoreConfig         `json:"store,omitempty" yaml:"store,omitempty"`       // nil = in-memory store
	Orchestrator  OrchestratorConfig   `json:"orchestrator" yaml:"orchestrator"`
	Matcher       *MatcherConfig       `json:"matcher,omitempty" yaml:"matcher,omitempty"`
	Router        *RouterConfig        `json:"router,omitempty" yaml:"router,omitempty"`
	Resilience    *ResilienceConfig    `json:"resilience,omitempty" yaml:"resilience,omitempty"`
	Heartbeat     *HeartbeatConfig     `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
	Sweeps        *SweepsConfig        `json:"sweeps,omitempty" yaml:"sweeps,omitempty"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled

	// MessagingSecret derives the key sealing agent traffic. Empty =
	// plaintext (development only). Override: KAZI_MESSAGING_SECRET env var.
	MessagingSecret string `json:"messaging_secret,omitempty" yaml:"messaging_secret,omitempty"`
}

// StoreConfig configures the persistence backend.
// When nil, queue state lives in memory and is lost on restart.
type StoreConfig struct {
	Driver   string               `json:"driver" yaml:"driver"`                         // "memory" (default), "sqlite", or "postgres".
	SQLite   *SQLiteStoreConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStoreConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StoreDriver returns the configured driver, defaulting to "memory".
func (s *StoreConfig) StoreDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "memory"
}

// SQLiteStoreConfig holds SQLite-specific settings.
type SQLiteStoreConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data_dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStoreConfig holds PostgreSQL-specific settings.
type PostgresStoreConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: KAZI_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// OrchestratorConfig tunes the scheduling loop and recovery sweeps.
type OrchestratorConfig struct {
	ID                  string         `json:"id,omitempty" yaml:"id,omitempty"`                     // Instance ID for health snapshots. Default: random.
	TickIntervalMS      int            `json:"tick_interval_ms" yaml:"tick_interval_ms"`             // Default: 100.
	TaskTimeoutSeconds  int            `json:"task_timeout_seconds" yaml:"task_timeout_seconds"`     // In-flight tasks older than this are stuck. Default: 1800.
	MaxRetries          int            `json:"max_retries" yaml:"max_retries"`                       // Retry ceiling before dead-lettering. Default: 5.
	QueueWeights        map[string]int `json:"queue_weights,omitempty" yaml:"queue_weights,omitempty"`
	AssignBurst         int            `json:"assign_burst" yaml:"assign_burst"`                     // Assignments per queue per tick. Default: 4.
	DeadLetterThreshold int            `json:"dead_letter_threshold" yaml:"dead_letter_threshold"`   // Queue flips unhealthy past this. Default: 10.
	FailureBatch        int            `json:"failure_batch" yaml:"failure_batch"`                   // Failure reports analyzed per sweep. Default: 50.
	MigrateBatch        int            `json:"migrate_batch" yaml:"migrate_batch"`                   // Tasks moved per balancing migration. Default: 25.
}

// TickInterval returns the scheduling loop cadence with a default of 100ms.
func (o OrchestratorConfig) TickInterval() time.Duration {
	if o.TickIntervalMS > 0 {
		return time.Duration(o.TickIntervalMS) * time.Millisecond
	}
	return 100 * time.Millisecond
}

// TaskTimeout returns the stuck-task timeout with a default of 30m.
func (o OrchestratorConfig) TaskTimeout() time.Duration {
	if o.TaskTimeoutSeconds > 0 {
		return time.Duration(o.TaskTimeoutSeconds) * time.Second
	}
	return 30 * time.Minute
}

// MatcherConfig tunes the capability registry and discovery probes.
type MatcherConfig struct {
	DefaultProficiency       float64 `json:"default_proficiency" yaml:"default_proficiency"`               // Default: 0.8.
	Threshold                float64 `json:"threshold" yaml:"threshold"`                                   // Match/discovery confidence gate. Default: 0.7.
	EMAAlpha                 float64 `json:"ema_alpha" yaml:"ema_alpha"`                                   // Newest-outcome weight. Default: 0.3.
	CapabilityTimeoutSeconds int     `json:"capability_timeout_seconds" yaml:"capability_timeout_seconds"` // Staleness cutoff. Default: 300.
}

// CapabilityTimeout returns the staleness cutoff with a default of 5m.
func (m *MatcherConfig) CapabilityTimeout() time.Duration {
	if m != nil && m.CapabilityTimeoutSeconds > 0 {
		return time.Duration(m.CapabilityTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// RouterConfig tunes complexity scoring.
type RouterConfig struct {
	WorkspaceDir string `json:"workspace_dir,omitempty" yaml:"workspace_dir,omitempty"` // Where task file references resolve. Default: process cwd.
	MaxFileBytes int64  `json:"max_file_bytes" yaml:"max_file_bytes"`                   // Cap on file content read for structure analysis. Default: 262144.
}

// ResilienceConfig tunes the circuit breakers.
type ResilienceConfig struct {
	BreakerThreshold      int `json:"breaker_threshold" yaml:"breaker_threshold"`               // Consecutive failures tripping a breaker. Default: 5.
	BreakerTimeoutSeconds int `json:"breaker_timeout_seconds" yaml:"breaker_timeout_seconds"`   // Open duration before a half-open trial. Default: 60.
}

// BreakerTimeout returns the open duration with a default of 60s.
func (r *ResilienceConfig) BreakerTimeout() time.Duration {
	if r != nil && r.BreakerTimeoutSeconds > 0 {
		return time.Duration(r.BreakerTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// Threshold returns the breaker trip threshold with a default of 5.
func (r *ResilienceConfig) Threshold() int {
	if r != nil && r.BreakerThreshold > 0 {
		return r.BreakerThreshold
	}
	return 5
}

// HeartbeatConfig tunes agent liveness tracking.
type HeartbeatConfig struct {
	IntervalSeconds int `json:"interval_seconds" yaml:"interval_seconds"` // Expected push cadence. Default: 10.
	TTLSeconds      int `json:"ttl_seconds" yaml:"ttl_seconds"`           // Missed-heartbeat cutoff. Default: 30.
}

// Interval returns the expected push cadence with a default of 10s.
func (h *HeartbeatConfig) Interval() time.Duration {
	if h != nil && h.IntervalSeconds > 0 {
		return time.Duration(h.IntervalSeconds) * time.Second
	}
	return 10 * time.Second
}

// TTL returns the liveness cutoff with a default of 30s.
func (h *HeartbeatConfig) TTL() time.Duration {
	if h != nil && h.TTLSeconds > 0 {
		return time.Duration(h.TTLSeconds) * time.Second
	}
	return 30 * time.Second
}

// SweepsConfig sets the cron schedule for each recovery sweep. Specs use
// robfig/cron syntax, including "@every" shorthands.
type SweepsConfig struct {
	StuckScan     string `json:"stuck_scan" yaml:"stuck_scan"`         // Default: "@every 1m".
	FailureSweep  string `json:"failure_sweep" yaml:"failure_sweep"`   // Default: "@every 30s".
	Balance       string `json:"balance" yaml:"balance"`               // Default: "@every 2m".
	HealthPublish string `json:"health_publish" yaml:"health_publish"` // Default: "@every 30s".
	StaleAgents   string `json:"stale_agents" yaml:"stale_agents"`     // Default: "@every 15s".
	Discovery     string `json:"discovery" yaml:"discovery"`           // Default: "@every 30s".
}

func (s *SweepsConfig) StuckScanSpec() string {
	if s != nil && s.StuckScan != "" {
		return s.StuckScan
	}
	return "@every 1m"
}

func (s *SweepsConfig) FailureSweepSpec() string {
	if s != nil && s.FailureSweep != "" {
		return s.FailureSweep
	}
	return "@every 30s"
}

func (s *SweepsConfig) BalanceSpec() string {
	if s != nil && s.Balance != "" {
		return s.Balance
	}
	return "@every 2m"
}

func (s *SweepsConfig) HealthPublishSpec() string {
	if s != nil && s.HealthPublish != "" {
		return s.HealthPublish
	}
	return "@every 30s"
}

func (s *SweepsConfig) StaleAgentsSpec() string {
	if s != nil && s.StaleAgents != "" {
		return s.StaleAgents
	}
	return "@every 15s"
}

func (s *SweepsConfig) DiscoverySpec() string {
	if s != nil && s.Discovery != "" {
		return s.Discovery
	}
	return "@every 30s"
}

// GatewayConfig defines the operator HTTP API and the agent WebSocket
// endpoint. The WebSocket endpoint is mounted on the HTTP server's mux.
type GatewayConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// HTTPGatewayConfig configures the operator HTTP API.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	MetricsPath         string            `json:"metrics_path" yaml:"metrics_path"` // Default: "/metrics".
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WebSocketGatewayConfig configures the agent WebSocket endpoint.
type WebSocketGatewayConfig struct {
	Path                   string `json:"path" yaml:"path"`                                             // Default: "/ws/agents".
	AgentToken             string `json:"agent_token" yaml:"agent_token"`                               // Shared token. Override: KAZI_AGENT_TOKEN env var.
	RegisterTimeoutSeconds int    `json:"register_timeout_seconds" yaml:"register_timeout_seconds"`     // Default: 10.
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`           // Default: 10.
	ProbeTimeoutSeconds    int    `json:"probe_timeout_seconds" yaml:"probe_timeout_seconds"`           // Default: 30.
}

// WSPath returns the WebSocket path with a default of "/ws/agents".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/agents"
}

// RegisterTimeout returns the registration deadline with a default of 10s.
func (w *WebSocketGatewayConfig) RegisterTimeout() time.Duration {
	if w != nil && w.RegisterTimeoutSeconds > 0 {
		return time.Duration(w.RegisterTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// WriteTimeout returns the per-message write deadline with a default of 10s.
func (w *WebSocketGatewayConfig) WriteTimeout() time.Duration {
	if w != nil && w.WriteTimeoutSeconds > 0 {
		return time.Duration(w.WriteTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// ProbeTimeout returns the discovery probe deadline with a default of 30s.
func (w *WebSocketGatewayConfig) ProbeTimeout() time.Duration {
	if w != nil && w.ProbeTimeoutSeconds > 0 {
		return time.Duration(w.ProbeTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// RateLimitConfig configures per-user rate limiting for the submit path.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kazi"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultConfigPath returns the default config file path (~/.kazi/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kazi.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kazi", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Secrets can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".kazi", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides folds environment variables into the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	if env := os.Getenv("KAZI_DATA_DIR"); env != "" {
		c.DataDir = env
	}
	if env := os.Getenv("KAZI_MESSAGING_SECRET"); env != "" {
		c.MessagingSecret = env
	}
	if env := os.Getenv("KAZI_DB_DSN"); env != "" {
		if c.Store == nil {
			c.Store = &StoreConfig{Driver: "postgres"}
		}
		if c.Store.Postgres == nil {
			c.Store.Postgres = &PostgresStoreConfig{}
		}
		c.Store.Postgres.DSN = env
	}
	if env := os.Getenv("KAZI_AGENT_TOKEN"); env != "" {
		if c.Gateway.WebSocket == nil {
			c.Gateway.WebSocket = &WebSocketGatewayConfig{}
		}
		c.Gateway.WebSocket.AgentToken = env
	}
	if env := os.Getenv("KAZI_API_KEY"); env != "" {
		if c.Gateway.HTTP == nil {
			c.Gateway.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		if c.Gateway.HTTP.APIKeyUserMapping == nil {
			c.Gateway.HTTP.APIKeyUserMapping = make(map[string]string)
		}
		c.Gateway.HTTP.APIKeyUserMapping[env] = "admin"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".kazi", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	if c.Store != nil && c.Store.SQLite != nil && c.Store.SQLite.Path != "" {
		return c.Store.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "kazi.db")
}

func (c *Config) validate() error {
	if c.Store != nil && c.Store.Driver != "" {
		switch c.Store.Driver {
		case "memory", "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("store.driver %q is not supported (use memory, sqlite, or postgres)", c.Store.Driver)
		}
	}
	if c.Store.StoreDriver() == "postgres" {
		if c.Store.Postgres == nil || c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres driver (set KAZI_DB_DSN env var)")
		}
	}
	if c.Gateway.HTTP != nil && c.Gateway.HTTP.Enabled {
		if len(c.Gateway.HTTP.APIKeyUserMapping) == 0 {
			return fmt.Errorf("gateway.http.api_key_user_mapping must contain at least one key (or set KAZI_API_KEY env var)")
		}
		if rl := c.Gateway.HTTP.RateLimit; rl.RequestsPerMinute < 0 || rl.BurstSize < 0 {
			return fmt.Errorf("gateway.http.rate_limit values must not be negative")
		}
	}
	if h := c.Heartbeat; h != nil && h.IntervalSeconds > 0 && h.TTLSeconds > 0 {
		if h.TTLSeconds <= h.IntervalSeconds {
			return fmt.Errorf("heartbeat.ttl_seconds must exceed heartbeat.interval_seconds")
		}
	}
	if o := c.Orchestrator; o.MaxRetries < 0 || o.AssignBurst < 0 || o.FailureBatch < 0 || o.MigrateBatch < 0 {
		return fmt.Errorf("orchestrator batch and retry settings must not be negative")
	}
	if r := c.Router; r != nil && r.MaxFileBytes < 0 {
		return fmt.Errorf("router.max_file_bytes must not be negative")
	}
	return nil
}
