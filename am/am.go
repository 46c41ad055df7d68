package am

// Config represents the aggregator configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Registry RegistryConfig `mapstructure:"registry" toml:"registry"`
	Engine   EngineConfig   `mapstructure:"engine" toml:"engine"`
	Audit    AuditConfig    `mapstructure:"audit" toml:"audit"`
	Monitor  MonitorConfig  `mapstructure:"monitor" toml:"monitor"`
	Logging  LoggingConfig  `mapstructure:"logging" toml:"logging"`
}

// DatabaseConfig configures the SQLite database holding the audit log and results
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the websocket and HTTP listener
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
	ProtocolName   string   `mapstructure:"protocol_name" toml:"protocol_name"` // websocket subprotocol offered to clients
	MaxClients     int      `mapstructure:"max_clients" toml:"max_clients"`
	SendQueueSize  int      `mapstructure:"send_queue_size" toml:"send_queue_size"` // per-connection outbound buffer

	// Per-connection query submissions per minute. 0 = unlimited.
	MaxQueriesPerMinute int `mapstructure:"max_queries_per_minute" toml:"max_queries_per_minute"`
}

// RegistryConfig configures the deduplicating registry
type RegistryConfig struct {
	RegisteredBy string `mapstructure:"registered_by" toml:"registered_by"` // audit registrant when a client sends none
}

// EngineConfig configures the streaming execution engine.
// An empty URL runs in local mode: executions are tracked and results are
// pushed back by clients or the /api/results callback.
type EngineConfig struct {
	URL                 string `mapstructure:"url" toml:"url"`
	SolidServerURL      string `mapstructure:"solid_server_url" toml:"solid_server_url"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	AllowPrivateNetwork bool   `mapstructure:"allow_private_network" toml:"allow_private_network"`
	VersionConstraint   string `mapstructure:"version_constraint" toml:"version_constraint"` // semver constraint, e.g. ">= 1.2, < 2"
}

// AuditConfig configures audit export and archival
type AuditConfig struct {
	ExportPath string        `mapstructure:"export_path" toml:"export_path"`
	Archive    ArchiveConfig `mapstructure:"archive" toml:"archive"`
}

// ArchiveConfig configures periodic upload of the audit log to S3-compatible storage
type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled" toml:"enabled"`
	Bucket          string `mapstructure:"bucket" toml:"bucket"`
	Region          string `mapstructure:"region" toml:"region"`
	Endpoint        string `mapstructure:"endpoint" toml:"endpoint"` // MinIO, R2, etc.
	Prefix          string `mapstructure:"prefix" toml:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" toml:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style" toml:"use_path_style"`
	IntervalSeconds int    `mapstructure:"interval_seconds" toml:"interval_seconds"` // 0 = only on shutdown
}

// MonitorConfig configures the process resource usage log
type MonitorConfig struct {
	Enabled         bool   `mapstructure:"enabled" toml:"enabled"`
	ResourceLogPath string `mapstructure:"resource_log_path" toml:"resource_log_path"`
	IntervalMS      int    `mapstructure:"interval_ms" toml:"interval_ms"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	JSON      bool `mapstructure:"json" toml:"json"`
	Verbosity int  `mapstructure:"verbosity" toml:"verbosity"`
}

// Server defaults
const (
	DefaultServerPort    = 8080
	DefaultProtocolName  = "solid-stream-aggregator-protocol"
	DefaultMaxClients    = 100
	DefaultSendQueueSize = 256
	DefaultRegisteredBy  = "healthcare-worker"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
