package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "aggregator.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.protocol_name", DefaultProtocolName)
	v.SetDefault("server.max_clients", DefaultMaxClients)
	v.SetDefault("server.send_queue_size", DefaultSendQueueSize)
	v.SetDefault("server.max_queries_per_minute", 60)

	v.SetDefault("registry.registered_by", DefaultRegisteredBy)

	v.SetDefault("engine.url", "")
	v.SetDefault("engine.solid_server_url", "")
	v.SetDefault("engine.timeout_seconds", 10)
	v.SetDefault("engine.allow_private_network", true)
	v.SetDefault("engine.version_constraint", "")

	v.SetDefault("audit.export_path", "query_audit_log.json")
	v.SetDefault("audit.archive.enabled", false)
	v.SetDefault("audit.archive.region", "us-east-1")
	v.SetDefault("audit.archive.prefix", "audit/")
	v.SetDefault("audit.archive.interval_seconds", 3600)

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.resource_log_path", "resource_usage.csv")
	v.SetDefault("monitor.interval_ms", 500)

	v.SetDefault("logging.json", false)
	v.SetDefault("logging.verbosity", 1)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "AGGREGATOR_DATABASE_PATH")
	v.BindEnv("engine.url", "AGGREGATOR_ENGINE_URL")
	v.BindEnv("audit.archive.access_key_id", "AGGREGATOR_ARCHIVE_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID")
	v.BindEnv("audit.archive.secret_access_key", "AGGREGATOR_ARCHIVE_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY")
}

// EngineTimeout returns the engine request timeout
func (c *Config) EngineTimeout() time.Duration {
	if c.Engine.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}

// MonitorInterval returns the resource sampling interval
func (c *Config) MonitorInterval() time.Duration {
	if c.Monitor.IntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Monitor.IntervalMS) * time.Millisecond
}

// RegisteredBy returns the default audit registrant
func (c *Config) RegisteredBy() string {
	if c.Registry.RegisteredBy == "" {
		return DefaultRegisteredBy
	}
	return c.Registry.RegisteredBy
}

// String returns a string representation of the config
func (c *Config) String() string {
	engine := c.Engine.URL
	if engine == "" {
		engine = "local"
	}
	return fmt.Sprintf("Config{Database: %s, Server: {Port: %d}, Engine: %s, Archive: %t}",
		c.Database.Path, c.Server.Port, engine, c.Audit.Archive.Enabled)
}
