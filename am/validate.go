package am

import (
	"net/url"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/aggregator/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.MaxClients < 0 {
		return errors.Newf("server.max_clients must be >= 0, got %d", c.Server.MaxClients)
	}
	if c.Server.SendQueueSize <= 0 {
		return errors.Newf("server.send_queue_size must be > 0, got %d", c.Server.SendQueueSize)
	}
	// 0 = unlimited
	if c.Server.MaxQueriesPerMinute < 0 {
		return errors.Newf("server.max_queries_per_minute must be >= 0, got %d", c.Server.MaxQueriesPerMinute)
	}

	if c.Engine.URL != "" {
		u, err := url.Parse(c.Engine.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.Newf("engine.url must be an absolute URL, got %q", c.Engine.URL)
		}
	}
	if c.Engine.TimeoutSeconds < 0 {
		return errors.Newf("engine.timeout_seconds must be >= 0, got %d", c.Engine.TimeoutSeconds)
	}
	if c.Engine.VersionConstraint != "" {
		if _, err := semver.NewConstraint(c.Engine.VersionConstraint); err != nil {
			return errors.Wrapf(err, "engine.version_constraint %q is not a valid constraint", c.Engine.VersionConstraint)
		}
	}

	if c.Audit.Archive.Enabled {
		if c.Audit.Archive.Bucket == "" {
			return errors.New("audit.archive.bucket cannot be empty when archive is enabled")
		}
		if c.Audit.Archive.IntervalSeconds < 0 {
			return errors.Newf("audit.archive.interval_seconds must be >= 0, got %d", c.Audit.Archive.IntervalSeconds)
		}
	}

	if c.Monitor.Enabled && c.Monitor.ResourceLogPath == "" {
		return errors.New("monitor.resource_log_path cannot be empty when monitor is enabled")
	}
	if c.Monitor.IntervalMS < 0 {
		return errors.Newf("monitor.interval_ms must be >= 0, got %d", c.Monitor.IntervalMS)
	}

	if c.Logging.Verbosity < 0 {
		return errors.Newf("logging.verbosity must be >= 0, got %d", c.Logging.Verbosity)
	}

	return nil
}
