package commands

import (
	"context"
	"database/sql"

	"github.com/teranos/aggregator/am"
	"github.com/teranos/aggregator/audit"
	"github.com/teranos/aggregator/dispatch"
	"github.com/teranos/aggregator/equivalence"
	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/execution"
	"github.com/teranos/aggregator/logger"
	"github.com/teranos/aggregator/metrics"
	"github.com/teranos/aggregator/registry"
	"github.com/teranos/aggregator/results"
	"github.com/teranos/aggregator/server"
	"github.com/teranos/aggregator/subscription"
)

// buildServer wires the registry, subscription table, executor and optional
// archiver and monitor around database into a server.
func buildServer(ctx context.Context, cfg *am.Config, database *sql.DB) (*server.Server, error) {
	m := metrics.New()
	auditStore := audit.NewSQLiteStore(database)
	resultStore := results.NewSQLiteStore(database)

	table := subscription.NewTable(logger.ComponentLogger("subscription"))
	bus := subscription.NewBus(table, cfg.Server.SendQueueSize, logger.ComponentLogger("bus"))

	reg := registry.New(
		m.InstrumentOracle(equivalence.StructuralOracle{}),
		auditStore,
		logger.ComponentLogger("registry"),
		registry.WithRegisteredBy(cfg.RegisteredBy()),
	)

	executor, err := newExecutor(cfg)
	if err != nil {
		return nil, err
	}

	coord := dispatch.New(reg, table, executor, logger.ComponentLogger("dispatch"),
		dispatch.WithResults(resultStore),
		dispatch.WithBus(bus),
		dispatch.WithMetrics(m),
	)

	deps := server.Deps{
		Coordinator: coord,
		Audit:       auditStore,
		Results:     resultStore,
		Bus:         bus,
		Metrics:     m,
	}

	if cfg.Audit.Archive.Enabled {
		deps.Archiver, err = newArchiver(ctx, cfg.Audit.Archive, auditStore)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Monitor.Enabled {
		deps.Monitor, err = server.NewResourceMonitor(cfg.Monitor, logger.ComponentLogger("monitor"))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create resource monitor")
		}
	}

	return server.New(cfg, deps, logger.ComponentLogger("server"))
}

// newExecutor returns the HTTP launcher when an engine URL is configured and
// the local executor otherwise.
func newExecutor(cfg *am.Config) (execution.Executor, error) {
	if cfg.Engine.URL == "" {
		return execution.NewLocal(logger.ComponentLogger("executor")), nil
	}
	launcher, err := execution.NewLauncher(cfg.Engine, logger.ComponentLogger("executor"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create engine launcher")
	}
	return launcher, nil
}

func newArchiver(ctx context.Context, cfg am.ArchiveConfig, store audit.Store) (*audit.Archiver, error) {
	uploader, err := audit.NewS3Uploader(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create S3 client")
	}
	archiver, err := audit.NewArchiver(store, uploader, cfg, logger.ComponentLogger("archive"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create audit archiver")
	}
	return archiver, nil
}
