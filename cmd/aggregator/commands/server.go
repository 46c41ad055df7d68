package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/aggregator/am"
	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/logger"
)

// ServerCmd starts the websocket aggregator
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"aggregation", "serve"},
	Short:   "Start the websocket aggregator",
	Long: `Start the aggregator. Clients connect to /ws with the configured subprotocol
and submit continuous RSP-QL queries; equivalent queries share one execution.

The admin API is served on the same port: /health, /api/registry, /api/audit,
/api/results, /metrics and /clear.`,
	RunE: runServer,
}

var (
	serverPort      int
	serverSolidURL  string
	serverDBPath    string
	serverConfig    string
	serverEngineURL string
)

func init() {
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Port to listen on (overrides server.port)")
	ServerCmd.Flags().StringVar(&serverSolidURL, "solid_server_url", "", "Solid pod server the engine reads streams from")
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Custom database path (overrides config)")
	ServerCmd.Flags().StringVar(&serverConfig, "config", "", "Config file to load and watch instead of the cascade")
	ServerCmd.Flags().StringVar(&serverEngineURL, "engine-url", "", "Streaming engine endpoint (empty runs executions locally)")
}

// loadServerConfig resolves configuration and applies command line overrides.
func loadServerConfig(cmd *cobra.Command) (*am.Config, string, error) {
	var (
		cfg  *am.Config
		path string
		err  error
	)
	if serverConfig != "" {
		path = serverConfig
		cfg, err = am.LoadFromFile(serverConfig)
	} else {
		path = am.ActiveConfigFile()
		cfg, err = am.Load()
	}
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to load config")
	}

	if cmd.Flags().Changed("port") {
		cfg.Server.Port = serverPort
	}
	if serverSolidURL != "" {
		cfg.Engine.SolidServerURL = serverSolidURL
	}
	if serverEngineURL != "" {
		cfg.Engine.URL = serverEngineURL
	}
	if serverDBPath != "" {
		cfg.Database.Path = serverDBPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", errors.Wrap(err, "invalid configuration")
	}
	return cfg, path, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadServerConfig(cmd)
	if err != nil {
		return err
	}

	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = cfg.Logging.Verbosity
	}
	logger.SetVerbosity(verbosity)

	if configPath != "" {
		if unknown, err := am.CheckUnknownKeys(configPath); err == nil && len(unknown) > 0 {
			pterm.Warning.Printf("Unknown keys in %s: %v\n", configPath, unknown)
		}
	}

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	printStartupBanner(cfg, verbosity)

	ctx := context.Background()
	srv, err := buildServer(ctx, cfg, database)
	if err != nil {
		return err
	}

	if configPath != "" {
		var cw *am.ConfigWatcher
		if serverConfig != "" {
			cw, err = am.NewFileConfigWatcher(configPath)
		} else {
			cw, err = am.NewConfigWatcher(configPath)
		}
		if err != nil {
			pterm.Warning.Printf("Config hot reload disabled: %v\n", err)
		} else {
			srv.WatchConfig(cw)
		}
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(cfg.Server.Port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		srv.Stop()
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
