package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/aggregator/am"
	"github.com/teranos/aggregator/logger"
	"github.com/teranos/aggregator/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(cfg *am.Config, verbosity int) {
	info := version.Get()

	engine := cfg.Engine.URL
	if engine == "" {
		engine = "local (results pushed by clients)"
	}

	pterm.DefaultHeader.WithFullWidth().Println("aggregator")
	pterm.DefaultTable.WithData(pterm.TableData{
		{"Version", fmt.Sprintf("%s (commit %s)", info.Version, version.Short())},
		{"Built", info.BuildTime},
		{"Verbosity", logger.LevelName(verbosity)},
		{"Database", cfg.Database.Path},
		{"WebSocket", fmt.Sprintf("ws://localhost:%d/ws (%s)", cfg.Server.Port, cfg.Server.ProtocolName)},
		{"Engine", engine},
		{"Archive", archiveLabel(cfg.Audit.Archive)},
	}).Render()

	pterm.Info.Println("Press Ctrl+C to stop")
}

func archiveLabel(cfg am.ArchiveConfig) string {
	if !cfg.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("s3://%s/%s", cfg.Bucket, cfg.Prefix)
}
