package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/aggregator/am"
	"github.com/teranos/aggregator/audit"
	"github.com/teranos/aggregator/errors"
)

// AuditCmd groups the audit log commands
var AuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect, export and archive the query audit log",
	Long: `Inspect the query audit log kept by the server.

Every registration is recorded with its registrant, its decision and the
queries found equivalent to it; every access to results is appended to the
entry it read from.

Examples:
  aggregator audit list --status duplicate
  aggregator audit show 6f1c...
  aggregator audit export ./query_audit_log.json
  aggregator audit archive`,
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries",
	RunE:  runAuditList,
}

var auditShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one audit entry with its access log",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditShow,
}

var auditExportCmd = &cobra.Command{
	Use:   "export [path]",
	Short: "Write the audit log as one JSON array",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditExport,
}

var auditArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Upload a compressed snapshot of the audit log to S3",
	RunE:  runAuditArchive,
}

var (
	auditFormat  string
	showFormat   string
	auditQueryID string
	auditStatus  string
	auditSince   string
	auditLimit   int
	auditDBPath  string
)

func init() {
	AuditCmd.PersistentFlags().StringVar(&auditDBPath, "db-path", "", "Custom database path (overrides config)")

	auditListCmd.Flags().StringVar(&auditFormat, "format", "table", "Output format: table, json, yaml")
	auditListCmd.Flags().StringVar(&auditQueryID, "query-id", "", "Only entries for this query fingerprint")
	auditListCmd.Flags().StringVar(&auditStatus, "status", "", "Only entries with this status (executing, duplicate, rejected, failed)")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Only entries registered after this RFC 3339 time or duration ago (e.g. 24h)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 0, "Maximum entries to show (0 = all)")

	auditShowCmd.Flags().StringVar(&showFormat, "format", "yaml", "Output format: json, yaml")

	AuditCmd.AddCommand(auditListCmd)
	AuditCmd.AddCommand(auditShowCmd)
	AuditCmd.AddCommand(auditExportCmd)
	AuditCmd.AddCommand(auditArchiveCmd)
}

func openAuditStore() (*audit.SQLiteStore, func(), error) {
	database, err := openDatabase(auditDBPath)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewSQLiteStore(database), func() { database.Close() }, nil
}

// parseSince accepts an RFC 3339 timestamp or a duration before now.
func parseSince(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return time.Time{}, errors.Newf("--since %q is neither an RFC 3339 time nor a duration", value)
	}
	return now.Add(-d), nil
}

func runAuditList(cmd *cobra.Command, args []string) error {
	since, err := parseSince(auditSince, time.Now())
	if err != nil {
		return err
	}

	store, closeDB, err := openAuditStore()
	if err != nil {
		return err
	}
	defer closeDB()

	entries, err := store.List(cmd.Context(), audit.Filter{
		QueryID: auditQueryID,
		Status:  audit.Status(auditStatus),
		Since:   since,
		Limit:   auditLimit,
	})
	if err != nil {
		return errors.Wrap(err, "failed to list audit entries")
	}
	return renderEntries(cmd.OutOrStdout(), entries, auditFormat)
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openAuditStore()
	if err != nil {
		return err
	}
	defer closeDB()

	entry, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return renderValue(cmd.OutOrStdout(), entry, showFormat)
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	path := audit.DefaultExportFile
	if len(args) == 1 {
		path = args[0]
	}

	store, closeDB, err := openAuditStore()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := audit.Export(cmd.Context(), store, path); err != nil {
		return err
	}
	pterm.Success.Printf("Audit log written to %s\n", path)
	return nil
}

func runAuditArchive(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if cfg.Audit.Archive.Bucket == "" {
		return errors.WithHint(errors.New("no archive bucket configured"),
			"set audit.archive.bucket in am.toml")
	}

	store, closeDB, err := openAuditStore()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	archiver, err := newArchiver(ctx, cfg.Audit.Archive, store)
	if err != nil {
		return err
	}
	key, err := archiver.Archive(ctx)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Audit log archived to s3://%s/%s\n", cfg.Audit.Archive.Bucket, key)
	return nil
}

// renderEntries writes entries as a table, JSON or YAML.
func renderEntries(w io.Writer, entries []audit.Entry, format string) error {
	if format != "table" {
		return renderValue(w, entries, format)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No audit entries")
		return nil
	}

	data := pterm.TableData{{"ID", "Query", "Status", "Registered by", "Time", "Similar", "Accesses"}}
	for _, e := range entries {
		data = append(data, []string{
			shortID(e.ID),
			shortID(e.QueryID),
			string(e.Status),
			e.RegisteredBy,
			e.Timestamp.Local().Format(time.DateTime),
			strconv.Itoa(len(e.SimilarQueries)),
			strconv.Itoa(len(e.AccessLog)),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}

// renderValue writes v as JSON or YAML.
func renderValue(w io.Writer, v any, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return errors.Newf("unsupported format: %s (supported: table, json, yaml)", format)
	}
}

// shortID truncates an ID to 8 characters for display
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

