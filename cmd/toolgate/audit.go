package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/storage"
)

var (
	auditTool    string
	auditUser    string
	auditType    string
	auditMinRisk string
	auditSince   string
	auditLimit   int

	auditTailLines int
	auditPruneAge  time.Duration
	auditPruneDry  bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and maintain the audit trail",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query stored audit events, newest first",
	Example: `  toolgate audit query --type denied --since 1h
  toolgate audit query --user alice --min-risk high --limit 20`,
	Args: cobra.NoArgs,
	RunE: runAuditQuery,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the last events of the JSONL audit log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		events, err := audit.ReadJSONL(cfg.AuditLogPath(), auditTailLines)
		if err != nil {
			return withCode(ExitNoInput, err)
		}
		return writeEvents(cmd.OutOrStdout(), events)
	},
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stored audit events older than the retention period",
	Args:  cobra.NoArgs,
	RunE:  runAuditPrune,
}

func init() {
	f := auditQueryCmd.Flags()
	f.StringVar(&auditTool, "tool", "", "only events for this tool")
	f.StringVar(&auditUser, "user", "", "only events by this user")
	f.StringVar(&auditType, "type", "", "only events of this type (completed, denied, failed, ...)")
	f.StringVar(&auditMinRisk, "min-risk", "", "minimum risk level: low, medium, high, critical")
	f.StringVar(&auditSince, "since", "", "only events newer than a duration (1h) or RFC 3339 time")
	f.IntVarP(&auditLimit, "limit", "n", 0, "maximum events to return (default 100)")

	auditTailCmd.Flags().IntVarP(&auditTailLines, "lines", "n", 20, "number of events to print (0 = all)")

	auditPruneCmd.Flags().DurationVar(&auditPruneAge, "older-than", 0, "age cutoff (default: audit.retention_days)")
	auditPruneCmd.Flags().BoolVar(&auditPruneDry, "dry-run", false, "print the cutoff without deleting")

	auditCmd.AddCommand(auditQueryCmd, auditTailCmd, auditPruneCmd)
}

// queryValues renders the flags in the form audit.ParseFilter reads, so
// the CLI and the HTTP API accept exactly the same filters.
func queryValues() url.Values {
	q := url.Values{}
	set := func(key, value string) {
		if value != "" {
			q.Set(key, value)
		}
	}
	set("tool", auditTool)
	set("user", auditUser)
	set("type", auditType)
	set("min_risk", auditMinRisk)
	set("since", auditSince)
	if auditLimit > 0 {
		q.Set("limit", strconv.Itoa(auditLimit))
	}
	return q
}

func runAuditQuery(cmd *cobra.Command, _ []string) error {
	filter, err := audit.ParseFilter(queryValues())
	if err != nil {
		return withCode(ExitUsage, err)
	}

	store, _, err := openAuditStore(contextOf(cmd))
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.Audit().Query(contextOf(cmd), filter)
	if err != nil {
		return withCode(ExitUnavailable, err)
	}
	return writeEvents(cmd.OutOrStdout(), events)
}

func runAuditPrune(cmd *cobra.Command, _ []string) error {
	store, cfg, err := openAuditStore(contextOf(cmd))
	if err != nil {
		return err
	}
	defer store.Close()

	age := auditPruneAge
	if age == 0 {
		age = cfg.Audit.RetentionDuration()
	}
	if age <= 0 {
		return withCode(ExitUsage, errors.New("retention is unlimited; pass --older-than"))
	}
	cutoff := time.Now().UTC().Add(-age)
	out := cmd.OutOrStdout()
	if auditPruneDry {
		fmt.Fprintf(out, "would delete events before %s\n", cutoff.Format(time.RFC3339))
		return nil
	}

	n, err := store.Audit().PruneBefore(contextOf(cmd), cutoff)
	if err != nil {
		return withCode(ExitUnavailable, err)
	}
	fmt.Fprintf(out, "deleted %d events before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}

// openAuditStore opens the SQL store without the rest of the pipeline.
func openAuditStore(ctx context.Context) (storage.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Audit.Store {
		return nil, nil, withCode(ExitConfig, errors.New("audit.store is disabled; use `toolgate audit tail` for the JSONL log"))
	}
	logger := newLogger(cfg.Logging, slog.LevelWarn)
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// writeEvents prints one JSON event per line.
func writeEvents(w io.Writer, events []audit.Event) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return withCode(ExitIOErr, err)
		}
	}
	return nil
}
