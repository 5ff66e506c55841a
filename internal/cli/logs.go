//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgEdge/pgedge-dwload/internal/db"
	"github.com/pgEdge/pgedge-dwload/internal/etl"
)

var (
	logsLimit    int
	logsLastRun  bool
	logsMetadata bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent etl_logs rows",
	Long: `Show the most recent rows of the warehouse's etl_logs table, or with
--last-run every row of the latest run, whole-run row first.`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().IntVar(&logsLimit, "limit", 20, "number of rows to show")
	logsCmd.Flags().BoolVar(&logsLastRun, "last-run", false, "show the latest run only")
	logsCmd.Flags().BoolVar(&logsMetadata, "metadata", false, "also show the loader metadata")
}

func runLogs(cmd *cobra.Command, args []string) error {
	if cfg.Target == "" {
		return &etl.ConfigurationError{Msg: "target connection string is required"}
	}
	if logsLimit < 1 {
		return &etl.ConfigurationError{Msg: "limit must be at least 1"}
	}

	ctx := context.Background()
	dw, err := connect(ctx, "warehouse", cfg.Target, 0)
	if err != nil {
		return err
	}
	defer dw.Close()

	if err := requireTable(ctx, dw, "etl_logs"); err != nil {
		return err
	}

	store := etl.NewRunLog(dw)
	var entries []etl.LogEntry
	if logsLastRun {
		entries, err = store.LastRunSummary(ctx)
	} else {
		entries, err = store.Recent(ctx, logsLimit)
	}
	if err != nil {
		return fmt.Errorf("failed to read etl_logs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No runs recorded")
	} else {
		printLogEntries(out, entries)
	}

	if logsMetadata {
		meta, err := db.GetAllMetadata(ctx, dw)
		if err != nil {
			return fmt.Errorf("failed to read metadata: %w", err)
		}
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out)
		for _, k := range keys {
			fmt.Fprintf(out, "%-20s %s\n", k, meta[k])
		}
	}
	return nil
}

func printLogEntries(w io.Writer, entries []etl.LogEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROCESS\tTABLE\tSTARTED\tSECONDS\tEXTRACTED\tINSERTED\tUPDATED\tERRORS\tSTATUS\tMESSAGE")
	for _, e := range entries {
		seconds := "-"
		if e.Duration != nil {
			seconds = fmt.Sprintf("%.3f", *e.Duration)
		}
		msg := ""
		if e.Message != nil {
			msg = *e.Message
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			e.LogID, e.Process, e.Table, e.Started.Format(time.DateTime), seconds,
			e.Extracted, e.Inserted, e.Updated, e.Errors, e.Status, msg)
	}
	_ = tw.Flush()
}

// requireTable fails with a ConfigurationError when table is missing.
func requireTable(ctx context.Context, conn db.DB, table string) error {
	exists, err := db.TableExists(ctx, conn, table)
	if err != nil {
		return fmt.Errorf("failed to check table %s: %w", table, err)
	}
	if !exists {
		return &etl.ConfigurationError{Msg: fmt.Sprintf("table %s does not exist (run 'pgedge-dwload init')", table)}
	}
	return nil
}
