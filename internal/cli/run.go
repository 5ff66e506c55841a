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
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/pgEdge/pgedge-dwload/internal/config"
	"github.com/pgEdge/pgedge-dwload/internal/db"
	"github.com/pgEdge/pgedge-dwload/internal/etl"
	"github.com/pgEdge/pgedge-dwload/internal/logging"
	"github.com/pgEdge/pgedge-dwload/internal/metrics"
)

var (
	runFrom           string
	runTo             string
	runLookbackDays   int
	runMaxParallel    int
	runStepTimeout    int
	runBatchSize      int
	runMetricsFile    string
	runSkipValidation bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load the warehouse from the operational store",
	Long: `Run the full load: calendar, dimensions, then facts for a date window.

Without --from/--to the first run loads the whole source history and later
runs load from the end of the previous window (minus --lookback-days) up
to today. Facts in the window are replaced, so re-running a window is safe.

The run stops between steps on Ctrl+C; a step already running finishes
first.

Example:
  pgedge-dwload run
  pgedge-dwload run --from 2025-01-01 --to 2025-01-31 --max-parallel 4`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runFrom, "from", "",
		"first day of the window (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runTo, "to", "",
		"last day of the window (YYYY-MM-DD)")
	runCmd.Flags().IntVar(&runLookbackDays, "lookback-days", -1,
		"days re-read before the previous window end on incremental runs")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0,
		"number of independent steps run at once")
	runCmd.Flags().IntVar(&runStepTimeout, "step-timeout", 0,
		"per-step timeout in seconds")
	runCmd.Flags().IntVar(&runBatchSize, "batch-size", 0,
		"fact rows per COPY batch")
	runCmd.Flags().StringVar(&runMetricsFile, "metrics-file", "",
		"write Prometheus metrics to this file after the run")
	runCmd.Flags().BoolVar(&runSkipValidation, "skip-validation", false,
		"do not check the warehouse after the run")
}

func runRun(cmd *cobra.Command, args []string) error {
	// Override config with CLI flags
	if runFrom != "" {
		cfg.Run.From = runFrom
	}
	if runTo != "" {
		cfg.Run.To = runTo
	}
	if runLookbackDays >= 0 {
		cfg.Run.LookbackDays = runLookbackDays
	}
	if runMaxParallel > 0 {
		cfg.Run.MaxParallel = runMaxParallel
	}
	if runStepTimeout > 0 {
		cfg.Run.StepTimeout = runStepTimeout
	}
	if runBatchSize > 0 {
		cfg.Run.BatchSize = runBatchSize
	}
	if runMetricsFile != "" {
		cfg.Run.MetricsFile = runMetricsFile
	}

	if err := cfg.ValidateRun(); err != nil {
		return &etl.ConfigurationError{Msg: "invalid run configuration", Err: err}
	}

	// Ctrl+C cancels between steps.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Each running step holds one connection per store; the run log
	// needs one more on the warehouse.
	parallel := int32(cfg.Run.MaxParallel)
	src, err := connect(ctx, "source", cfg.Source, parallel+1)
	if err != nil {
		return err
	}
	defer src.Close()

	dw, err := connect(ctx, "warehouse", cfg.Target, parallel+2)
	if err != nil {
		return err
	}
	defer dw.Close()

	// Queries outside the orchestrator get the step deadline too.
	queryTimeout := cfg.Run.StepTimeoutDuration()

	preCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := etl.CheckPrerequisites(preCtx, src, dw); err != nil {
		return err
	}

	window, err := resolveWindow(preCtx, src, dw, cfg.Run, time.Now())
	cancel()
	if err != nil {
		return err
	}
	settings, err := buildSettings(cfg, window)
	if err != nil {
		return err
	}
	rc := etl.NewRunContext(window, settings)

	recorder := metrics.NewRecorder()
	out := cmd.OutOrStdout()
	orch, err := etl.New(etl.DefaultSteps(), etl.Deps{
		Source:   src,
		Tx:       etl.BeginTx(dw),
		Logs:     etl.NewRunLog(dw),
		Observer: recorder,
	}, etl.Options{
		StepTimeout: queryTimeout,
		LogTimeout:  queryTimeout,
		MaxParallel: cfg.Run.MaxParallel,
		OnStep:      func(r etl.StepResult) { printStepLine(out, r) },
	})
	if err != nil {
		return err
	}

	summary, runErr := orch.Run(ctx, rc)
	if summary != nil {
		printSummary(out, summary)
	}
	if cfg.Run.MetricsFile != "" {
		if err := recorder.WriteTextfile(cfg.Run.MetricsFile); err != nil {
			logging.Warn().Err(err).Str("path", cfg.Run.MetricsFile).Msg("Failed to write metrics")
		}
	}
	if runErr != nil {
		return runErr
	}

	// Only a completed run moves the incremental window.
	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), queryTimeout)
	defer cancelSave()
	err = db.SaveMetadata(saveCtx, dw, map[string]string{
		db.KeyLastWindowStart: window.From.Format(config.DateLayout),
		db.KeyLastWindowEnd:   window.To.Format(config.DateLayout),
		db.KeyLastRunID:       rc.ID.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to save run metadata: %w", err)
	}

	if !runSkipValidation {
		checkCtx, cancelCheck := context.WithTimeout(ctx, queryTimeout)
		defer cancelCheck()
		report, err := etl.ValidateWarehouse(checkCtx, src, dw, window)
		if err != nil {
			logging.Warn().Err(err).Msg("Warehouse validation could not complete")
		} else {
			printValidation(out, report, settings.Tolerance)
		}
	}
	return nil
}

// sourceRangeSQL spans every dated source row.
const sourceRangeSQL = `
    SELECT MIN(d)::date, MAX(d)::date FROM (
        SELECT MIN(fecha_venta) AS d FROM ventas
        UNION ALL SELECT MAX(fecha_venta) FROM ventas
        UNION ALL SELECT MIN(fecha_hora_evento) FROM eventos_web
        UNION ALL SELECT MAX(fecha_hora_evento) FROM eventos_web
        UNION ALL SELECT MIN(fecha_hora_busqueda) FROM busquedas_web
        UNION ALL SELECT MAX(fecha_hora_busqueda) FROM busquedas_web
    ) bounds`

// resolveWindow picks the load window: the configured one, else the
// whole source history on a first run, else an incremental window.
func resolveWindow(ctx context.Context, source, warehouse db.DB, rc config.RunConfig, now time.Time) (etl.Window, error) {
	if rc.From != "" {
		from, err := config.ParseDate(rc.From)
		if err != nil {
			return etl.Window{}, &etl.ConfigurationError{Msg: "invalid from date", Err: err}
		}
		to, err := config.ParseDate(rc.To)
		if err != nil {
			return etl.Window{}, &etl.ConfigurationError{Msg: "invalid to date", Err: err}
		}
		return etl.NewWindow(from, to)
	}

	lastEnd, ok, err := db.GetMetadataValue(ctx, warehouse, db.KeyLastWindowEnd)
	if err != nil {
		return etl.Window{}, fmt.Errorf("failed to read run metadata: %w", err)
	}
	if ok {
		end, err := config.ParseDate(lastEnd)
		if err != nil {
			return etl.Window{}, &etl.ConfigurationError{Msg: "invalid " + db.KeyLastWindowEnd + " metadata", Err: err}
		}
		w, err := incrementalWindow(end, rc.LookbackDays, now)
		if err != nil {
			return etl.Window{}, err
		}
		logging.Info().Str("window", w.String()).Str("previous_end", lastEnd).Msg("Incremental window")
		return w, nil
	}

	var from, to *time.Time
	if err := source.QueryRow(ctx, sourceRangeSQL).Scan(&from, &to); err != nil {
		return etl.Window{}, fmt.Errorf("failed to read source date range: %w", err)
	}
	if from == nil || to == nil {
		return etl.Window{}, &etl.ConfigurationError{Msg: "source has no sales or web activity; pass --from and --to"}
	}
	w, err := etl.NewWindow(*from, *to)
	if err != nil {
		return etl.Window{}, err
	}
	logging.Info().Str("window", w.String()).Msg("First run, loading full source history")
	return w, nil
}

// incrementalWindow re-reads lookbackDays before the previous window end,
// up to today.
func incrementalWindow(lastEnd time.Time, lookbackDays int, now time.Time) (etl.Window, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from := lastEnd.AddDate(0, 0, -lookbackDays)
	if from.After(today) {
		from = today
	}
	return etl.NewWindow(from, today)
}

// buildSettings derives the step settings from configuration. The
// calendar must cover the window or every fact row would miss its date.
func buildSettings(c *config.Config, w etl.Window) (etl.Settings, error) {
	s := etl.DefaultSettings(w)
	if c.Calendar.Start != "" {
		start, err := config.ParseDate(c.Calendar.Start)
		if err != nil {
			return s, &etl.ConfigurationError{Msg: "invalid calendar start", Err: err}
		}
		s.CalendarStart = start
	}
	if c.Calendar.End != "" {
		end, err := config.ParseDate(c.Calendar.End)
		if err != nil {
			return s, &etl.ConfigurationError{Msg: "invalid calendar end", Err: err}
		}
		s.CalendarEnd = end
	}
	if s.CalendarStart.After(w.From) || s.CalendarEnd.Before(w.To) {
		return s, &etl.ConfigurationError{Msg: fmt.Sprintf("calendar %s..%s does not cover window %s",
			s.CalendarStart.Format(config.DateLayout), s.CalendarEnd.Format(config.DateLayout), w)}
	}

	s.Holidays = c.Calendar.Holidays
	if c.Run.BatchSize > 0 {
		s.BatchSize = c.Run.BatchSize
	}
	s.DefaultTaxRate = decimal.NewFromFloat(c.Run.DefaultTaxRate)
	s.Tolerance = decimal.NewFromFloat(c.Run.Tolerance)
	return s, nil
}

func printStepLine(w io.Writer, r etl.StepResult) {
	line := fmt.Sprintf("%-32s %-24s extracted=%d inserted=%d updated=%d errors=%d (%s)",
		r.Name, r.Status, r.Counts.Extracted, r.Counts.Inserted, r.Counts.Updated,
		r.Counts.Errors, r.Duration.Round(time.Millisecond))
	if r.Err != nil {
		line += ": " + r.Err.Error()
	}
	fmt.Fprintln(w, line)
}

func printSummary(w io.Writer, s *etl.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run %s  window %s  status %s  (%s)\n",
		s.RunID, s.Window, s.Status, s.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tTABLE\tSTATUS\tEXTRACTED\tINSERTED\tUPDATED\tERRORS\tWARNINGS\tDURATION")
	for _, r := range s.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Name, r.Table, r.Status, r.Counts.Extracted, r.Counts.Inserted, r.Counts.Updated,
			r.Counts.Errors, r.Counts.Warnings, r.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(tw, "TOTAL\t\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
		s.Status, s.Totals.Extracted, s.Totals.Inserted, s.Totals.Updated,
		s.Totals.Errors, s.Totals.Warnings, s.Duration.Round(time.Millisecond))
	_ = tw.Flush()

	if failed := s.FailedSteps(); len(failed) > 0 {
		fmt.Fprintf(w, "\n%s failed:\n", plural(len(failed), "step"))
		for _, r := range failed {
			fmt.Fprintf(w, "  %s: %v\n", r.Name, r.Err)
		}
	}
}

func printValidation(w io.Writer, r *etl.ValidationReport, tol decimal.Decimal) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Validation for %s\n", r.Window)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tROWS\tWAREHOUSE\tROWS")
	for _, c := range r.Counts {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\n", c.Source, c.SourceRows, c.Warehouse, c.WarehouseRows)
	}
	_ = tw.Flush()

	if len(r.Orphans) == 0 {
		fmt.Fprintln(w, "Referential integrity: OK")
	} else {
		fmt.Fprintf(w, "Referential integrity: %s with orphans\n", plural(len(r.Orphans), "reference"))
		for _, o := range r.Orphans {
			fmt.Fprintf(w, "  %s.%s -> %s: %d\n", o.FK.Table, o.FK.Column, o.FK.RefTable, o.Count)
		}
	}

	verdict := "OK"
	if !r.SalesMatch(tol) {
		verdict = "MISMATCH"
	}
	fmt.Fprintf(w, "Sales: source %s  warehouse %s  difference %s  %s\n",
		r.SourceSales.StringFixed(2), r.WarehouseSales.StringFixed(2),
		r.SalesDifference().StringFixed(2), verdict)
}
