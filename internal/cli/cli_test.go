package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgEdge/pgedge-dwload/internal/config"
	"github.com/pgEdge/pgedge-dwload/internal/etl"
	"github.com/pgEdge/pgedge-dwload/internal/schema"
)

func day(s string) time.Time {
	d, err := config.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitOK},
		{"interrupted", fmt.Errorf("wrapped: %w", context.Canceled), ExitInterrupted},
		{"run failed", fmt.Errorf("run failed: %w", errors.New("etl_logs unavailable")), ExitFailed},
		{"configuration", &etl.ConfigurationError{Msg: "bad"}, ExitFailed},
		{"connection", &etl.ConnectionError{Role: "source", Err: errors.New("refused")}, ExitFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("Expected exit code %d, got %d", tt.want, got)
			}
		})
	}
}

func TestIncrementalWindow(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		lastEnd  string
		lookback int
		wantFrom string
	}{
		{"lookback", "2025-03-05", 3, "2025-03-02"},
		{"no lookback", "2025-03-05", 0, "2025-03-05"},
		{"previous end today", "2025-03-10", 1, "2025-03-09"},
		{"previous end in the future", "2025-03-20", 2, "2025-03-10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := incrementalWindow(day(tt.lastEnd), tt.lookback, now)
			require.NoError(t, err)
			assert.Equal(t, day(tt.wantFrom), w.From)
			assert.Equal(t, day("2025-03-10"), w.To)
		})
	}
}

func TestBuildSettings(t *testing.T) {
	w, err := etl.NewWindow(day("2025-01-01"), day("2025-01-31"))
	require.NoError(t, err)

	c := config.DefaultConfig()
	c.Run.BatchSize = 250
	c.Run.DefaultTaxRate = 13
	c.Run.Tolerance = 0.05
	c.Calendar.Holidays = map[string]string{"2025-01-01": "Año Nuevo"}

	s, err := buildSettings(c, w)
	require.NoError(t, err)
	assert.Equal(t, day("2025-01-01"), s.CalendarStart)
	assert.Equal(t, day("2025-12-31"), s.CalendarEnd)
	assert.Equal(t, 250, s.BatchSize)
	assert.True(t, s.DefaultTaxRate.Equal(decimal.NewFromInt(13)))
	assert.True(t, s.Tolerance.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, "Año Nuevo", s.Holidays["2025-01-01"])

	c.Calendar.Start = "2024-06-01"
	c.Calendar.End = "2025-02-28"
	s, err = buildSettings(c, w)
	require.NoError(t, err)
	assert.Equal(t, day("2024-06-01"), s.CalendarStart)
	assert.Equal(t, day("2025-02-28"), s.CalendarEnd)
}

func TestBuildSettingsCalendarMustCoverWindow(t *testing.T) {
	w, err := etl.NewWindow(day("2025-01-01"), day("2025-01-31"))
	require.NoError(t, err)

	c := config.DefaultConfig()
	c.Calendar.Start = "2025-01-10"
	c.Calendar.End = "2025-12-31"

	_, err = buildSettings(c, w)
	var cfgErr *etl.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestSeedOptions(t *testing.T) {
	c := config.DefaultConfig().Seed
	c.StartDate = "2025-01-01"
	c.EndDate = "2025-03-31"
	c.RandomSeed = 7
	c.AnomalyRate = 0.1

	opts, err := seedOptions(c)
	require.NoError(t, err)
	assert.Equal(t, c.Customers, opts.Customers)
	assert.Equal(t, c.Sales, opts.Sales)
	assert.Equal(t, day("2025-01-01"), opts.Start)
	assert.Equal(t, day("2025-03-31"), opts.End)
	assert.Equal(t, uint64(7), opts.Seed)
	assert.Equal(t, 0.1, opts.AnomalyRate)

	c.StartDate = "2025-04-01"
	_, err = seedOptions(c)
	assert.Error(t, err)
}

func TestPrintSummary(t *testing.T) {
	w, err := etl.NewWindow(day("2025-01-01"), day("2025-01-31"))
	require.NoError(t, err)

	s := &etl.Summary{
		RunID:  uuid.MustParse("7f1c2d4e-0000-4000-8000-000000000001"),
		Window: w,
		Status: schema.StatusCompletedErrors,
		Steps: []etl.StepResult{
			{Name: etl.StepCalendar, Table: "dim_tiempo", Status: schema.StatusCompleted,
				Counts: etl.Counts{Extracted: 365, Inserted: 365}},
			{Name: etl.StepSalesFacts, Table: "fact_ventas", Status: schema.StatusError,
				Err: errors.New("step timed out after 15m0s")},
		},
		Totals:   etl.Counts{Extracted: 365, Inserted: 365},
		Duration: 1500 * time.Millisecond,
	}

	var buf bytes.Buffer
	printSummary(&buf, s)
	out := buf.String()

	assert.Contains(t, out, "window 2025-01-01..2025-01-31")
	assert.Contains(t, out, schema.StatusCompletedErrors)
	assert.Contains(t, out, "dim_tiempo")
	assert.Contains(t, out, "1 step failed:")
	assert.Contains(t, out, etl.StepSalesFacts+": step timed out after 15m0s")
}

func TestPrintValidation(t *testing.T) {
	w, err := etl.NewWindow(day("2025-01-01"), day("2025-01-31"))
	require.NoError(t, err)

	r := &etl.ValidationReport{
		Window: w,
		Counts: []etl.TableCount{{Source: "detalles_venta", Warehouse: "fact_ventas", SourceRows: 10, WarehouseRows: 9}},
		Orphans: []etl.Orphan{{
			FK:    schema.ForeignKey{Table: "fact_ventas", Column: "cliente_id", RefTable: "dim_cliente", RefColumn: "cliente_id"},
			Count: 2,
		}},
		SourceSales:    decimal.RequireFromString("100.00"),
		WarehouseSales: decimal.RequireFromString("99.50"),
	}

	var buf bytes.Buffer
	printValidation(&buf, r, decimal.RequireFromString("0.01"))
	out := buf.String()

	assert.Contains(t, out, "1 reference with orphans")
	assert.Contains(t, out, "fact_ventas.cliente_id -> dim_cliente: 2")
	assert.Contains(t, out, "difference 0.50  MISMATCH")
}

func TestPlural(t *testing.T) {
	assert.Equal(t, "1 step", plural(1, "step"))
	assert.Equal(t, "3 steps", plural(3, "step"))
}
