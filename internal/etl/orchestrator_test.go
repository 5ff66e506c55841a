package etl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgEdge/pgedge-dwload/internal/db"
	"github.com/pgEdge/pgedge-dwload/internal/schema"
)

// nopSource satisfies db.DB for steps that never touch the source.
type nopSource struct{ db.DB }

type logRow struct {
	runID   uuid.UUID
	proceso string
	tabla   string
	status  string
	counts  Counts
	msg     string
}

// memLogStore is an in-memory etl_logs.
type memLogStore struct {
	mu        sync.Mutex
	rows      []logRow
	failStart bool
}

func (m *memLogStore) Start(_ context.Context, runID uuid.UUID, proceso, tabla string, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStart {
		return 0, errors.New("etl_logs unavailable")
	}
	m.rows = append(m.rows, logRow{runID: runID, proceso: proceso, tabla: tabla, status: schema.StatusStarted})
	return int64(len(m.rows) - 1), nil
}

func (m *memLogStore) Finish(_ context.Context, id int64, _ time.Time, status string, c Counts, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].status = status
	m.rows[id].counts = c
	m.rows[id].msg = msg
	return nil
}

func (m *memLogStore) byProcess(name string) logRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.proceso == name {
			return r
		}
	}
	return logRow{}
}

type countingObserver struct {
	mu    sync.Mutex
	steps int
	runs  int
}

func (c *countingObserver) ObserveStep(StepResult) {
	c.mu.Lock()
	c.steps++
	c.mu.Unlock()
}

func (c *countingObserver) ObserveRun(*Summary) {
	c.mu.Lock()
	c.runs++
	c.mu.Unlock()
}

// noTx runs fn without a transaction.
func noTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

func ok(c Counts) StepFunc {
	return func(context.Context, *StepEnv) (Counts, error) { return c, nil }
}

func failing(msg string, c Counts) StepFunc {
	return func(context.Context, *StepEnv) (Counts, error) { return c, errors.New(msg) }
}

func testRun(t *testing.T) *RunContext {
	t.Helper()
	w, err := NewWindow(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return NewRunContext(w, DefaultSettings(w))
}

func newTestOrchestrator(t *testing.T, steps []Step, logs LogStore, opts Options) *Orchestrator {
	t.Helper()
	o, err := New(steps, Deps{Source: nopSource{}, Tx: noTx, Logs: logs}, opts)
	require.NoError(t, err)
	return o
}

func resultsByName(s *Summary) map[string]StepResult {
	m := make(map[string]StepResult, len(s.Steps))
	for _, r := range s.Steps {
		m[r.Name] = r
	}
	return m
}

func TestOrchestratorAllStepsSucceed(t *testing.T) {
	steps := []Step{
		{Name: "CAL", Table: "dim_tiempo", Phase: PhaseCalendar, Run: ok(Counts{Extracted: 31, Inserted: 31})},
		{Name: "DIM", Table: "dim_producto", Phase: PhaseDimensions, Run: ok(Counts{Extracted: 4, Inserted: 2, Updated: 1})},
		{Name: "FACT", Table: "fact_ventas", Phase: PhaseFacts, DependsOn: []string{"CAL", "DIM"},
			Run: ok(Counts{Extracted: 10, Inserted: 9, Errors: 1})},
	}

	logs := &memLogStore{}
	obs := &countingObserver{}
	var seen []string
	o, err := New(steps, Deps{Source: nopSource{}, Tx: noTx, Logs: logs, Observer: obs}, Options{
		OnStep: func(r StepResult) { seen = append(seen, r.Name) },
	})
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, o.State())

	rc := testRun(t)
	summary, err := o.Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, schema.StatusCompleted, summary.Status)
	assert.Equal(t, StateDone, summary.State)
	assert.Equal(t, StateDone, o.State())
	assert.Equal(t, rc.ID, summary.RunID)
	assert.Equal(t, []string{"CAL", "DIM", "FACT"}, seen)
	assert.Equal(t, Counts{Extracted: 45, Inserted: 42, Updated: 1, Errors: 1}, summary.Totals)
	assert.Empty(t, summary.FailedSteps())

	run := logs.byProcess(RunProcess)
	assert.Equal(t, RunTable, run.tabla)
	assert.Equal(t, schema.StatusCompleted, run.status)
	assert.Equal(t, rc.ID, run.runID)
	assert.Equal(t, summary.Totals, run.counts)
	assert.Len(t, logs.rows, 4)
	for _, r := range logs.rows {
		assert.Equal(t, schema.StatusCompleted, r.status, r.proceso)
	}

	assert.Equal(t, 3, obs.steps)
	assert.Equal(t, 1, obs.runs)
}

func TestOrchestratorDependencyFailure(t *testing.T) {
	steps := []Step{
		{Name: "GEO", Table: "dim_geografia", Phase: PhaseDimensions,
			Run: failing("geography exploded", Counts{Extracted: 5, Inserted: 3, Errors: 1})},
		{Name: "PROD", Table: "dim_producto", Phase: PhaseDimensions, Run: ok(Counts{Inserted: 2})},
		{Name: "CUST", Table: "dim_cliente", Phase: PhaseDimensions, DependsOn: []string{"GEO"}, Run: ok(Counts{})},
		{Name: "SALES", Table: "fact_ventas", Phase: PhaseFacts, DependsOn: []string{"PROD", "CUST"}, Run: ok(Counts{})},
		{Name: "WEB", Table: "fact_comportamiento_web", Phase: PhaseFacts, DependsOn: []string{"PROD"},
			Run: ok(Counts{Inserted: 7})},
	}

	logs := &memLogStore{}
	o := newTestOrchestrator(t, steps, logs, Options{})
	summary, err := o.Run(context.Background(), testRun(t))
	require.NoError(t, err, "step failures do not fail the run")

	assert.Equal(t, schema.StatusCompletedErrors, summary.Status)
	assert.Equal(t, StateDone, summary.State)

	results := resultsByName(summary)
	require.Len(t, results, 5)

	geo := results["GEO"]
	assert.Equal(t, schema.StatusError, geo.Status)
	assert.EqualError(t, geo.Err, "geography exploded")
	assert.Equal(t, Counts{Extracted: 5, Errors: 1}, geo.Counts, "rolled back rows are not counted")

	cust := results["CUST"]
	assert.Equal(t, schema.StatusError, cust.Status)
	assert.ErrorIs(t, cust.Err, ErrDependencyFailed)
	assert.Equal(t, "dependency failed: GEO", cust.Err.Error())

	sales := results["SALES"]
	assert.Equal(t, "dependency failed: CUST", sales.Err.Error())

	assert.Equal(t, schema.StatusCompleted, results["PROD"].Status)
	assert.Equal(t, schema.StatusCompleted, results["WEB"].Status)
	assert.Equal(t, int64(7), results["WEB"].Counts.Inserted)

	assert.Equal(t, "dependency failed: GEO", logs.byProcess("CUST").msg)
	assert.Equal(t, schema.StatusError, logs.byProcess("SALES").status)
	run := logs.byProcess(RunProcess)
	assert.Equal(t, schema.StatusCompletedErrors, run.status)
	assert.Contains(t, run.msg, "GEO")

	var failed []string
	for _, r := range summary.FailedSteps() {
		failed = append(failed, r.Name)
	}
	assert.Equal(t, []string{"GEO", "CUST", "SALES"}, failed)
}

func TestOrchestratorRunsIndependentStepsConcurrently(t *testing.T) {
	const n = 3
	var wg sync.WaitGroup
	wg.Add(n)
	release := make(chan struct{})
	go func() {
		wg.Wait()
		close(release)
	}()

	barrier := func(context.Context, *StepEnv) (Counts, error) {
		wg.Done()
		select {
		case <-release:
			return Counts{Inserted: 1}, nil
		case <-time.After(5 * time.Second):
			return Counts{}, errors.New("steps did not run concurrently")
		}
	}

	steps := []Step{
		{Name: "A", Phase: PhaseDimensions, Run: barrier},
		{Name: "B", Phase: PhaseDimensions, Run: barrier},
		{Name: "C", Phase: PhaseDimensions, Run: barrier},
	}
	o := newTestOrchestrator(t, steps, &memLogStore{}, Options{MaxParallel: n})
	summary, err := o.Run(context.Background(), testRun(t))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, summary.Status)
	assert.Equal(t, int64(n), summary.Totals.Inserted)
}

func TestOrchestratorCancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stepCtxErr error
	steps := []Step{
		{Name: "CAL", Phase: PhaseCalendar, Run: func(ctx context.Context, _ *StepEnv) (Counts, error) {
			cancel()
			stepCtxErr = ctx.Err()
			return Counts{Inserted: 1}, nil
		}},
		{Name: "DIM", Phase: PhaseDimensions, Run: ok(Counts{})},
		{Name: "FACT", Phase: PhaseFacts, DependsOn: []string{"DIM"}, Run: ok(Counts{})},
	}

	logs := &memLogStore{}
	o := newTestOrchestrator(t, steps, logs, Options{})
	summary, err := o.Run(ctx, testRun(t))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)

	assert.NoError(t, stepCtxErr, "a running step is not interrupted")

	results := resultsByName(summary)
	assert.Equal(t, schema.StatusCompleted, results["CAL"].Status)
	assert.ErrorIs(t, results["DIM"].Err, ErrRunCancelled)
	assert.ErrorIs(t, results["FACT"].Err, ErrRunCancelled)
	assert.Equal(t, "run cancelled", logs.byProcess("DIM").msg)
	assert.Equal(t, schema.StatusCompletedErrors, summary.Status)
}

func TestOrchestratorStepTimeout(t *testing.T) {
	steps := []Step{
		{Name: "SLOW", Phase: PhaseDimensions, Run: func(ctx context.Context, _ *StepEnv) (Counts, error) {
			<-ctx.Done()
			return Counts{}, ctx.Err()
		}},
		{Name: "FAST", Phase: PhaseDimensions, Run: ok(Counts{})},
	}

	o := newTestOrchestrator(t, steps, &memLogStore{}, Options{StepTimeout: 20 * time.Millisecond})
	summary, err := o.Run(context.Background(), testRun(t))
	require.NoError(t, err)

	results := resultsByName(summary)
	assert.Equal(t, schema.StatusError, results["SLOW"].Status)
	assert.ErrorIs(t, results["SLOW"].Err, context.DeadlineExceeded)
	assert.Contains(t, results["SLOW"].Err.Error(), "timed out")
	assert.Equal(t, schema.StatusCompleted, results["FAST"].Status)
}

func TestOrchestratorRunLogUnavailable(t *testing.T) {
	steps := []Step{{Name: "CAL", Phase: PhaseCalendar, Run: ok(Counts{})}}

	o := newTestOrchestrator(t, steps, &memLogStore{failStart: true}, Options{})
	summary, err := o.Run(context.Background(), testRun(t))
	require.Error(t, err)
	assert.Equal(t, StateFailed, o.State())
	assert.Equal(t, StateFailed, summary.State)
	assert.Equal(t, schema.StatusError, summary.Status)
	assert.Empty(t, summary.Steps)
}

// hangingLogStore accepts Start but never completes Finish on its own.
type hangingLogStore struct {
	memLogStore
}

func (h *hangingLogStore) Finish(ctx context.Context, _ int64, _ time.Time, _ string, _ Counts, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestOrchestratorLogWriteTimeout(t *testing.T) {
	steps := []Step{{Name: "CAL", Phase: PhaseCalendar, Run: ok(Counts{})}}

	o := newTestOrchestrator(t, steps, &hangingLogStore{}, Options{
		StepTimeout: 50 * time.Millisecond,
		LogTimeout:  50 * time.Millisecond,
	})

	type outcome struct {
		summary *Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		summary, err := o.Run(context.Background(), testRun(t))
		done <- outcome{summary, err}
	}()

	select {
	case out := <-done:
		require.Error(t, out.err)
		assert.ErrorIs(t, out.err, context.DeadlineExceeded)
		assert.Equal(t, StateFailed, o.State())
		assert.Equal(t, schema.StatusError, out.summary.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("Expected run to fail once the log write timed out, but it is still blocked")
	}
}

func TestNewRejectsInvalidGraph(t *testing.T) {
	steps := []Step{{Name: "FACT", Phase: PhaseFacts, DependsOn: []string{"MISSING"}, Run: ok(Counts{})}}

	_, err := New(steps, Deps{Source: nopSource{}, Tx: noTx, Logs: &memLogStore{}}, Options{})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = New(nil, Deps{}, Options{})
	require.ErrorAs(t, err, &cfgErr)
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateNotStarted:        "NOT_STARTED",
		StateRunningCalendar:   "RUNNING_CALENDAR",
		StateRunningDimensions: "RUNNING_DIMENSIONS",
		StateRunningFacts:      "RUNNING_FACTS",
		StateDone:              "DONE",
		StateFailed:            "FAILED",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	}
}
