//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package etl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/pgEdge/pgedge-dwload/internal/db"
	"github.com/pgEdge/pgedge-dwload/internal/logging"
	"github.com/pgEdge/pgedge-dwload/internal/schema"
)

// State is the orchestrator's position in a run.
type State int

const (
	StateNotStarted State = iota
	StateRunningCalendar
	StateRunningDimensions
	StateRunningFacts
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateRunningCalendar:
		return "RUNNING_CALENDAR"
	case StateRunningDimensions:
		return "RUNNING_DIMENSIONS"
	case StateRunningFacts:
		return "RUNNING_FACTS"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

var phaseStates = map[Phase]State{
	PhaseCalendar:   StateRunningCalendar,
	PhaseDimensions: StateRunningDimensions,
	PhaseFacts:      StateRunningFacts,
}

// TxRunner runs fn in a warehouse transaction that commits when fn
// returns nil and rolls back otherwise.
type TxRunner func(ctx context.Context, fn func(pgx.Tx) error) error

// BeginTx returns a TxRunner over conn.
func BeginTx(conn db.DB) TxRunner {
	return func(ctx context.Context, fn func(pgx.Tx) error) error {
		return pgx.BeginFunc(ctx, conn, fn)
	}
}

// Observer is told about every finished step and run.
type Observer interface {
	ObserveStep(r StepResult)
	ObserveRun(s *Summary)
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name     string
	Table    string
	Phase    Phase
	Status   string // COMPLETADO or ERROR
	Counts   Counts
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Failed reports whether the step ended in ERROR.
func (r StepResult) Failed() bool {
	return r.Status != schema.StatusCompleted
}

// Summary is the outcome of a run.
type Summary struct {
	RunID    uuid.UUID
	Window   Window
	Status   string
	State    State
	Steps    []StepResult // dependency order
	Totals   Counts
	Started  time.Time
	Duration time.Duration
}

// FailedSteps returns the steps that ended in ERROR.
func (s *Summary) FailedSteps() []StepResult {
	var failed []StepResult
	for _, r := range s.Steps {
		if r.Failed() {
			failed = append(failed, r)
		}
	}
	return failed
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Source   db.DB
	Tx       TxRunner
	Logs     LogStore
	Observer Observer // optional
}

// Options tune a run.
type Options struct {
	// StepTimeout bounds each step. Zero means 15 minutes.
	StepTimeout time.Duration

	// LogTimeout bounds each etl_logs write. Zero means 30 seconds.
	LogTimeout time.Duration

	// MaxParallel is the number of ready steps run at once. Zero means 1.
	MaxParallel int

	// OnStep is called, one call at a time, as each step finishes.
	OnStep func(StepResult)

	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// Orchestrator runs the load DAG phase by phase.
type Orchestrator struct {
	steps []Step
	order map[string]int
	deps  Deps
	opts  Options

	mu      sync.Mutex
	state   State
	results map[string]StepResult

	notifyMu sync.Mutex
}

// New validates the steps and creates an orchestrator.
func New(steps []Step, deps Deps, opts Options) (*Orchestrator, error) {
	if err := ValidateSteps(steps); err != nil {
		return nil, &ConfigurationError{Msg: "invalid step graph", Err: err}
	}
	if deps.Source == nil || deps.Tx == nil || deps.Logs == nil {
		return nil, &ConfigurationError{Msg: "orchestrator needs a source, a transaction runner and a log store"}
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 15 * time.Minute
	}
	if opts.LogTimeout <= 0 {
		opts.LogTimeout = 30 * time.Second
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	names, err := TopoOrder(steps)
	if err != nil {
		return nil, err
	}
	order := make(map[string]int, len(names))
	for i, n := range names {
		order[n] = i
	}

	return &Orchestrator{steps: steps, order: order, deps: deps, opts: opts}, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	logging.Debug().Str("state", s.String()).Msg("Orchestrator state")
}

// Run executes every step against rc. Step failures are isolated: they
// are logged, their dependents are skipped, and the run completes with
// COMPLETADO_CON_ERRORES. Run returns an error only when the run could not
// be carried out (run log unavailable) or ctx was cancelled; the summary
// is returned in both cases.
func (o *Orchestrator) Run(ctx context.Context, rc *RunContext) (*Summary, error) {
	o.mu.Lock()
	o.results = make(map[string]StepResult, len(o.steps))
	o.mu.Unlock()
	o.setState(StateNotStarted)

	started := o.opts.Now()
	summary := &Summary{RunID: rc.ID, Window: rc.Window, Started: started}

	logging.Info().
		Str("run_id", rc.ID.String()).
		Str("window", rc.Window.String()).
		Int("steps", len(o.steps)).
		Msg("Starting run")

	logCtx, cancel := o.logContext(ctx)
	runLogID, err := o.deps.Logs.Start(logCtx, rc.ID, RunProcess, RunTable, started)
	cancel()
	if err != nil {
		return o.fail(summary, -1, err)
	}

	for _, phase := range []Phase{PhaseCalendar, PhaseDimensions, PhaseFacts} {
		o.setState(phaseStates[phase])
		if err := o.runPhase(ctx, rc, phase); err != nil {
			return o.fail(summary, runLogID, err)
		}
	}

	o.collect(summary)
	msg := ""
	summary.Status = schema.StatusCompleted
	if failed := summary.FailedSteps(); len(failed) > 0 {
		summary.Status = schema.StatusCompletedErrors
		names := make([]string, len(failed))
		for i, r := range failed {
			names[i] = r.Name
		}
		msg = fmt.Sprintf("%d step(s) failed: %s", len(failed), strings.Join(names, ", "))
	}
	cancelled := ctx.Err()
	if cancelled != nil && msg == "" {
		msg = ErrRunCancelled.Error()
	} else if cancelled != nil {
		msg = ErrRunCancelled.Error() + "; " + msg
	}

	logCtx, cancel = o.logContext(ctx)
	err = o.deps.Logs.Finish(logCtx, runLogID, o.opts.Now(), summary.Status, summary.Totals, msg)
	cancel()
	if err != nil {
		return o.fail(summary, -1, err)
	}

	o.setState(StateDone)
	summary.State = StateDone
	summary.Duration = o.opts.Now().Sub(started)
	o.observeRun(summary)

	logging.Info().
		Str("run_id", rc.ID.String()).
		Str("status", summary.Status).
		Int64("extracted", summary.Totals.Extracted).
		Int64("inserted", summary.Totals.Inserted).
		Int64("updated", summary.Totals.Updated).
		Int64("errors", summary.Totals.Errors).
		Dur("duration", summary.Duration).
		Msg("Run finished")

	if cancelled != nil {
		return summary, cancelled
	}
	return summary, nil
}

// fail moves the run to FAILED. The whole-run row is closed when it was
// started.
func (o *Orchestrator) fail(summary *Summary, runLogID int64, cause error) (*Summary, error) {
	o.setState(StateFailed)
	o.collect(summary)
	summary.State = StateFailed
	summary.Status = schema.StatusError
	summary.Duration = o.opts.Now().Sub(summary.Started)

	if runLogID >= 0 {
		logCtx, cancel := o.logContext(context.Background())
		if err := o.deps.Logs.Finish(logCtx, runLogID, o.opts.Now(), schema.StatusError, summary.Totals, cause.Error()); err != nil {
			logging.Error().Err(err).Msg("Failed to close run log row")
		}
		cancel()
	}
	o.observeRun(summary)

	logging.Error().
		Err(cause).
		Str("run_id", summary.RunID.String()).
		Msg("Run failed")
	return summary, fmt.Errorf("run failed: %w", cause)
}

// collect copies the step results into the summary in dependency order.
func (o *Orchestrator) collect(summary *Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()

	summary.Steps = summary.Steps[:0]
	summary.Totals = Counts{}
	for _, s := range o.steps {
		if r, ok := o.results[s.Name]; ok {
			summary.Steps = append(summary.Steps, r)
		}
	}
	sort.SliceStable(summary.Steps, func(i, j int) bool {
		return o.order[summary.Steps[i].Name] < o.order[summary.Steps[j].Name]
	})
	for _, r := range summary.Steps {
		summary.Totals.Add(r.Counts)
	}
}

// runPhase runs the phase's steps in waves: every step whose dependencies
// are all done runs in the current wave, up to MaxParallel at a time.
func (o *Orchestrator) runPhase(ctx context.Context, rc *RunContext, phase Phase) error {
	var pending []Step
	for _, s := range o.steps {
		if s.Phase == phase {
			pending = append(pending, s)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return o.order[pending[i].Name] < o.order[pending[j].Name]
	})

	for len(pending) > 0 {
		if ctx.Err() != nil {
			for _, s := range pending {
				if err := o.skip(rc, s, ErrRunCancelled); err != nil {
					return err
				}
			}
			return nil
		}

		var ready, blocked []Step
		for _, s := range pending {
			failedDep, waiting := o.dependencyState(s)
			switch {
			case failedDep != "":
				reason := fmt.Errorf("%w: %s", ErrDependencyFailed, failedDep)
				if err := o.skip(rc, s, reason); err != nil {
					return err
				}
			case waiting:
				blocked = append(blocked, s)
			default:
				ready = append(ready, s)
			}
		}

		if len(ready) == 0 {
			if len(blocked) == len(pending) {
				return fmt.Errorf("no runnable step among %d pending in phase %s", len(blocked), phase)
			}
			pending = blocked
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.MaxParallel)
		for _, s := range ready {
			g.Go(func() error {
				if gctx.Err() != nil {
					if ctx.Err() != nil {
						return o.skip(rc, s, ErrRunCancelled)
					}
					// Another step hit a fatal error.
					return nil
				}
				return o.runStep(ctx, rc, s)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		pending = blocked
	}
	return nil
}

// dependencyState returns the first failed dependency of s, or whether s
// still waits on a dependency that has not finished.
func (o *Orchestrator) dependencyState(s Step) (failed string, waiting bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, dep := range s.DependsOn {
		r, ok := o.results[dep]
		if !ok {
			waiting = true
			continue
		}
		if r.Failed() {
			return dep, false
		}
	}
	return "", waiting
}

// runStep runs one step in its own transaction and records the outcome.
// It returns an error only when the run log cannot be written.
func (o *Orchestrator) runStep(ctx context.Context, rc *RunContext, s Step) error {
	// A started step runs to completion or timeout, even when the run is
	// cancelled meanwhile.
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.StepTimeout)
	defer cancel()

	started := o.opts.Now()
	logID, err := o.deps.Logs.Start(stepCtx, rc.ID, s.Name, s.Table, started)
	if err != nil {
		return err
	}

	log := logging.ForStep(rc.ID.String(), s.Name, s.Table)
	log.Info().Str("phase", s.Phase.String()).Msg("Step started")

	var counts Counts
	stepErr := o.deps.Tx(stepCtx, func(tx pgx.Tx) error {
		env := &StepEnv{Source: o.deps.Source, Tx: tx, Run: rc, Log: log}
		c, err := s.Run(stepCtx, env)
		counts = c
		return err
	})
	if stepErr != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		stepErr = fmt.Errorf("step timed out after %s: %w", o.opts.StepTimeout, stepErr)
	}

	status, msg := schema.StatusCompleted, ""
	if stepErr != nil {
		// The transaction rolled back.
		counts.Inserted, counts.Updated = 0, 0
		status, msg = schema.StatusError, stepErr.Error()
	}

	finished := o.opts.Now()
	logCtx, logCancel := o.logContext(ctx)
	defer logCancel()
	if err := o.deps.Logs.Finish(logCtx, logID, finished, status, counts, msg); err != nil {
		return err
	}

	result := StepResult{
		Name:     s.Name,
		Table:    s.Table,
		Phase:    s.Phase,
		Status:   status,
		Counts:   counts,
		Err:      stepErr,
		Started:  started,
		Duration: finished.Sub(started),
	}

	event := log.Info()
	if stepErr != nil {
		event = log.Error().Err(stepErr)
	}
	event.
		Str("status", status).
		Int64("extracted", counts.Extracted).
		Int64("inserted", counts.Inserted).
		Int64("updated", counts.Updated).
		Int64("errors", counts.Errors).
		Int64("warnings", counts.Warnings).
		Dur("duration", result.Duration).
		Msg("Step finished")

	o.record(result)
	return nil
}

// skip records a step that never ran.
func (o *Orchestrator) skip(rc *RunContext, s Step, reason error) error {
	logCtx, cancel := o.logContext(context.Background())
	defer cancel()
	at := o.opts.Now()
	logID, err := o.deps.Logs.Start(logCtx, rc.ID, s.Name, s.Table, at)
	if err != nil {
		return err
	}
	if err := o.deps.Logs.Finish(logCtx, logID, at, schema.StatusError, Counts{}, reason.Error()); err != nil {
		return err
	}

	log := logging.ForStep(rc.ID.String(), s.Name, s.Table)
	log.Warn().
		Str("reason", reason.Error()).
		Msg("Step skipped")

	o.record(StepResult{
		Name:    s.Name,
		Table:   s.Table,
		Phase:   s.Phase,
		Status:  schema.StatusError,
		Err:     reason,
		Started: at,
	})
	return nil
}

// logContext bounds one run-log write. Writes outlive cancellation of
// the run so that every started row gets closed.
func (o *Orchestrator) logContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.opts.LogTimeout)
}

// record stores a result and notifies listeners, one at a time.
func (o *Orchestrator) record(r StepResult) {
	o.mu.Lock()
	o.results[r.Name] = r
	o.mu.Unlock()

	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	if o.opts.OnStep != nil {
		o.opts.OnStep(r)
	}
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveStep(r)
	}
}

func (o *Orchestrator) observeRun(s *Summary) {
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveRun(s)
	}
}
