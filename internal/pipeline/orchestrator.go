// Package pipeline runs a document through the structure, classify and
// compose stages, checkpointing after each one so an interrupted run can
// resume where it stopped.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dgallion1/docsum/internal/checkpoint"
	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/faults"
	"github.com/dgallion1/docsum/internal/state"
)

// StageError is returned when a stage fails or the run is cancelled.
type StageError struct {
	Stage    state.Stage
	Kind     faults.Kind
	Strategy Strategy
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (%s, %d attempts): %v", e.Stage, e.Kind, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Config controls the orchestrator.
type Config struct {
	Retry RetryPolicy
}

// Orchestrator drives the stage executors for one session at a time.
type Orchestrator struct {
	store     checkpoint.Store
	executors map[state.Stage]Executor
	retry     RetryPolicy
	metrics   *Metrics
	log       *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	cancelled atomic.Bool
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records stage and capability metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// NewOrchestrator wires one executor per stage.
func NewOrchestrator(store checkpoint.Store, executors []Executor, cfg Config, log *slog.Logger, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		store:     store,
		executors: make(map[state.Stage]Executor, len(executors)),
		retry:     cfg.Retry.withDefaults(),
		log:       log,
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, e := range executors {
		if _, dup := o.executors[e.Stage()]; dup {
			return nil, fmt.Errorf("duplicate executor for stage %s", e.Stage())
		}
		o.executors[e.Stage()] = e
	}
	for _, s := range state.Stages() {
		if _, ok := o.executors[s]; !ok {
			return nil, fmt.Errorf("no executor for stage %s", s)
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Cancel asks the running session to stop at the next stage boundary.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
}

// Run starts a new session for the document at ref.
func (o *Orchestrator) Run(ctx context.Context, ref string, kind doctree.DocumentKind) (*state.PipelineState, error) {
	now := o.now()
	st := state.New(state.NewSessionID(now), ref, kind, now)
	return o.RunState(ctx, st)
}

// Resume recovers the most advanced valid snapshot of a session and runs the
// stages it has not completed. Completed stages are never re-run.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*state.PipelineState, error) {
	rec, err := checkpoint.Recover(ctx, o.store, sessionID)
	if err != nil {
		return nil, err
	}
	st := rec.State
	st.PrepareResume(o.now())
	from := string(rec.From)
	if from == "" {
		from = "adhoc"
	}
	o.log.Info("resuming session", "session_id", sessionID, "from", from, "run_state", st.RunState())
	return o.RunState(ctx, st)
}

// RunState runs every stage of st that is not yet completed, in order. A
// Cancel issued before the run starts stops it at the first boundary; the
// request is cleared when the run returns.
func (o *Orchestrator) RunState(ctx context.Context, st *state.PipelineState) (*state.PipelineState, error) {
	defer o.cancelled.Store(false)
	log := o.log.With("session_id", st.SessionID, "document", st.DocumentRef)

	release, err := o.store.Acquire(ctx, st.SessionID)
	if err != nil {
		return st, errors.Wrap(err, "acquire session")
	}
	defer func() {
		if err := release(); err != nil {
			log.Warn("release session lease", "error", err)
		}
	}()

	start := o.now()
	for _, stage := range state.Stages() {
		if st.Completed(stage) {
			continue
		}
		if o.cancelled.Load() || ctx.Err() != nil {
			return o.cancelRun(ctx, st, stage, log)
		}
		next, err := o.runStage(ctx, st, stage, log.With("stage", stage))
		if err != nil {
			var se *StageError
			if errors.As(err, &se) && se.Kind == faults.KindCancelled {
				return o.cancelRun(ctx, st, stage, log)
			}
			return st, err
		}
		st = next
	}
	log.Info("pipeline complete", "run_state", st.RunState(), "duration", o.now().Sub(start).Round(time.Millisecond))
	return st, nil
}

// runStage executes one stage with retries and strategy fallback. On
// success it returns the committed candidate; on failure st carries the
// failed TaskResult.
func (o *Orchestrator) runStage(ctx context.Context, st *state.PipelineState, stage state.Stage, log *slog.Logger) (*state.PipelineState, error) {
	exec := o.executors[stage]
	if prev, ok := stage.Previous(); ok && !st.Completed(prev) {
		return st, o.fail(ctx, st, stage, "", 0, faults.Validation(string(stage), "prerequisite",
			"stage %s has not completed", prev), log)
	}

	task := st.Task(stage)
	if err := task.Start(o.now()); err != nil {
		return st, &StageError{Stage: stage, Kind: faults.KindValidation, Err: err}
	}
	st.Current = stage
	st.Touch(o.now())

	policy, ok := exec.(FallbackPolicy)
	if !ok {
		policy = noFallback{}
	}
	strategies := exec.Strategies()
	if len(strategies) == 0 {
		return st, o.fail(ctx, st, stage, "", 0, faults.Validation(string(stage), "strategy", "executor has no strategies"), log)
	}
	strategy := strategies[0]
	started := o.now()
	attempts := 0

	for {
		if attempts > 0 && o.cancelled.Load() {
			return st, o.fail(ctx, st, stage, strategy, attempts, faults.ErrCancelled, log)
		}
		attempts++
		log.Debug("executing stage", "strategy", strategy, "attempt", attempts)
		candidate, err := exec.Execute(ctx, st.Clone(), strategy)
		if err == nil {
			err = state.ValidateStage(candidate, stage)
		}
		if err == nil {
			return o.commit(ctx, st, candidate, stage, strategy, attempts, started, log)
		}

		switch faults.KindOf(err) {
		case faults.KindCancelled:
			return st, o.fail(ctx, st, stage, strategy, attempts, err, log)
		case faults.KindCapability:
		default:
			o.metrics.observeStage(stage, o.now().Sub(started), "failed")
			return st, o.fail(ctx, st, stage, strategy, attempts, err, log)
		}

		if errors.Is(err, faults.ErrNotAvailable) {
			// Unavailable is decided without doing work.
			attempts--
			next, ok := nextStrategy(strategies, strategy)
			if !ok {
				o.metrics.observeStage(stage, o.now().Sub(started), "failed")
				return st, o.fail(ctx, st, stage, strategy, attempts, err, log)
			}
			log.Info("strategy not available, switching", "from", strategy, "to", next)
			o.metrics.incFallback(stage, next)
			strategy = next
			continue
		}

		if attempts >= o.retry.MaxAttempts {
			o.metrics.observeStage(stage, o.now().Sub(started), "failed")
			return st, o.fail(ctx, st, stage, strategy, attempts, err, log)
		}
		if next, ok := policy.Fallback(strategy, err); ok {
			log.Warn("capability failed, falling back", "from", strategy, "to", next, "attempt", attempts, "error", err)
			o.metrics.incFallback(stage, next)
			strategy = next
			continue
		}
		if !IsRetryable(err) {
			o.metrics.observeStage(stage, o.now().Sub(started), "failed")
			return st, o.fail(ctx, st, stage, strategy, attempts, err, log)
		}
		wait := o.retry.Backoff(attempts - 1)
		log.Warn("capability failed, retrying", "strategy", strategy, "attempt", attempts, "backoff", wait, "error", err)
		o.metrics.incRetry(stage)
		if err := o.sleep(ctx, wait); err != nil {
			return st, o.fail(ctx, st, stage, strategy, attempts, err, log)
		}
	}
}

// commit marks the candidate completed, persists it and only then hands it
// back as the new committed state.
func (o *Orchestrator) commit(ctx context.Context, st, candidate *state.PipelineState, stage state.Stage, strategy Strategy, attempts int, started time.Time, log *slog.Logger) (*state.PipelineState, error) {
	now := o.now()
	task := candidate.Task(stage)
	task.Attempts = attempts
	task.Strategy = string(strategy)
	if err := task.Complete(now); err != nil {
		return st, o.fail(ctx, st, stage, strategy, attempts, faults.Validation(string(stage), "task_status", "%v", err), log)
	}
	candidate.Current = stage
	candidate.Touch(now)

	h, err := o.store.Save(ctx, candidate, stage)
	o.metrics.incCheckpoint(stage, err)
	if err != nil {
		o.metrics.observeStage(stage, now.Sub(started), "failed")
		return st, o.fail(ctx, st, stage, strategy, attempts, faults.Capability("checkpoint", "save", err), log)
	}
	o.metrics.observeStage(stage, now.Sub(started), "success")
	log.Info("stage completed", "strategy", strategy, "attempts", attempts,
		"duration", task.Duration().Round(time.Millisecond), "checkpoint", h.ID)
	return candidate, nil
}

// fail records the failure on st, saves an ad-hoc snapshot and returns the
// StageError. Stage checkpoints are never written on failure.
func (o *Orchestrator) fail(ctx context.Context, st *state.PipelineState, stage state.Stage, strategy Strategy, attempts int, cause error, log *slog.Logger) error {
	kind := faults.KindOf(cause)
	now := o.now()
	task := st.Task(stage)
	task.Attempts = attempts
	if strategy != "" {
		task.Strategy = string(strategy)
	}
	if kind == faults.KindCancelled {
		return &StageError{Stage: stage, Kind: kind, Strategy: strategy, Attempts: attempts, Err: cause}
	}
	if task.Status == state.StatusPending {
		_ = task.Start(now)
	}
	_ = task.Fail(now, state.TaskError{Kind: string(kind), Message: cause.Error(), Strategy: string(strategy)})
	st.Touch(now)
	log.Error("stage failed", "kind", kind, "strategy", strategy, "attempts", attempts, "error", cause)
	o.snapshot(ctx, st, log)
	return &StageError{Stage: stage, Kind: kind, Strategy: strategy, Attempts: attempts, Err: cause}
}

// cancelRun moves every unfinished stage to cancelled and saves an ad-hoc
// snapshot.
func (o *Orchestrator) cancelRun(ctx context.Context, st *state.PipelineState, stage state.Stage, log *slog.Logger) (*state.PipelineState, error) {
	now := o.now()
	for _, s := range state.Stages() {
		if t := st.Task(s); !t.Status.Terminal() {
			_ = t.Cancel(now)
		}
	}
	st.Touch(now)
	log.Warn("pipeline cancelled", "stage", stage)
	o.snapshot(ctx, st, log)
	o.metrics.observeStage(stage, 0, "cancelled")
	return st, &StageError{Stage: stage, Kind: faults.KindCancelled, Err: faults.ErrCancelled}
}

func (o *Orchestrator) snapshot(ctx context.Context, st *state.PipelineState, log *slog.Logger) {
	_, err := o.store.Save(context.WithoutCancel(ctx), st, checkpoint.AdHoc)
	o.metrics.incCheckpoint(checkpoint.AdHoc, err)
	if err != nil {
		log.Error("save failure snapshot", "error", err)
	}
}

type noFallback struct{}

func (noFallback) Fallback(Strategy, error) (Strategy, bool) { return "", false }
