package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/dgallion1/docsum/internal/checkpoint"
	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/extract"
	"github.com/dgallion1/docsum/internal/faults"
	"github.com/dgallion1/docsum/internal/state"
)

var discard = slog.New(slog.DiscardHandler)

type execFunc func(ctx context.Context, st *state.PipelineState, strategy Strategy) (*state.PipelineState, error)

type stubExec struct {
	stage      state.Stage
	strategies []Strategy
	fn         execFunc
	calls      []Strategy
}

func (s *stubExec) Stage() state.Stage { return s.stage }

func (s *stubExec) Strategies() []Strategy {
	if len(s.strategies) == 0 {
		return []Strategy{"only"}
	}
	return s.strategies
}

func (s *stubExec) Execute(ctx context.Context, st *state.PipelineState, strategy Strategy) (*state.PipelineState, error) {
	s.calls = append(s.calls, strategy)
	return s.fn(ctx, st, strategy)
}

// fallbackExec moves down its strategy list on capability failures.
type fallbackExec struct{ stubExec }

func (f *fallbackExec) Fallback(current Strategy, err error) (Strategy, bool) {
	return orderedFallback(f.Strategies()).Fallback(current, err)
}

func structureOK(ctx context.Context, st *state.PipelineState, _ Strategy) (*state.PipelineState, error) {
	a, _ := doctree.NewStructuralUnit("ch01", "Groups", []int{1, 2}, 0)
	b, _ := doctree.NewStructuralUnit("ch02", "Rings", []int{3}, 0)
	units, err := doctree.NewUnitCollection(st.DocumentRef, 3, []doctree.StructuralUnit{a, b})
	if err != nil {
		return nil, err
	}
	st.Units = units
	st.Kind = doctree.KindCompiledTypeset
	return st, nil
}

func classifyOK(ctx context.Context, st *state.PipelineState, _ Strategy) (*state.PipelineState, error) {
	doc := &doctree.ClassifiedDocument{DocumentRef: st.DocumentRef}
	for _, u := range st.Units.Units {
		doc.Units = append(doc.Units, doctree.ClassifiedUnit{
			UnitID: u.ID,
			Title:  u.Title,
			Blocks: []doctree.ContentBlock{doctree.NewBlock(doctree.BlockNarrative, "text of "+u.ID, 0.7)},
		})
	}
	st.Classified = doc
	return st, nil
}

func composeOK(ctx context.Context, st *state.PipelineState, _ Strategy) (*state.PipelineState, error) {
	st.Artifacts = make(map[string]string)
	for _, u := range st.Units.Units {
		st.Artifacts[u.ID] = "out/" + u.ID + ".html"
	}
	st.OutputDir = "out"
	return st, nil
}

func capabilityFailure(ctx context.Context, st *state.PipelineState, _ Strategy) (*state.PipelineState, error) {
	return nil, faults.Capability("assist", "suggest_block", errors.New("503 overloaded"))
}

type harness struct {
	store     checkpoint.Store
	structure *stubExec
	classify  *stubExec
	compose   *stubExec
	waits     []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := checkpoint.NewFileStore(t.TempDir(), checkpoint.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return &harness{
		store:     store,
		structure: &stubExec{stage: state.StageStructure, fn: structureOK},
		classify:  &stubExec{stage: state.StageClassify, fn: classifyOK},
		compose:   &stubExec{stage: state.StageCompose, fn: composeOK},
	}
}

func (h *harness) orchestrator(t *testing.T, execs ...Executor) *Orchestrator {
	t.Helper()
	if len(execs) == 0 {
		execs = []Executor{h.structure, h.classify, h.compose}
	}
	o, err := NewOrchestrator(h.store, execs, Config{}, discard,
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.waits = append(h.waits, d)
			return nil
		}))
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestNewOrchestrator_RequiresEveryStage(t *testing.T) {
	h := newHarness(t)
	if _, err := NewOrchestrator(h.store, []Executor{h.structure, h.classify}, Config{}, discard); err == nil {
		t.Error("expected error for missing compose executor")
	}
	dup := &stubExec{stage: state.StageClassify, fn: classifyOK}
	if _, err := NewOrchestrator(h.store, []Executor{h.structure, h.classify, dup, h.compose}, Config{}, discard); err == nil {
		t.Error("expected error for duplicate executor")
	}
}

func TestRun_AllStagesCheckpointed(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	st, err := o.Run(context.Background(), "algebra.pdf", doctree.KindAuto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.RunState() != state.RunDone {
		t.Errorf("expected %s, got %s", state.RunDone, st.RunState())
	}
	for _, stage := range state.Stages() {
		loaded, err := h.store.Load(context.Background(), st.SessionID, stage)
		if err != nil {
			t.Fatalf("load %s checkpoint: %v", stage, err)
		}
		if !loaded.Completed(stage) {
			t.Errorf("checkpoint for %s does not mark it completed", stage)
		}
		if got := st.Task(stage).Attempts; got != 1 {
			t.Errorf("%s: expected 1 attempt, got %d", stage, got)
		}
	}
	if _, err := h.store.Load(context.Background(), st.SessionID, checkpoint.AdHoc); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("expected no ad-hoc snapshot after a clean run, got %v", err)
	}
}

// Stage 2 fails after stage 1 succeeded; resuming never re-runs stage 1.
func TestRun_FailureThenResume(t *testing.T) {
	h := newHarness(t)
	h.classify.fn = capabilityFailure
	o := h.orchestrator(t)
	ctx := context.Background()

	st, err := o.Run(ctx, "algebra.pdf", doctree.KindCompiledTypeset)
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if se.Stage != state.StageClassify || se.Kind != faults.KindCapability {
		t.Errorf("expected classify/capability, got %s/%s", se.Stage, se.Kind)
	}
	if se.Attempts != DefaultMaxAttempts || len(h.classify.calls) != DefaultMaxAttempts {
		t.Errorf("expected %d attempts, got %d (calls %d)", DefaultMaxAttempts, se.Attempts, len(h.classify.calls))
	}
	if len(h.waits) != DefaultMaxAttempts-1 {
		t.Errorf("expected %d backoff waits, got %d", DefaultMaxAttempts-1, len(h.waits))
	}
	task := st.Task(state.StageClassify)
	if task.Status != state.StatusFailed || task.Error == nil || task.Error.Kind != string(faults.KindCapability) {
		t.Errorf("expected failed classify task with capability error, got %+v", task)
	}
	if st.RunState() != state.RunFailed {
		t.Errorf("expected failed run state, got %s", st.RunState())
	}

	if _, err := h.store.Load(ctx, st.SessionID, state.StageClassify); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("a failed stage must not write its checkpoint, got %v", err)
	}
	snap, err := h.store.Load(ctx, st.SessionID, checkpoint.AdHoc)
	if err != nil {
		t.Fatalf("expected failure snapshot: %v", err)
	}
	if snap.Task(state.StageClassify).Status != state.StatusFailed {
		t.Errorf("failure snapshot should record the failed stage")
	}

	h.classify.fn = classifyOK
	h.classify.calls = nil
	resumed, err := o.Resume(ctx, st.SessionID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(h.structure.calls) != 1 {
		t.Errorf("structure must not re-run, got %d calls", len(h.structure.calls))
	}
	if len(h.classify.calls) != 1 || len(h.compose.calls) != 1 {
		t.Errorf("expected one classify and one compose call, got %d and %d", len(h.classify.calls), len(h.compose.calls))
	}
	if resumed.RunState() != state.RunDone {
		t.Errorf("expected %s, got %s", state.RunDone, resumed.RunState())
	}
	if resumed.SessionID != st.SessionID || resumed.DocumentRef != st.DocumentRef {
		t.Error("resume changed the session identity")
	}
}

func TestResume_CompletedSessionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	ctx := context.Background()

	st, err := o.Run(ctx, "algebra.pdf", doctree.KindCompiledTypeset)
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		again, err := o.Resume(ctx, st.SessionID)
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		if again.RunState() != state.RunDone {
			t.Errorf("expected %s, got %s", state.RunDone, again.RunState())
		}
	}
	if n := len(h.structure.calls) + len(h.classify.calls) + len(h.compose.calls); n != 3 {
		t.Errorf("expected no stage to run again, got %d executions", n)
	}
}

func TestResume_UnknownSession(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	_, err := o.Resume(context.Background(), "20250101_000000_deadbeef")
	var re *faults.RecoveryError
	if !errors.As(err, &re) {
		t.Fatalf("expected RecoveryError, got %v", err)
	}
}

func TestRunStage_NotAvailableSwitchesWithoutSpendingAttempt(t *testing.T) {
	h := newHarness(t)
	h.structure.strategies = []Strategy{StrategyOutline, StrategyHeadings, StrategyUniform}
	h.structure.fn = func(ctx context.Context, st *state.PipelineState, s Strategy) (*state.PipelineState, error) {
		if s != StrategyUniform {
			return nil, faults.ErrNotAvailable
		}
		return structureOK(ctx, st, s)
	}
	o := h.orchestrator(t)

	st, err := o.Run(context.Background(), "notes.md", doctree.KindAuto)
	if err != nil {
		t.Fatal(err)
	}
	task := st.Task(state.StageStructure)
	if task.Attempts != 1 || task.Strategy != string(StrategyUniform) {
		t.Errorf("expected 1 attempt via uniform, got %d via %s", task.Attempts, task.Strategy)
	}
	if len(h.waits) != 0 {
		t.Errorf("switching strategy must not back off, got %v", h.waits)
	}
}

func TestRunStage_NothingAvailableFails(t *testing.T) {
	h := newHarness(t)
	h.structure.fn = func(context.Context, *state.PipelineState, Strategy) (*state.PipelineState, error) {
		return nil, faults.ErrNotAvailable
	}
	o := h.orchestrator(t)
	_, err := o.Run(context.Background(), "x.pdf", doctree.KindAuto)
	var se *StageError
	if !errors.As(err, &se) || se.Kind != faults.KindCapability || se.Stage != state.StageStructure {
		t.Fatalf("expected structure capability failure, got %v", err)
	}
}

func TestRunStage_FallbackPolicy(t *testing.T) {
	h := newHarness(t)
	classify := &fallbackExec{stubExec{
		stage:      state.StageClassify,
		strategies: []Strategy{StrategyAssisted, StrategyPatterns},
	}}
	classify.fn = func(ctx context.Context, st *state.PipelineState, s Strategy) (*state.PipelineState, error) {
		if s == StrategyAssisted {
			return capabilityFailure(ctx, st, s)
		}
		return classifyOK(ctx, st, s)
	}
	o := h.orchestrator(t, h.structure, classify, h.compose)

	st, err := o.Run(context.Background(), "x.pdf", doctree.KindCompiledTypeset)
	if err != nil {
		t.Fatal(err)
	}
	task := st.Task(state.StageClassify)
	if task.Attempts != 2 || task.Strategy != string(StrategyPatterns) {
		t.Errorf("expected 2 attempts ending on patterns, got %d via %s", task.Attempts, task.Strategy)
	}
	if len(h.waits) != 0 {
		t.Errorf("fallback must not back off, got %v", h.waits)
	}
}

func TestRunStage_PermanentFailureSkipsBackoff(t *testing.T) {
	h := newHarness(t)
	h.compose.fn = func(context.Context, *state.PipelineState, Strategy) (*state.PipelineState, error) {
		return nil, faults.Capability("assist", "suggest_block",
			fmt.Errorf("call: %w", faults.Permanent(errors.New("claude api status 401: invalid x-api-key"))))
	}
	o := h.orchestrator(t)

	_, err := o.Run(context.Background(), "x.pdf", doctree.KindCompiledTypeset)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != state.StageCompose || se.Kind != faults.KindCapability {
		t.Fatalf("expected compose capability failure, got %v", err)
	}
	if se.Attempts != 1 || len(h.compose.calls) != 1 {
		t.Errorf("expected a single attempt, got %d (calls %d)", se.Attempts, len(h.compose.calls))
	}
	if len(h.waits) != 0 {
		t.Errorf("a permanent failure must not back off, got %v", h.waits)
	}
}

func TestRunStage_PermanentFailureStillFallsBack(t *testing.T) {
	h := newHarness(t)
	classify := &fallbackExec{stubExec{
		stage:      state.StageClassify,
		strategies: []Strategy{StrategyAssisted, StrategyPatterns},
	}}
	classify.fn = func(ctx context.Context, st *state.PipelineState, s Strategy) (*state.PipelineState, error) {
		if s == StrategyAssisted {
			return nil, faults.Capability("assist", "suggest_block", faults.Permanent(errors.New("status 400")))
		}
		return classifyOK(ctx, st, s)
	}
	o := h.orchestrator(t, h.structure, classify, h.compose)

	st, err := o.Run(context.Background(), "x.pdf", doctree.KindCompiledTypeset)
	if err != nil {
		t.Fatal(err)
	}
	if got := st.Task(state.StageClassify).Strategy; got != string(StrategyPatterns) {
		t.Errorf("expected fallback to patterns, got %s", got)
	}
	if len(h.waits) != 0 {
		t.Errorf("fallback must not back off, got %v", h.waits)
	}
}

func TestRunStage_ValidationFailsImmediately(t *testing.T) {
	h := newHarness(t)
	h.structure.fn = func(ctx context.Context, st *state.PipelineState, _ Strategy) (*state.PipelineState, error) {
		a, _ := doctree.NewStructuralUnit("a", "A", []int{1, 2}, 0)
		b, _ := doctree.NewStructuralUnit("b", "B", []int{2, 3}, 0)
		st.Units = &doctree.UnitCollection{DocumentRef: st.DocumentRef, TotalPages: 3, Units: []doctree.StructuralUnit{a, b}}
		st.Kind = doctree.KindCompiledTypeset
		return st, nil
	}
	o := h.orchestrator(t)

	st, err := o.Run(context.Background(), "x.pdf", doctree.KindAuto)
	var ve *faults.ValidationError
	if !errors.As(err, &ve) || ve.Rule != "locators_disjoint" {
		t.Fatalf("expected locators_disjoint violation, got %v", err)
	}
	if len(h.structure.calls) != 1 {
		t.Errorf("validation failures must not be retried, got %d calls", len(h.structure.calls))
	}
	if len(h.classify.calls) != 0 {
		t.Error("classify must not start after structure failed")
	}
	if st.Units != nil {
		t.Error("invalid stage output must not be committed")
	}
}

func TestRunStage_UnresolvedKindRejected(t *testing.T) {
	h := newHarness(t)
	h.structure.fn = func(ctx context.Context, st *state.PipelineState, s Strategy) (*state.PipelineState, error) {
		st, err := structureOK(ctx, st, s)
		st.Kind = doctree.KindAuto
		return st, err
	}
	o := h.orchestrator(t)
	_, err := o.Run(context.Background(), "x.pdf", doctree.KindAuto)
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestRun_CancelAtStageBoundary(t *testing.T) {
	h := newHarness(t)
	var o *Orchestrator
	h.structure.fn = func(ctx context.Context, st *state.PipelineState, s Strategy) (*state.PipelineState, error) {
		o.Cancel()
		return structureOK(ctx, st, s)
	}
	o = h.orchestrator(t)

	st, err := o.Run(context.Background(), "x.pdf", doctree.KindAuto)
	if !errors.Is(err, faults.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !st.Completed(state.StageStructure) {
		t.Error("the stage running when cancel was requested should still complete")
	}
	if len(h.classify.calls) != 0 {
		t.Error("no stage may start after cancellation")
	}
	if st.Task(state.StageClassify).Status != state.StatusCancelled || st.Task(state.StageCompose).Status != state.StatusCancelled {
		t.Error("remaining stages should be cancelled")
	}
	if st.RunState() != state.RunCancelled {
		t.Errorf("expected cancelled, got %s", st.RunState())
	}

	// The cancelled session resumes from its structure checkpoint.
	resumed, err := o.Resume(context.Background(), st.SessionID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.RunState() != state.RunDone || len(h.structure.calls) != 1 {
		t.Errorf("expected completion without re-running structure, got %s after %d calls", resumed.RunState(), len(h.structure.calls))
	}
}

func TestRun_CancelBeforeStartIsKept(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	o.Cancel()

	st, err := o.Run(context.Background(), "x.pdf", doctree.KindAuto)
	if !errors.Is(err, faults.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(h.structure.calls) != 0 {
		t.Error("no stage may run after an early cancel")
	}
	if st.RunState() != state.RunCancelled {
		t.Errorf("expected cancelled, got %s", st.RunState())
	}

	// The request is spent once the run returns.
	if _, err := o.Resume(context.Background(), st.SessionID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(h.structure.calls) != 1 {
		t.Errorf("expected the resumed run to execute, got %d structure calls", len(h.structure.calls))
	}
}

func TestRun_ContextCancelledMidStage(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.classify.fn = func(ctx context.Context, st *state.PipelineState, _ Strategy) (*state.PipelineState, error) {
		cancel()
		return nil, ctx.Err()
	}
	o := h.orchestrator(t)

	st, err := o.Run(ctx, "x.pdf", doctree.KindAuto)
	if faults.KindOf(err) != faults.KindCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if st.Task(state.StageClassify).Status != state.StatusCancelled {
		t.Errorf("expected classify cancelled, got %s", st.Task(state.StageClassify).Status)
	}
	if _, err := h.store.Load(context.Background(), st.SessionID, checkpoint.AdHoc); err != nil {
		t.Errorf("expected ad-hoc snapshot despite cancelled context: %v", err)
	}
}

// failingSave rejects checkpoints for one stage.
type failingSave struct {
	checkpoint.Store
	stage state.Stage
}

func (f failingSave) Save(ctx context.Context, st *state.PipelineState, stage state.Stage) (checkpoint.Handle, error) {
	if stage == f.stage {
		return checkpoint.Handle{}, fmt.Errorf("disk full")
	}
	return f.Store.Save(ctx, st, stage)
}

func TestRun_CheckpointFailureFailsStage(t *testing.T) {
	h := newHarness(t)
	h.store = failingSave{Store: h.store, stage: state.StageClassify}
	o := h.orchestrator(t)

	st, err := o.Run(context.Background(), "x.pdf", doctree.KindAuto)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != state.StageClassify {
		t.Fatalf("expected classify StageError, got %v", err)
	}
	if st.Completed(state.StageClassify) {
		t.Error("stage must not be completed when its checkpoint failed")
	}
	if st.Classified != nil {
		t.Error("uncheckpointed output must not be committed")
	}
}

func TestRun_SessionInUse(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	st := state.New("20250101_000000_cafebabe", "x.pdf", doctree.KindAuto, time.Now())
	release, err := h.store.Acquire(context.Background(), st.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	if _, err := o.RunState(context.Background(), st); !errors.Is(err, checkpoint.ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
	if len(h.structure.calls) != 0 {
		t.Error("no stage may run without the session lease")
	}
}

func TestInvoke_TimeoutIsCapabilityError(t *testing.T) {
	_, err := invoke(context.Background(), 10*time.Millisecond, nil, "render", "unit", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	var ce *faults.CapabilityError
	if !errors.As(err, &ce) || !ce.Timeout {
		t.Fatalf("expected timed out CapabilityError, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", fmt.Errorf("call: %w", &extract.RetryableError{StatusCode: 429}), true},
		{"capability", faults.Capability("render", "unit", errors.New("io")), true},
		{"permanent", faults.Capability("assist", "suggest_block", faults.Permanent(errors.New("status 401"))), false},
		{"validation", faults.Validation("structure", "kind", "auto"), false},
		{"not available", faults.ErrNotAvailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestInvoke_PassesNotAvailable(t *testing.T) {
	_, err := invoke(context.Background(), time.Second, nil, "source", "structure_hints", func(context.Context) (int, error) {
		return 0, faults.ErrNotAvailable
	})
	if !errors.Is(err, faults.ErrNotAvailable) {
		t.Fatalf("expected ErrNotAvailable, got %v", err)
	}
	var ce *faults.CapabilityError
	if errors.As(err, &ce) {
		t.Error("ErrNotAvailable must not be wrapped as a failure")
	}
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{BackoffBase: time.Second, BackoffMax: 4 * time.Second}
	for attempt, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second} {
		got := p.Backoff(attempt)
		if got < want || got > want+want/2 {
			t.Errorf("attempt %d: expected %v..%v, got %v", attempt, want, want+want/2, got)
		}
	}
}
