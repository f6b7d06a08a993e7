package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/dgallion1/docsum/internal/checkpoint"
	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/faults"
	"github.com/dgallion1/docsum/internal/render"
	"github.com/dgallion1/docsum/internal/segment"
	"github.com/dgallion1/docsum/internal/state"
)

func htmlRenderers(opts render.Options) RendererFactory {
	return func(dir string) (Renderer, error) {
		return render.NewHTMLRenderer(dir, opts)
	}
}

func classifiedState(t *testing.T) *state.PipelineState {
	t.Helper()
	st := structuredState(t, proofText, unfinishedText)
	out, err := NewClassifyExecutor(segment.New(segment.Config{}), nil, ClassifyConfig{}, nil, discard).
		Execute(context.Background(), st, StrategyPatterns)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestOutputDirFor(t *testing.T) {
	tests := []struct{ ref, want string }{
		{"/docs/Abstract Algebra.pdf", filepath.Join("out", "abstract-algebra")},
		{"notes.md", filepath.Join("out", "notes")},
	}
	for _, tt := range tests {
		if got := OutputDirFor("out", tt.ref); got != tt.want {
			t.Errorf("OutputDirFor(%q): expected %q, got %q", tt.ref, tt.want, got)
		}
	}
}

func TestDocumentTitle(t *testing.T) {
	st := state.New("s1", "/docs/linear_algebra-notes.pdf", doctree.KindAuto, time.Now())
	if got := DocumentTitle(st); got != "Linear Algebra Notes" {
		t.Errorf("expected title from file name, got %q", got)
	}
	st.SetMeta("title", "Linear Algebra")
	if got := DocumentTitle(st); got != "Linear Algebra" {
		t.Errorf("expected title from metadata, got %q", got)
	}
}

func TestComposeExecutor_RendersEveryUnit(t *testing.T) {
	base := t.TempDir()
	e := NewComposeExecutor(htmlRenderers(render.Options{MathJax: true}), ComposeConfig{OutputDir: base}, nil, discard)
	st := classifiedState(t)

	out, err := e.Execute(context.Background(), st, StrategyRender)
	if err != nil {
		t.Fatal(err)
	}
	if err := state.ValidateComposition(out); err != nil {
		t.Fatalf("output does not validate: %v", err)
	}
	if out.OutputDir != filepath.Join(base, "algebra") {
		t.Errorf("unexpected output dir %q", out.OutputDir)
	}
	for id, path := range out.Artifacts {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("artifact for %s missing: %v", id, err)
		}
	}

	first, err := os.ReadFile(out.Artifacts["a"])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(first), `href="b.html"`) {
		t.Error("first page should link to the next unit")
	}

	index, err := os.ReadFile(out.IndexPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Algebra", `href="a.html"`, `href="b.html"`} {
		if !strings.Contains(string(index), want) {
			t.Errorf("index missing %q", want)
		}
	}
}

func TestComposeExecutor_KeepsExistingOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "custom")
	e := NewComposeExecutor(htmlRenderers(render.Options{}), ComposeConfig{OutputDir: t.TempDir()}, nil, discard)
	st := classifiedState(t)
	st.OutputDir = dir

	out, err := e.Execute(context.Background(), st, StrategyRender)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(out.IndexPath) != dir {
		t.Errorf("expected index in %s, got %s", dir, out.IndexPath)
	}
}

func TestComposeExecutor_RequiresClassification(t *testing.T) {
	e := NewComposeExecutor(htmlRenderers(render.Options{}), ComposeConfig{OutputDir: t.TempDir()}, nil, discard)
	st := structuredState(t, proofText)
	if _, err := e.Execute(context.Background(), st, StrategyRender); faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestComposeExecutor_RendererUnavailable(t *testing.T) {
	factory := func(string) (Renderer, error) { return nil, errors.New("unknown theme") }
	e := NewComposeExecutor(factory, ComposeConfig{OutputDir: t.TempDir()}, nil, discard)
	_, err := e.Execute(context.Background(), classifiedState(t), StrategyRender)
	var ce *faults.CapabilityError
	if !errors.As(err, &ce) || ce.Capability != "render" {
		t.Fatalf("expected render CapabilityError, got %v", err)
	}
}

// The real executors run a document from stage 1 through stage 3.
func TestPipeline_EndToEnd(t *testing.T) {
	store, err := checkpoint.NewFileStore(t.TempDir(), checkpoint.Options{})
	if err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()
	metrics := NewMetrics(nil)
	execs := []Executor{
		NewStructureExecutor(openDoc(algebraDoc()), nil, StructureConfig{}, metrics, discard),
		NewClassifyExecutor(segment.New(segment.Config{}), nil, ClassifyConfig{}, metrics, discard),
		NewComposeExecutor(htmlRenderers(render.Options{}), ComposeConfig{OutputDir: out}, metrics, discard),
	}
	o, err := NewOrchestrator(store, execs, Config{}, discard, WithMetrics(metrics))
	if err != nil {
		t.Fatal(err)
	}

	st, err := o.Run(context.Background(), "abstract_algebra.pdf", doctree.KindAuto)
	if err != nil {
		t.Fatal(err)
	}
	if st.RunState() != state.RunDone {
		t.Fatalf("expected %s, got %s", state.RunDone, st.RunState())
	}
	if got := st.Task(state.StageStructure).Strategy; got != string(StrategyHeadings) {
		t.Errorf("expected headings after the missing outline, got %s", got)
	}
	if len(st.Artifacts) != 2 {
		t.Errorf("expected 2 pages, got %d", len(st.Artifacts))
	}
	index, err := os.ReadFile(st.IndexPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(index), "Abstract Algebra") {
		t.Error("index should carry the document title")
	}

	rec, err := checkpoint.Recover(context.Background(), store, st.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.From != state.StageCompose {
		t.Errorf("expected recovery from compose, got %q", rec.From)
	}
}

// brokenDisk fails every unit page while down is set.
type brokenDisk struct {
	Renderer
	down *bool
}

func (b brokenDisk) Render(ctx context.Context, unit doctree.ClassifiedUnit, nav render.Nav) (string, error) {
	if *b.down {
		return "", errors.New("disk full")
	}
	return b.Renderer.Render(ctx, unit, nav)
}

// countingExec counts the executions of the executor it wraps.
type countingExec struct {
	Executor
	runs int
}

func (c *countingExec) Execute(ctx context.Context, st *state.PipelineState, strategy Strategy) (*state.PipelineState, error) {
	c.runs++
	return c.Executor.Execute(ctx, st, strategy)
}

// A compose failure resumes from the classify checkpoint and composes exactly
// the classification stored there.
func TestPipeline_ResumeComposesCheckpointedClassification(t *testing.T) {
	store, err := checkpoint.NewFileStore(t.TempDir(), checkpoint.Options{})
	if err != nil {
		t.Fatal(err)
	}
	down := true
	renderers := func(dir string) (Renderer, error) {
		r, err := render.NewHTMLRenderer(dir, render.Options{})
		if err != nil {
			return nil, err
		}
		return brokenDisk{Renderer: r, down: &down}, nil
	}
	classify := &countingExec{Executor: NewClassifyExecutor(segment.New(segment.Config{}), nil, ClassifyConfig{}, nil, discard)}
	execs := []Executor{
		NewStructureExecutor(openDoc(algebraDoc()), nil, StructureConfig{}, nil, discard),
		classify,
		NewComposeExecutor(renderers, ComposeConfig{OutputDir: t.TempDir()}, nil, discard),
	}
	o, err := NewOrchestrator(store, execs, Config{}, discard,
		WithSleep(func(context.Context, time.Duration) error { return nil }))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	st, err := o.Run(ctx, "abstract_algebra.pdf", doctree.KindAuto)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != state.StageCompose {
		t.Fatalf("expected compose failure, got %v", err)
	}
	cp, err := store.Load(ctx, st.SessionID, state.StageClassify)
	if err != nil {
		t.Fatalf("load classify checkpoint: %v", err)
	}

	down = false
	resumed, err := o.Resume(ctx, st.SessionID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.RunState() != state.RunDone {
		t.Errorf("expected %s, got %s", state.RunDone, resumed.RunState())
	}
	if classify.runs != 1 {
		t.Errorf("classify must run once, got %d", classify.runs)
	}
	if !reflect.DeepEqual(cp.Classified, resumed.Classified) {
		t.Error("resumed classification differs from the checkpointed one")
	}
}
