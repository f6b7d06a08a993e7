package pipeline

import (
	"context"
	"slices"

	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/extract"
	"github.com/dgallion1/docsum/internal/faults"
	"github.com/dgallion1/docsum/internal/render"
	"github.com/dgallion1/docsum/internal/source"
	"github.com/dgallion1/docsum/internal/state"
)

// Strategy names one way an executor can produce its stage output.
type Strategy string

const (
	StrategyOutline  Strategy = "outline"
	StrategyHeadings Strategy = "headings"
	StrategyAssist   Strategy = "assist"
	StrategyUniform  Strategy = "uniform"
	StrategyAssisted Strategy = "assisted"
	StrategyPatterns Strategy = "patterns"
	StrategyRender   Strategy = "render"
)

// Executor runs one stage. Execute receives a working copy of the committed
// state and returns it updated; the orchestrator commits it only after the
// stage validates and its checkpoint is written.
type Executor interface {
	Stage() state.Stage
	// Strategies lists the strategies in order of preference.
	Strategies() []Strategy
	Execute(ctx context.Context, st *state.PipelineState, strategy Strategy) (*state.PipelineState, error)
}

// FallbackPolicy picks the strategy to try after a capability failure. The
// choice depends only on the current strategy and the error.
type FallbackPolicy interface {
	Fallback(current Strategy, err error) (Strategy, bool)
}

// SourceOpener opens the document a session refers to.
type SourceOpener func(ctx context.Context, ref string) (source.TextSource, error)

// StructureAssist proposes chapter boundaries from page samples.
type StructureAssist interface {
	SuggestUnits(ctx context.Context, samples []extract.PageSample, totalPages int) ([]source.Hint, error)
}

// ClassificationAssist classifies one block of text.
type ClassificationAssist interface {
	SuggestBlock(ctx context.Context, text string) (extract.Suggestion, error)
}

// Renderer writes the composed pages.
type Renderer interface {
	Render(ctx context.Context, unit doctree.ClassifiedUnit, nav render.Nav) (string, error)
	RenderIndex(ctx context.Context, title string, entries []render.IndexEntry) (string, error)
}

// RendererFactory builds a Renderer writing into dir.
type RendererFactory func(dir string) (Renderer, error)

// nextStrategy returns the strategy after current in order.
func nextStrategy(order []Strategy, current Strategy) (Strategy, bool) {
	i := slices.Index(order, current)
	if i < 0 || i+1 >= len(order) {
		return "", false
	}
	return order[i+1], true
}

// orderedFallback moves to the next strategy on any capability failure.
type orderedFallback []Strategy

func (o orderedFallback) Fallback(current Strategy, err error) (Strategy, bool) {
	if faults.KindOf(err) != faults.KindCapability {
		return "", false
	}
	return nextStrategy(o, current)
}
