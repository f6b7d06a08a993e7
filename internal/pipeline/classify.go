package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/extract"
	"github.com/dgallion1/docsum/internal/faults"
	"github.com/dgallion1/docsum/internal/segment"
	"github.com/dgallion1/docsum/internal/state"
)

const (
	DefaultMaxConcurrentClassify = 4
	DefaultMaxAssistPerUnit      = 8
)

// ClassifyConfig tunes stage 2.
type ClassifyConfig struct {
	MaxConcurrent    int // units classified in parallel
	MaxAssistPerUnit int // flagged blocks sent to the assist per unit
	CallTimeout      time.Duration
}

// ClassifyExecutor segments every unit into typed blocks. With an assist
// configured, blocks the patterns flag for review are re-examined by the
// model.
type ClassifyExecutor struct {
	engine  *segment.Engine
	assist  ClassificationAssist
	cfg     ClassifyConfig
	metrics *Metrics
	log     *slog.Logger
}

// NewClassifyExecutor returns the stage-2 executor. assist may be nil.
func NewClassifyExecutor(engine *segment.Engine, assist ClassificationAssist, cfg ClassifyConfig, metrics *Metrics, log *slog.Logger) *ClassifyExecutor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrentClassify
	}
	if cfg.MaxAssistPerUnit <= 0 {
		cfg.MaxAssistPerUnit = DefaultMaxAssistPerUnit
	}
	return &ClassifyExecutor{engine: engine, assist: assist, cfg: cfg, metrics: metrics, log: log}
}

func (e *ClassifyExecutor) Stage() state.Stage { return state.StageClassify }

func (e *ClassifyExecutor) Strategies() []Strategy {
	if e.assist == nil {
		return []Strategy{StrategyPatterns}
	}
	return []Strategy{StrategyAssisted, StrategyPatterns}
}

// Fallback implements FallbackPolicy: an assist that failed on every call
// is abandoned for plain patterns.
func (e *ClassifyExecutor) Fallback(current Strategy, err error) (Strategy, bool) {
	return orderedFallback(e.Strategies()).Fallback(current, err)
}

// assistTally counts assist calls across the units of one execution.
type assistTally struct {
	calls    atomic.Int64
	failures atomic.Int64
	mu       sync.Mutex
	lastErr  error
}

func (t *assistTally) fail(err error) {
	t.failures.Add(1)
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}

func (e *ClassifyExecutor) Execute(ctx context.Context, st *state.PipelineState, strategy Strategy) (*state.PipelineState, error) {
	if st.Units == nil {
		return nil, faults.Validation(string(state.StageClassify), "units_present", "no structural units to classify")
	}
	assisted := strategy == StrategyAssisted
	if assisted && e.assist == nil {
		return nil, faults.ErrNotAvailable
	}

	units := st.Units.Units
	results := make([]doctree.ClassifiedUnit, len(units))
	errs := make([]error, len(units))
	tally := &assistTally{}

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.cfg.MaxConcurrent)
	for i, u := range units {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, u doctree.StructuralUnit) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			cu := doctree.ClassifiedUnit{UnitID: u.ID, Title: u.Title, Blocks: e.engine.Split(u.Content)}
			if assisted {
				if err := e.refine(ctx, &cu, tally); err != nil {
					errs[i] = err
					return
				}
			}
			results[i] = cu
		}(i, u)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	calls, failures := tally.calls.Load(), tally.failures.Load()
	if assisted && calls > 0 && failures == calls {
		return nil, faults.Capability("assist", "suggest_block", tally.lastErr)
	}

	st.Classified = &doctree.ClassifiedDocument{
		DocumentRef:    st.DocumentRef,
		ExerciseAction: e.engine.Config().ExerciseAction,
		Units:          results,
	}
	if assisted {
		st.SetMeta("assist_calls", strconv.FormatInt(calls, 10))
		st.SetMeta("assist_failures", strconv.FormatInt(failures, 10))
	}
	e.metrics.observeClassified(st.Classified)
	e.log.Info("classified document", "strategy", strategy, "units", len(results),
		"blocks", st.Classified.TotalBlocks(), "needs_review", st.Classified.TotalNeedingReview(),
		"assist_calls", calls, "assist_failures", failures)
	return st, nil
}

// refine asks the assist about the unit's flagged blocks. A failed call
// leaves the block as the patterns classified it.
func (e *ClassifyExecutor) refine(ctx context.Context, cu *doctree.ClassifiedUnit, tally *assistTally) error {
	asked := 0
	for j := range cu.Blocks {
		b := &cu.Blocks[j]
		if !b.NeedsReview {
			continue
		}
		if asked == e.cfg.MaxAssistPerUnit {
			break
		}
		asked++
		tally.calls.Add(1)
		s, err := invoke(ctx, e.cfg.CallTimeout, e.metrics, "assist", "suggest_block", func(ctx context.Context) (extract.Suggestion, error) {
			return e.assist.SuggestBlock(ctx, b.Content)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			tally.fail(err)
			e.log.Warn("assist classification failed, keeping pattern result",
				"unit_id", cu.UnitID, "block", j, "error", err)
			continue
		}
		applySuggestion(b, s, e.engine.Config().ExerciseAction)
	}
	return nil
}

// applySuggestion merges a validated suggestion into b. The review flag is
// never cleared here.
func applySuggestion(b *doctree.ContentBlock, s extract.Suggestion, exercise doctree.Action) {
	if b.Name == "" {
		b.Name = s.Name
	}
	if s.Notation != "" && (s.Kind == doctree.BlockFormula || s.Kind == doctree.BlockTheorem) {
		b.Notation = s.Notation
	}
	b.Confidence = s.Confidence
	b.Metadata = withMeta(b.Metadata, "classified_by", "assist")
	b.Metadata = withMeta(b.Metadata, "pattern_kind", string(b.Kind))
	b.Reclassify(s.Kind, exercise)
}

func withMeta(m map[string]string, k, v string) map[string]string {
	if m == nil {
		m = make(map[string]string)
	}
	m[k] = v
	return m
}
