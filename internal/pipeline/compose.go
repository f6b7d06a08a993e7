package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/extract"
	"github.com/dgallion1/docsum/internal/faults"
	"github.com/dgallion1/docsum/internal/render"
	"github.com/dgallion1/docsum/internal/state"
)

// ComposeConfig tunes stage 3.
type ComposeConfig struct {
	OutputDir   string // base directory; each document gets its own subdirectory
	CallTimeout time.Duration
}

// ComposeExecutor renders one page per classified unit plus the index.
type ComposeExecutor struct {
	newRenderer RendererFactory
	cfg         ComposeConfig
	metrics     *Metrics
	log         *slog.Logger
}

// NewComposeExecutor returns the stage-3 executor.
func NewComposeExecutor(newRenderer RendererFactory, cfg ComposeConfig, metrics *Metrics, log *slog.Logger) *ComposeExecutor {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "output"
	}
	return &ComposeExecutor{newRenderer: newRenderer, cfg: cfg, metrics: metrics, log: log}
}

func (e *ComposeExecutor) Stage() state.Stage { return state.StageCompose }

func (e *ComposeExecutor) Strategies() []Strategy { return []Strategy{StrategyRender} }

func (e *ComposeExecutor) Execute(ctx context.Context, st *state.PipelineState, strategy Strategy) (*state.PipelineState, error) {
	if st.Classified == nil || st.Units == nil {
		return nil, faults.Validation(string(state.StageCompose), "classified_present", "nothing to compose")
	}
	dir := st.OutputDir
	if dir == "" {
		dir = OutputDirFor(e.cfg.OutputDir, st.DocumentRef)
	}
	r, err := e.newRenderer(dir)
	if err != nil {
		return nil, faults.Capability("render", "open", err)
	}

	units := st.Classified.Units
	artifacts := make(map[string]string, len(units))
	entries := make([]render.IndexEntry, 0, len(units))
	for i, cu := range units {
		nav := render.Nav{Index: render.IndexFile, Position: i + 1, Total: len(units)}
		if i > 0 {
			nav.Prev = &render.Link{Title: unitTitle(units[i-1]), Href: render.FileName(units[i-1].UnitID)}
		}
		if i+1 < len(units) {
			nav.Next = &render.Link{Title: unitTitle(units[i+1]), Href: render.FileName(units[i+1].UnitID)}
		}
		path, err := invoke(ctx, e.cfg.CallTimeout, e.metrics, "render", "unit", func(ctx context.Context) (string, error) {
			return r.Render(ctx, cu, nav)
		})
		if err != nil {
			return nil, err
		}
		artifacts[cu.UnitID] = path

		entry := render.IndexEntry{
			Title:       unitTitle(cu),
			Href:        render.FileName(cu.UnitID),
			Blocks:      len(cu.Blocks),
			NeedsReview: cu.NeedingReview(),
			Level:       1,
		}
		if su, ok := st.Units.ByID(cu.UnitID); ok {
			entry.Pages = su.PageRange()
			entry.Level = su.Level + 1
		}
		entries = append(entries, entry)
	}

	title := DocumentTitle(st)
	index, err := invoke(ctx, e.cfg.CallTimeout, e.metrics, "render", "index", func(ctx context.Context) (string, error) {
		return r.RenderIndex(ctx, title, entries)
	})
	if err != nil {
		return nil, err
	}

	st.Artifacts = artifacts
	st.IndexPath = index
	st.OutputDir = dir
	e.log.Info("composed document", "pages", len(artifacts), "index", index)
	return st, nil
}

// OutputDirFor returns the directory a document's pages are written to.
func OutputDirFor(base, ref string) string {
	name := strings.TrimSuffix(filepath.Base(ref), filepath.Ext(ref))
	if slug := extract.Slugify(name); slug != "" {
		name = slug
	}
	return filepath.Join(base, name)
}

// DocumentTitle prefers the title found in the document and falls back to
// the file name.
func DocumentTitle(st *state.PipelineState) string {
	if t := st.Metadata["title"]; t != "" {
		return t
	}
	name := strings.TrimSuffix(filepath.Base(st.DocumentRef), filepath.Ext(st.DocumentRef))
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return cases.Title(language.Und).String(strings.Join(strings.Fields(name), " "))
}

func unitTitle(cu doctree.ClassifiedUnit) string {
	if cu.Title != "" {
		return cu.Title
	}
	return cu.UnitID
}
