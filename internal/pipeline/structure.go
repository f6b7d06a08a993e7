package pipeline

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/extract"
	"github.com/dgallion1/docsum/internal/faults"
	"github.com/dgallion1/docsum/internal/source"
	"github.com/dgallion1/docsum/internal/state"
)

const (
	DefaultUniformParts = 5
	DefaultOutlineDepth = 2
)

// StructureConfig tunes stage 1.
type StructureConfig struct {
	UniformParts int           // parts for equal division
	OutlineDepth int           // outline levels turned into units
	CallTimeout  time.Duration // per capability call
}

// StructureExecutor divides the document into structural units. It tries
// the document outline, then heading patterns in the page text, then the
// structure assist, and finally divides the pages evenly.
type StructureExecutor struct {
	open    SourceOpener
	assist  StructureAssist
	cfg     StructureConfig
	metrics *Metrics
	log     *slog.Logger
}

// NewStructureExecutor returns the stage-1 executor. assist may be nil.
func NewStructureExecutor(open SourceOpener, assist StructureAssist, cfg StructureConfig, metrics *Metrics, log *slog.Logger) *StructureExecutor {
	if cfg.UniformParts <= 0 {
		cfg.UniformParts = DefaultUniformParts
	}
	if cfg.OutlineDepth <= 0 {
		cfg.OutlineDepth = DefaultOutlineDepth
	}
	return &StructureExecutor{open: open, assist: assist, cfg: cfg, metrics: metrics, log: log}
}

func (e *StructureExecutor) Stage() state.Stage { return state.StageStructure }

func (e *StructureExecutor) Strategies() []Strategy {
	if e.assist == nil {
		return []Strategy{StrategyOutline, StrategyHeadings, StrategyUniform}
	}
	return []Strategy{StrategyOutline, StrategyHeadings, StrategyAssist, StrategyUniform}
}

// Fallback implements FallbackPolicy: every failure moves down the cascade.
func (e *StructureExecutor) Fallback(current Strategy, err error) (Strategy, bool) {
	return orderedFallback(e.Strategies()).Fallback(current, err)
}

func (e *StructureExecutor) Execute(ctx context.Context, st *state.PipelineState, strategy Strategy) (*state.PipelineState, error) {
	src, err := invoke(ctx, e.cfg.CallTimeout, e.metrics, "source", "open", func(ctx context.Context) (source.TextSource, error) {
		return e.open(ctx, st.DocumentRef)
	})
	if err != nil {
		return nil, err
	}
	defer src.Close()

	total := src.PageCount()
	if total <= 0 {
		return nil, faults.Validation(string(state.StageStructure), "page_count", "document %s has no pages", st.DocumentRef)
	}

	if !st.Kind.Resolved() {
		q := src.Quality()
		st.Kind = q.SuggestKind()
		st.SetMeta("kind_source", "quality")
		e.log.Info("resolved document kind", "kind", st.Kind,
			"chars_per_page", fmt.Sprintf("%.0f", q.CharsPerPage), "printable_ratio", fmt.Sprintf("%.2f", q.PrintableRatio))
	}

	var hints []source.Hint
	switch strategy {
	case StrategyOutline:
		hints, err = invoke(ctx, e.cfg.CallTimeout, e.metrics, "source", "structure_hints", src.StructureHints)
	case StrategyHeadings:
		hints, err = e.headingHints(ctx, src)
	case StrategyAssist:
		hints, err = e.assistHints(ctx, src)
	case StrategyUniform:
		hints = UniformHints(total, e.cfg.UniformParts)
	default:
		return nil, faults.Validation(string(state.StageStructure), "strategy", "unknown strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}

	units := BuildUnits(hints, total, e.cfg.OutlineDepth)
	if len(units) == 0 {
		return nil, faults.ErrNotAvailable
	}
	for i := range units {
		text, err := invoke(ctx, e.cfg.CallTimeout, e.metrics, "source", "text", func(ctx context.Context) (string, error) {
			return src.Text(ctx, units[i].Locators)
		})
		if err != nil {
			return nil, err
		}
		units[i].Content = text
	}

	coll, err := doctree.NewUnitCollection(st.DocumentRef, total, units)
	if err != nil {
		return nil, err
	}
	st.Units = coll
	if title := src.Name(); title != "" {
		st.SetMeta("title", title)
	}
	e.log.Info("divided document", "strategy", strategy, "units", len(units),
		"pages", total, "coverage", fmt.Sprintf("%.0f%%", coll.Coverage()))
	return st, nil
}

// headingPattern matches chapter and section headings at the start of a page.
var headingPattern = regexp.MustCompile(
	`(?i)^(chapter|chapitre|capitolo|part|parte|lecture|lezione|section|sezione|§)\s*([0-9]+(?:\.[0-9]+)*|[ivxlc]+)\b\s*[.:\-–]?\s*(.*)$`,
)

// headingLines is how many non-blank lines of each page are scanned.
const headingLines = 3

func (e *StructureExecutor) headingHints(ctx context.Context, src source.TextSource) ([]source.Hint, error) {
	var hints []source.Hint
	for page := 1; page <= src.PageCount(); page++ {
		text, err := invoke(ctx, e.cfg.CallTimeout, e.metrics, "source", "text", func(ctx context.Context) (string, error) {
			return src.Text(ctx, []int{page})
		})
		if err != nil {
			return nil, err
		}
		if h, ok := pageHeading(text); ok {
			h.Page = page
			hints = append(hints, h)
		}
	}
	if len(hints) == 0 {
		return nil, faults.ErrNotAvailable
	}
	return hints, nil
}

// pageHeading looks for a heading among the first lines of a page.
func pageHeading(text string) (source.Hint, bool) {
	for _, line := range strings.Split(extract.Sample(text, headingLines), "\n") {
		m := headingPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		level := 1
		if strings.Contains(m[2], ".") {
			level = 2
		}
		switch strings.ToLower(m[1]) {
		case "section", "sezione", "§":
			level = 2
		}
		return source.Hint{Title: strings.TrimSpace(line), Level: level}, true
	}
	return source.Hint{}, false
}

func (e *StructureExecutor) assistHints(ctx context.Context, src source.TextSource) ([]source.Hint, error) {
	if e.assist == nil {
		return nil, faults.ErrNotAvailable
	}
	total := src.PageCount()
	samples := make([]extract.PageSample, 0, total)
	for page := 1; page <= total; page++ {
		text, err := src.Text(ctx, []int{page})
		if err != nil {
			return nil, faults.Capability("source", "text", err)
		}
		if s := extract.Sample(text, headingLines); s != "" {
			samples = append(samples, extract.PageSample{Page: page, Text: s})
		}
	}
	return invoke(ctx, e.cfg.CallTimeout, e.metrics, "assist", "suggest_units", func(ctx context.Context) ([]source.Hint, error) {
		return e.assist.SuggestUnits(ctx, samples, total)
	})
}

// UniformHints divides total pages into at most parts ranges of equal size,
// giving the remainder to the first ranges.
func UniformHints(total, parts int) []source.Hint {
	if total <= 0 || parts <= 0 {
		return nil
	}
	parts = min(parts, total)
	size, extra := total/parts, total%parts
	hints := make([]source.Hint, 0, parts)
	page := 1
	for i := range parts {
		hints = append(hints, source.Hint{Title: fmt.Sprintf("Part %d", i+1), Page: page, Level: 1})
		page += size
		if i < extra {
			page++
		}
	}
	return hints
}

// BuildUnits turns outline hints into disjoint units. The shallowest level
// present becomes the chapters; deeper levels within depth become child
// units of the chapter they start in. A chapter runs until the next chapter
// starts, a section until the next section or the end of its chapter. Pages
// before the first chapter belong to no unit.
func BuildUnits(hints []source.Hint, total, depth int) []doctree.StructuralUnit {
	if len(hints) == 0 || total <= 0 {
		return nil
	}
	if depth <= 0 {
		depth = 1
	}
	hints = slices.Clone(hints)
	slices.SortStableFunc(hints, func(a, b source.Hint) int { return cmp.Compare(a.Page, b.Page) })
	top := hints[0].Level
	for _, h := range hints {
		top = min(top, h.Level)
	}

	type chapter struct {
		hint     source.Hint
		sections []source.Hint
	}
	var chapters []*chapter
	for _, h := range hints {
		if h.Page < 1 || h.Page > total {
			continue
		}
		rel := h.Level - top
		switch {
		case rel == 0:
			if n := len(chapters); n > 0 {
				prev := chapters[n-1]
				if prev.hint.Page >= h.Page {
					continue
				}
				prev.sections = slices.DeleteFunc(prev.sections, func(s source.Hint) bool { return s.Page >= h.Page })
			}
			chapters = append(chapters, &chapter{hint: h})
		case rel < depth && len(chapters) > 0:
			ch := chapters[len(chapters)-1]
			last := ch.hint.Page
			if n := len(ch.sections); n > 0 {
				last = ch.sections[n-1].Page
			}
			if h.Page > last {
				ch.sections = append(ch.sections, h)
			}
		}
	}

	var units []doctree.StructuralUnit
	for i, ch := range chapters {
		end := total
		if i+1 < len(chapters) {
			end = chapters[i+1].hint.Page - 1
		}
		id := fmt.Sprintf("ch%02d", i+1)
		chEnd := end
		if len(ch.sections) > 0 {
			chEnd = ch.sections[0].Page - 1
		}
		units = append(units, newUnit(id, "", ch.hint.Title, pageRange(ch.hint.Page, chEnd), 0))
		for j, sec := range ch.sections {
			secEnd := end
			if j+1 < len(ch.sections) {
				secEnd = ch.sections[j+1].Page - 1
			}
			sid := fmt.Sprintf("%s-s%02d", id, j+1)
			units = append(units, newUnit(sid, id, sec.Title, pageRange(sec.Page, secEnd), 1))
		}
	}
	return units
}

func newUnit(id, parent, title string, locators []int, level int) doctree.StructuralUnit {
	return doctree.StructuralUnit{
		ID:       id,
		Title:    strings.TrimSpace(title),
		Locators: locators,
		ParentID: parent,
		Level:    level,
	}
}

func pageRange(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for p := from; p <= to; p++ {
		out = append(out, p)
	}
	return out
}
