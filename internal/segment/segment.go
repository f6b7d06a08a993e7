// Package segment splits unit text into typed content blocks using pattern
// families for mathematical prose. It is pure: the same text always yields
// the same blocks.
package segment

import (
	"cmp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/dgallion1/docsum/internal/doctree"
)

// Config controls segmentation.
type Config struct {
	MinNarrative   int            // Minimum gap size in runes to emit as its own narrative block.
	ExerciseAction doctree.Action // Action derived for exercise blocks.
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinNarrative:   50,
		ExerciseAction: doctree.DefaultExerciseAction,
	}
}

// Engine is a configured segmenter. It holds no mutable state and is safe
// for concurrent use.
type Engine struct {
	cfg Config
}

// New returns an Engine; zero fields in cfg take their defaults.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MinNarrative <= 0 {
		cfg.MinNarrative = def.MinNarrative
	}
	if cfg.ExerciseAction == "" {
		cfg.ExerciseAction = def.ExerciseAction
	}
	return &Engine{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Split segments text with the default configuration.
func Split(text string) []doctree.ContentBlock {
	return New(DefaultConfig()).Split(text)
}

// Narrative confidence in hundredths.
const (
	narrativePoints     = 70
	unstructuredPoints  = 60
	truncationPenalty   = 15
	truncatedFormulaCap = 50
)

// span is a candidate or accepted region of the text.
type span struct {
	kind       doctree.BlockKind
	priority   int
	start, end int
	points     int
	number     string
	title      string
	notation   string
	delimiter  string
	terminated bool
	truncated  bool
	brokenMath bool     // contains a dropped unterminated formula
	formulas   []string // notation of formulas absorbed by this block
}

// Split segments text into ordered, non-overlapping blocks.
func (e *Engine) Split(text string) []doctree.ContentBlock {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	kept := resolve(text, candidates(text))
	spans := e.fillGaps(text, kept)
	blocks := make([]doctree.ContentBlock, 0, len(spans))
	for _, s := range spans {
		blocks = append(blocks, e.toBlock(text, s))
	}
	return blocks
}

// candidates collects structured and formula spans from every family.
func candidates(text string) []*span {
	var out []*span
	ops := findOpeners(text)
	for i, op := range ops {
		start, end := trimRange(text, op.start, openerEnd(text, ops, i))
		if start >= end {
			continue
		}
		out = append(out, &span{
			kind:     op.fam.kind,
			priority: op.fam.priority,
			start:    start,
			end:      end,
			points:   op.points,
			number:   op.number,
			title:    op.title,
		})
	}
	for _, f := range scanFormulas(text) {
		start, end := trimRange(text, f.start, f.end)
		if start >= end {
			continue
		}
		s := &span{
			kind:       doctree.BlockFormula,
			priority:   prioFormula,
			start:      start,
			end:        end,
			points:     formulaPoints(f.body, f.terminated),
			delimiter:  f.delimiter,
			terminated: f.terminated,
		}
		if f.terminated {
			s.notation = strings.TrimSpace(f.body)
		}
		out = append(out, s)
	}
	return out
}

// resolve claims spans in priority order. A span overlapping an already
// claimed region is truncated to its first free piece, or dropped when
// nothing of it remains. The result is ordered by position.
func resolve(text string, cands []*span) []*span {
	order := slices.Clone(cands)
	slices.SortStableFunc(order, func(a, b *span) int {
		if c := cmp.Compare(a.priority, b.priority); c != 0 {
			return c
		}
		return cmp.Compare(a.start, b.start)
	})

	var kept []*span
	for _, c := range order {
		pieces := freePieces(c.start, c.end, kept)
		piece, ok := firstNonBlank(text, pieces)
		if !ok {
			absorb(c, kept)
			continue
		}
		if piece[0] != c.start || piece[1] != c.end {
			truncate(c, piece)
		}
		kept = append(kept, c)
	}
	slices.SortFunc(kept, func(a, b *span) int { return cmp.Compare(a.start, b.start) })
	return kept
}

// freePieces subtracts the kept spans from [start, end).
func freePieces(start, end int, kept []*span) [][2]int {
	pieces := [][2]int{{start, end}}
	for _, k := range kept {
		var next [][2]int
		for _, p := range pieces {
			if k.end <= p[0] || k.start >= p[1] {
				next = append(next, p)
				continue
			}
			if k.start > p[0] {
				next = append(next, [2]int{p[0], k.start})
			}
			if k.end < p[1] {
				next = append(next, [2]int{k.end, p[1]})
			}
		}
		pieces = next
	}
	slices.SortFunc(pieces, func(a, b [2]int) int { return cmp.Compare(a[0], b[0]) })
	return pieces
}

func firstNonBlank(text string, pieces [][2]int) ([2]int, bool) {
	for _, p := range pieces {
		s, e := trimRange(text, p[0], p[1])
		if s < e {
			return [2]int{s, e}, true
		}
	}
	return [2]int{}, false
}

// absorb hands a dropped formula's notation to the theorem-like or
// definition block that contains it. A dropped unterminated formula lowers
// the containing block to review confidence instead.
func absorb(c *span, kept []*span) {
	if c.kind != doctree.BlockFormula {
		return
	}
	for _, k := range kept {
		if k.start > c.start || c.end > k.end {
			continue
		}
		if !c.terminated {
			if !k.brokenMath {
				k.brokenMath = true
				k.points = min(k.points-truncationPenalty, truncatedFormulaCap)
			}
			return
		}
		if c.notation != "" && (k.kind == doctree.BlockTheorem || k.kind == doctree.BlockDefinition) {
			k.formulas = append(k.formulas, c.notation)
		}
		return
	}
}

func truncate(c *span, piece [2]int) {
	headingLost := piece[0] != c.start
	c.start, c.end = piece[0], piece[1]
	c.truncated = true
	if c.kind == doctree.BlockFormula {
		c.notation = ""
		c.points = min(c.points, truncatedFormulaCap)
		return
	}
	c.points -= truncationPenalty
	if headingLost {
		c.number, c.title = "", ""
	}
}

// fillGaps turns uncovered text into narrative spans. Gaps below the
// minimum size are merged into the preceding span, or the following span
// when nothing precedes them.
func (e *Engine) fillGaps(text string, kept []*span) []*span {
	points := narrativePoints
	if len(kept) == 0 {
		points = unstructuredPoints
	}
	var (
		out        []*span
		cursor     int
		pendingGap = -1 // start of a small leading gap awaiting the next span
	)
	gap := func(from, to int) {
		s, end := trimRange(text, from, to)
		if s >= end {
			return
		}
		if utf8.RuneCountInString(text[s:end]) >= e.cfg.MinNarrative {
			out = append(out, &span{kind: doctree.BlockNarrative, start: s, end: end, points: points})
			return
		}
		if len(out) > 0 {
			out[len(out)-1].end = end
			return
		}
		if pendingGap < 0 {
			pendingGap = s
		}
	}
	for _, k := range kept {
		gap(cursor, k.start)
		if pendingGap >= 0 && len(out) == 0 {
			k.start = pendingGap
			pendingGap = -1
		}
		out = append(out, k)
		cursor = k.end
	}
	gap(cursor, len(text))
	if len(out) == 0 && pendingGap >= 0 {
		s, end := trimRange(text, pendingGap, len(text))
		out = append(out, &span{kind: doctree.BlockNarrative, start: s, end: end, points: points})
	}
	return out
}

func (e *Engine) toBlock(text string, s *span) doctree.ContentBlock {
	opts := []doctree.BlockOption{
		doctree.WithSpan(s.start, s.end),
		doctree.WithExerciseAction(e.cfg.ExerciseAction),
	}
	switch {
	case s.number != "":
		opts = append(opts, doctree.WithName(s.number), doctree.WithMeta("number", s.number))
		if s.title != "" {
			opts = append(opts, doctree.WithMeta("title", s.title))
		}
	case s.title != "":
		opts = append(opts, doctree.WithName(s.title), doctree.WithMeta("title", s.title))
	}
	if s.kind == doctree.BlockFormula {
		opts = append(opts, doctree.WithMeta("delimiter", s.delimiter))
		if s.notation != "" {
			opts = append(opts, doctree.WithNotation(s.notation))
		}
		if !s.terminated {
			opts = append(opts, doctree.WithMeta("unterminated", "true"))
		}
	}
	if len(s.formulas) > 0 {
		opts = append(opts, doctree.WithNotation(strings.Join(s.formulas, "\n")))
	}
	if s.truncated {
		opts = append(opts, doctree.WithMeta("truncated", "true"))
	}
	if s.brokenMath {
		opts = append(opts, doctree.WithMeta("unterminated_formula", "true"))
	}
	return doctree.NewBlock(s.kind, text[s.start:s.end], float64(s.points)/100, opts...)
}

// trimRange narrows [start, end) to exclude surrounding whitespace.
func trimRange(text string, start, end int) (int, int) {
	end = min(end, len(text))
	for start < end && isSpaceByte(text[start]) {
		start++
	}
	for end > start && isSpaceByte(text[end-1]) {
		end--
	}
	return start, end
}
