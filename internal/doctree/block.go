package doctree

import (
	"fmt"
	"maps"
)

// BlockKind is the closed set of content categories.
type BlockKind string

const (
	BlockNarrative  BlockKind = "narrative"
	BlockTheorem    BlockKind = "theorem"
	BlockDefinition BlockKind = "definition"
	BlockFormula    BlockKind = "formula"
	BlockProof      BlockKind = "proof"
	BlockExample    BlockKind = "example"
	BlockExercise   BlockKind = "exercise"
	BlockRemark     BlockKind = "remark"
)

// BlockKinds lists every valid kind in a stable order.
var BlockKinds = []BlockKind{
	BlockNarrative, BlockTheorem, BlockDefinition, BlockFormula,
	BlockProof, BlockExample, BlockExercise, BlockRemark,
}

// Valid reports whether k belongs to the closed set.
func (k BlockKind) Valid() bool {
	for _, v := range BlockKinds {
		if k == v {
			return true
		}
	}
	return false
}

// Action tells the composition stage what to do with a block.
type Action string

const (
	ActionSummarize Action = "summarize"
	ActionVerbatim  Action = "preserve_verbatim"
	ActionFormula   Action = "render_formula"
	ActionSkip      Action = "skip"
)

// Valid reports whether a belongs to the closed set.
func (a Action) Valid() bool {
	switch a {
	case ActionSummarize, ActionVerbatim, ActionFormula, ActionSkip:
		return true
	}
	return false
}

// ParseAction validates a configured action name.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// ReviewThreshold is the confidence below which a block always needs review.
const ReviewThreshold = 0.6

// DefaultExerciseAction is used when no exercise action is configured.
const DefaultExerciseAction = ActionVerbatim

// ActionFor derives the action for kind. exercise is the configured action
// for exercises; an empty value selects DefaultExerciseAction.
func ActionFor(kind BlockKind, exercise Action) Action {
	switch kind {
	case BlockFormula:
		return ActionFormula
	case BlockTheorem, BlockDefinition, BlockProof:
		return ActionVerbatim
	case BlockExercise:
		if exercise == "" {
			return DefaultExerciseAction
		}
		return exercise
	default:
		return ActionSummarize
	}
}

// Span is a half-open byte range in the unit text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ContentBlock is one classified piece of a unit's text.
type ContentBlock struct {
	Kind           BlockKind         `json:"kind"`
	Content        string            `json:"content"`
	Name           string            `json:"name,omitempty"`
	Notation       string            `json:"notation,omitempty"`
	Confidence     float64           `json:"confidence"`
	NeedsReview    bool              `json:"needs_review"`
	Action         Action            `json:"action"`
	ActionOverride bool              `json:"action_override,omitempty"`
	Span           Span              `json:"span"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// BlockOption customises NewBlock.
type BlockOption func(*ContentBlock)

// WithName sets the block's name or number.
func WithName(name string) BlockOption {
	return func(b *ContentBlock) { b.Name = name }
}

// WithNotation attaches the formal-notation payload.
func WithNotation(n string) BlockOption {
	return func(b *ContentBlock) { b.Notation = n }
}

// WithSpan records the block's position in the source text.
func WithSpan(start, end int) BlockOption {
	return func(b *ContentBlock) { b.Span = Span{Start: start, End: end} }
}

// WithAction overrides the derived action.
func WithAction(a Action) BlockOption {
	return func(b *ContentBlock) {
		b.Action = a
		b.ActionOverride = true
	}
}

// WithExerciseAction sets the action exercises derive to.
func WithExerciseAction(a Action) BlockOption {
	return func(b *ContentBlock) {
		if b.Kind == BlockExercise && !b.ActionOverride {
			b.Action = ActionFor(BlockExercise, a)
		}
	}
}

// WithMeta adds a metadata entry.
func WithMeta(key, value string) BlockOption {
	return func(b *ContentBlock) {
		if b.Metadata == nil {
			b.Metadata = make(map[string]string)
		}
		b.Metadata[key] = value
	}
}

// WithReview flags the block for review regardless of confidence.
func WithReview() BlockOption {
	return func(b *ContentBlock) { b.NeedsReview = true }
}

// NewBlock builds a block with its action derived from kind and the forced
// review rules applied.
func NewBlock(kind BlockKind, content string, confidence float64, opts ...BlockOption) ContentBlock {
	b := ContentBlock{
		Kind:       kind,
		Content:    content,
		Confidence: clamp01(confidence),
		Action:     ActionFor(kind, ""),
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.Refresh()
	return b
}

// Refresh re-applies the rules that force a review flag. It never clears a
// flag that is already set.
func (b *ContentBlock) Refresh() {
	b.Confidence = clamp01(b.Confidence)
	if b.Confidence < ReviewThreshold {
		b.NeedsReview = true
	}
	if b.Kind == BlockFormula && b.Notation == "" {
		b.NeedsReview = true
	}
}

// Reclassify changes the kind, re-deriving the action unless it was
// overridden.
func (b *ContentBlock) Reclassify(kind BlockKind, exercise Action) {
	b.Kind = kind
	if !b.ActionOverride {
		b.Action = ActionFor(kind, exercise)
	}
	b.Refresh()
}

// ForcedReview reports whether the block's own fields require a review flag.
func (b ContentBlock) ForcedReview() bool {
	return b.Confidence < ReviewThreshold || (b.Kind == BlockFormula && b.Notation == "")
}

// Clone returns a deep copy.
func (b ContentBlock) Clone() ContentBlock {
	b.Metadata = maps.Clone(b.Metadata)
	return b
}

func clamp01(f float64) float64 {
	switch {
	case f < 0 || f != f:
		return 0
	case f > 1:
		return 1
	}
	return f
}
