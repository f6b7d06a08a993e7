package extract

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/source"
)

// Suggestion is the model's classification of one block.
type Suggestion struct {
	Kind       doctree.BlockKind `json:"kind"`
	Name       string            `json:"name"`
	Notation   string            `json:"notation"`
	Confidence float64           `json:"confidence"`
}

var kindAliases = map[string]doctree.BlockKind{
	"lemma":       doctree.BlockTheorem,
	"corollary":   doctree.BlockTheorem,
	"proposition": doctree.BlockTheorem,
	"equation":    doctree.BlockFormula,
	"text":        doctree.BlockNarrative,
	"note":        doctree.BlockRemark,
	"problem":     doctree.BlockExercise,
}

var injectionPattern = regexp.MustCompile(
	`(?i)(ignore\s+(previous|all|above)|system\s*prompt|you\s+are\s+now|` +
		`act\s+as\s+|pretend\s+|forget\s+(everything|all)|override|` +
		`new\s+instructions)`,
)

// ValidateSuggestion normalises s in place and rejects suggestions outside
// the closed kind set or the confidence range.
func ValidateSuggestion(s *Suggestion) error {
	if s == nil {
		return fmt.Errorf("nil suggestion")
	}
	k := strings.ToLower(strings.TrimSpace(string(s.Kind)))
	if alias, ok := kindAliases[k]; ok {
		k = string(alias)
	}
	s.Kind = doctree.BlockKind(k)
	if !s.Kind.Valid() {
		return fmt.Errorf("suggested kind %q not recognised", k)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("suggested confidence %v out of range", s.Confidence)
	}
	s.Name = strings.TrimSpace(s.Name)
	if len(s.Name) > 120 || injectionPattern.MatchString(s.Name) {
		s.Name = ""
	}
	s.Notation = strings.TrimSpace(s.Notation)
	if injectionPattern.MatchString(s.Notation) {
		s.Notation = ""
	}
	if s.Kind != doctree.BlockFormula && s.Kind != doctree.BlockTheorem {
		s.Notation = ""
	}
	return nil
}

// ValidateUnitHints drops hints with an empty or suspicious title or a page
// outside the document, keeps the first hint per page and sorts by page.
func ValidateUnitHints(hints []source.Hint, totalPages int) []source.Hint {
	seen := make(map[int]bool, len(hints))
	out := make([]source.Hint, 0, len(hints))
	for _, h := range hints {
		h.Title = strings.TrimSpace(h.Title)
		if h.Title == "" || len(h.Title) > 300 || injectionPattern.MatchString(h.Title) {
			continue
		}
		if h.Page < 1 || h.Page > totalPages || seen[h.Page] {
			continue
		}
		if h.Level < 1 {
			h.Level = 1
		}
		seen[h.Page] = true
		out = append(out, h)
	}
	slices.SortStableFunc(out, func(a, b source.Hint) int { return a.Page - b.Page })
	return out
}

// Slugify converts a string to a URL/path-safe slug. Accents are stripped
// so "Teorema di Pitagora è" becomes "teorema-di-pitagora-e".
func Slugify(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(t, s); err == nil {
		s = folded
	}
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonSlug.ReplaceAllString(s, "-")
	s = dashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 50 {
		s = strings.TrimRight(s[:50], "-")
	}
	return s
}

var (
	nonSlug = regexp.MustCompile(`[^a-z0-9-]`)
	dashes  = regexp.MustCompile(`-+`)
)
