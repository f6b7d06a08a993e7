package segment

import (
	"cmp"
	"regexp"
	"slices"
	"strings"

	"github.com/dgallion1/docsum/internal/doctree"
)

// family is one group of block openers. Lower priority values win overlaps.
type family struct {
	kind     doctree.BlockKind
	priority int
	points   int // base confidence in hundredths
	opener   *regexp.Regexp
}

// Priorities, highest first. Formula spans always lose to structured blocks.
const (
	prioTheorem = iota
	prioDefinition
	prioProof
	prioExample
	prioRemark
	prioExercise
	prioFormula
)

// Opener groups: 1 keyword, 2 number, 3 parenthesised title, 4 trailing punctuation.
const openerTail = `(?:[ \t]+(\d+(?:\.\d+)*))?(?:[ \t]*\(([^()\n]{1,80})\))?([ \t]*[:.])?\**`

func openerPattern(keywords ...string) *regexp.Regexp {
	quoted := make([]string, len(keywords))
	for i, k := range keywords {
		quoted[i] = regexp.QuoteMeta(k)
	}
	return regexp.MustCompile(`(?:#{1,6}[ \t]+)?\**\b(` + strings.Join(quoted, "|") + `)` + openerTail)
}

var families = []family{
	{doctree.BlockTheorem, prioTheorem, 85, openerPattern(
		"Theorem", "Lemma", "Corollary", "Proposition", "Thm.",
		"Teorema", "Corollario", "Proposizione")},
	{doctree.BlockDefinition, prioDefinition, 85, openerPattern("Definition", "Def.", "Definizione")},
	{doctree.BlockProof, prioProof, 85, openerPattern("Proof", "Dimostrazione", "Dim.")},
	{doctree.BlockExample, prioExample, 80, openerPattern("Example", "Esempio")},
	{doctree.BlockRemark, prioRemark, 75, openerPattern(
		"Remark", "Note", "Observation", "Osservazione", "Nota")},
	{doctree.BlockExercise, prioExercise, 80, openerPattern("Exercise", "Problem", "Esercizio")},
}

// definitionPhrase opens a definition with running prose rather than a
// labelled heading. Only recognised at the start of a line.
var definitionPhrase = regexp.MustCompile(`(?m)^[ \t]*(We define|Si definisce)\b`)

const phrasePoints = 70

// proofEnd matches the markers that close a proof.
var proofEnd = regexp.MustCompile(`∎|□|■|\\qed\b|\\blacksquare\b|Q\.E\.D\.|\bQED\b|\bq\.e\.d\.`)

// paragraphBreak matches a blank line.
var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// opener is a recognised block heading.
type opener struct {
	fam      family
	start    int // first byte of the heading
	bodyFrom int // first byte after the heading
	number   string
	title    string
	points   int
}

// findOpeners returns every block heading in text ordered by position.
// Two openers never share a start offset; the higher-priority family wins.
func findOpeners(text string) []opener {
	var out []opener
	taken := make(map[int]bool)
	for _, f := range families {
		for _, m := range f.opener.FindAllStringSubmatchIndex(text, -1) {
			start := m[0]
			if taken[start] || !atSentenceStart(text, start) {
				continue
			}
			keyword := text[m[2]:m[3]]
			hasPunct := m[8] >= 0
			if !hasPunct && !strings.HasSuffix(keyword, ".") {
				continue
			}
			op := opener{fam: f, start: start, bodyFrom: m[1], points: f.points}
			if m[4] >= 0 {
				op.number = text[m[4]:m[5]]
			}
			if m[6] >= 0 {
				op.title = strings.TrimSpace(text[m[6]:m[7]])
			}
			if op.number != "" || op.title != "" {
				op.points += 5
			}
			if strings.HasSuffix(keyword, ".") {
				op.points -= 10
			}
			taken[start] = true
			out = append(out, op)
		}
	}
	def := families[prioDefinition]
	def.points = phrasePoints
	for _, m := range definitionPhrase.FindAllStringSubmatchIndex(text, -1) {
		start := m[2]
		if taken[start] {
			continue
		}
		taken[start] = true
		out = append(out, opener{fam: def, start: start, bodyFrom: m[3], points: phrasePoints})
	}
	sortOpeners(out)
	return out
}

func sortOpeners(ops []opener) {
	slices.SortStableFunc(ops, func(a, b opener) int { return cmp.Compare(a.start, b.start) })
}

// atSentenceStart reports whether pos begins a line or follows sentence
// punctuation.
func atSentenceStart(text string, pos int) bool {
	i := pos - 1
	for i >= 0 && (text[i] == ' ' || text[i] == '\t') {
		i--
	}
	if i < 0 || text[i] == '\n' || text[i] == '\r' {
		return true
	}
	if i == pos-1 {
		// no whitespace between the previous character and the keyword
		return false
	}
	switch text[i] {
	case '.', '!', '?', ';', ':':
		return true
	}
	return false
}

// openerEnd returns where the block started by ops[i] ends: the next opener,
// the next blank line, a proof end marker, or the end of text.
func openerEnd(text string, ops []opener, i int) int {
	op := ops[i]
	end := len(text)
	if i+1 < len(ops) {
		end = max(ops[i+1].start, op.bodyFrom)
	}
	if loc := paragraphBreak.FindStringIndex(text[op.bodyFrom:end]); loc != nil {
		end = op.bodyFrom + loc[0]
	}
	if op.fam.kind == doctree.BlockProof {
		if loc := proofEnd.FindStringIndex(text[op.bodyFrom:end]); loc != nil {
			end = op.bodyFrom + loc[1]
		}
	}
	return end
}
