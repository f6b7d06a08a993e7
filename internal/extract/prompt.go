package extract

import (
	"fmt"
	"strings"
)

const systemPrompt = `You analyse mathematical and technical documents: lecture notes, textbooks and papers, typeset or scanned. You answer with JSON only.`

const BlockPrompt = `Classify the following block of a mathematical document. Return a JSON object with these fields:

- "kind": one of "narrative", "theorem", "definition", "formula", "proof", "example", "exercise", "remark"
- "name": the block's label if it has one, such as "3.2" or "Pythagoras" (string, may be empty)
- "notation": for formulas and theorems, the LaTeX of the main formula without delimiters (string, may be empty)
- "confidence": how sure you are, from 0.0 to 1.0 (float)

Rules:
- Lemmas, corollaries and propositions are "theorem"
- Use "narrative" for explanatory prose that is none of the other kinds
- Only fill "notation" when you can write valid LaTeX for it
- Lower the confidence when the text is garbled, truncated or ambiguous

Respond with ONLY the JSON object, no other text.`

const UnitsPrompt = `Below are the first lines of every page of a document. Identify where its chapters or major sections begin. Return a JSON array; each element must have:

- "title": the chapter title as printed (string)
- "page": the page the chapter starts on (integer, 1-based)
- "level": 1 for chapters, 2 for sections inside a chapter (integer)

Rules:
- Order entries by page
- Do not invent chapters that the text does not show
- Skip front matter such as the table of contents, preface and index unless nothing else exists
- Return an empty array [] if the document has no recognisable chapters

Respond with ONLY the JSON array, no other text.`

// maxBlockRunes bounds the block text sent for classification.
const maxBlockRunes = 6000

// BuildBlockPrompt creates the classification prompt for one block.
func BuildBlockPrompt(text string) string {
	var sb strings.Builder
	sb.WriteString(BlockPrompt)
	sb.WriteString("\n\n---\n")
	sb.WriteString(truncateRunes(text, maxBlockRunes))
	return sb.String()
}

// PageSample is the opening text of one page.
type PageSample struct {
	Page int
	Text string
}

// BuildUnitsPrompt creates the chapter detection prompt.
func BuildUnitsPrompt(samples []PageSample, totalPages int) string {
	var sb strings.Builder
	sb.WriteString(UnitsPrompt)
	sb.WriteString("\n\n---\n")
	fmt.Fprintf(&sb, "Total pages: %d\n", totalPages)
	for _, s := range samples {
		fmt.Fprintf(&sb, "\n[page %d]\n%s\n", s.Page, strings.TrimSpace(s.Text))
	}
	return sb.String()
}

// Sample returns the first n lines of text, skipping blank ones.
func Sample(text string, n int) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, truncateRunes(line, 160))
		if len(lines) == n {
			break
		}
	}
	return strings.Join(lines, "\n")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// EstimateTokens gives a rough token count using a words-based heuristic.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	// Roughly 1.33 tokens per word for English text.
	tokens := int(float64(len(strings.Fields(text))) * 1.33)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
