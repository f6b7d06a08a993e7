package segment

import (
	"regexp"
	"strings"
	"unicode"
)

// formulaEnvs are the LaTeX environments treated as display math.
var formulaEnvs = []string{
	"equation*", "equation", "align*", "align", "gather*", "gather",
	"multline*", "multline", "eqnarray*", "eqnarray", "displaymath",
}

// formulaSpan is one delimited piece of formal notation.
type formulaSpan struct {
	start, end int
	body       string
	delimiter  string
	terminated bool
}

// scanFormulas finds every delimited formula in text, left to right. An
// unterminated display delimiter runs to the next recognised delimiter or
// the end of text; an unterminated inline delimiter runs to the end of its
// paragraph.
func scanFormulas(text string) []formulaSpan {
	var out []formulaSpan
	i := 0
	for i < len(text) {
		var (
			f  formulaSpan
			ok bool
		)
		switch {
		case strings.HasPrefix(text[i:], `\$`):
			i += 2
			continue
		case strings.HasPrefix(text[i:], "$$"):
			f, ok = displayFormula(text, i, "$$", "$$"), true
		case strings.HasPrefix(text[i:], `\[`):
			f, ok = displayFormula(text, i, `\[`, `\]`), true
		case strings.HasPrefix(text[i:], `\(`):
			f, ok = inlineFormula(text, i, `\(`, `\)`), true
		case strings.HasPrefix(text[i:], `\begin{`):
			if env := envAt(text[i:]); env != "" {
				f, ok = displayFormula(text, i, `\begin{`+env+`}`, `\end{`+env+`}`), true
				f.delimiter = env
			}
		case text[i] == '$':
			if i+1 < len(text) && !isSpaceByte(text[i+1]) {
				f, ok = inlineFormula(text, i, "$", "$"), true
			}
		}
		if !ok {
			i++
			continue
		}
		out = append(out, f)
		i = max(f.end, i+1)
	}
	return out
}

func envAt(s string) string {
	for _, env := range formulaEnvs {
		if strings.HasPrefix(s, `\begin{`+env+`}`) {
			return env
		}
	}
	return ""
}

func displayFormula(text string, start int, opening, closing string) formulaSpan {
	bodyFrom := start + len(opening)
	f := formulaSpan{start: start, delimiter: opening}
	if idx := strings.Index(text[bodyFrom:], closing); idx >= 0 {
		f.end = bodyFrom + idx + len(closing)
		f.body = text[bodyFrom : bodyFrom+idx]
		f.terminated = true
		return f
	}
	f.end = nextDelimiter(text, bodyFrom)
	f.body = text[bodyFrom:f.end]
	return f
}

func inlineFormula(text string, start int, opening, closing string) formulaSpan {
	bodyFrom := start + len(opening)
	limit := paragraphEnd(text, bodyFrom)
	f := formulaSpan{start: start, delimiter: opening}
	for i := bodyFrom; i < limit; i++ {
		if !strings.HasPrefix(text[i:], closing) {
			continue
		}
		if closing == "$" && !validDollarClose(text, bodyFrom, i) {
			continue
		}
		f.end = i + len(closing)
		f.body = text[bodyFrom:i]
		f.terminated = true
		return f
	}
	f.end = limit
	f.body = text[bodyFrom:limit]
	return f
}

// validDollarClose applies the usual TeX-in-prose rules: the closing dollar
// follows a non-space, is not escaped, and is not followed by a digit.
func validDollarClose(text string, bodyFrom, i int) bool {
	if i == bodyFrom || isSpaceByte(text[i-1]) || text[i-1] == '\\' {
		return false
	}
	if i+1 < len(text) && text[i+1] >= '0' && text[i+1] <= '9' {
		return false
	}
	return true
}

func nextDelimiter(text string, from int) int {
	end := len(text)
	for _, d := range []string{"$", `\[`, `\(`, `\begin{`} {
		if idx := strings.Index(text[from:], d); idx >= 0 && from+idx < end {
			end = from + idx
		}
	}
	return end
}

func paragraphEnd(text string, from int) int {
	if loc := paragraphBreak.FindStringIndex(text[from:]); loc != nil {
		return from + loc[0]
	}
	return len(text)
}

var latexCommand = regexp.MustCompile(`\\[A-Za-z]+`)

const asciiOperators = "^_=+-*/<>|!"

// Formula scoring in hundredths.
const (
	formulaBase      = 45
	commandPoints    = 10
	symbolPoints     = 5
	unterminatedCap  = 50
	maxFormulaPoints = 100
)

// formulaPoints scores body by its distinct commands and operator symbols.
// The score never decreases as distinct tokens are added and saturates at
// maxFormulaPoints. Unterminated formulas are halved and capped.
func formulaPoints(body string, terminated bool) int {
	pts := formulaBase
	commands := make(map[string]bool)
	for _, c := range latexCommand.FindAllString(body, -1) {
		if !commands[c] {
			commands[c] = true
			pts += commandPoints
		}
	}
	symbols := make(map[rune]bool)
	for _, r := range body {
		if !isMathSymbol(r) || symbols[r] {
			continue
		}
		symbols[r] = true
		pts += symbolPoints
	}
	pts = min(pts, maxFormulaPoints)
	if !terminated {
		pts = min(pts/2, unterminatedCap)
	}
	return pts
}

func isMathSymbol(r rune) bool {
	if r <= unicode.MaxASCII {
		return strings.ContainsRune(asciiOperators, r)
	}
	return unicode.Is(unicode.Sm, r) || unicode.Is(unicode.Greek, r)
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
