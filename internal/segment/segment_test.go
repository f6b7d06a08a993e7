package segment

import (
	"reflect"
	"strings"
	"testing"

	"github.com/dgallion1/docsum/internal/doctree"
)

func kinds(blocks []doctree.ContentBlock) []doctree.BlockKind {
	out := make([]doctree.BlockKind, len(blocks))
	for i, b := range blocks {
		out[i] = b.Kind
	}
	return out
}

func TestSplit_TheoremAndProof(t *testing.T) {
	blocks := Split("Theorem 1: For all x, x=x. Proof: trivial.")

	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d: %v", len(blocks), kinds(blocks))
	}
	th, pf := blocks[0], blocks[1]
	if th.Kind != doctree.BlockTheorem {
		t.Errorf("expected theorem, got %s", th.Kind)
	}
	if th.Name != "1" {
		t.Errorf("expected name 1, got %q", th.Name)
	}
	if th.Action != doctree.ActionVerbatim {
		t.Errorf("expected preserve_verbatim, got %s", th.Action)
	}
	if th.Content != "Theorem 1: For all x, x=x." {
		t.Errorf("unexpected theorem content %q", th.Content)
	}
	if pf.Kind != doctree.BlockProof || pf.Action != doctree.ActionVerbatim {
		t.Errorf("expected verbatim proof, got %s/%s", pf.Kind, pf.Action)
	}
	if pf.Content != "Proof: trivial." {
		t.Errorf("unexpected proof content %q", pf.Content)
	}
	for i, b := range blocks {
		if b.NeedsReview {
			t.Errorf("block %d: unexpected review flag (confidence %v)", i, b.Confidence)
		}
	}
}

func TestSplit_InlineFormula(t *testing.T) {
	blocks := Split("$x^2+y^2=r^2$")

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	b := blocks[0]
	if b.Kind != doctree.BlockFormula {
		t.Fatalf("expected formula, got %s", b.Kind)
	}
	if b.Confidence <= 0 {
		t.Errorf("expected positive confidence, got %v", b.Confidence)
	}
	if b.Action != doctree.ActionFormula {
		t.Errorf("expected render_formula, got %s", b.Action)
	}
	if b.Notation != "x^2+y^2=r^2" {
		t.Errorf("unexpected notation %q", b.Notation)
	}
}

func TestSplit_UnterminatedDelimiter(t *testing.T) {
	blocks := Split("Consider the polynomial $$x^2 + 1")

	var f *doctree.ContentBlock
	for i := range blocks {
		if blocks[i].Kind == doctree.BlockFormula {
			f = &blocks[i]
		}
	}
	if f == nil {
		t.Fatalf("expected a formula block, got %v", kinds(blocks))
	}
	if f.Confidence >= 1 || f.Confidence > 0.5 {
		t.Errorf("expected capped confidence, got %v", f.Confidence)
	}
	if !f.NeedsReview {
		t.Error("expected needs_review")
	}
	if f.Notation != "" {
		t.Errorf("expected no notation for unterminated formula, got %q", f.Notation)
	}
	if f.Metadata["unterminated"] != "true" {
		t.Errorf("expected unterminated metadata, got %v", f.Metadata)
	}
	if !strings.HasSuffix(f.Content, "x^2 + 1") {
		t.Errorf("expected span to run to end of text, got %q", f.Content)
	}
}

func TestSplit_UnterminatedInsideTheorem(t *testing.T) {
	blocks := Split(`Theorem 1. Let $f$ be \begin{align} a=b`)
	if len(blocks) != 1 || blocks[0].Kind != doctree.BlockTheorem {
		t.Fatalf("expected a single theorem, got %v", kinds(blocks))
	}
	b := blocks[0]
	if b.Confidence > 0.5 {
		t.Errorf("expected lowered confidence, got %v", b.Confidence)
	}
	if !b.NeedsReview {
		t.Error("expected needs_review for broken math inside the theorem")
	}
	if b.Metadata["unterminated_formula"] != "true" {
		t.Errorf("expected unterminated_formula metadata, got %v", b.Metadata)
	}
	if b.Notation != "f" {
		t.Errorf("expected the closed inline formula as notation, got %q", b.Notation)
	}

	clean := Split(`Theorem 1. Let $f$ be continuous.`)
	if clean[0].NeedsReview || clean[0].Metadata["unterminated_formula"] != "" {
		t.Errorf("a well-formed theorem must not be flagged, got %+v", clean[0])
	}
}

func TestSplit_UnterminatedStopsAtNextDelimiter(t *testing.T) {
	text := `Start \[ a + b and later prose continues here $c=d$ end.`
	blocks := Split(text)
	var formulas []doctree.ContentBlock
	for _, b := range blocks {
		if b.Kind == doctree.BlockFormula {
			formulas = append(formulas, b)
		}
	}
	if len(formulas) != 2 {
		t.Fatalf("expected 2 formulas, got %d: %v", len(formulas), kinds(blocks))
	}
	if strings.Contains(formulas[0].Content, "c=d") {
		t.Errorf("unterminated display formula ran past next delimiter: %q", formulas[0].Content)
	}
	if formulas[1].Notation != "c=d" {
		t.Errorf("expected second formula c=d, got %q", formulas[1].Notation)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := strings.Join([]string{
		"Definition 2.1 (Group). A group is a set with an associative operation, an identity and inverses.",
		"",
		"Lemma 3. The identity is unique. Proof. Suppose e and f are identities; then $e = ef = f$. ∎",
		"",
		"Many interesting structures arise this way, and we now study a long list of them in turn.",
		"",
		`\begin{align} a^2 + b^2 &= c^2 \\ \sum_{i=1}^n i &= \frac{n(n+1)}{2} \end{align}`,
		"Remark: the converse fails. Exercise 4. Prove it.",
	}, "\n")

	first := Split(text)
	for range 5 {
		if got := Split(text); !reflect.DeepEqual(first, got) {
			t.Fatal("Split is not deterministic")
		}
	}

	want := []doctree.BlockKind{
		doctree.BlockDefinition,
		doctree.BlockTheorem,
		doctree.BlockProof,
		doctree.BlockNarrative,
		doctree.BlockFormula,
		doctree.BlockRemark,
		doctree.BlockExercise,
	}
	if !reflect.DeepEqual(kinds(first), want) {
		t.Errorf("expected kinds %v, got %v", want, kinds(first))
	}
}

func TestSplit_BlocksDoNotOverlap(t *testing.T) {
	text := "Theorem 1. Let $a$ and $$b$$ be given. Then \\(c\\) holds.\n\nExample: $1+1=2$ and text."
	blocks := Split(text)
	for i := 1; i < len(blocks); i++ {
		if blocks[i].Span.Start < blocks[i-1].Span.End {
			t.Errorf("block %d [%d,%d) overlaps previous [%d,%d)", i,
				blocks[i].Span.Start, blocks[i].Span.End, blocks[i-1].Span.Start, blocks[i-1].Span.End)
		}
	}
	for _, b := range blocks {
		if b.Content != text[b.Span.Start:b.Span.End] {
			t.Errorf("content %q does not match span %v", b.Content, b.Span)
		}
	}
}

// Formulas inside a theorem lose to the theorem and donate their notation.
func TestSplit_FormulaInsideTheorem(t *testing.T) {
	blocks := Split("Theorem 2. For every $n$, $\\sum_{k=1}^n k = n(n+1)/2$.")
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %v", kinds(blocks))
	}
	b := blocks[0]
	if b.Kind != doctree.BlockTheorem {
		t.Fatalf("expected theorem, got %s", b.Kind)
	}
	if !strings.Contains(b.Notation, `\sum_{k=1}^n k = n(n+1)/2`) {
		t.Errorf("expected donated notation, got %q", b.Notation)
	}
}

// A formula that starts inside a structured block and extends past it is
// truncated to its free piece.
func TestResolve_TruncatesLoser(t *testing.T) {
	text := "0123456789abcdefghij"
	hi := &span{kind: doctree.BlockTheorem, priority: prioTheorem, start: 0, end: 10, points: 85}
	lo := &span{kind: doctree.BlockFormula, priority: prioFormula, start: 5, end: 15, points: 90, notation: "x", terminated: true}
	inner := &span{kind: doctree.BlockFormula, priority: prioFormula, start: 2, end: 4, points: 90, notation: "y", terminated: true}

	kept := resolve(text, []*span{lo, inner, hi})
	if len(kept) != 2 {
		t.Fatalf("expected 2 kept spans, got %d", len(kept))
	}
	if kept[0] != hi || kept[1] != lo {
		t.Fatal("expected theorem then truncated formula")
	}
	if lo.start != 10 || lo.end != 15 || !lo.truncated {
		t.Errorf("expected truncated [10,15), got [%d,%d) truncated=%v", lo.start, lo.end, lo.truncated)
	}
	if lo.notation != "" || lo.points > truncatedFormulaCap {
		t.Errorf("expected notation cleared and capped points, got %q %d", lo.notation, lo.points)
	}
	if len(hi.formulas) != 1 || hi.formulas[0] != "y" {
		t.Errorf("expected theorem to absorb inner formula, got %v", hi.formulas)
	}
}

func TestSplit_SmallGapsMerge(t *testing.T) {
	text := "Definition 1: A prime has two divisors.\n\nshort tail"
	blocks := Split(text)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %v", kinds(blocks))
	}
	if !strings.HasSuffix(blocks[0].Content, "short tail") {
		t.Errorf("expected merged tail, got %q", blocks[0].Content)
	}
}

func TestSplit_LargeGapBecomesNarrative(t *testing.T) {
	prose := strings.Repeat("This paragraph is ordinary explanatory prose. ", 3)
	text := "Remark 1: see below.\n\n" + prose
	blocks := Split(text)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %v", kinds(blocks))
	}
	n := blocks[1]
	if n.Kind != doctree.BlockNarrative || n.Action != doctree.ActionSummarize {
		t.Errorf("expected summarized narrative, got %s/%s", n.Kind, n.Action)
	}
	if n.Confidence != 0.7 {
		t.Errorf("expected confidence 0.7, got %v", n.Confidence)
	}
}

func TestSplit_PlainText(t *testing.T) {
	blocks := Split("just a few words")
	if len(blocks) != 1 || blocks[0].Kind != doctree.BlockNarrative {
		t.Fatalf("expected single narrative block, got %v", kinds(blocks))
	}
	if blocks[0].Confidence != 0.6 {
		t.Errorf("expected unstructured confidence 0.6, got %v", blocks[0].Confidence)
	}
	if got := Split("  \n\t "); got != nil {
		t.Errorf("expected nil for blank text, got %v", got)
	}
}

func TestSplit_OpenerRequiresSentenceStart(t *testing.T) {
	blocks := Split("As shown by Theorem 3: nothing new appears in this sentence at all, really.")
	for _, b := range blocks {
		if b.Kind == doctree.BlockTheorem {
			t.Fatalf("mid-sentence reference should not open a theorem: %q", b.Content)
		}
	}
}

func TestSplit_ItalianKeywordsAndAbbreviations(t *testing.T) {
	blocks := Split("Teorema 1. Ogni gruppo ciclico è abeliano.\nDim. Ovvio. ∎")
	if got := kinds(blocks); !reflect.DeepEqual(got, []doctree.BlockKind{doctree.BlockTheorem, doctree.BlockProof}) {
		t.Fatalf("unexpected kinds %v", got)
	}
	if !strings.HasSuffix(blocks[1].Content, "∎") {
		t.Errorf("expected proof to end at marker, got %q", blocks[1].Content)
	}
}

func TestSplit_ExerciseActionConfigurable(t *testing.T) {
	eng := New(Config{ExerciseAction: doctree.ActionSkip})
	blocks := eng.Split("Exercise 7. Compute the determinant of the given matrix.")
	if len(blocks) != 1 || blocks[0].Kind != doctree.BlockExercise {
		t.Fatalf("expected exercise, got %v", kinds(blocks))
	}
	if blocks[0].Action != doctree.ActionSkip {
		t.Errorf("expected skip, got %s", blocks[0].Action)
	}
}

func TestFormulaPoints_Monotone(t *testing.T) {
	bodies := []string{
		"x",
		"x^2",
		"x^2+1",
		"x^2+1=y",
		`\frac{x^2+1}{y}=z`,
		`\frac{x^2+1}{y}=\sqrt{z}`,
		`\frac{x^2+1}{y}=\sqrt{z}\leq\alpha`,
	}
	prev := 0
	for _, b := range bodies {
		p := formulaPoints(b, true)
		if p < prev {
			t.Errorf("score decreased at %q: %d < %d", b, p, prev)
		}
		prev = p
	}
	saturated := `\a\b\c\d\e\f\g\h\i\j\k\l\m\n ^_=+-*/<>|!`
	if p := formulaPoints(saturated, true); p != maxFormulaPoints {
		t.Errorf("expected saturation at %d, got %d", maxFormulaPoints, p)
	}
	if p := formulaPoints(saturated, false); p > unterminatedCap {
		t.Errorf("unterminated score above cap: %d", p)
	}
}

func TestScanFormulas_Delimiters(t *testing.T) {
	tests := []struct {
		text  string
		delim string
		body  string
	}{
		{"$$a+b$$", "$$", "a+b"},
		{`\[a+b\]`, `\[`, "a+b"},
		{`\(a+b\)`, `\(`, "a+b"},
		{`\begin{equation}a+b\end{equation}`, "equation", "a+b"},
		{`\begin{align*}a&=b\end{align*}`, "align*", "a&=b"},
		{"$a+b$", "$", "a+b"},
	}
	for _, tt := range tests {
		got := scanFormulas(tt.text)
		if len(got) != 1 {
			t.Errorf("%q: expected 1 formula, got %d", tt.text, len(got))
			continue
		}
		if got[0].delimiter != tt.delim || got[0].body != tt.body || !got[0].terminated {
			t.Errorf("%q: got %+v", tt.text, got[0])
		}
	}
}

func TestScanFormulas_IgnoresEscapedAndCurrency(t *testing.T) {
	if got := scanFormulas(`price \$5 today`); len(got) != 0 {
		t.Errorf("escaped dollar should not open a formula, got %+v", got)
	}
	if got := scanFormulas("costs $ 5 and $ 6"); len(got) != 0 {
		t.Errorf("dollar followed by space should not open a formula, got %+v", got)
	}
}
