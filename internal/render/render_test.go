package render

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/docsum/internal/doctree"
)

func sampleUnit() doctree.ClassifiedUnit {
	return doctree.ClassifiedUnit{
		UnitID: "ch02",
		Title:  "Groups & Rings",
		Blocks: []doctree.ContentBlock{
			doctree.NewBlock(doctree.BlockNarrative, "A **group** is a set with one operation.\n\n<script>alert(1)</script>", 0.7),
			doctree.NewBlock(doctree.BlockTheorem, "Every subgroup of a cyclic group\nis cyclic.", 0.85, doctree.WithName("2.1")),
			doctree.NewBlock(doctree.BlockFormula, "$$a^2 + b^2 = c^2$$", 0.9, doctree.WithNotation(`a^2 + b^2 = c^2`)),
			doctree.NewBlock(doctree.BlockExercise, "Prove the converse.", 0.85, doctree.WithAction(doctree.ActionSkip)),
			doctree.NewBlock(doctree.BlockFormula, "$x^", 0.25),
		},
	}
}

func TestNewHTMLRenderer_Themes(t *testing.T) {
	for _, theme := range Themes {
		_, err := NewHTMLRenderer(t.TempDir(), Options{Theme: theme})
		assert.NoError(t, err, theme)
	}
	_, err := NewHTMLRenderer(t.TempDir(), Options{Theme: "neon"})
	assert.Error(t, err)
	_, err = NewHTMLRenderer(" ", Options{})
	assert.Error(t, err)

	r, err := NewHTMLRenderer(t.TempDir(), Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultTheme, r.opts.Theme)
}

func TestRender_UnitPage(t *testing.T) {
	dir := t.TempDir()
	r, err := NewHTMLRenderer(dir, Options{Theme: "lecture-notes", MathJax: true})
	require.NoError(t, err)

	nav := Nav{
		Prev:     &Link{Title: "Sets", Href: "ch01.html"},
		Index:    IndexFile,
		Position: 2,
		Total:    3,
	}
	path, err := r.Render(context.Background(), sampleUnit(), nav)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ch02.html"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	page := string(data)

	assert.Contains(t, page, "<title>Groups &amp; Rings</title>")
	assert.Contains(t, page, "<strong>group</strong>", "summarize blocks go through markdown")
	assert.NotContains(t, page, "<script>alert(1)</script>", "markdown output is sanitised")
	assert.Contains(t, page, "Theorem 2.1")
	assert.Contains(t, page, "Every subgroup of a cyclic group<br>\nis cyclic.")
	assert.Contains(t, page, `\[ a^2 &#43; b^2 = c^2 \]`)
	assert.NotContains(t, page, "Prove the converse", "skipped blocks are omitted")
	assert.Contains(t, page, "needs-review")
	assert.Contains(t, page, `href="ch01.html"`)
	assert.NotContains(t, page, `class="next"`)
	assert.Contains(t, page, "2 / 3")
	assert.Contains(t, page, "mathjax@"+MathJaxVersion)
	assert.Contains(t, page, `href="css/lecture-notes.css"`)

	_, err = os.Stat(filepath.Join(dir, "css", "lecture-notes.css"))
	assert.NoError(t, err, "theme stylesheet copied")
}

func TestRender_NoMathJax(t *testing.T) {
	r, err := NewHTMLRenderer(t.TempDir(), Options{})
	require.NoError(t, err)
	path, err := r.Render(context.Background(), sampleUnit(), Nav{Index: IndexFile})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "mathjax@")
}

func TestRender_RejectsUnsafeID(t *testing.T) {
	r, err := NewHTMLRenderer(t.TempDir(), Options{})
	require.NoError(t, err)
	for _, id := range []string{"", "..", "a/b", `a\b`, "index"} {
		u := sampleUnit()
		u.UnitID = id
		_, err := r.Render(context.Background(), u, Nav{})
		assert.Error(t, err, "id %q", id)
	}
}

func TestRender_Cancelled(t *testing.T) {
	r, err := NewHTMLRenderer(t.TempDir(), Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Render(ctx, sampleUnit(), Nav{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRenderIndex(t *testing.T) {
	dir := t.TempDir()
	r, err := NewHTMLRenderer(dir, Options{Theme: "presentation"})
	require.NoError(t, err)

	entries := []IndexEntry{
		{Title: "Sets", Href: "ch01.html", Pages: "1-4", Level: 1, Blocks: 6},
		{Title: "Groups & Rings", Href: "ch02.html", Pages: "5-9, 12", Level: 1, Blocks: 4, NeedsReview: 2},
	}
	path, err := r.RenderIndex(context.Background(), "Algebra Notes", entries)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, IndexFile), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	page := string(data)
	assert.Contains(t, page, "<h1>Algebra Notes</h1>")
	assert.Contains(t, page, "2 units")
	assert.Contains(t, page, `<a href="ch02.html">Groups &amp; Rings</a>`)
	assert.Contains(t, page, "p. 5-9, 12")
	assert.Contains(t, page, "2 to review")
	assert.Equal(t, 1, strings.Count(page, "to review"))

	entriesOnDisk, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entriesOnDisk {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "temp file left behind: %s", e.Name())
	}
}
