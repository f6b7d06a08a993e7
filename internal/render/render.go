// Package render writes the composed summary: one HTML page per structural
// unit plus an index page linking them.
package render

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dgallion1/docsum/internal/doctree"
)

//go:embed templates/*.html.tmpl themes/*.css
var assets embed.FS

// Themes lists the selectable stylesheets.
var Themes = []string{"math-document", "lecture-notes", "presentation"}

// DefaultTheme is used when no theme is configured.
const DefaultTheme = "math-document"

// MathJaxVersion is the CDN version referenced by every page.
const MathJaxVersion = "3.2.2"

// IndexFile is the name of the index page inside the output directory.
const IndexFile = "index.html"

// Link points at another rendered page.
type Link struct {
	Title string
	Href  string
}

// Nav is the navigation context of one unit page.
type Nav struct {
	Prev     *Link
	Next     *Link
	Index    string
	Position int // 1-based
	Total    int
}

// IndexEntry is one row of the index page.
type IndexEntry struct {
	Title       string
	Href        string
	Pages       string
	Level       int
	Blocks      int
	NeedsReview int
}

// Options configures an HTMLRenderer.
type Options struct {
	Theme   string
	MathJax bool
}

// HTMLRenderer renders units into dir.
type HTMLRenderer struct {
	dir    string
	opts   Options
	tmpl   *template.Template
	md     goldmark.Markdown
	policy *bluemonday.Policy
	title  cases.Caser

	assetsOnce sync.Once
	assetsErr  error
}

// NewHTMLRenderer validates the theme and prepares the templates. The output
// directory is created on the first write.
func NewHTMLRenderer(dir string, opts Options) (*HTMLRenderer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if opts.Theme == "" {
		opts.Theme = DefaultTheme
	}
	if !validTheme(opts.Theme) {
		return nil, fmt.Errorf("unknown theme %q (want one of %s)", opts.Theme, strings.Join(Themes, ", "))
	}
	r := &HTMLRenderer{
		dir:    dir,
		opts:   opts,
		md:     goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough)),
		policy: bluemonday.UGCPolicy(),
		title:  cases.Title(language.English),
	}
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"kindLabel": r.kindLabel,
	}).ParseFS(assets, "templates/*.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	r.tmpl = tmpl
	return r, nil
}

// Dir returns the output directory.
func (r *HTMLRenderer) Dir() string { return r.dir }

// FileName returns the page name for a unit id.
func FileName(unitID string) string {
	return unitID + ".html"
}

type blockView struct {
	Kind        string
	Name        string
	Action      doctree.Action
	Body        template.HTML
	Notation    string
	NeedsReview bool
	Confidence  string
}

type unitView struct {
	Title    string
	Theme    string
	MathJax  bool
	Version  string
	Nav      Nav
	Blocks   []blockView
	Counts   map[doctree.BlockKind]int
	Review   int
	Position string
}

// Render writes the page for unit and returns its path.
func (r *HTMLRenderer) Render(ctx context.Context, unit doctree.ClassifiedUnit, nav Nav) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkID(unit.UnitID); err != nil {
		return "", err
	}
	if err := r.writeAssets(); err != nil {
		return "", err
	}

	view := unitView{
		Title:   unit.Title,
		Theme:   r.opts.Theme,
		MathJax: r.opts.MathJax,
		Version: MathJaxVersion,
		Nav:     nav,
		Counts:  unit.KindCounts(),
		Review:  unit.NeedingReview(),
	}
	if view.Title == "" {
		view.Title = unit.UnitID
	}
	if nav.Total > 0 {
		view.Position = fmt.Sprintf("%d / %d", nav.Position, nav.Total)
	}
	for _, b := range unit.Blocks {
		bv, ok, err := r.block(b)
		if err != nil {
			return "", fmt.Errorf("unit %s: %w", unit.UnitID, err)
		}
		if ok {
			view.Blocks = append(view.Blocks, bv)
		}
	}

	path := filepath.Join(r.dir, FileName(unit.UnitID))
	if err := r.execute("unit.html.tmpl", view, path); err != nil {
		return "", err
	}
	return path, nil
}

type indexView struct {
	Title   string
	Theme   string
	MathJax bool
	Version string
	Entries []IndexEntry
	Total   int
}

// RenderIndex writes the index page and returns its path.
func (r *HTMLRenderer) RenderIndex(ctx context.Context, title string, entries []IndexEntry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := r.writeAssets(); err != nil {
		return "", err
	}
	view := indexView{
		Title:   title,
		Theme:   r.opts.Theme,
		MathJax: r.opts.MathJax,
		Version: MathJaxVersion,
		Entries: entries,
		Total:   len(entries),
	}
	path := filepath.Join(r.dir, IndexFile)
	if err := r.execute("index.html.tmpl", view, path); err != nil {
		return "", err
	}
	return path, nil
}

// block converts one content block; skipped blocks report ok=false.
func (r *HTMLRenderer) block(b doctree.ContentBlock) (blockView, bool, error) {
	bv := blockView{
		Kind:        string(b.Kind),
		Name:        b.Name,
		Action:      b.Action,
		NeedsReview: b.NeedsReview,
		Confidence:  fmt.Sprintf("%.2f", b.Confidence),
	}
	switch b.Action {
	case doctree.ActionSkip:
		return blockView{}, false, nil
	case doctree.ActionSummarize:
		body, err := r.markdown(b.Content)
		if err != nil {
			return blockView{}, false, err
		}
		bv.Body = body
	case doctree.ActionFormula:
		bv.Notation = b.Notation
		bv.Body = verbatim(b.Content)
	default:
		bv.Body = verbatim(b.Content)
	}
	return bv, true, nil
}

func (r *HTMLRenderer) markdown(src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return template.HTML(r.policy.SanitizeBytes(buf.Bytes())), nil
}

// verbatim escapes text and keeps its line structure.
func verbatim(s string) template.HTML {
	return template.HTML(strings.ReplaceAll(template.HTMLEscapeString(strings.TrimSpace(s)), "\n", "<br>\n"))
}

func (r *HTMLRenderer) kindLabel(kind string) string {
	return r.title.String(kind)
}

func (r *HTMLRenderer) execute(name string, data any, path string) error {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	if err := writeFile(path, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// writeAssets creates the output directory and copies the theme stylesheet.
func (r *HTMLRenderer) writeAssets() error {
	r.assetsOnce.Do(func() {
		css, err := assets.ReadFile("themes/" + r.opts.Theme + ".css")
		if err != nil {
			r.assetsErr = fmt.Errorf("read theme: %w", err)
			return
		}
		if err := os.MkdirAll(filepath.Join(r.dir, "css"), 0o755); err != nil {
			r.assetsErr = fmt.Errorf("create output dir: %w", err)
			return
		}
		r.assetsErr = writeFile(filepath.Join(r.dir, "css", r.opts.Theme+".css"), css)
	})
	return r.assetsErr
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || id+".html" == IndexFile {
		return fmt.Errorf("unit id %q is not usable as a file name", id)
	}
	return nil
}

func validTheme(name string) bool {
	for _, t := range Themes {
		if t == name {
			return true
		}
	}
	return false
}
