package source

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Parser converts raw document bytes into a Document.
type Parser interface {
	Parse(r io.Reader, filename string) (*Document, error)
}

// SupportedExtensions lists file extensions docsum can read.
var SupportedExtensions = map[string]bool{
	".txt":      true,
	".text":     true,
	".md":       true,
	".markdown": true,
	".html":     true,
	".htm":      true,
	".pdf":      true,
	".docx":     true,
}

// ForFile returns the appropriate parser for a filename.
func ForFile(filename string, opts Options) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".txt", ".text":
		return &TextParser{}, nil
	case ".md", ".markdown":
		return &MarkdownParser{}, nil
	case ".html", ".htm":
		return &HTMLParser{}, nil
	case ".pdf":
		return &PDFParser{FallbackPdftotext: opts.FallbackPdftotext}, nil
	case ".docx":
		return &DOCXParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported file extension: %q", ext)
	}
}

// IsSupportedExtension checks if a file extension is supported.
func IsSupportedExtension(filename string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// sectionBuilder turns a heading-structured stream into pages: every heading
// opens a new page and an outline hint, text before the first heading forms
// a preamble page.
type sectionBuilder struct {
	doc  *Document
	cur  strings.Builder
	open bool
}

func newSectionBuilder(title string) *sectionBuilder {
	return &sectionBuilder{doc: &Document{Title: title}}
}

func (b *sectionBuilder) flush() {
	if !b.open {
		return
	}
	b.doc.Pages = append(b.doc.Pages, Page{Text: strings.TrimSpace(b.cur.String())})
	b.cur.Reset()
	b.open = false
}

func (b *sectionBuilder) heading(title string, level int) {
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}
	b.flush()
	b.doc.Hints = append(b.doc.Hints, Hint{Title: title, Page: len(b.doc.Pages) + 1, Level: level})
	b.cur.WriteString(title)
	b.open = true
}

func (b *sectionBuilder) text(t string) {
	t = strings.TrimSpace(t)
	if t == "" {
		return
	}
	if b.cur.Len() > 0 {
		b.cur.WriteString("\n\n")
	}
	b.cur.WriteString(t)
	b.open = true
}

func (b *sectionBuilder) finish() *Document {
	b.flush()
	return b.doc
}
