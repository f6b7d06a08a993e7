// Package source turns a document file into page-addressable text: the
// TextSource capability stage 1 divides into structural units.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/dgallion1/docsum/internal/faults"
)

// TextSource gives page-level access to an opened document. Locators are
// 1-based page numbers.
type TextSource interface {
	Name() string
	PageCount() int
	// Text returns the text of the given pages joined by blank lines.
	Text(ctx context.Context, locators []int) (string, error)
	// StructureHints returns the document outline, or faults.ErrNotAvailable
	// when the document carries none.
	StructureHints(ctx context.Context) ([]Hint, error)
	Quality() Quality
	Close() error
}

// Hint is one outline entry: a titled section starting on Page. Level 1 is
// the top of the outline.
type Hint struct {
	Title string `json:"title"`
	Page  int    `json:"page"`
	Level int    `json:"level"`
}

// Page is the extracted content of one locator.
type Page struct {
	Text   string
	Images int
}

// Document is the in-memory TextSource every parser produces.
type Document struct {
	Title string
	Pages []Page
	Hints []Hint
	// HasImageStreams is set when the file embeds images outside any page.
	HasImageStreams bool
}

// Name returns the document title.
func (d *Document) Name() string { return d.Title }

// PageCount returns the number of locators.
func (d *Document) PageCount() int { return len(d.Pages) }

// Text implements TextSource.
func (d *Document) Text(ctx context.Context, locators []int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	parts := make([]string, 0, len(locators))
	for _, loc := range locators {
		if loc < 1 || loc > len(d.Pages) {
			return "", fmt.Errorf("page %d out of range 1-%d", loc, len(d.Pages))
		}
		if t := strings.TrimSpace(d.Pages[loc-1].Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// StructureHints implements TextSource.
func (d *Document) StructureHints(ctx context.Context) ([]Hint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.Hints) == 0 {
		return nil, faults.ErrNotAvailable
	}
	return slices.Clone(d.Hints), nil
}

// Quality implements TextSource.
func (d *Document) Quality() Quality { return measure(d) }

// Close implements TextSource.
func (d *Document) Close() error { return nil }

// normalize applies NFC and unifies line endings on every page and hint,
// and drops hints that point outside the document.
func (d *Document) normalize() {
	for i := range d.Pages {
		t := strings.ReplaceAll(d.Pages[i].Text, "\r\n", "\n")
		t = strings.ReplaceAll(t, "\r", "\n")
		d.Pages[i].Text = norm.NFC.String(t)
	}
	d.Title = norm.NFC.String(strings.TrimSpace(d.Title))
	hints := d.Hints[:0]
	for _, h := range d.Hints {
		h.Title = norm.NFC.String(strings.TrimSpace(h.Title))
		if h.Title == "" || h.Page < 1 || h.Page > len(d.Pages) {
			continue
		}
		if h.Level < 1 {
			h.Level = 1
		}
		hints = append(hints, h)
	}
	d.Hints = hints
}

// Options tunes parser behaviour.
type Options struct {
	// FallbackPdftotext shells out to pdftotext when both Go PDF readers fail.
	FallbackPdftotext bool
}

// Open parses the file at path with the parser matching its extension.
func Open(path string, opts Options) (*Document, error) {
	p, err := ForFile(path, opts)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	doc, err := p.Parse(f, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	doc.normalize()
	if len(doc.Pages) == 0 {
		return nil, fmt.Errorf("parse %s: no pages", path)
	}
	return doc, nil
}

func trimExt(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}
