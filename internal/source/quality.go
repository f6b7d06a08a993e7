package source

import (
	"strings"
	"unicode"

	"github.com/dgallion1/docsum/internal/doctree"
)

// Quality captures how much usable text extraction produced.
type Quality struct {
	PageCount       int     `json:"page_count"`
	CharsPerPage    float64 `json:"chars_per_page"`
	PrintableRatio  float64 `json:"printable_ratio"`
	EmptyPages      int     `json:"empty_pages"`
	ImagePages      int     `json:"image_pages"`
	HasImageStreams bool    `json:"has_image_streams"`
}

// NeedsOCR reports whether the document is likely a raster scan.
func (q Quality) NeedsOCR() bool {
	return (q.CharsPerPage < 50 && q.HasImageStreams) || q.PrintableRatio < 0.85
}

// SuggestKind resolves the auto document kind. Handwriting is never
// detected; callers must ask for it explicitly.
func (q Quality) SuggestKind() doctree.DocumentKind {
	switch {
	case q.NeedsOCR():
		return doctree.KindScannedRaster
	case q.EmptyPages > 0 && q.ImagePages > 0:
		return doctree.KindMixed
	default:
		return doctree.KindCompiledTypeset
	}
}

func measure(d *Document) Quality {
	q := Quality{PageCount: len(d.Pages), HasImageStreams: d.HasImageStreams}
	var all strings.Builder
	chars := 0
	for _, p := range d.Pages {
		n := len([]rune(strings.TrimSpace(p.Text)))
		chars += n
		if n == 0 {
			q.EmptyPages++
		}
		if p.Images > 0 {
			q.ImagePages++
			q.HasImageStreams = true
		}
		all.WriteString(p.Text)
	}
	if q.PageCount > 0 {
		q.CharsPerPage = float64(chars) / float64(q.PageCount)
	}
	q.PrintableRatio = printableRatio(all.String())
	return q
}

// printableRatio excludes the private use area, control characters other
// than whitespace and U+FFFD.
func printableRatio(text string) float64 {
	total, printable := 0, 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\f' {
			printable++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(printable) / float64(total)
}

func isGarbageRune(r rune) bool {
	switch {
	case r >= 0xE000 && r <= 0xF8FF:
		return true
	case r == unicode.ReplacementChar:
		return true
	case r < 0x20 && r != '\n' && r != '\t' && r != '\f':
		return true
	}
	return false
}
