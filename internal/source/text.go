package source

import (
	"bufio"
	"io"
	"strings"
)

// runesPerPage bounds a synthetic page when plain text has no form feeds.
const runesPerPage = 3000

// TextParser handles plain text files. Form feeds separate pages; text
// without them is paged by paragraphs of about runesPerPage runes.
type TextParser struct{}

func (p *TextParser) Parse(r io.Reader, filename string) (*Document, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	doc := &Document{Title: trimExt(filename)}
	text := string(src)
	if strings.Contains(text, "\f") {
		for _, page := range strings.Split(text, "\f") {
			doc.Pages = append(doc.Pages, Page{Text: strings.TrimSpace(page)})
		}
		return doc, nil
	}

	paragraphs, err := splitParagraphs(text)
	if err != nil {
		return nil, err
	}
	var current strings.Builder
	size := 0
	for _, para := range paragraphs {
		n := len([]rune(para))
		if size > 0 && size+n > runesPerPage {
			doc.Pages = append(doc.Pages, Page{Text: current.String()})
			current.Reset()
			size = 0
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		size += n
	}
	if current.Len() > 0 {
		doc.Pages = append(doc.Pages, Page{Text: current.String()})
	}
	return doc, nil
}

func splitParagraphs(text string) ([]string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var paragraphs []string
	var current strings.Builder
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if strings.TrimSpace(line) == "" {
			if current.Len() > 0 {
				paragraphs = append(paragraphs, current.String())
				current.Reset()
			}
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		paragraphs = append(paragraphs, current.String())
	}
	return paragraphs, scanner.Err()
}
