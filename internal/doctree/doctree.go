// Package doctree holds the document model shared by every pipeline stage:
// structural units found by stage 1 and the classified content blocks
// produced by stage 2.
package doctree

import "fmt"

// DocumentKind describes how the source document was produced.
type DocumentKind string

const (
	KindCompiledTypeset DocumentKind = "compiled_typeset"
	KindScannedRaster   DocumentKind = "scanned_raster"
	KindHandwritten     DocumentKind = "handwritten"
	KindMixed           DocumentKind = "mixed"
	KindAuto            DocumentKind = "auto"
)

var documentKinds = []DocumentKind{KindCompiledTypeset, KindScannedRaster, KindHandwritten, KindMixed, KindAuto}

// ParseDocumentKind accepts the canonical names plus a few short aliases.
func ParseDocumentKind(s string) (DocumentKind, error) {
	switch s {
	case "", "auto":
		return KindAuto, nil
	case "typeset", "latex", "compiled":
		return KindCompiledTypeset, nil
	case "scanned", "scan":
		return KindScannedRaster, nil
	}
	for _, k := range documentKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown document kind %q", s)
}

// Resolved reports whether the kind is concrete.
func (k DocumentKind) Resolved() bool {
	return k != KindAuto && k != ""
}
