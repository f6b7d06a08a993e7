package doctree

import (
	"encoding/json"
	"slices"
)

// ClassifiedUnit holds the ordered blocks of one structural unit.
type ClassifiedUnit struct {
	UnitID string         `json:"unit_id"`
	Title  string         `json:"title"`
	Blocks []ContentBlock `json:"blocks"`
}

// NeedingReview counts flagged blocks in the unit.
func (u ClassifiedUnit) NeedingReview() int {
	n := 0
	for _, b := range u.Blocks {
		if b.NeedsReview {
			n++
		}
	}
	return n
}

// KindCounts returns the number of blocks per kind.
func (u ClassifiedUnit) KindCounts() map[BlockKind]int {
	counts := make(map[BlockKind]int)
	for _, b := range u.Blocks {
		counts[b.Kind]++
	}
	return counts
}

// ConfidenceStats summarises block confidences.
type ConfidenceStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
}

// Confidence returns summary statistics over the unit's block confidences.
func (u ClassifiedUnit) Confidence() ConfidenceStats {
	if len(u.Blocks) == 0 {
		return ConfidenceStats{}
	}
	vals := make([]float64, len(u.Blocks))
	sum := 0.0
	for i, b := range u.Blocks {
		vals[i] = b.Confidence
		sum += b.Confidence
	}
	slices.Sort(vals)
	mid := len(vals) / 2
	median := vals[mid]
	if len(vals)%2 == 0 {
		median = (vals[mid-1] + vals[mid]) / 2
	}
	return ConfidenceStats{
		Min:    vals[0],
		Max:    vals[len(vals)-1],
		Mean:   sum / float64(len(vals)),
		Median: median,
	}
}

// ClassifiedDocument is the output of stage 2. Aggregate counters are
// computed from the units and cannot be set independently.
type ClassifiedDocument struct {
	DocumentRef    string           `json:"document_ref"`
	ExerciseAction Action           `json:"exercise_action,omitempty"`
	Units          []ClassifiedUnit `json:"units"`
}

// TotalBlocks counts blocks across all units.
func (d *ClassifiedDocument) TotalBlocks() int {
	n := 0
	for _, u := range d.Units {
		n += len(u.Blocks)
	}
	return n
}

// TotalNeedingReview counts flagged blocks across all units.
func (d *ClassifiedDocument) TotalNeedingReview() int {
	n := 0
	for _, u := range d.Units {
		n += u.NeedingReview()
	}
	return n
}

// KindCounts returns the number of blocks per kind across the document.
func (d *ClassifiedDocument) KindCounts() map[BlockKind]int {
	counts := make(map[BlockKind]int)
	for _, u := range d.Units {
		for _, b := range u.Blocks {
			counts[b.Kind]++
		}
	}
	return counts
}

// Unit returns the classified unit with the given id.
func (d *ClassifiedDocument) Unit(id string) (ClassifiedUnit, bool) {
	for _, u := range d.Units {
		if u.UnitID == id {
			return u, true
		}
	}
	return ClassifiedUnit{}, false
}

// ReviewItem locates a flagged block.
type ReviewItem struct {
	UnitID string       `json:"unit_id"`
	Index  int          `json:"index"`
	Block  ContentBlock `json:"block"`
}

// ReviewQueue lists every block flagged for review in document order.
func (d *ClassifiedDocument) ReviewQueue() []ReviewItem {
	var items []ReviewItem
	for _, u := range d.Units {
		for i, b := range u.Blocks {
			if b.NeedsReview {
				items = append(items, ReviewItem{UnitID: u.UnitID, Index: i, Block: b})
			}
		}
	}
	return items
}

// Clone returns a deep copy.
func (d *ClassifiedDocument) Clone() *ClassifiedDocument {
	if d == nil {
		return nil
	}
	out := &ClassifiedDocument{DocumentRef: d.DocumentRef, ExerciseAction: d.ExerciseAction}
	out.Units = make([]ClassifiedUnit, len(d.Units))
	for i, u := range d.Units {
		blocks := make([]ContentBlock, len(u.Blocks))
		for j, b := range u.Blocks {
			blocks[j] = b.Clone()
		}
		out.Units[i] = ClassifiedUnit{UnitID: u.UnitID, Title: u.Title, Blocks: blocks}
	}
	return out
}

type classifiedDocumentJSON struct {
	DocumentRef        string           `json:"document_ref"`
	ExerciseAction     Action           `json:"exercise_action,omitempty"`
	Units              []ClassifiedUnit `json:"units"`
	TotalBlocks        int              `json:"total_blocks"`
	TotalNeedingReview int              `json:"total_needing_review"`
}

// MarshalJSON includes the derived counters for readers of the checkpoint.
func (d ClassifiedDocument) MarshalJSON() ([]byte, error) {
	return json.Marshal(classifiedDocumentJSON{
		DocumentRef:        d.DocumentRef,
		ExerciseAction:     d.ExerciseAction,
		Units:              d.Units,
		TotalBlocks:        d.TotalBlocks(),
		TotalNeedingReview: d.TotalNeedingReview(),
	})
}

// UnmarshalJSON ignores the derived counters.
func (d *ClassifiedDocument) UnmarshalJSON(data []byte) error {
	var raw classifiedDocumentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.DocumentRef = raw.DocumentRef
	d.ExerciseAction = raw.ExerciseAction
	d.Units = raw.Units
	return nil
}
