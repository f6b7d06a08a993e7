package doctree

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/dgallion1/docsum/internal/faults"
)

// StructuralUnit is a top-level division of the document (a chapter or a
// section) identified by the pages it covers.
type StructuralUnit struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Locators []int             `json:"locators"`
	Content  string            `json:"content,omitempty"`
	ParentID string            `json:"parent_id,omitempty"`
	Level    int               `json:"level"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewStructuralUnit builds a unit with its locators sorted and deduplicated.
func NewStructuralUnit(id, title string, locators []int, level int) (StructuralUnit, error) {
	u := StructuralUnit{
		ID:       strings.TrimSpace(id),
		Title:    strings.TrimSpace(title),
		Locators: NormalizeLocators(locators),
		Level:    level,
	}
	if err := u.validate(); err != nil {
		return StructuralUnit{}, err
	}
	return u, nil
}

func (u StructuralUnit) validate() error {
	if u.ID == "" {
		return faults.Validation("", "unit_id", "unit id is empty")
	}
	if len(u.Locators) == 0 {
		return faults.Validation("", "unit_locators", "unit %s has no locators", u.ID)
	}
	if u.Level < 0 {
		return faults.Validation("", "unit_level", "unit %s has negative level %d", u.ID, u.Level)
	}
	for i, p := range u.Locators {
		if p <= 0 {
			return faults.Validation("", "unit_locators", "unit %s has non-positive locator %d", u.ID, p)
		}
		if i > 0 && u.Locators[i-1] >= p {
			return faults.Validation("", "unit_locators", "unit %s locators not strictly ascending", u.ID)
		}
	}
	return nil
}

// NormalizeLocators returns a sorted copy without duplicates.
func NormalizeLocators(locators []int) []int {
	out := slices.Clone(locators)
	slices.Sort(out)
	return slices.Compact(out)
}

// FirstLocator returns the lowest locator, or 0 for an empty unit.
func (u StructuralUnit) FirstLocator() int {
	if len(u.Locators) == 0 {
		return 0
	}
	return u.Locators[0]
}

// LastLocator returns the highest locator, or 0 for an empty unit.
func (u StructuralUnit) LastLocator() int {
	if len(u.Locators) == 0 {
		return 0
	}
	return u.Locators[len(u.Locators)-1]
}

// PageRange renders the locators as compact ranges, e.g. "1-4, 7".
func (u StructuralUnit) PageRange() string {
	return FormatRanges(u.Locators)
}

// WordCount counts whitespace-separated words in the content.
func (u StructuralUnit) WordCount() int {
	return len(strings.Fields(u.Content))
}

// FormatRanges renders ascending integers as compact ranges.
func FormatRanges(nums []int) string {
	if len(nums) == 0 {
		return ""
	}
	var parts []string
	start, prev := nums[0], nums[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, n := range nums[1:] {
		if n == prev+1 {
			prev = n
			continue
		}
		flush()
		start, prev = n, n
	}
	flush()
	return strings.Join(parts, ", ")
}

// UnitCollection is the validated result of structural division.
type UnitCollection struct {
	DocumentRef string           `json:"document_ref"`
	TotalPages  int              `json:"total_pages"`
	Units       []StructuralUnit `json:"units"`
}

// NewUnitCollection validates that unit IDs are unique and no locator is
// claimed by more than one unit.
func NewUnitCollection(ref string, totalPages int, units []StructuralUnit) (*UnitCollection, error) {
	c := &UnitCollection{DocumentRef: ref, TotalPages: totalPages, Units: units}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate re-checks the collection invariants, e.g. after deserialising.
func (c *UnitCollection) Validate() error {
	ids := make(map[string]struct{}, len(c.Units))
	owner := make(map[int]string)
	for _, u := range c.Units {
		if err := u.validate(); err != nil {
			return err
		}
		if _, dup := ids[u.ID]; dup {
			return faults.Validation("", "unit_id", "duplicate unit id %s", u.ID)
		}
		ids[u.ID] = struct{}{}
		for _, p := range u.Locators {
			if other, taken := owner[p]; taken {
				return faults.Validation("", "locators_disjoint",
					"locator %d claimed by both %s and %s", p, other, u.ID)
			}
			owner[p] = u.ID
			if c.TotalPages > 0 && p > c.TotalPages {
				return faults.Validation("", "unit_locators",
					"unit %s locator %d exceeds page count %d", u.ID, p, c.TotalPages)
			}
		}
	}
	return nil
}

// ByID returns the unit with the given id.
func (c *UnitCollection) ByID(id string) (StructuralUnit, bool) {
	for _, u := range c.Units {
		if u.ID == id {
			return u, true
		}
	}
	return StructuralUnit{}, false
}

// ByLocator returns the unit owning the given page.
func (c *UnitCollection) ByLocator(page int) (StructuralUnit, bool) {
	for _, u := range c.Units {
		if _, found := slices.BinarySearch(u.Locators, page); found {
			return u, true
		}
	}
	return StructuralUnit{}, false
}

// Coverage returns the percentage of document pages owned by some unit.
func (c *UnitCollection) Coverage() float64 {
	if c.TotalPages <= 0 {
		return 0
	}
	covered := 0
	for _, u := range c.Units {
		covered += len(u.Locators)
	}
	return float64(covered) / float64(c.TotalPages) * 100
}

// Clone returns a deep copy.
func (c *UnitCollection) Clone() *UnitCollection {
	if c == nil {
		return nil
	}
	out := &UnitCollection{DocumentRef: c.DocumentRef, TotalPages: c.TotalPages}
	out.Units = make([]StructuralUnit, len(c.Units))
	for i, u := range c.Units {
		u.Locators = slices.Clone(u.Locators)
		u.Metadata = maps.Clone(u.Metadata)
		out.Units[i] = u
	}
	return out
}
