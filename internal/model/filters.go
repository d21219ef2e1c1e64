package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSeatSplit is returned when a seat split is not a positive integer.
	ErrInvalidSeatSplit = errors.New("model: seat split must be a positive integer")

	// ErrInvalidQuantity is returned when the desired quantity is below one.
	ErrInvalidQuantity = errors.New("model: quantity must be at least 1")

	// ErrInvalidSortOrder is returned for an unknown sort order.
	ErrInvalidSortOrder = errors.New("model: unknown sort order")

	// ErrInvalidPriceRange is returned when a price range is inverted or negative.
	ErrInvalidPriceRange = errors.New("model: invalid price range")
)

// SortOrder selects how the filtered list is ordered.
type SortOrder string

// Supported sort orders.
const (
	SortPriceAsc  SortOrder = "asc"
	SortPriceDesc SortOrder = "desc"
	SortRowAsc    SortOrder = "row_asc"
	SortRowDesc   SortOrder = "row_desc"
)

// DefaultSortOrder is used on reset.
const DefaultSortOrder = SortPriceAsc

// Valid reports whether o is a supported sort order.
func (o SortOrder) Valid() bool {
	switch o {
	case SortPriceAsc, SortPriceDesc, SortRowAsc, SortRowDesc:
		return true
	}
	return false
}

// PriceRange is an inclusive [Min, Max] all-in price interval.
type PriceRange struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// NewPriceRange builds a range, swapping the ends if needed.
func NewPriceRange(lo, hi decimal.Decimal) PriceRange {
	if lo.GreaterThan(hi) {
		lo, hi = hi, lo
	}
	return PriceRange{Min: lo, Max: hi}
}

// Contains reports whether p lies inside the range (inclusive).
func (r PriceRange) Contains(p decimal.Decimal) bool {
	return p.GreaterThanOrEqual(r.Min) && p.LessThanOrEqual(r.Max)
}

// Equal compares two ranges numerically.
func (r PriceRange) Equal(o PriceRange) bool {
	return r.Min.Equal(o.Min) && r.Max.Equal(o.Max)
}

// ClampTo intersects r with bounds. An empty intersection yields bounds.
func (r PriceRange) ClampTo(bounds PriceRange) PriceRange {
	lo := decimal.Max(r.Min, bounds.Min)
	hi := decimal.Min(r.Max, bounds.Max)
	if lo.GreaterThan(hi) {
		return bounds
	}
	return PriceRange{Min: lo, Max: hi}
}

// SeatSplit is the requested group size. The zero value means "any".
// A specific split can only be built through NewSeatSplit, so a
// non-positive requirement is unrepresentable.
type SeatSplit struct {
	n int
}

// AnySeatSplit is the "no requirement" value.
func AnySeatSplit() SeatSplit { return SeatSplit{} }

// NewSeatSplit returns a split requiring exactly n seats together.
func NewSeatSplit(n int) (SeatSplit, error) {
	if n <= 0 {
		return SeatSplit{}, fmt.Errorf("%w: %d", ErrInvalidSeatSplit, n)
	}
	return SeatSplit{n: n}, nil
}

// MustSeatSplit is NewSeatSplit for constants; it panics on n <= 0.
func MustSeatSplit(n int) SeatSplit {
	s, err := NewSeatSplit(n)
	if err != nil {
		panic(err)
	}
	return s
}

// Count returns the requested size and whether one is set.
func (s SeatSplit) Count() (int, bool) { return s.n, s.n > 0 }

// IsAny reports whether no split is required.
func (s SeatSplit) IsAny() bool { return s.n == 0 }

// MarshalJSON encodes "any" as null.
func (s SeatSplit) MarshalJSON() ([]byte, error) {
	if s.n == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(s.n)
}

// UnmarshalJSON accepts null or a positive integer.
func (s *SeatSplit) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*s = SeatSplit{}
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSeatSplit, b)
	}
	v, err := NewSeatSplit(n)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Filters is one filter slice. The store keeps two of them: draft and applied.
type Filters struct {
	PriceRange  PriceRange `json:"price_range"`
	VenueLevels []string   `json:"venue_levels"`
	SeatSplit   SeatSplit  `json:"seat_split"`
	SortOrder   SortOrder  `json:"sort_order"`
	Quantity    int        `json:"quantity"`
	DealsOnly   bool       `json:"deals_only"`
}

// DefaultFilters returns the reset state for the given global price bounds.
func DefaultFilters(bounds PriceRange) Filters {
	return Filters{
		PriceRange:  bounds,
		VenueLevels: []string{},
		SeatSplit:   AnySeatSplit(),
		SortOrder:   DefaultSortOrder,
		Quantity:    1,
	}
}

// Clone returns a deep copy.
func (f Filters) Clone() Filters {
	f.VenueLevels = slices.Clone(f.VenueLevels)
	if f.VenueLevels == nil {
		f.VenueLevels = []string{}
	}
	return f
}

// HasVenueLevel reports whether name is selected.
func (f Filters) HasVenueLevel(name string) bool {
	return slices.Contains(f.VenueLevels, name)
}

// ActiveCount counts facets that differ from the defaults for bounds.
func (f Filters) ActiveCount(bounds PriceRange) int {
	n := 0
	if !f.PriceRange.Equal(bounds) {
		n++
	}
	if !f.SeatSplit.IsAny() {
		n++
	}
	if len(f.VenueLevels) > 0 {
		n++
	}
	if f.DealsOnly {
		n++
	}
	return n
}

// FilterPatch is a partial update to a filter slice. Nil fields are left
// unchanged.
type FilterPatch struct {
	PriceRange  *PriceRange
	VenueLevels *[]string
	SeatSplit   *SeatSplit
	SortOrder   *SortOrder
	Quantity    *int
	DealsOnly   *bool
}

type filterPatchJSON struct {
	PriceRange  *PriceRange     `json:"price_range"`
	VenueLevels *[]string       `json:"venue_levels"`
	SeatSplit   json.RawMessage `json:"seat_split"`
	SortOrder   *SortOrder      `json:"sort_order"`
	Quantity    *int            `json:"quantity"`
	DealsOnly   *bool           `json:"deals_only"`
}

// UnmarshalJSON decodes a patch, rejecting unknown keys. An explicit
// "seat_split": null clears the requirement; an absent key leaves it alone.
func (p *FilterPatch) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var raw filterPatchJSON
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("model: decode filter patch: %w", err)
	}

	out := FilterPatch{
		PriceRange:  raw.PriceRange,
		VenueLevels: raw.VenueLevels,
		SortOrder:   raw.SortOrder,
		Quantity:    raw.Quantity,
		DealsOnly:   raw.DealsOnly,
	}
	if raw.SeatSplit != nil {
		var s SeatSplit
		if err := s.UnmarshalJSON(raw.SeatSplit); err != nil {
			return err
		}
		out.SeatSplit = &s
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*p = out
	return nil
}

// Validate checks the fields that cannot be made unrepresentable by type.
func (p FilterPatch) Validate() error {
	if p.SortOrder != nil && !p.SortOrder.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSortOrder, *p.SortOrder)
	}
	if p.Quantity != nil && *p.Quantity < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, *p.Quantity)
	}
	if p.PriceRange != nil {
		if p.PriceRange.Min.IsNegative() || p.PriceRange.Min.GreaterThan(p.PriceRange.Max) {
			return ErrInvalidPriceRange
		}
	}
	return nil
}

// ApplyTo shallow-merges the patch into f and returns the result.
func (p FilterPatch) ApplyTo(f Filters) Filters {
	f = f.Clone()
	if p.PriceRange != nil {
		f.PriceRange = *p.PriceRange
	}
	if p.VenueLevels != nil {
		f.VenueLevels = dedupe(*p.VenueLevels)
	}
	if p.SeatSplit != nil {
		f.SeatSplit = *p.SeatSplit
	}
	if p.SortOrder != nil {
		f.SortOrder = *p.SortOrder
	}
	if p.Quantity != nil {
		f.Quantity = *p.Quantity
	}
	if p.DealsOnly != nil {
		f.DealsOnly = *p.DealsOnly
	}
	return f
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
