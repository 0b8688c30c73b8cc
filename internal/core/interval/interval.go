// Package interval implements set algebra over closed block ranges.
//
// A set of intervals is a []Interval kept sorted by Start with no two members
// overlapping or touching. Every function here returns sets in that form and
// never mutates its inputs.
package interval

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidRange is returned for an interval whose Start is above its End.
var ErrInvalidRange = errors.New("invalid range")

// Interval is the closed block range [Start, End].
type Interval struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// New returns [start, end] or ErrInvalidRange.
func New(start, end uint64) (Interval, error) {
	iv := Interval{Start: start, End: end}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

// Validate reports whether the interval is well formed.
func (iv Interval) Validate() error {
	if iv.Start > iv.End {
		return fmt.Errorf("%w: %d > %d", ErrInvalidRange, iv.Start, iv.End)
	}
	return nil
}

// String returns the interval in "start-end" format.
func (iv Interval) String() string {
	return fmt.Sprintf("%d-%d", iv.Start, iv.End)
}

// Size returns the number of blocks in the interval. The full uint64 range
// saturates at MaxUint64.
func (iv Interval) Size() uint64 {
	return satAdd(iv.End - iv.Start)
}

// Contains reports whether n lies inside the interval.
func (iv Interval) Contains(n uint64) bool {
	return n >= iv.Start && n <= iv.End
}

// touches checks if two intervals overlap or are adjacent.
func (iv Interval) touches(other Interval) bool {
	return iv.Start <= satAdd(other.End) && other.Start <= satAdd(iv.End)
}

// Intersect clips iv to bounds. ok is false when they are disjoint.
func (iv Interval) Intersect(bounds Interval) (Interval, bool) {
	start := max(iv.Start, bounds.Start)
	end := min(iv.End, bounds.End)
	if start > end {
		return Interval{}, false
	}
	return Interval{Start: start, End: end}, true
}

// Union merges any number of interval sets into one sorted, minimal set.
func Union(sets ...[]Interval) ([]Interval, error) {
	var all []Interval
	for _, set := range sets {
		for _, iv := range set {
			if err := iv.Validate(); err != nil {
				return nil, err
			}
			all = append(all, iv)
		}
	}
	return merge(all), nil
}

// Difference returns the parts of required not covered by covered.
// Neither input needs to be merged beforehand.
func Difference(required, covered []Interval) ([]Interval, error) {
	req, err := Union(required)
	if err != nil {
		return nil, err
	}
	cov, err := Union(covered)
	if err != nil {
		return nil, err
	}

	var out []Interval
	j := 0
	for _, r := range req {
		start := r.Start
		done := false

		// Skip covered intervals entirely below r.
		for j < len(cov) && cov[j].End < start {
			j++
		}

		for k := j; k < len(cov) && cov[k].Start <= r.End; k++ {
			c := cov[k]
			if c.Start > start {
				out = append(out, Interval{Start: start, End: c.Start - 1})
			}
			if c.End >= r.End {
				done = true
				break
			}
			start = c.End + 1
		}

		if !done {
			out = append(out, Interval{Start: start, End: r.End})
		}
	}

	return merge(out), nil
}

// Chunk splits iv into consecutive pieces of at most maxSize blocks.
// A maxSize of zero returns iv unchanged.
func Chunk(iv Interval, maxSize uint64) ([]Interval, error) {
	if err := iv.Validate(); err != nil {
		return nil, err
	}
	if maxSize == 0 || iv.End-iv.Start < maxSize {
		return []Interval{iv}, nil
	}

	var chunks []Interval
	current := iv.Start
	for {
		end := iv.End
		if iv.End-current >= maxSize {
			end = current + maxSize - 1
		}
		chunks = append(chunks, Interval{Start: current, End: end})
		if end == iv.End {
			break
		}
		current = end + 1
	}
	return chunks, nil
}

// Sum returns the number of blocks covered by a merged set.
func Sum(set []Interval) uint64 {
	var total uint64
	for _, iv := range set {
		total += iv.Size()
	}
	return total
}

// Parse parses a "start-end" string into an Interval.
func Parse(s string) (Interval, error) {
	var start, end uint64
	if _, err := fmt.Sscanf(s, "%d-%d", &start, &end); err != nil {
		return Interval{}, fmt.Errorf("invalid interval format: %s", s)
	}
	return New(start, end)
}

func merge(ivs []Interval) []Interval {
	if len(ivs) == 0 {
		return nil
	}

	sorted := slices.Clone(ivs)
	slices.SortFunc(sorted, func(a, b Interval) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	merged := []Interval{sorted[0]}
	for _, current := range sorted[1:] {
		last := &merged[len(merged)-1]
		if last.touches(current) {
			last.End = max(last.End, current.End)
		} else {
			merged = append(merged, current)
		}
	}
	return merged
}

func satAdd(n uint64) uint64 {
	if n == ^uint64(0) {
		return n
	}
	return n + 1
}
