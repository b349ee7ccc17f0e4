package compact

import "sort"

// intervalList is a sorted, merged set of [start, end) spans for one
// stream, supporting a binary-search "is this span fully covered" query.
type intervalList struct {
	starts []int64
	ends   []int64
}

// newIntervalList merges the given spans (sorted by start, overlapping or
// adjacent spans combined) into a minimal covering set.
func newIntervalList(spans []ObjectStreamRange) *intervalList {
	sorted := append([]ObjectStreamRange(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartOffset < sorted[j].StartOffset })

	il := &intervalList{}
	for _, s := range sorted {
		if n := len(il.starts); n > 0 && s.StartOffset <= il.ends[n-1] {
			if s.EndOffset > il.ends[n-1] {
				il.ends[n-1] = s.EndOffset
			}
			continue
		}
		il.starts = append(il.starts, s.StartOffset)
		il.ends = append(il.ends, s.EndOffset)
	}
	return il
}

// Covers reports whether [start, end) is fully contained within some single
// merged interval.
func (il *intervalList) Covers(start, end int64) bool {
	i := sort.Search(len(il.starts), func(i int) bool { return il.starts[i] > start })
	if i == 0 {
		return false
	}
	i--
	return il.starts[i] <= start && end <= il.ends[i]
}
