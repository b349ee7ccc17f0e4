package compact

// FilterResult is the outcome of applying StreamFilter to one object's
// blocks: the surviving blocks, and whether every block was dropped
// (meaning the source object is out-of-date and should be retired without
// producing output).
type FilterResult struct {
	Blocks    []StreamDataBlock
	OutOfDate bool
}

// StreamFilter drops blocks that are trimmed (fully below the stream's live
// start offset) or that belong to a stream no longer present in the live
// set, using a minimal-perfect-hash-backed index for O(1) membership and
// offset lookup over the live stream set.
type StreamFilter struct {
	live *liveStreamIndex
}

// NewStreamFilter builds a filter over the given live stream metadata.
func NewStreamFilter(streams []StreamMetadata) *StreamFilter {
	return &StreamFilter{live: newLiveStreamIndex(streams)}
}

// Apply filters one object's blocks in place order, returning the survivors.
func (f *StreamFilter) Apply(blocks []StreamDataBlock) FilterResult {
	kept := make([]StreamDataBlock, 0, len(blocks))
	for _, b := range blocks {
		stream, ok := f.live.Lookup(b.StreamID)
		if !ok {
			continue
		}
		if b.EndOffset <= stream.StartOffset {
			continue
		}
		kept = append(kept, b)
	}
	return FilterResult{Blocks: kept, OutOfDate: len(kept) == 0}
}

// ApplyAll filters every object's blocks in blockMap, returning the
// surviving map and the ids of objects that became out-of-date.
func (f *StreamFilter) ApplyAll(blockMap map[int64][]StreamDataBlock) (map[int64][]StreamDataBlock, []int64) {
	surviving := make(map[int64][]StreamDataBlock, len(blockMap))
	var outOfDate []int64
	for objectID, blocks := range blockMap {
		result := f.Apply(blocks)
		if result.OutOfDate {
			outOfDate = append(outOfDate, objectID)
			continue
		}
		surviving[objectID] = result.Blocks
	}
	return surviving, outOfDate
}
