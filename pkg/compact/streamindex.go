package compact

import "github.com/relab/bbhash"

// liveStreamIndex gives O(1) lookup of a stream's live metadata by id,
// built once per run over the (typically large) live stream set. It uses
// the same technique as the teacher project's prefix MPHF builder: a
// minimal perfect hash assigns each key a dense slot, but the slot's
// occupant is always compared against the query key before being trusted.
// A hash collision on a non-member key therefore degrades to "not found"
// (which StreamFilter already treats as "stream is dead, drop the block")
// rather than silently returning another stream's metadata — there is no
// path by which this index can cause a live block to be mistaken for a
// trimmed one.
type liveStreamIndex struct {
	mph  *bbhash.BBHash2
	slot []StreamMetadata // slot[mph.Find(id)-1] holds the candidate for id
}

// newLiveStreamIndex builds the index over the given live streams. Only an
// empty set skips the MPHF (Lookup then finds nothing); every non-empty
// set, however small, gets one, and Lookup falls back to a plain slice
// scan only when building the MPHF fails.
func newLiveStreamIndex(streams []StreamMetadata) *liveStreamIndex {
	if len(streams) == 0 {
		return &liveStreamIndex{}
	}

	keys := make([]uint64, len(streams))
	for i, s := range streams {
		keys[i] = uint64(s.StreamID)
	}

	mph, err := bbhash.New(keys, bbhash.Gamma(2.0))
	if err != nil {
		// Degenerate key sets (e.g. duplicate ids after the uint64 cast)
		// fall back to linear scan; correctness never depends on the MPHF.
		return &liveStreamIndex{slot: append([]StreamMetadata(nil), streams...)}
	}

	slot := make([]StreamMetadata, len(streams))
	for _, s := range streams {
		pos := mph.Find(uint64(s.StreamID))
		if pos == 0 || int(pos) > len(slot) {
			return &liveStreamIndex{slot: append([]StreamMetadata(nil), streams...)}
		}
		slot[pos-1] = s
	}

	return &liveStreamIndex{mph: mph, slot: slot}
}

// Lookup returns the live metadata for streamID, and whether it is present.
func (idx *liveStreamIndex) Lookup(streamID int64) (StreamMetadata, bool) {
	if idx.mph == nil {
		for _, s := range idx.slot {
			if s.StreamID == streamID {
				return s, true
			}
		}
		return StreamMetadata{}, false
	}

	pos := idx.mph.Find(uint64(streamID))
	if pos == 0 || int(pos) > len(idx.slot) {
		return StreamMetadata{}, false
	}
	candidate := idx.slot[pos-1]
	if candidate.StreamID != streamID {
		return StreamMetadata{}, false
	}
	return candidate, true
}
