// Package compact implements the stream-set object compaction core: the
// planner and executor that rewrite many small, mixed stream-set objects
// living in an S3-compatible object store into fewer, larger, per-stream
// objects, without losing a single live byte.
package compact

import (
	"fmt"
	"sync/atomic"
)

// StreamDataBlock is an interval of one stream inside one physical object.
//
// Invariants: StartOffset < EndOffset, BlockStartPosition < BlockEndPosition,
// and BlockSize() must never exceed the configured compaction cache size —
// the caller that discovers a violating block should abort the run
// (ErrBlockTooLargeForCache), since no plan could ever load it.
type StreamDataBlock struct {
	StreamID          int64
	StartOffset       int64
	EndOffset         int64
	ObjectID          int64
	BlockStartPosition int64
	BlockEndPosition   int64

	// buf holds the block's payload once a read has completed. It is nil
	// until readBlockPayloadsFromObject attaches it via SetBuffer.
	buf *BlockBuffer
}

// BlockSize returns the byte span of the block within its source object.
func (b *StreamDataBlock) BlockSize() int64 {
	return b.BlockEndPosition - b.BlockStartPosition
}

// RecordSize returns the logical stream-offset span of the block.
func (b *StreamDataBlock) RecordSize() int64 {
	return b.EndOffset - b.StartOffset
}

// Buffer returns the block's payload buffer, or nil if it has not been read.
func (b *StreamDataBlock) Buffer() *BlockBuffer {
	return b.buf
}

// SetBuffer attaches a freshly-read payload buffer to the block.
func (b *StreamDataBlock) SetBuffer(buf *BlockBuffer) {
	b.buf = buf
}

// Release drops the block's reference to its payload buffer, if any.
func (b *StreamDataBlock) Release() {
	if b.buf != nil {
		b.buf.Release()
		b.buf = nil
	}
}

func (b StreamDataBlock) String() string {
	return fmt.Sprintf("StreamDataBlock{stream=%d, offset=[%d,%d), object=%d, pos=[%d,%d)}",
		b.StreamID, b.StartOffset, b.EndOffset, b.ObjectID, b.BlockStartPosition, b.BlockEndPosition)
}

// BlockBuffer is a reference-counted payload handle. A buffer is acquired
// when a read completes and released by whichever writer consumes it, or on
// error by the code that aborts the iteration. No build of this package
// checks that the count reaches zero before an iteration closes; RefCount
// exposes the count for callers that check it themselves.
type BlockBuffer struct {
	data   []byte
	refs   atomic.Int32
	free   func([]byte)
}

// NewBlockBuffer wraps data in a buffer with an initial reference count of 1.
// free, if non-nil, is called with the backing slice once the last reference
// is released (e.g. to return it to a pool).
func NewBlockBuffer(data []byte, free func([]byte)) *BlockBuffer {
	buf := &BlockBuffer{data: data, free: free}
	buf.refs.Store(1)
	return buf
}

// Bytes returns the buffer's payload. Callers must not retain the slice
// beyond the buffer's lifetime.
func (b *BlockBuffer) Bytes() []byte {
	return b.data
}

// Retain increments the reference count and returns the buffer for chaining.
func (b *BlockBuffer) Retain() *BlockBuffer {
	b.refs.Add(1)
	return b
}

// RefCount returns the current reference count, for debug assertions.
func (b *BlockBuffer) RefCount() int32 {
	return b.refs.Load()
}

// Release decrements the reference count, freeing the backing slice once it
// reaches zero.
func (b *BlockBuffer) Release() {
	if b.refs.Add(-1) == 0 && b.free != nil {
		b.free(b.data)
		b.data = nil
	}
}

// S3ObjectMetadata describes one stream-set object as recorded by the
// metadata manager.
type S3ObjectMetadata struct {
	ObjectID          int64
	ObjectSize        int64
	DataTimeInMs      int64 // logical creation time, used for force-split age classification
	CommittedTimestamp int64 // commit time, used only for the delay-time sampler
	Bucket            int16
}

// StreamMetadata is the live trim watermark for one stream.
type StreamMetadata struct {
	StreamID    int64
	StartOffset int64
}

// CompactionType distinguishes the two kinds of compacted output.
type CompactionType int

const (
	// CompactionTypeCompact contributes a portion of the single rewritten
	// stream-set object.
	CompactionTypeCompact CompactionType = iota
	// CompactionTypeSplit produces a standalone, single-stream object.
	CompactionTypeSplit
)

func (t CompactionType) String() string {
	switch t {
	case CompactionTypeCompact:
		return "COMPACT"
	case CompactionTypeSplit:
		return "SPLIT"
	default:
		return "UNKNOWN"
	}
}

// CompactedObject is one output unit of the planner: either the contribution
// of one stream's run to the merged stream-set object (COMPACT), or a
// standalone per-stream object (SPLIT).
//
// SplitGroup is nonzero only when a SPLIT run was too large to fit in one
// plan and packPlans split it at block boundaries: every CompactedObject
// sharing the same SplitGroup is one chunk of the same eventual stream
// object, written in order by Executor.writeSplitChunk, with SplitFinal
// marking the chunk that closes the upload.
type CompactedObject struct {
	Type              CompactionType
	StreamDataBlocks  []StreamDataBlock
	size              int64
	SplitGroup        int64
	SplitFinal        bool
}

// NewCompactedObject builds a CompactedObject from its ordered input blocks,
// computing its total size once.
func NewCompactedObject(t CompactionType, blocks []StreamDataBlock) CompactedObject {
	var size int64
	for _, b := range blocks {
		size += b.BlockSize()
	}
	return CompactedObject{Type: t, StreamDataBlocks: blocks, size: size}
}

// Size returns the total block bytes contributed by this compacted object.
func (c CompactedObject) Size() int64 {
	return c.size
}

// CompactionPlan is one bounded read iteration: the blocks to load, grouped
// by their source object, and the compacted objects the iteration will emit.
// The sum of block bytes in StreamDataBlocksMap never exceeds the configured
// compaction cache size.
//
// StreamDataBlocksMap holds pointers into the very same backing arrays that
// CompactedObjects' StreamDataBlocks reference, never copies: the executor's
// read phase calls SetBuffer through these pointers, and the write phase
// must see that payload when it later reads CompactedObjects[i].StreamDataBlocks.
type CompactionPlan struct {
	StreamDataBlocksMap map[int64][]*StreamDataBlock
	CompactedObjects    []CompactedObject
}

// TotalBytes returns the sum of block sizes this plan will read.
func (p *CompactionPlan) TotalBytes() int64 {
	var total int64
	for _, blocks := range p.StreamDataBlocksMap {
		for _, b := range blocks {
			total += b.BlockSize()
		}
	}
	return total
}

// ObjectStreamRange is one contiguous per-stream span inside the new
// stream-set object.
type ObjectStreamRange struct {
	StreamID    int64
	StartOffset int64
	EndOffset   int64
}

// StreamObject is one fresh, standalone per-stream object produced by a
// SPLIT.
type StreamObject struct {
	ObjectID    int64
	StreamID    int64
	StartOffset int64
	EndOffset   int64
	ObjectSize  int64
	Bucket      int16
}

// CommitStreamSetObjectRequest is the atomic output of a compaction run:
// the new stream-set object (if any), the fresh stream objects produced by
// SPLITs, and the input objects to retire.
type CommitStreamSetObjectRequest struct {
	ObjectID           int64
	OrderID            int64
	ObjectSize         int64
	Bucket             int16
	StreamRanges       []ObjectStreamRange
	StreamObjects      []StreamObject
	CompactedObjectIDs []int64
}

// NoopObjectID marks a request that produced no merged stream-set object
// (pure force-split, or every candidate turned out to be out-of-date).
const NoopObjectID int64 = -1

func (r *CommitStreamSetObjectRequest) String() string {
	return fmt.Sprintf("CommitStreamSetObjectRequest{objectId=%d, orderId=%d, size=%d, streamRanges=%d, streamObjects=%d, compacted=%v}",
		r.ObjectID, r.OrderID, r.ObjectSize, len(r.StreamRanges), len(r.StreamObjects), r.CompactedObjectIDs)
}
