package compact

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func newTestExecutor(storage ObjectStorage, om ObjectManager, bucket string) (*Executor, *Uploader) {
	uploader := NewUploader(storage, bucket, 0, 1<<20)
	budget := NewReadBudget(1 << 20)
	return NewExecutor(storage, om, bucket, nil, uploader, budget, 1<<20, zerolog.Nop()), uploader
}

// blockPointers builds a CompactionPlan.StreamDataBlocksMap entry aliasing
// blocks' own backing array, matching what packPlans produces: the read
// phase's SetBuffer calls through these pointers must be visible to the
// write phase reading the same CompactedObject.StreamDataBlocks slice.
func blockPointers(blocks []StreamDataBlock) []*StreamDataBlock {
	ptrs := make([]*StreamDataBlock, len(blocks))
	for i := range blocks {
		ptrs[i] = &blocks[i]
	}
	return ptrs
}

// TestExecutorRunViaAnalyzePropagatesPayloads exercises the real packPlans
// output (not a hand-built plan literal): StreamDataBlocksMap and
// CompactedObjects must alias the same blocks, or every write fails with
// ErrWriteFailure even though the read phase succeeded.
func TestExecutorRunViaAnalyzePropagatesPayloads(t *testing.T) {
	storage := newFakeStorage()
	blocks := []StreamDataBlock{block(1, 0, 10, 8), block(1, 10, 20, 8)}
	seedObject(t, storage, 10, blocks, 0)

	blockMap := map[int64][]StreamDataBlock{10: blocks}
	analysis := Analyze(blockMap, 1_000_000, 10, 10, 1<<20)
	if len(analysis.Plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(analysis.Plans))
	}

	om := NewInMemoryObjectManager(nil, 1000)
	exec, _ := newTestExecutor(storage, om, "bucket")

	result, err := exec.Run(context.Background(), analysis.Plans, 500)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.StreamSetSize != 16 {
		t.Errorf("StreamSetSize = %d, want 16", result.StreamSetSize)
	}
}

func TestExecutorRunProducesCompactedStreamSetObject(t *testing.T) {
	storage := newFakeStorage()
	blocks := []StreamDataBlock{block(1, 0, 10, 8), block(1, 10, 20, 8)}
	meta := seedObject(t, storage, 10, blocks, 0)
	_ = meta

	om := NewInMemoryObjectManager(nil, 1000)
	exec, _ := newTestExecutor(storage, om, "bucket")

	plan := CompactionPlan{
		StreamDataBlocksMap: map[int64][]*StreamDataBlock{10: blockPointers(blocks)},
		CompactedObjects:    []CompactedObject{NewCompactedObject(CompactionTypeCompact, blocks)},
	}

	result, err := exec.Run(context.Background(), []CompactionPlan{plan}, 500)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.StreamSetObjectID != 500 {
		t.Errorf("StreamSetObjectID = %d, want 500", result.StreamSetObjectID)
	}
	if result.StreamSetSize != 16 {
		t.Errorf("StreamSetSize = %d, want 16", result.StreamSetSize)
	}
	if len(result.StreamRanges) != 1 || result.StreamRanges[0].StartOffset != 0 || result.StreamRanges[0].EndOffset != 20 {
		t.Fatalf("expected a single merged range [0,20), got %+v", result.StreamRanges)
	}
}

func TestExecutorRunProducesSplitStreamObject(t *testing.T) {
	storage := newFakeStorage()
	blocks := []StreamDataBlock{block(7, 0, 30, 12)}
	seedObject(t, storage, 10, blocks, 0)

	om := NewInMemoryObjectManager(nil, 1000)
	exec, _ := newTestExecutor(storage, om, "bucket")

	plan := CompactionPlan{
		StreamDataBlocksMap: map[int64][]*StreamDataBlock{10: blockPointers(blocks)},
		CompactedObjects:    []CompactedObject{NewCompactedObject(CompactionTypeSplit, blocks)},
	}

	result, err := exec.Run(context.Background(), []CompactionPlan{plan}, NoopObjectID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.StreamObjects) != 1 {
		t.Fatalf("expected 1 stream object, got %d", len(result.StreamObjects))
	}
	so := result.StreamObjects[0]
	if so.StreamID != 7 || so.StartOffset != 0 || so.EndOffset != 30 || so.ObjectSize != 12 {
		t.Errorf("unexpected stream object: %+v", so)
	}
	if result.StreamSetSize != 0 {
		t.Errorf("expected no merged stream-set object for a pure SPLIT run, got size %d", result.StreamSetSize)
	}
}

func TestExecutorRunPropagatesReadFailure(t *testing.T) {
	storage := newFakeStorage() // object 10 never seeded
	om := NewInMemoryObjectManager(nil, 1000)
	exec, _ := newTestExecutor(storage, om, "bucket")

	blocks := []StreamDataBlock{{StreamID: 1, StartOffset: 0, EndOffset: 10, ObjectID: 10, BlockStartPosition: 0, BlockEndPosition: 10}}
	plan := CompactionPlan{
		StreamDataBlocksMap: map[int64][]*StreamDataBlock{10: blockPointers(blocks)},
		CompactedObjects:    []CompactedObject{NewCompactedObject(CompactionTypeCompact, blocks)},
	}

	if _, err := exec.Run(context.Background(), []CompactionPlan{plan}, 1); err == nil {
		t.Fatal("expected an error reading from an unseeded object")
	}
}
