package compact

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Executor runs an ordered list of CompactionPlans: one read per plan
// (paced through the throttle), chaining COMPACT writes onto the single
// merged stream-set object while running SPLIT writes concurrently, then
// assembling the final commit request.
type Executor struct {
	storage  ObjectStorage
	om       ObjectManager
	bucket   string
	throttle *Throttle
	uploader      *Uploader
	budget        *ReadBudget
	maxBatchBytes int64
	log           zerolog.Logger

	collectedMu            sync.Mutex
	collectedStreamObjects []StreamObject

	// splitGroups tracks the object id and output metadata for SPLIT runs
	// that span more than one plan, keyed by CompactedObject.SplitGroup.
	splitGroupMu sync.Mutex
	splitGroups  map[int64]*splitGroupState
}

// splitGroupState is the id and accumulated metadata for a SPLIT run being
// written in chunks across plans.
type splitGroupState struct {
	objectID    int64
	streamID    int64
	startOffset int64
}

// NewExecutor builds an Executor writing to bucket via storage, reserving
// fresh object ids through om, pacing reads through throttle and capping
// concurrently in-flight read bytes through budget. maxBatchBytes bounds
// each individual coalesced range read (the manager passes
// Config.readBatchSize);
// a single block larger than maxBatchBytes is still read whole.
func NewExecutor(storage ObjectStorage, om ObjectManager, bucket string, throttle *Throttle, uploader *Uploader, budget *ReadBudget, maxBatchBytes int64, log zerolog.Logger) *Executor {
	return &Executor{storage: storage, om: om, bucket: bucket, throttle: throttle, uploader: uploader, budget: budget, maxBatchBytes: maxBatchBytes, log: log, splitGroups: make(map[int64]*splitGroupState)}
}

// ExecuteResult carries everything needed to build the commit request.
type ExecuteResult struct {
	StreamSetObjectID int64
	StreamSetSize     int64
	StreamRanges      []ObjectStreamRange
	StreamObjects     []StreamObject
}

// Run executes every plan in order, returning the assembled result. On any
// read or write failure it aborts the uploader's in-progress uploads and
// returns a wrapped error; the caller aborts the whole compaction run
// without committing. Payload buffers already read for the failing plan
// but not yet written stay attached to their blocks; Run does not release
// them.
func (e *Executor) Run(ctx context.Context, plans []CompactionPlan, streamSetObjectID int64) (ExecuteResult, error) {
	var compactBlocks []StreamDataBlock // accumulated in emission order, for streamRanges

	for planIdx, plan := range plans {
		if err := e.runPlan(ctx, plan, streamSetObjectID); err != nil {
			e.uploader.Abort(ctx)
			return ExecuteResult{}, fmt.Errorf("plan %d: %w", planIdx, err)
		}
		for _, co := range plan.CompactedObjects {
			if co.Type == CompactionTypeCompact {
				compactBlocks = append(compactBlocks, co.StreamDataBlocks...)
			}
		}
	}

	size, err := e.uploader.Complete(ctx)
	if err != nil {
		return ExecuteResult{}, err
	}

	var result ExecuteResult
	result.StreamSetObjectID = streamSetObjectID
	result.StreamSetSize = size
	result.StreamObjects = e.collectedStreamObjects
	if len(compactBlocks) > 0 {
		result.StreamRanges = buildStreamRanges(compactBlocks)
	}
	return result, nil
}

// runPlan reads every block the plan needs (one read per source object,
// throttled), then executes the plan's compacted objects: SPLIT writes
// concurrently, COMPACT writes chained in planner order.
func (e *Executor) runPlan(ctx context.Context, plan CompactionPlan, streamSetObjectID int64) error {
	g, gctx := errgroup.WithContext(ctx)
	for objectID, blocks := range plan.StreamDataBlocksMap {
		objectID, blocks := objectID, blocks
		g.Go(func() error {
			n := blockSpanPtr(blocks)
			if err := e.throttle.WaitN(gctx, int(n)); err != nil {
				return fmt.Errorf("%w: %v", ErrCancelled, err)
			}
			e.budget.Reserve(n)
			defer e.budget.Release(n)
			return readBlockPayloadsFromObject(gctx, e.storage, e.bucket, objectID, blocks, e.maxBatchBytes)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var streamObjIDCounter int64
	if count := countSplits(plan.CompactedObjects); count > 0 {
		first, err := e.om.PrepareObject(ctx, count, S3ObjectTTL)
		if err != nil {
			return fmt.Errorf("%w: prepare %d stream object ids: %v", ErrWriteFailure, count, err)
		}
		streamObjIDCounter = first
	}

	sg, sgctx := errgroup.WithContext(ctx)
	for _, co := range plan.CompactedObjects {
		co := co
		switch co.Type {
		case CompactionTypeSplit:
			if co.SplitGroup == 0 {
				newID := streamObjIDCounter
				streamObjIDCounter++
				sg.Go(func() error {
					size, err := e.uploader.WriteStreamObject(sgctx, newID, co.StreamDataBlocks)
					if err != nil {
						return err
					}
					obj := StreamObject{
						ObjectID:    newID,
						StreamID:    co.StreamDataBlocks[0].StreamID,
						StartOffset: co.StreamDataBlocks[0].StartOffset,
						EndOffset:   co.StreamDataBlocks[len(co.StreamDataBlocks)-1].EndOffset,
						ObjectSize:  size,
					}
					e.addStreamObject(obj)
					return nil
				})
			} else {
				sg.Go(func() error {
					return e.writeSplitChunk(sgctx, co)
				})
			}
		case CompactionTypeCompact:
			// Chained: executed inline below, not inside the errgroup, so
			// each write waits for the previous one to finish.
		}
	}

	for _, co := range plan.CompactedObjects {
		if co.Type != CompactionTypeCompact {
			continue
		}
		if err := e.uploader.ChainWriteStreamSetObject(ctx, streamSetObjectID, co.StreamDataBlocks); err != nil {
			return err
		}
	}

	return sg.Wait()
}

// writeSplitChunk writes one chunk of a SPLIT run too large to fit in one
// plan. It reserves the run's object id on the chunk that first opens the
// group, and on the chunk marked SplitFinal closes the upload and records
// the finished StreamObject.
func (e *Executor) writeSplitChunk(ctx context.Context, co CompactedObject) error {
	e.splitGroupMu.Lock()
	state, ok := e.splitGroups[co.SplitGroup]
	if !ok {
		id, err := e.om.PrepareObject(ctx, 1, S3ObjectTTL)
		if err != nil {
			e.splitGroupMu.Unlock()
			return fmt.Errorf("%w: prepare split object id: %v", ErrWriteFailure, err)
		}
		state = &splitGroupState{
			objectID:    id,
			streamID:    co.StreamDataBlocks[0].StreamID,
			startOffset: co.StreamDataBlocks[0].StartOffset,
		}
		e.splitGroups[co.SplitGroup] = state
	}
	if co.SplitFinal {
		delete(e.splitGroups, co.SplitGroup)
	}
	e.splitGroupMu.Unlock()

	size, closed, err := e.uploader.ChainWriteSplitObject(ctx, co.SplitGroup, state.objectID, co.StreamDataBlocks, co.SplitFinal)
	if err != nil {
		return err
	}
	if !closed {
		return nil
	}
	e.addStreamObject(StreamObject{
		ObjectID:    state.objectID,
		StreamID:    state.streamID,
		StartOffset: state.startOffset,
		EndOffset:   co.StreamDataBlocks[len(co.StreamDataBlocks)-1].EndOffset,
		ObjectSize:  size,
	})
	return nil
}

// addStreamObject appends one freshly produced stream object to the
// executor's accumulator under its synchronization lock.
func (e *Executor) addStreamObject(obj StreamObject) {
	e.collectedMu.Lock()
	e.collectedStreamObjects = append(e.collectedStreamObjects, obj)
	e.collectedMu.Unlock()
}

func countSplits(objs []CompactedObject) int {
	n := 0
	for _, o := range objs {
		if o.Type == CompactionTypeSplit && o.SplitGroup == 0 {
			n++
		}
	}
	return n
}

// readBlockPayloadsFromObject reads every block of a single source object,
// issuing as few coalesced range reads as possible while keeping each read
// at or under maxBatchBytes (spec's networkBaselineBandwidth cap). A single
// block wider than maxBatchBytes is still read in one request; it can never
// be split further. blocks are mutated in place via SetBuffer, so callers
// must pass pointers into the same backing array the write phase reads from.
func readBlockPayloadsFromObject(ctx context.Context, storage ObjectStorage, bucket string, objectID int64, blocks []*StreamDataBlock, maxBatchBytes int64) error {
	sorted := append([]*StreamDataBlock(nil), blocks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BlockStartPosition < sorted[j].BlockStartPosition })

	key := objectKey(objectID)
	for i := 0; i < len(sorted); {
		j := i
		start := sorted[i].BlockStartPosition
		end := sorted[i].BlockEndPosition
		for j+1 < len(sorted) && sorted[j+1].BlockEndPosition-start <= maxBatchBytes {
			j++
			end = sorted[j].BlockEndPosition
		}

		raw, err := storage.RangeRead(ctx, bucket, key, start, end)
		if err != nil {
			return fmt.Errorf("%w: object %d [%d,%d): %v", ErrReadFailure, objectID, start, end, err)
		}

		for k := i; k <= j; k++ {
			b := sorted[k]
			lo := b.BlockStartPosition - start
			hi := b.BlockEndPosition - start
			if lo < 0 || hi > int64(len(raw)) || lo > hi {
				return fmt.Errorf("%w: object %d block %s out of read range", ErrReadFailure, objectID, b.String())
			}
			payload := make([]byte, hi-lo)
			copy(payload, raw[lo:hi])
			b.SetBuffer(NewBlockBuffer(payload, nil))
		}

		i = j + 1
	}
	return nil
}

// readBlockPayloads reads every block of a single object's run, used by the
// force-split path where all blocks share one source object.
func readBlockPayloads(ctx context.Context, storage ObjectStorage, bucket string, blocks []StreamDataBlock, maxBatchBytes int64) error {
	if len(blocks) == 0 {
		return nil
	}
	ptrs := make([]*StreamDataBlock, len(blocks))
	for i := range blocks {
		ptrs[i] = &blocks[i]
	}
	return readBlockPayloadsFromObject(ctx, storage, bucket, blocks[0].ObjectID, ptrs, maxBatchBytes)
}

// blockSpanPtr sums the block sizes of a pointer slice, the pointer-based
// analogue of blockSpan used for CompactionPlan.StreamDataBlocksMap entries.
func blockSpanPtr(blocks []*StreamDataBlock) int64 {
	var total int64
	for _, b := range blocks {
		total += b.BlockSize()
	}
	return total
}

// buildStreamRanges re-groups the COMPACT blocks (already in emission order:
// grouped by stream ascending, ascending startOffset within stream) into
// contiguous per-stream ranges.
func buildStreamRanges(blocks []StreamDataBlock) []ObjectStreamRange {
	var ranges []ObjectStreamRange
	for _, b := range blocks {
		if n := len(ranges); n > 0 && ranges[n-1].StreamID == b.StreamID && ranges[n-1].EndOffset == b.StartOffset {
			ranges[n-1].EndOffset = b.EndOffset
			continue
		}
		ranges = append(ranges, ObjectStreamRange{StreamID: b.StreamID, StartOffset: b.StartOffset, EndOffset: b.EndOffset})
	}
	return ranges
}
