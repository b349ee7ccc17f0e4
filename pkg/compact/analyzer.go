package compact

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/eunmann/streamsetcompact/pkg/humanfmt"
)

// AnalyzeResult is the CompactionAnalyzer's output: an ordered list of
// bounded-memory plans to execute, plus the ids of objects that could not
// be admitted into any plan because of the fanout or stream-count ceiling.
type AnalyzeResult struct {
	Plans             []CompactionPlan
	ExcludedObjectIDs []int64
}

// analyzerItem is one admitted unit of work: a contiguous run of blocks for
// a single stream, already classified SPLIT or COMPACT.
type analyzerItem struct {
	kind     CompactionType
	streamID int64
	blocks   []StreamDataBlock
	size     int64
}

// Analyze is the pure planner of spec.md §4.4: no I/O, deterministic for a
// given block map and configuration. It groups blocks by stream, detects
// contiguous runs, classifies each run SPLIT or COMPACT against
// streamSplitSize, applies the fanout and stream-count ceilings, then packs
// admitted work into plans bounded by compactionCacheSize.
func Analyze(blockMap map[int64][]StreamDataBlock, streamSplitSize int64, maxStreamObjectNumPerCommit, maxStreamNumPerStreamSetObject int, compactionCacheSize int64) AnalyzeResult {
	byStream := groupByStream(blockMap)

	streamIDs := make([]int64, 0, len(byStream))
	for id := range byStream {
		streamIDs = append(streamIDs, id)
	}
	sort.Slice(streamIDs, func(i, j int) bool { return streamIDs[i] < streamIDs[j] })

	contributors := objectContributors(blockMap)
	admitted := make(map[int64]bool, len(contributors))

	var items []analyzerItem
	splitCount := 0
	compactStreamCount := 0

	for _, streamID := range streamIDs {
		runs := buildRuns(streamID, byStream[streamID])
		streamAdmittedCompact := false
		for _, run := range runs {
			if run.size >= streamSplitSize {
				if splitCount >= maxStreamObjectNumPerCommit {
					continue // fanout ceiling reached: deferred to next run
				}
				splitCount++
				items = append(items, analyzerItem{kind: CompactionTypeSplit, streamID: streamID, blocks: run.blocks, size: run.size})
				markAdmitted(admitted, run.blocks)
				continue
			}

			if compactStreamCount >= maxStreamNumPerStreamSetObject {
				continue // stream-count ceiling reached: deferred to next run
			}
			items = append(items, analyzerItem{kind: CompactionTypeCompact, streamID: streamID, blocks: run.blocks, size: run.size})
			markAdmitted(admitted, run.blocks)
			streamAdmittedCompact = true
		}
		if streamAdmittedCompact {
			compactStreamCount++
		}
	}

	plans := packPlans(items, compactionCacheSize)

	var excluded []int64
	for objectID := range contributors {
		if !admitted[objectID] {
			excluded = append(excluded, objectID)
		}
	}
	sort.Slice(excluded, func(i, j int) bool { return excluded[i] < excluded[j] })

	return AnalyzeResult{Plans: plans, ExcludedObjectIDs: excluded}
}

// groupByStream flattens the object-keyed block map into a stream-keyed
// one, each stream's blocks sorted by ascending start offset.
func groupByStream(blockMap map[int64][]StreamDataBlock) map[int64][]StreamDataBlock {
	out := make(map[int64][]StreamDataBlock)
	for _, blocks := range blockMap {
		for _, b := range blocks {
			out[b.StreamID] = append(out[b.StreamID], b)
		}
	}
	for streamID, blocks := range out {
		sorted := append([]StreamDataBlock(nil), blocks...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartOffset < sorted[j].StartOffset })
		out[streamID] = sorted
	}
	return out
}

type streamRun struct {
	blocks []StreamDataBlock
	size   int64
}

// buildRuns splits a stream's sorted blocks into contiguous runs: a new run
// starts whenever the next block's StartOffset doesn't equal the previous
// block's EndOffset.
func buildRuns(streamID int64, sorted []StreamDataBlock) []streamRun {
	var runs []streamRun
	var current []StreamDataBlock
	var currentSize int64

	flush := func() {
		if len(current) > 0 {
			runs = append(runs, streamRun{blocks: current, size: currentSize})
			current = nil
			currentSize = 0
		}
	}

	for i, b := range sorted {
		if i > 0 && sorted[i-1].EndOffset != b.StartOffset {
			flush()
		}
		current = append(current, b)
		currentSize += b.BlockSize()
	}
	flush()
	return runs
}

// objectContributors maps every object id present in blockMap to true,
// giving the universe of candidates that Analyze must account for.
func objectContributors(blockMap map[int64][]StreamDataBlock) map[int64]bool {
	out := make(map[int64]bool, len(blockMap))
	for objectID := range blockMap {
		out[objectID] = true
	}
	return out
}

func markAdmitted(admitted map[int64]bool, blocks []StreamDataBlock) {
	for _, b := range blocks {
		admitted[b.ObjectID] = true
	}
}

// packPlans walks admitted items in order and packs them into plans so that
// each plan's total loaded bytes stays at or under compactionCacheSize. A
// run whose combined size exceeds the budget is split at block boundaries
// across multiple plans — no individual block may span plans (every block
// already fits alone, since BlockIndex.Fetch rejects one wider than the
// cache size), but a multi-block run must be. A split SPLIT-type run shares
// one eventual stream object across its chunks (see CompactedObject.SplitGroup);
// a split COMPACT-type run needs no such bookkeeping, since every COMPACT
// chunk is chained onto the same stream-set object regardless of which plan
// carries it.
//
// StreamDataBlocksMap entries are pointers into the exact same backing
// array each chunk's CompactedObject.StreamDataBlocks references (item.blocks,
// or a sub-slice of it), so a SetBuffer call during the executor's read
// phase is visible when the write phase later reads StreamDataBlocks.
func packPlans(items []analyzerItem, compactionCacheSize int64) []CompactionPlan {
	var plans []CompactionPlan
	var current *CompactionPlan
	var currentLoad int64
	var nextSplitGroup int64

	flush := func() {
		if current != nil {
			plans = append(plans, *current)
			current = nil
			currentLoad = 0
		}
	}
	addChunk := func(kind CompactionType, blocks []StreamDataBlock, splitGroup int64, splitFinal bool) {
		if current == nil {
			current = &CompactionPlan{StreamDataBlocksMap: make(map[int64][]*StreamDataBlock)}
		}
		co := NewCompactedObject(kind, blocks)
		co.SplitGroup = splitGroup
		co.SplitFinal = splitFinal
		current.CompactedObjects = append(current.CompactedObjects, co)
		for i := range blocks {
			b := &blocks[i]
			current.StreamDataBlocksMap[b.ObjectID] = append(current.StreamDataBlocksMap[b.ObjectID], b)
		}
		currentLoad += co.Size()
	}

	for _, item := range items {
		if current != nil && currentLoad+item.size > compactionCacheSize {
			flush()
		}

		if item.size <= compactionCacheSize {
			addChunk(item.kind, item.blocks, 0, false)
			continue
		}

		// The run alone exceeds the budget: split it at block boundaries,
		// greedily packing as many whole blocks as fit into each chunk.
		var groupID int64
		if item.kind == CompactionTypeSplit {
			nextSplitGroup++
			groupID = nextSplitGroup
		}
		start := 0
		for start < len(item.blocks) {
			end := start
			var sum int64
			for end < len(item.blocks) {
				sz := item.blocks[end].BlockSize()
				if end > start && sum+sz > compactionCacheSize {
					break
				}
				sum += sz
				end++
			}
			final := end == len(item.blocks)
			addChunk(item.kind, item.blocks[start:end], groupID, final)
			start = end
			if !final {
				flush()
			}
		}
	}
	flush()
	return plans
}

// logPlans emits one structured log line per plan, matching the original
// design's logCompactionPlans phase-boundary logging.
func logPlans(log zerolog.Logger, plans []CompactionPlan) {
	for i, p := range plans {
		log.Info().
			Int("plan_index", i).
			Int("compacted_objects", len(p.CompactedObjects)).
			Str("total_bytes", humanfmt.Bytes(p.TotalBytes())).
			Msg("compaction plan")
	}
}
