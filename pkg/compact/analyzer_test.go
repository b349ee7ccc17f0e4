package compact

import "testing"

func TestAnalyzeClassifiesSplitVsCompact(t *testing.T) {
	blockMap := map[int64][]StreamDataBlock{
		1: {
			block(1, 0, 100, 60),  // COMPACT: below split size
			block(2, 0, 100, 120), // SPLIT: at/above split size
		},
	}
	result := Analyze(blockMap, 100, 10, 10, 10_000)
	if len(result.Plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(result.Plans))
	}
	var kinds []CompactionType
	for _, co := range result.Plans[0].CompactedObjects {
		kinds = append(kinds, co.Type)
	}
	if len(kinds) != 2 {
		t.Fatalf("expected 2 compacted objects, got %d", len(kinds))
	}
	if kinds[0] != CompactionTypeCompact || kinds[1] != CompactionTypeSplit {
		t.Fatalf("expected [COMPACT SPLIT] (stream 1 then stream 2), got %v", kinds)
	}
}

func TestAnalyzeMergesContiguousCrossObjectRuns(t *testing.T) {
	b1 := block(1, 0, 50, 20)
	b2 := block(1, 50, 100, 20)
	blockMap := map[int64][]StreamDataBlock{
		10: {b1},
		20: {b2},
	}
	// Stamp object ids as BlockIndex.Fetch would for two distinct
	// source objects contributing to the same contiguous stream run.
	blockMap[10][0].ObjectID = 10
	blockMap[20][0].ObjectID = 20

	result := Analyze(blockMap, 1_000_000, 10, 10, 10_000)
	if len(result.Plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(result.Plans))
	}
	plan := result.Plans[0]
	if len(plan.CompactedObjects) != 1 {
		t.Fatalf("expected the two adjacent runs to merge into 1 compacted object, got %d", len(plan.CompactedObjects))
	}
	if len(plan.CompactedObjects[0].StreamDataBlocks) != 2 {
		t.Fatalf("expected the merged run to carry both blocks, got %d", len(plan.CompactedObjects[0].StreamDataBlocks))
	}
	if len(plan.StreamDataBlocksMap) != 2 {
		t.Fatalf("expected the plan to read from both source objects, got %d", len(plan.StreamDataBlocksMap))
	}
}

func TestAnalyzeDoesNotMergeNonContiguousRuns(t *testing.T) {
	b1 := block(1, 0, 50, 20)
	b2 := block(1, 60, 100, 20) // gap: [50,60) missing
	blockMap := map[int64][]StreamDataBlock{
		10: {b1},
		20: {b2},
	}
	result := Analyze(blockMap, 1_000_000, 10, 10, 10_000)
	total := 0
	for _, p := range result.Plans {
		total += len(p.CompactedObjects)
	}
	if total != 2 {
		t.Fatalf("expected 2 separate runs (gap prevents merge), got %d", total)
	}
}

func TestAnalyzeEnforcesStreamCountCeiling(t *testing.T) {
	blockMap := map[int64][]StreamDataBlock{
		1: {block(1, 0, 10, 5)},
		2: {block(2, 0, 10, 5)},
		3: {block(3, 0, 10, 5)},
	}
	blockMap[1][0].ObjectID, blockMap[2][0].ObjectID, blockMap[3][0].ObjectID = 1, 2, 3

	result := Analyze(blockMap, 1_000_000, 10, 2, 10_000) // cap 2 distinct streams
	admittedStreams := make(map[int64]bool)
	for _, p := range result.Plans {
		for _, co := range p.CompactedObjects {
			admittedStreams[co.StreamDataBlocks[0].StreamID] = true
		}
	}
	if len(admittedStreams) != 2 {
		t.Fatalf("expected exactly 2 streams admitted under the ceiling, got %d", len(admittedStreams))
	}
	if len(result.ExcludedObjectIDs) != 1 {
		t.Fatalf("expected 1 object excluded, got %d: %v", len(result.ExcludedObjectIDs), result.ExcludedObjectIDs)
	}
}

func TestAnalyzeEnforcesSplitFanoutCeiling(t *testing.T) {
	blockMap := map[int64][]StreamDataBlock{
		1: {block(1, 0, 10, 100)}, // size 100 >= split size 50: SPLIT
		2: {block(2, 0, 10, 100)},
		3: {block(3, 0, 10, 100)},
	}
	blockMap[1][0].ObjectID, blockMap[2][0].ObjectID, blockMap[3][0].ObjectID = 1, 2, 3

	result := Analyze(blockMap, 50, 2, 10_000, 10_000) // cap 2 SPLIT objects per commit
	splitCount := 0
	for _, p := range result.Plans {
		for _, co := range p.CompactedObjects {
			if co.Type == CompactionTypeSplit {
				splitCount++
			}
		}
	}
	if splitCount != 2 {
		t.Fatalf("expected exactly 2 SPLIT objects admitted under the fanout ceiling, got %d", splitCount)
	}
	if len(result.ExcludedObjectIDs) != 1 {
		t.Fatalf("expected 1 object excluded, got %d", len(result.ExcludedObjectIDs))
	}
}

func TestAnalyzePacksPlansWithinCacheSize(t *testing.T) {
	blockMap := map[int64][]StreamDataBlock{
		1: {block(1, 0, 10, 40)},
		2: {block(2, 0, 10, 40)},
		3: {block(3, 0, 10, 40)},
	}
	blockMap[1][0].ObjectID, blockMap[2][0].ObjectID, blockMap[3][0].ObjectID = 1, 2, 3

	result := Analyze(blockMap, 1_000_000, 10, 10_000, 50) // cache size 50: at most 1 run per plan
	if len(result.Plans) != 3 {
		t.Fatalf("expected 3 plans (one run each, cache size 50 < 2*40), got %d", len(result.Plans))
	}
	for i, p := range result.Plans {
		if p.TotalBytes() > 50 {
			t.Errorf("plan %d total bytes %d exceeds cache size 50", i, p.TotalBytes())
		}
	}
}

func TestAnalyzeOversizedRunGetsOwnPlan(t *testing.T) {
	blockMap := map[int64][]StreamDataBlock{
		1: {block(1, 0, 10, 100)}, // exceeds cache size alone
	}
	blockMap[1][0].ObjectID = 1

	result := Analyze(blockMap, 1_000_000, 10, 10_000, 50)
	if len(result.Plans) != 1 {
		t.Fatalf("expected 1 plan even though the run exceeds cache size, got %d", len(result.Plans))
	}
	if result.Plans[0].TotalBytes() != 100 {
		t.Errorf("expected the oversized run's full 100 bytes in its own plan, got %d", result.Plans[0].TotalBytes())
	}
}

func TestAnalyzeSplitsOversizedMultiBlockRunAcrossPlans(t *testing.T) {
	blockMap := map[int64][]StreamDataBlock{
		1: {
			block(1, 0, 10, 40),
			block(1, 10, 20, 40),
			block(1, 20, 30, 40),
		},
	}
	blockMap[1][0].ObjectID, blockMap[1][1].ObjectID, blockMap[1][2].ObjectID = 1, 1, 1

	result := Analyze(blockMap, 1_000_000, 10, 10_000, 50) // run size 120 > cache size 50
	if len(result.Plans) < 2 {
		t.Fatalf("expected the 120-byte run to split across at least 2 plans, got %d", len(result.Plans))
	}
	var totalBlocks int
	for i, p := range result.Plans {
		if p.TotalBytes() > 50 {
			t.Errorf("plan %d total bytes %d exceeds cache size 50", i, p.TotalBytes())
		}
		for _, co := range p.CompactedObjects {
			totalBlocks += len(co.StreamDataBlocks)
		}
	}
	if totalBlocks != 3 {
		t.Fatalf("expected all 3 blocks to survive the split, got %d", totalBlocks)
	}
}

func TestAnalyzeSplitsOversizedSplitRunWithSharedGroup(t *testing.T) {
	blockMap := map[int64][]StreamDataBlock{
		1: {
			block(1, 0, 10, 40),
			block(1, 10, 20, 40),
			block(1, 20, 30, 40),
		},
	}
	blockMap[1][0].ObjectID, blockMap[1][1].ObjectID, blockMap[1][2].ObjectID = 1, 1, 1

	// streamSplitSize 10 classifies the run SPLIT; cache size 50 forces a
	// 120-byte run across plans.
	result := Analyze(blockMap, 10, 10, 10_000, 50)
	if len(result.Plans) < 2 {
		t.Fatalf("expected the split run to span at least 2 plans, got %d", len(result.Plans))
	}

	var groupID int64
	var finals int
	var totalBlocks int
	for _, p := range result.Plans {
		for _, co := range p.CompactedObjects {
			if co.Type != CompactionTypeSplit {
				t.Fatalf("expected only SPLIT compacted objects, got %v", co.Type)
			}
			if co.SplitGroup == 0 {
				t.Fatalf("expected a nonzero SplitGroup for a run spanning plans")
			}
			if groupID == 0 {
				groupID = co.SplitGroup
			} else if co.SplitGroup != groupID {
				t.Fatalf("expected every chunk to share one SplitGroup, got %d and %d", groupID, co.SplitGroup)
			}
			if co.SplitFinal {
				finals++
			}
			totalBlocks += len(co.StreamDataBlocks)
		}
	}
	if finals != 1 {
		t.Fatalf("expected exactly 1 chunk marked SplitFinal, got %d", finals)
	}
	if totalBlocks != 3 {
		t.Fatalf("expected all 3 blocks to survive the split, got %d", totalBlocks)
	}
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	blockMap := map[int64][]StreamDataBlock{
		1: {block(5, 0, 10, 10), block(5, 10, 20, 10)},
		2: {block(3, 0, 10, 10)},
		3: {block(9, 0, 10, 10)},
	}
	blockMap[1][0].ObjectID, blockMap[1][1].ObjectID = 1, 1
	blockMap[2][0].ObjectID = 2
	blockMap[3][0].ObjectID = 3

	a := Analyze(blockMap, 1_000_000, 10, 10_000, 10_000)
	b := Analyze(blockMap, 1_000_000, 10, 10_000, 10_000)
	if len(a.Plans) != len(b.Plans) {
		t.Fatalf("non-deterministic plan count: %d vs %d", len(a.Plans), len(b.Plans))
	}
	for i := range a.Plans {
		if len(a.Plans[i].CompactedObjects) != len(b.Plans[i].CompactedObjects) {
			t.Fatalf("plan %d: non-deterministic compacted object count", i)
		}
		for j := range a.Plans[i].CompactedObjects {
			ca, cb := a.Plans[i].CompactedObjects[j], b.Plans[i].CompactedObjects[j]
			if ca.Type != cb.Type || len(ca.StreamDataBlocks) != len(cb.StreamDataBlocks) {
				t.Fatalf("plan %d object %d: non-deterministic output", i, j)
			}
		}
	}
}

func TestAnalyzeEmptyBlockMapProducesNoPlans(t *testing.T) {
	result := Analyze(map[int64][]StreamDataBlock{}, 100, 10, 10, 1000)
	if len(result.Plans) != 0 || len(result.ExcludedObjectIDs) != 0 {
		t.Fatalf("expected no plans or exclusions for an empty block map, got %+v", result)
	}
}
