package compact

import "testing"

func TestIntervalListMergesOverlapping(t *testing.T) {
	il := newIntervalList([]ObjectStreamRange{
		{StreamID: 1, StartOffset: 0, EndOffset: 10},
		{StreamID: 1, StartOffset: 10, EndOffset: 20}, // adjacent
		{StreamID: 1, StartOffset: 15, EndOffset: 25}, // overlapping
		{StreamID: 1, StartOffset: 100, EndOffset: 110},
	})
	if len(il.starts) != 2 {
		t.Fatalf("expected 2 merged intervals, got %d", len(il.starts))
	}
	if !il.Covers(0, 25) {
		t.Error("expected [0,25) to be covered by the merged run")
	}
	if !il.Covers(5, 22) {
		t.Error("expected [5,22) to be covered")
	}
	if il.Covers(0, 30) {
		t.Error("did not expect [0,30) to be covered (past merged end)")
	}
	if !il.Covers(100, 110) {
		t.Error("expected the disjoint [100,110) interval to be covered")
	}
	if il.Covers(20, 105) {
		t.Error("did not expect a span crossing the gap to be covered")
	}
}

func TestIntervalListEmpty(t *testing.T) {
	il := newIntervalList(nil)
	if il.Covers(0, 1) {
		t.Error("empty interval list must not cover anything")
	}
}

func TestIntervalListCoversRejectsPartialOverlap(t *testing.T) {
	il := newIntervalList([]ObjectStreamRange{{StreamID: 1, StartOffset: 10, EndOffset: 20}})
	if il.Covers(5, 15) {
		t.Error("span starting before the interval must not be covered")
	}
	if il.Covers(15, 25) {
		t.Error("span ending after the interval must not be covered")
	}
}
