package compact

import "sort"

// ClassifyResult partitions candidate objects by age, capped at
// maxObjectNumToCompact most-recent candidates.
type ClassifyResult struct {
	ForceSplit          []S3ObjectMetadata
	Compact             []S3ObjectMetadata
	HasRemainingObjects bool
}

// Classify partitions objects into force-split (age ≥ forceSplitObjectPeriod)
// and compact sets, relative to nowMs. If len(objects) exceeds
// maxObjectNumToCompact, only the most recent candidates (by DataTimeInMs
// descending) are kept and HasRemainingObjects is set so the caller
// reschedules promptly.
func Classify(objects []S3ObjectMetadata, nowMs int64, forceSplitObjectPeriodMs int64, maxObjectNumToCompact int) ClassifyResult {
	candidates := objects
	hasRemaining := false
	if len(candidates) > maxObjectNumToCompact {
		sorted := append([]S3ObjectMetadata(nil), candidates...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].DataTimeInMs > sorted[j].DataTimeInMs })
		candidates = sorted[:maxObjectNumToCompact]
		hasRemaining = true
	}

	result := ClassifyResult{HasRemainingObjects: hasRemaining}
	for _, obj := range candidates {
		if nowMs-obj.DataTimeInMs >= forceSplitObjectPeriodMs {
			result.ForceSplit = append(result.ForceSplit, obj)
		} else {
			result.Compact = append(result.Compact, obj)
		}
	}
	return result
}

// ThrottleRateFor computes the read-throttle rate for a compaction run
// covering totalBytes, targeting completion within
// max(compactionInterval-1, 1) minutes. Returns enabled=false if the computed rate meets or exceeds
// MaxThrottleBytesPerSec, in which case throttling should be disabled.
func ThrottleRateFor(totalBytes int64, compactionIntervalMinutes int64) (ratePerSec int64, enabled bool) {
	return throttleRate(totalBytes, compactionIntervalMinutes)
}
