package compact

import "errors"

// Sentinel errors for the kinds enumerated in the design: callers should use
// errors.Is against these rather than matching on message text.
var (
	// ErrConfigurationInvalid is returned by Config.Validate for an
	// unusable configuration.
	ErrConfigurationInvalid = errors.New("compact: invalid configuration")

	// ErrBlockTooLargeForCache means a candidate block's byte span exceeds
	// the compaction cache size, so no plan could ever load it. The run
	// aborts; the next scheduled run retries from scratch.
	ErrBlockTooLargeForCache = errors.New("compact: block size exceeds compaction cache size")

	// ErrReadFailure wraps a failed block read.
	ErrReadFailure = errors.New("compact: read failure")

	// ErrWriteFailure wraps a failed stream or stream-set object write.
	ErrWriteFailure = errors.New("compact: write failure")

	// ErrCommitFailure wraps a failed metadata commit. The engine remains
	// ready for the next run.
	ErrCommitFailure = errors.New("compact: commit failure")

	// ErrSanityViolation means the sanity checker found a live input block
	// with no covering output range; the run aborts without committing.
	ErrSanityViolation = errors.New("compact: sanity check failed")

	// ErrCancelled means the run was cancelled mid-flight (e.g. by
	// shutdown); buffers are released and no partial commit is issued.
	ErrCancelled = errors.New("compact: run cancelled")

	// ErrShutdown is returned by operations invoked after the manager has
	// been shut down.
	ErrShutdown = errors.New("compact: manager is shut down")
)
