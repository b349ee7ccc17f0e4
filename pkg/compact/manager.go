package compact

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/streamsetcompact/pkg/humanfmt"
	"github.com/eunmann/streamsetcompact/pkg/logging"
)

// State is the CompactionManager's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCancelled
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateShutDown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// CompactionManager is the top-level state machine: it schedules runs,
// classifies candidates, drives the force-split and compact pipelines, and
// commits the result. Only one run (compact or force-split-all) executes
// at a time per node: concurrent Compact and ForceSplitAll calls serialize
// on runMu. Start and Shutdown do not take runMu.
type CompactionManager struct {
	cfg     Config
	om      ObjectManager
	sm      StreamManager
	storage ObjectStorage
	log     zerolog.Logger
	audit   *AuditLog

	runMu sync.Mutex
	state atomic.Int32

	hasRemainingObjects atomic.Bool
	compactionDelayTime atomic.Int64 // seconds, oldest candidate's commit lag

	cancel    context.CancelFunc
	cancelMu  sync.Mutex
	schedDone chan struct{}
	sampDone  chan struct{}
}

// NewCompactionManager builds a manager over the given collaborators. cfg
// must already be Validate()d; audit may be nil to disable the Parquet
// audit trail.
func NewCompactionManager(cfg Config, om ObjectManager, sm StreamManager, storage ObjectStorage, audit *AuditLog, log zerolog.Logger) *CompactionManager {
	m := &CompactionManager{cfg: cfg, om: om, sm: sm, storage: storage, audit: audit, log: log.With().Int("node_id", cfg.NodeID).Logger()}
	m.state.Store(int32(StateIdle))
	return m
}

// State returns the manager's current lifecycle state.
func (m *CompactionManager) State() State {
	return State(m.state.Load())
}

// CompactionDelayTime returns the most recently sampled age, in seconds, of
// the oldest candidate object awaiting compaction.
func (m *CompactionManager) CompactionDelayTime() time.Duration {
	return time.Duration(m.compactionDelayTime.Load()) * time.Second
}

// Start begins the scheduler and delay-time sampler goroutines. It returns
// immediately; runs happen in the background until ctx is cancelled or
// Shutdown is called.
func (m *CompactionManager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancelMu.Lock()
	m.cancel = cancel
	m.cancelMu.Unlock()

	m.schedDone = make(chan struct{})
	m.sampDone = make(chan struct{})

	go m.schedulerLoop(runCtx)
	go m.delaySamplerLoop(runCtx)
}

// schedulerLoop fires Compact on a timer, rescheduling after each run per
// the design: max(MinCompactionDelay, compactionInterval-elapsed), or
// MinCompactionDelay if the last run left candidates behind.
func (m *CompactionManager) schedulerLoop(ctx context.Context) {
	defer close(m.schedDone)
	timer := time.NewTimer(m.cfg.CompactionInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			start := time.Now()
			if _, err := m.Compact(ctx); err != nil {
				m.log.Error().Err(err).Msg("scheduled compaction run failed")
			}
			elapsed := time.Since(start)

			delay := m.cfg.CompactionInterval - elapsed
			if m.hasRemainingObjects.Load() || delay < MinCompactionDelay {
				delay = MinCompactionDelay
			}
			timer.Reset(delay)
		}
	}
}

// delaySamplerLoop records the age of the oldest known candidate object
// every minute, exposed via CompactionDelayTime for metrics consumers.
func (m *CompactionManager) delaySamplerLoop(ctx context.Context) {
	defer close(m.sampDone)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			objects, err := m.om.GetServerObjects(ctx)
			if err != nil {
				continue
			}
			if len(objects) == 0 {
				m.compactionDelayTime.Store(0)
				continue
			}
			oldest := objects[0].CommittedTimestamp
			for _, o := range objects[1:] {
				if o.CommittedTimestamp < oldest {
					oldest = o.CommittedTimestamp
				}
			}
			nowMs := time.Now().UnixMilli()
			m.compactionDelayTime.Store((nowMs - oldest) / 1000)
		}
	}
}

// Compact runs one full compaction iteration: classify, force-split aged
// candidates, compact the rest, commit the result. It is re-entrant only
// via the scheduler or an explicit caller; concurrent calls serialize on
// runMu exactly like the original's single compact-worker executor.
func (m *CompactionManager) Compact(ctx context.Context) (*CommitStreamSetObjectRequest, error) {
	if m.State() == StateShutDown {
		return nil, ErrShutdown
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.state.Store(int32(StateRunning))
	defer m.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))

	objects, err := m.om.GetServerObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: get server objects: %v", ErrReadFailure, err)
	}
	if len(objects) == 0 {
		m.hasRemainingObjects.Store(false)
		return nil, nil
	}

	if m.cfg.CircuitBreakerEnabled {
		for _, o := range objects {
			if o.Bucket == m.cfg.CircuitBreakerBucketID {
				m.log.Warn().Int16("bucket", o.Bucket).Msg("circuit breaker open, skipping compaction run")
				return nil, nil
			}
		}
	}

	nowMs := time.Now().UnixMilli()
	classified := Classify(objects, nowMs, m.cfg.ForceSplitObjectPeriod.Milliseconds(), m.cfg.MaxObjectNumToCompact)
	m.hasRemainingObjects.Store(classified.HasRemainingObjects)

	candidates := append(append([]S3ObjectMetadata(nil), classified.ForceSplit...), classified.Compact...)
	fetchStart := time.Now()
	blockIndex := NewBlockIndex(m.storage, m.cfg.Bucket, m.cfg.CompactionCacheSize)
	blockMap, err := blockIndex.Fetch(ctx, candidates)
	if err != nil {
		return nil, err
	}
	logging.PhaseComplete(m.log, "block_index_fetch", time.Since(fetchStart)).
		Int("objects", len(candidates)).
		Msg("[COMPACT] phase complete")

	streamIDs := distinctStreamIDs(blockMap)
	streamsStart := time.Now()
	streams, err := m.sm.GetStreams(ctx, streamIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: get streams: %v", ErrReadFailure, err)
	}
	logging.PhaseComplete(m.log, "get_streams", time.Since(streamsStart)).
		Int("streams", len(streams)).
		Msg("[COMPACT] phase complete")
	filter := NewStreamFilter(streams)
	surviving, outOfDate := filter.ApplyAll(blockMap)

	compactedObjectIDs := append([]int64(nil), outOfDate...)

	forceSplitBlocks := make(map[int64][]StreamDataBlock)
	for _, o := range classified.ForceSplit {
		if blocks, ok := surviving[o.ObjectID]; ok {
			forceSplitBlocks[o.ObjectID] = blocks
		}
	}
	compactBlocks := make(map[int64][]StreamDataBlock)
	for _, o := range classified.Compact {
		if blocks, ok := surviving[o.ObjectID]; ok {
			compactBlocks[o.ObjectID] = blocks
		}
	}

	throttle := m.newThrottle(compactBlocks)

	var splitResults []StreamObject
	for objectID, blocks := range forceSplitBlocks {
		uploader := NewUploader(m.storage, m.cfg.Bucket, m.cfg.BucketID, m.cfg.ObjectPartSize)
		objs, err := ForceSplitObject(ctx, m.log, objectID, blocks, m.om, m.storage, m.cfg.Bucket, uploader, throttle, m.cfg.CompactionCacheSize, m.cfg.readBatchSize())
		if err != nil {
			m.log.Error().Err(err).Int64("object_id", objectID).Msg("force split failed, skipping object")
			continue
		}
		splitResults = append(splitResults, objs...)
		compactedObjectIDs = append(compactedObjectIDs, objectID)
	}

	if len(compactBlocks) == 0 {
		if len(splitResults) == 0 && len(compactedObjectIDs) == 0 {
			return nil, nil
		}
		req := &CommitStreamSetObjectRequest{ObjectID: NoopObjectID, OrderID: NoopObjectID, Bucket: m.cfg.BucketID, StreamObjects: splitResults, CompactedObjectIDs: compactedObjectIDs}
		return m.finishCommit(ctx, req, blockMap, streams)
	}

	analyzeStart := time.Now()
	analysis := Analyze(compactBlocks, m.cfg.StreamSplitSize, m.cfg.MaxStreamObjectNumPerCommit, m.cfg.MaxStreamNumPerStreamSetObject, m.cfg.CompactionCacheSize)
	logging.PhaseComplete(m.log, "analyze", time.Since(analyzeStart)).
		Int("plans", len(analysis.Plans)).
		Int("excluded_objects", len(analysis.ExcludedObjectIDs)).
		Msg("[COMPACT] phase complete")
	logPlans(m.log, analysis.Plans)

	if len(analysis.ExcludedObjectIDs) > 0 {
		m.hasRemainingObjects.Store(true)
	}
	for _, id := range analysis.ExcludedObjectIDs {
		delete(compactBlocks, id)
	}
	for objectID := range compactBlocks {
		compactedObjectIDs = append(compactedObjectIDs, objectID)
	}

	var streamSetObjectID int64 = NoopObjectID
	if len(analysis.Plans) > 0 {
		streamSetObjectID, err = m.om.PrepareObject(ctx, 1, S3ObjectTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: prepare stream-set object id: %v", ErrWriteFailure, err)
		}
	}

	uploader := NewUploader(m.storage, m.cfg.Bucket, m.cfg.BucketID, m.cfg.ObjectPartSize)
	budget := NewReadBudget(m.cfg.CompactionCacheSize)
	executor := NewExecutor(m.storage, m.om, m.cfg.Bucket, throttle, uploader, budget, m.cfg.readBatchSize(), m.log)
	execStart := time.Now()
	execResult, err := executor.Run(ctx, analysis.Plans, streamSetObjectID)
	if err != nil {
		return nil, err
	}
	logging.PhaseComplete(m.log, "execute", time.Since(execStart)).
		Str("stream_set_size", humanfmt.Bytes(execResult.StreamSetSize)).
		Int("stream_objects", len(execResult.StreamObjects)).
		Msg("[COMPACT] phase complete")

	req := &CommitStreamSetObjectRequest{
		ObjectID:           execResult.StreamSetObjectID,
		OrderID:            smallestObjectID(compactedObjectIDs),
		ObjectSize:         execResult.StreamSetSize,
		Bucket:             uploader.BucketID(),
		StreamRanges:       execResult.StreamRanges,
		StreamObjects:      append(splitResults, execResult.StreamObjects...),
		CompactedObjectIDs: compactedObjectIDs,
	}
	if req.ObjectSize == 0 {
		req.ObjectID = NoopObjectID
	}

	return m.finishCommit(ctx, req, blockMap, streams)
}

// finishCommit runs the sanity check and, if it passes, commits the
// request. A sanity failure or commit failure never mutates metadata.
func (m *CompactionManager) finishCommit(ctx context.Context, req *CommitStreamSetObjectRequest, blockMap map[int64][]StreamDataBlock, streams []StreamMetadata) (*CommitStreamSetObjectRequest, error) {
	if err := NewSanityChecker().Check(req, blockMap, streams); err != nil {
		m.log.Error().Err(err).Msg("sanity check failed, aborting commit")
		return nil, err
	}
	if err := m.om.CommitStreamSetObject(ctx, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCommitFailure, err)
	}
	m.log.Info().
		Str("request", req.String()).
		Str("size", humanfmt.Bytes(req.ObjectSize)).
		Msg("[COMPACT] committed")
	if m.audit != nil {
		if err := m.audit.Append(req); err != nil {
			m.log.Warn().Err(err).Msg("audit log append failed")
		}
	}
	return req, nil
}

// ForceSplitAll is the admin operation: force-split every current candidate
// regardless of age.
func (m *CompactionManager) ForceSplitAll(ctx context.Context) error {
	if m.State() == StateShutDown {
		return ErrShutdown
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()

	objects, err := m.om.GetServerObjects(ctx)
	if err != nil {
		return fmt.Errorf("%w: get server objects: %v", ErrReadFailure, err)
	}
	if len(objects) == 0 {
		return nil
	}

	fetchStart := time.Now()
	blockIndex := NewBlockIndex(m.storage, m.cfg.Bucket, m.cfg.CompactionCacheSize)
	blockMap, err := blockIndex.Fetch(ctx, objects)
	if err != nil {
		return err
	}
	logging.PhaseComplete(m.log, "block_index_fetch", time.Since(fetchStart)).
		Int("objects", len(objects)).
		Msg("[COMPACT] phase complete")

	streamIDs := distinctStreamIDs(blockMap)
	streams, err := m.sm.GetStreams(ctx, streamIDs)
	if err != nil {
		return fmt.Errorf("%w: get streams: %v", ErrReadFailure, err)
	}
	filter := NewStreamFilter(streams)
	surviving, outOfDate := filter.ApplyAll(blockMap)

	totalBytes := totalBlockBytes(surviving)
	throttle := NewThrottle(clampThrottleRate(totalBytes, m.cfg.CompactionInterval))

	var splitResults []StreamObject
	compactedObjectIDs := append([]int64(nil), outOfDate...)
	for objectID, blocks := range surviving {
		uploader := NewUploader(m.storage, m.cfg.Bucket, m.cfg.BucketID, m.cfg.ObjectPartSize)
		objs, err := ForceSplitObject(ctx, m.log, objectID, blocks, m.om, m.storage, m.cfg.Bucket, uploader, throttle, m.cfg.CompactionCacheSize, m.cfg.readBatchSize())
		if err != nil {
			m.log.Error().Err(err).Int64("object_id", objectID).Msg("force split failed, skipping object")
			continue
		}
		splitResults = append(splitResults, objs...)
		compactedObjectIDs = append(compactedObjectIDs, objectID)
	}

	if len(splitResults) == 0 && len(compactedObjectIDs) == 0 {
		return nil
	}
	req := &CommitStreamSetObjectRequest{ObjectID: NoopObjectID, OrderID: NoopObjectID, StreamObjects: splitResults, CompactedObjectIDs: compactedObjectIDs}
	_, err = m.finishCommit(ctx, req, blockMap, streams)
	return err
}

// Shutdown idempotently stops the manager: cancels the context Start gave
// the scheduler and sampler (and so any run the scheduler has in flight),
// then waits for both goroutines to exit. A Compact or ForceSplitAll call
// made directly with the caller's own context is not cancelled. Safe to
// call more than once.
func (m *CompactionManager) Shutdown() {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateShutDown)) {
		m.state.Store(int32(StateShutDown))
	}

	m.cancelMu.Lock()
	cancel := m.cancel
	m.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	if m.schedDone != nil {
		<-m.schedDone
	}
	if m.sampDone != nil {
		<-m.sampDone
	}
}

func (m *CompactionManager) newThrottle(compactBlocks map[int64][]StreamDataBlock) *Throttle {
	total := totalBlockBytes(compactBlocks)
	rate, enabled := ThrottleRateFor(total, int64(m.cfg.CompactionInterval/time.Minute))
	if !enabled {
		return nil
	}
	return NewThrottle(rate)
}

func clampThrottleRate(totalBytes int64, interval time.Duration) int64 {
	rate, enabled := ThrottleRateFor(totalBytes, int64(interval/time.Minute))
	if !enabled {
		return 0
	}
	return rate
}

func totalBlockBytes(blockMap map[int64][]StreamDataBlock) int64 {
	var total int64
	for _, blocks := range blockMap {
		total += blockSpan(blocks)
	}
	return total
}

func distinctStreamIDs(blockMap map[int64][]StreamDataBlock) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, blocks := range blockMap {
		for _, b := range blocks {
			if !seen[b.StreamID] {
				seen[b.StreamID] = true
				ids = append(ids, b.StreamID)
			}
		}
	}
	return ids
}

func smallestObjectID(ids []int64) int64 {
	if len(ids) == 0 {
		return NoopObjectID
	}
	min := ids[0]
	for _, id := range ids[1:] {
		if id < min {
			min = id
		}
	}
	return min
}
