package compact

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryObjectManager is a process-local ObjectManager: candidate objects
// live in a map, prepared ids come from a monotonic counter, and commit
// mutates the map directly. It backs both the CLI's offline/dry-run mode
// (seeded from a MetadataSnapshot) and package tests, which need the exact
// same shape without standing up a real metadata service.
type InMemoryObjectManager struct {
	mu      sync.Mutex
	objects map[int64]S3ObjectMetadata
	nextID  int64
	commits []*CommitStreamSetObjectRequest
}

// NewInMemoryObjectManager builds a manager seeded with the given objects.
// nextID seeds the PrepareObject counter; it must be greater than every
// existing object id to avoid collisions with freshly committed objects.
func NewInMemoryObjectManager(objects []S3ObjectMetadata, nextID int64) *InMemoryObjectManager {
	m := &InMemoryObjectManager{objects: make(map[int64]S3ObjectMetadata, len(objects)), nextID: nextID}
	for _, o := range objects {
		m.objects[o.ObjectID] = o
	}
	return m
}

// GetServerObjects returns every currently tracked candidate object, sorted
// by object id for deterministic test output.
func (m *InMemoryObjectManager) GetServerObjects(ctx context.Context) ([]S3ObjectMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]S3ObjectMetadata, 0, len(m.objects))
	for _, o := range m.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out, nil
}

// PrepareObject reserves count consecutive ids and returns the first.
func (m *InMemoryObjectManager) PrepareObject(ctx context.Context, count int, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	first := m.nextID
	m.nextID += int64(count)
	return first, nil
}

// CommitStreamSetObject retires req.CompactedObjectIDs and, if req produced
// a merged stream-set object, adds it to the tracked candidate set so a
// subsequent run observes it like any other object (dataTimeInMs/commit
// time are stamped at commit time).
func (m *InMemoryObjectManager) CommitStreamSetObject(ctx context.Context, req *CommitStreamSetObjectRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range req.CompactedObjectIDs {
		delete(m.objects, id)
	}
	if req.ObjectID != NoopObjectID {
		nowMs := time.Now().UnixMilli()
		m.objects[req.ObjectID] = S3ObjectMetadata{
			ObjectID:           req.ObjectID,
			ObjectSize:         req.ObjectSize,
			DataTimeInMs:       nowMs,
			CommittedTimestamp: nowMs,
			Bucket:             req.Bucket,
		}
	}
	m.commits = append(m.commits, req)
	return nil
}

// Commits returns every request committed so far, for test assertions.
func (m *InMemoryObjectManager) Commits() []*CommitStreamSetObjectRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*CommitStreamSetObjectRequest(nil), m.commits...)
}

// InMemoryStreamManager is a process-local StreamManager backed by a fixed
// map of live stream metadata, seeded once at construction. Compaction
// never mutates stream trim watermarks, so no write path is needed.
type InMemoryStreamManager struct {
	mu      sync.Mutex
	streams map[int64]StreamMetadata
}

// NewInMemoryStreamManager builds a manager over the given live streams.
func NewInMemoryStreamManager(streams []StreamMetadata) *InMemoryStreamManager {
	m := &InMemoryStreamManager{streams: make(map[int64]StreamMetadata, len(streams))}
	for _, s := range streams {
		m.streams[s.StreamID] = s
	}
	return m
}

// GetStreams returns the live metadata for the requested stream ids,
// silently omitting any id with no live entry (the caller's StreamFilter
// treats an absent stream as dead).
func (m *InMemoryStreamManager) GetStreams(ctx context.Context, streamIDs []int64) ([]StreamMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StreamMetadata, 0, len(streamIDs))
	for _, id := range streamIDs {
		if s, ok := m.streams[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}
