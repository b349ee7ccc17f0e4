package compact

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
)

// auditRow is one committed compaction request, flattened for columnar
// storage. StreamRangeCount/StreamObjectCount/CompactedCount summarize the
// request rather than nesting repeated groups, keeping the schema simple
// enough to query with any Parquet reader.
type auditRow struct {
	ObjectID          int64 `parquet:"object_id"`
	OrderID           int64 `parquet:"order_id"`
	ObjectSize        int64 `parquet:"object_size"`
	StreamRangeCount  int32 `parquet:"stream_range_count"`
	StreamObjectCount int32 `parquet:"stream_object_count"`
	CompactedCount    int32 `parquet:"compacted_count"`
	CommittedAtMs     int64 `parquet:"committed_at_ms"`
}

// AuditLog appends one row per committed CommitStreamSetObjectRequest to a
// Parquet file, giving a structured, queryable trail of every compaction
// commit alongside the human-readable [COMPACT] log line.
type AuditLog struct {
	mu   sync.Mutex
	path string
	rows []auditRow
}

// OpenAuditLog prepares an audit log that accumulates rows in memory and
// flushes them to path on every Append call (the log is expected to be
// small relative to a compaction run's lifetime; there is no background
// flush timer).
func OpenAuditLog(path string) *AuditLog {
	return &AuditLog{path: path}
}

// nowMsFn is overridable so tests can supply a deterministic commit time.
var nowMsFn = func() int64 { return time.Now().UnixMilli() }

// Append records req and rewrites the backing Parquet file.
func (a *AuditLog) Append(req *CommitStreamSetObjectRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rows = append(a.rows, auditRow{
		ObjectID:          req.ObjectID,
		OrderID:           req.OrderID,
		ObjectSize:        req.ObjectSize,
		StreamRangeCount:  int32(len(req.StreamRanges)),
		StreamObjectCount: int32(len(req.StreamObjects)),
		CompactedCount:    int32(len(req.CompactedObjectIDs)),
		CommittedAtMs:     nowMsFn(),
	})

	f, err := os.Create(a.path)
	if err != nil {
		return fmt.Errorf("audit log: create %s: %w", a.path, err)
	}
	defer f.Close()

	w := parquet.NewGenericWriter[auditRow](f)
	if _, err := w.Write(a.rows); err != nil {
		return fmt.Errorf("audit log: write rows: %w", err)
	}
	return w.Close()
}
