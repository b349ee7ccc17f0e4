package compact

import (
	"context"
	"time"
)

// ObjectManager is the metadata manager's contract: the candidate object
// list, id reservation, and atomic commit. It is out of scope for this
// module — the real implementation talks to a separate metadata service —
// but every method this package calls on it is declared here.
type ObjectManager interface {
	// GetServerObjects returns every stream-set object this node currently
	// owns and is a candidate for compaction.
	GetServerObjects(ctx context.Context) ([]S3ObjectMetadata, error)

	// PrepareObject reserves count consecutive object ids, valid for
	// ttl before the manager may reclaim them unused, and returns
	// the first id in the reservation.
	PrepareObject(ctx context.Context, count int, ttl time.Duration) (int64, error)

	// CommitStreamSetObject atomically publishes the new object(s)
	// described by req and retires req.CompactedObjectIDs.
	CommitStreamSetObject(ctx context.Context, req *CommitStreamSetObjectRequest) error
}

// StreamManager is the stream-metadata contract: the live trim watermark
// for a set of streams.
type StreamManager interface {
	GetStreams(ctx context.Context, streamIDs []int64) ([]StreamMetadata, error)
}

// ObjectStorage is the object-store driver contract: byte-range reads and
// multipart uploads against a specific bucket. It is out of scope — the
// real backing store is a separate concern — but this package ships a
// production AWS S3 implementation (see s3storage.go) so the pipeline is
// runnable end to end.
type ObjectStorage interface {
	// RangeRead fetches [start, end) of the object at key in bucket.
	RangeRead(ctx context.Context, bucket, key string, start, end int64) ([]byte, error)

	// Size returns the total size of the object at key in bucket.
	Size(ctx context.Context, bucket, key string) (int64, error)

	// NewMultipartWriter begins a chunked upload to key in bucket with the
	// given part size.
	NewMultipartWriter(ctx context.Context, bucket, key string, partSize int64) (MultipartWriter, error)

	// Put uploads the entirety of data to key in bucket in one call,
	// suitable for small stream objects that don't warrant multipart.
	Put(ctx context.Context, bucket, key string, data []byte) error
}

// MultipartWriter is a single in-progress multipart upload. Parts must be
// written in increasing order; Close finalizes the upload and returns the
// number of bytes written.
type MultipartWriter interface {
	WritePart(ctx context.Context, data []byte) error
	Close(ctx context.Context) (int64, error)
	Abort(ctx context.Context) error
}
