package compact

import (
	"context"
	"fmt"
)

// Uploader writes compaction output: a single chained stream-set object
// built from successive COMPACT contributions, and independent stream
// objects for SPLIT runs. COMPACT writes are strictly chained — each part
// is appended only after the previous one completes — so the byte layout on
// disk matches the planner's intended order; SPLIT writes have no such
// constraint and may run concurrently.
type Uploader struct {
	storage   ObjectStorage
	bucket    string
	bucketID  int16
	partSize  int64
	streamSet MultipartWriter
	objectID  int64
	size      int64

	// splitWriters holds the in-progress multipart uploads for SPLIT runs
	// too large to fit in one plan, keyed by the planner's SplitGroup id.
	splitWriters map[int64]MultipartWriter
}

// NewUploader prepares an uploader writing to bucket (tagged with the
// numeric id bucketID on every object it produces).
func NewUploader(storage ObjectStorage, bucket string, bucketID int16, partSize int64) *Uploader {
	return &Uploader{storage: storage, bucket: bucket, bucketID: bucketID, partSize: partSize}
}

// BucketID returns the numeric id of the bucket this uploader writes to,
// the value a commit request tags its freshly written objects with.
func (u *Uploader) BucketID() int16 {
	return u.bucketID
}

// ChainWriteStreamSetObject appends one COMPACT contribution's bytes to the
// merged stream-set object, opening the multipart upload lazily on first
// use. Callers must serialize calls to this method per run: the contract is
// "each write starts only after its predecessor finishes".
func (u *Uploader) ChainWriteStreamSetObject(ctx context.Context, objectID int64, blocks []StreamDataBlock) error {
	if u.streamSet == nil {
		w, err := u.storage.NewMultipartWriter(ctx, u.bucket, objectKey(objectID), u.partSize)
		if err != nil {
			return fmt.Errorf("%w: open stream-set multipart upload: %v", ErrWriteFailure, err)
		}
		u.streamSet = w
		u.objectID = objectID
	}
	for _, b := range blocks {
		if b.Buffer() == nil {
			return fmt.Errorf("%w: block %s has no payload", ErrWriteFailure, b.String())
		}
		if err := u.streamSet.WritePart(ctx, b.Buffer().Bytes()); err != nil {
			return fmt.Errorf("%w: write stream-set part: %v", ErrWriteFailure, err)
		}
		b.Release()
	}
	return nil
}

// Complete finalizes the merged stream-set object and returns its total
// size. A run that admitted no COMPACT contributions returns (0, nil) with
// no object ever opened.
func (u *Uploader) Complete(ctx context.Context) (int64, error) {
	if u.streamSet == nil {
		return 0, nil
	}
	size, err := u.streamSet.Close(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: close stream-set upload: %v", ErrWriteFailure, err)
	}
	u.size = size
	return size, nil
}

// Abort force-flushes and discards the in-progress merged object and any
// open split-group uploads, used when any part of the run fails.
func (u *Uploader) Abort(ctx context.Context) {
	if u.streamSet != nil {
		_ = u.streamSet.Abort(ctx)
		u.streamSet = nil
	}
	for id, w := range u.splitWriters {
		_ = w.Abort(ctx)
		delete(u.splitWriters, id)
	}
}

// ChainWriteSplitObject appends one chunk of a multi-plan SPLIT run to the
// standalone object for splitGroup, opening its multipart upload lazily on
// the group's first chunk. Once final is true, the upload is closed and its
// total size returned with closed=true; until then closed is false and size
// is meaningless. Callers must serialize calls sharing the same splitGroup.
func (u *Uploader) ChainWriteSplitObject(ctx context.Context, splitGroup, objectID int64, blocks []StreamDataBlock, final bool) (size int64, closed bool, err error) {
	w, ok := u.splitWriters[splitGroup]
	if !ok {
		w, err = u.storage.NewMultipartWriter(ctx, u.bucket, objectKey(objectID), u.partSize)
		if err != nil {
			return 0, false, fmt.Errorf("%w: open split multipart upload: %v", ErrWriteFailure, err)
		}
		if u.splitWriters == nil {
			u.splitWriters = make(map[int64]MultipartWriter)
		}
		u.splitWriters[splitGroup] = w
	}
	for _, b := range blocks {
		if b.Buffer() == nil {
			return 0, false, fmt.Errorf("%w: block %s has no payload", ErrWriteFailure, b.String())
		}
		if err := w.WritePart(ctx, b.Buffer().Bytes()); err != nil {
			return 0, false, fmt.Errorf("%w: write split part: %v", ErrWriteFailure, err)
		}
		b.Release()
	}
	if !final {
		return 0, false, nil
	}
	delete(u.splitWriters, splitGroup)
	size, err = w.Close(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("%w: close split upload: %v", ErrWriteFailure, err)
	}
	return size, true, nil
}

// WriteStreamObject uploads one standalone per-stream object in a single
// shot (stream objects are small by construction: streamSplitSize bounds
// them from below and compactionCacheSize from above), returning its size.
func (u *Uploader) WriteStreamObject(ctx context.Context, objectID int64, blocks []StreamDataBlock) (int64, error) {
	var size int64
	data := make([]byte, 0, blockSpan(blocks))
	for _, b := range blocks {
		if b.Buffer() == nil {
			return 0, fmt.Errorf("%w: block %s has no payload", ErrWriteFailure, b.String())
		}
		data = append(data, b.Buffer().Bytes()...)
		size += b.BlockSize()
		b.Release()
	}
	if err := u.storage.Put(ctx, u.bucket, objectKey(objectID), data); err != nil {
		return 0, fmt.Errorf("%w: put stream object %d: %v", ErrWriteFailure, objectID, err)
	}
	return size, nil
}

func blockSpan(blocks []StreamDataBlock) int64 {
	var total int64
	for _, b := range blocks {
		total += b.BlockSize()
	}
	return total
}
