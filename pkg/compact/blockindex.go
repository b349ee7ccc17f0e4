package compact

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentIndexFetches bounds how many objects' index footers are
// fetched at once, the same fixed-fanout pattern the teacher uses for
// concurrent S3 downloads in pkg/s3fetch/fetcher.go.
const maxConcurrentIndexFetches = 16

// BlockIndex fetches the block-index footer of every candidate object,
// bounded by a worker limit, and fails the whole run if any block cannot
// possibly be loaded within the configured read budget.
type BlockIndex struct {
	storage           ObjectStorage
	bucket            string
	compactionCacheSz int64
}

// NewBlockIndex builds a BlockIndex reading from bucket via storage, using
// cacheSize as the per-block size ceiling (spec.md's compactionCacheSize).
func NewBlockIndex(storage ObjectStorage, bucket string, cacheSize int64) *BlockIndex {
	return &BlockIndex{storage: storage, bucket: bucket, compactionCacheSz: cacheSize}
}

// Fetch reads objects' index footers concurrently and returns the per-object
// block list map. Returns ErrBlockTooLargeForCache immediately (without
// waiting for other in-flight fetches' results to matter) if any block's
// byte span exceeds the cache size: such a block can never be loaded within
// one plan, so compaction is structurally impossible until the wire layout
// changes upstream.
func (bi *BlockIndex) Fetch(ctx context.Context, objects []S3ObjectMetadata) (map[int64][]StreamDataBlock, error) {
	var mu sync.Mutex
	out := make(map[int64][]StreamDataBlock, len(objects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentIndexFetches)

	for _, obj := range objects {
		obj := obj
		g.Go(func() error {
			raw, err := bi.storage.RangeRead(gctx, bi.bucket, objectKey(obj.ObjectID), 0, obj.ObjectSize)
			if err != nil {
				return fmt.Errorf("%w: object %d: %v", ErrReadFailure, obj.ObjectID, err)
			}
			blocks, err := DecodeBlockIndex(obj.ObjectID, raw)
			if err != nil {
				return err
			}
			for _, b := range blocks {
				if b.BlockSize() > bi.compactionCacheSz {
					return fmt.Errorf("%w: object %d stream %d block [%d,%d) size %d > cache size %d",
						ErrBlockTooLargeForCache, obj.ObjectID, b.StreamID, b.StartOffset, b.EndOffset, b.BlockSize(), bi.compactionCacheSz)
				}
			}
			mu.Lock()
			out[obj.ObjectID] = blocks
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// objectKey derives the storage key for a stream-set or stream object id.
func objectKey(objectID int64) string {
	return fmt.Sprintf("%d", objectID)
}
