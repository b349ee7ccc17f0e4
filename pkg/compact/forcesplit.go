package compact

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ForceSplitObject force-splits one source object into independent stream
// objects: every contiguous per-stream run becomes its own output. Runs are
// batched so that no single read exceeds compactionCacheSize; if even one
// run cannot fit alone, that object is skipped (per-object isolation:
// spec.md §4.5.3/§7).
func ForceSplitObject(ctx context.Context, log zerolog.Logger, objectID int64, blocks []StreamDataBlock, om ObjectManager, storage ObjectStorage, bucket string, uploader *Uploader, throttle *Throttle, compactionCacheSize, maxBatchBytes int64) ([]StreamObject, error) {
	byStream := groupByStream(map[int64][]StreamDataBlock{objectID: blocks})
	var allRuns []streamRun
	var runStreamID []int64
	streamIDs := sortedKeys(byStream)
	for _, sid := range streamIDs {
		for _, run := range buildRuns(sid, byStream[sid]) {
			if run.size > compactionCacheSize {
				return nil, fmt.Errorf("%w: object %d stream %d run size %d exceeds cache size %d, unsplittable",
					ErrBlockTooLargeForCache, objectID, sid, run.size, compactionCacheSize)
			}
			allRuns = append(allRuns, run)
			runStreamID = append(runStreamID, sid)
		}
	}
	if len(allRuns) == 0 {
		return nil, nil
	}

	var results []StreamObject

	batchStart := 0
	for batchStart < len(allRuns) {
		batchEnd := batchStart
		var batchSize int64
		for batchEnd < len(allRuns) {
			next := batchSize + allRuns[batchEnd].size
			if batchEnd > batchStart && next > compactionCacheSize {
				break
			}
			batchSize = next
			batchEnd++
		}

		batch := allRuns[batchStart:batchEnd]
		batchStreamIDs := runStreamID[batchStart:batchEnd]

		firstID, err := om.PrepareObject(ctx, len(batch), S3ObjectTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: prepare %d object ids: %v", ErrWriteFailure, len(batch), err)
		}

		if err := throttle.WaitN(ctx, int(batchSize)); err != nil {
			return nil, fmt.Errorf("%w: throttle wait: %v", ErrCancelled, err)
		}

		g, gctx := errgroup.WithContext(ctx)
		objIDs := make([]int64, len(batch))
		for i := range batch {
			objIDs[i] = firstID + int64(i)
		}

		var resultsMu sync.Mutex
		for i, run := range batch {
			run, sid, newObjectID := run, batchStreamIDs[i], objIDs[i]
			g.Go(func() error {
				if err := readBlockPayloads(gctx, storage, bucket, run.blocks, maxBatchBytes); err != nil {
					return err
				}
				size, err := uploader.WriteStreamObject(gctx, newObjectID, run.blocks)
				if err != nil {
					return fmt.Errorf("%w: write stream object %d: %v", ErrWriteFailure, newObjectID, err)
				}
				obj := StreamObject{
					ObjectID:    newObjectID,
					StreamID:    sid,
					StartOffset: run.blocks[0].StartOffset,
					EndOffset:   run.blocks[len(run.blocks)-1].EndOffset,
					ObjectSize:  size,
				}
				resultsMu.Lock()
				results = append(results, obj)
				resultsMu.Unlock()
				log.Debug().Int64("object_id", newObjectID).Int64("stream_id", sid).Msg("force split stream object written")
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			releaseAll(batch)
			return nil, err
		}

		batchStart = batchEnd
	}

	return results, nil
}

func sortedKeys(m map[int64][]StreamDataBlock) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func releaseAll(runs []streamRun) {
	for _, run := range runs {
		for _, b := range run.blocks {
			b.Release()
		}
	}
}
