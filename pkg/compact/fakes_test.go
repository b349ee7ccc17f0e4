package compact

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// fakeStorage is an in-memory ObjectStorage: a flat key/value store keyed by
// the same objectKey format the real S3Storage uses, backing every test in
// this package that needs a runnable ObjectStorage without a network call.
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) set(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeStorage) RangeRead(ctx context.Context, bucket, key string, start, end int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("fakeStorage: no such object %q", key)
	}
	if start < 0 || end > int64(len(data)) || start > end {
		return nil, fmt.Errorf("fakeStorage: range [%d,%d) out of bounds for object %q (len %d)", start, end, key, len(data))
	}
	out := make([]byte, end-start)
	copy(out, data[start:end])
	return out, nil
}

func (f *fakeStorage) Size(ctx context.Context, bucket, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return 0, fmt.Errorf("fakeStorage: no such object %q", key)
	}
	return int64(len(data)), nil
}

func (f *fakeStorage) Put(ctx context.Context, bucket, key string, data []byte) error {
	cp := append([]byte(nil), data...)
	f.set(key, cp)
	return nil
}

func (f *fakeStorage) NewMultipartWriter(ctx context.Context, bucket, key string, partSize int64) (MultipartWriter, error) {
	return &fakeMultipartWriter{storage: f, key: key}, nil
}

// fakeMultipartWriter accumulates parts in memory, committing them to the
// backing fakeStorage only on Close.
type fakeMultipartWriter struct {
	storage *fakeStorage
	key     string
	buf     []byte
	aborted bool
}

func (w *fakeMultipartWriter) WritePart(ctx context.Context, data []byte) error {
	w.buf = append(w.buf, data...)
	return nil
}

func (w *fakeMultipartWriter) Close(ctx context.Context) (int64, error) {
	w.storage.set(w.key, append([]byte(nil), w.buf...))
	return int64(len(w.buf)), nil
}

func (w *fakeMultipartWriter) Abort(ctx context.Context) error {
	w.aborted = true
	return nil
}

// seedObject packs blocks' physical positions tightly (preserving each
// block's requested byte width, i.e. BlockEndPosition-BlockStartPosition),
// encodes them in the reference block-index wire format, and stores the
// result as the object's entire backing content — matching BlockIndex.Fetch
// and Executor's shared assumption that block payloads live inside the same
// bytes as the index footer. Blocks must stay small enough in aggregate to
// fit the encoded buffer (len(blocks)*40+12 bytes); the helper fails the
// test loudly rather than silently truncating if they don't.
func seedObject(t *testing.T, storage *fakeStorage, objectID int64, blocks []StreamDataBlock, dataTimeMs int64) S3ObjectMetadata {
	t.Helper()

	packed := make([]StreamDataBlock, len(blocks))
	var cursor int64
	for i, b := range blocks {
		size := b.BlockEndPosition - b.BlockStartPosition
		if size <= 0 {
			size = 8
		}
		b.BlockStartPosition = cursor
		b.BlockEndPosition = cursor + size
		b.ObjectID = objectID
		cursor += size
		packed[i] = b
	}

	encoded := EncodeBlockIndex(packed)
	if cursor > int64(len(encoded)) {
		t.Fatalf("seedObject %d: packed block span %d exceeds encoded buffer %d bytes; shrink block sizes or add blocks", objectID, cursor, len(encoded))
	}

	storage.set(objectKey(objectID), encoded)
	copy(blocks, packed)

	return S3ObjectMetadata{
		ObjectID:           objectID,
		ObjectSize:         int64(len(encoded)),
		DataTimeInMs:       dataTimeMs,
		CommittedTimestamp: dataTimeMs,
	}
}

// block builds a StreamDataBlock with the given logical stream span and a
// physical width of physSize bytes (positions are reassigned by seedObject).
func block(streamID, start, end, physSize int64) StreamDataBlock {
	return StreamDataBlock{
		StreamID:           streamID,
		StartOffset:        start,
		EndOffset:          end,
		BlockStartPosition: 0,
		BlockEndPosition:   physSize,
	}
}
