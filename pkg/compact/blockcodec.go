package compact

import (
	"encoding/binary"
	"fmt"
)

// Reference wire format for a stream-set object's block-index footer. Real
// deployments own their own wire format (spec explicitly places it out of
// scope); this codec exists so the pipeline is runnable end to end against
// the fake and S3-backed ObjectStorage implementations alike.
//
// Layout, all integers little-endian:
//
//	[ descriptor 0 ][ descriptor 1 ]...[ descriptor N-1 ][ footer ]
//
// descriptor (40 bytes): streamId(8) startOffset(8) endOffset(8)
// blockStartPosition(8) blockEndPosition(8); the object id is not stored,
// the caller supplies it on decode
// footer (12 bytes): magic(4) = "SSDB", count(4), version(4) = 1

const (
	blockDescriptorSize = 40
	blockFooterSize     = 12
	blockCodecMagic     = uint32(0x53534442) // "SSDB"
	blockCodecVersion   = uint32(1)
)

// EncodeBlockIndex serializes blocks (already belonging to a single object;
// ObjectID is not stored, it is supplied by the caller on decode) into the
// reference footer layout.
func EncodeBlockIndex(blocks []StreamDataBlock) []byte {
	buf := make([]byte, len(blocks)*blockDescriptorSize+blockFooterSize)
	for i, b := range blocks {
		off := i * blockDescriptorSize
		binary.LittleEndian.PutUint64(buf[off:], uint64(b.StreamID))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(b.StartOffset))
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(b.EndOffset))
		binary.LittleEndian.PutUint64(buf[off+24:], uint64(b.BlockStartPosition))
		binary.LittleEndian.PutUint64(buf[off+32:], uint64(b.BlockEndPosition))
	}
	footer := buf[len(blocks)*blockDescriptorSize:]
	binary.LittleEndian.PutUint32(footer, blockCodecMagic)
	binary.LittleEndian.PutUint32(footer[4:], uint32(len(blocks)))
	binary.LittleEndian.PutUint32(footer[8:], blockCodecVersion)
	return buf
}

// DecodeBlockIndex parses the footer layout written by EncodeBlockIndex,
// stamping objectID onto every recovered block.
func DecodeBlockIndex(objectID int64, raw []byte) ([]StreamDataBlock, error) {
	if len(raw) < blockFooterSize {
		return nil, fmt.Errorf("%w: object %d: index footer too short (%d bytes)", ErrReadFailure, objectID, len(raw))
	}
	footer := raw[len(raw)-blockFooterSize:]
	magic := binary.LittleEndian.Uint32(footer)
	count := binary.LittleEndian.Uint32(footer[4:])
	version := binary.LittleEndian.Uint32(footer[8:])
	if magic != blockCodecMagic {
		return nil, fmt.Errorf("%w: object %d: bad index magic %#x", ErrReadFailure, objectID, magic)
	}
	if version != blockCodecVersion {
		return nil, fmt.Errorf("%w: object %d: unsupported index version %d", ErrReadFailure, objectID, version)
	}
	want := int(count)*blockDescriptorSize + blockFooterSize
	if len(raw) != want {
		return nil, fmt.Errorf("%w: object %d: index size %d, expected %d for %d blocks", ErrReadFailure, objectID, len(raw), want, count)
	}

	blocks := make([]StreamDataBlock, count)
	for i := range blocks {
		off := i * blockDescriptorSize
		d := raw[off : off+blockDescriptorSize]
		blocks[i] = StreamDataBlock{
			StreamID:           int64(binary.LittleEndian.Uint64(d)),
			StartOffset:        int64(binary.LittleEndian.Uint64(d[8:])),
			EndOffset:          int64(binary.LittleEndian.Uint64(d[16:])),
			BlockStartPosition: int64(binary.LittleEndian.Uint64(d[24:])),
			BlockEndPosition:   int64(binary.LittleEndian.Uint64(d[32:])),
			ObjectID:           objectID,
		}
	}
	return blocks, nil
}
