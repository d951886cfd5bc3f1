package badger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/marmos91/dittoblk/pkg/hash"
	"github.com/marmos91/dittoblk/pkg/store/metadata"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// blockRecordXDR is the on-disk layout of a block record.
type blockRecordXDR struct {
	Version        uint32
	Hash           []byte
	Offset         uint64
	Length         uint32
	Size           uint32
	Compression    uint32
	CompressedSize uint32
	RefCount       uint64
	CreatedAt      int64
}

const blockRecordVersion = 1

func encodeBlockRecord(rec metadata.BlockRecord) ([]byte, error) {
	var buf bytes.Buffer
	_, err := xdr.Marshal(&buf, &blockRecordXDR{
		Version:        blockRecordVersion,
		Hash:           rec.Hash[:],
		Offset:         rec.Offset,
		Length:         rec.Length,
		Size:           rec.Size,
		Compression:    uint32(rec.Compression),
		CompressedSize: rec.CompressedSize,
		RefCount:       rec.RefCount,
		CreatedAt:      rec.CreatedAt.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode block record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBlockRecord(data []byte) (metadata.BlockRecord, error) {
	var raw blockRecordXDR
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return metadata.BlockRecord{}, fmt.Errorf("decode block record: %w", err)
	}
	if raw.Version != blockRecordVersion {
		return metadata.BlockRecord{}, fmt.Errorf("unsupported block record version %d", raw.Version)
	}
	if len(raw.Hash) != hash.Size {
		return metadata.BlockRecord{}, fmt.Errorf("block record hash is %d bytes", len(raw.Hash))
	}

	rec := metadata.BlockRecord{
		Offset:         raw.Offset,
		Length:         raw.Length,
		Size:           raw.Size,
		Compression:    uint8(raw.Compression),
		CompressedSize: raw.CompressedSize,
		RefCount:       raw.RefCount,
		CreatedAt:      time.Unix(0, raw.CreatedAt),
	}
	copy(rec.Hash[:], raw.Hash)
	return rec, nil
}

// superblockXDR is the on-disk layout of the volume superblock.
type superblockXDR struct {
	Version       uint32
	ID            string
	BlockSize     uint32
	HashAlgorithm string
	DeviceBlocks  uint64
	CreatedAt     int64
}

const superblockVersion = 1

func encodeSuperblock(sb metadata.Superblock) ([]byte, error) {
	if sb.BlockSize < 0 {
		return nil, fmt.Errorf("encode superblock: negative block size %d", sb.BlockSize)
	}
	var buf bytes.Buffer
	_, err := xdr.Marshal(&buf, &superblockXDR{
		Version:       superblockVersion,
		ID:            sb.ID,
		BlockSize:     uint32(sb.BlockSize),
		HashAlgorithm: sb.HashAlgorithm,
		DeviceBlocks:  sb.DeviceBlocks,
		CreatedAt:     sb.CreatedAt.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode superblock: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSuperblock(data []byte) (metadata.Superblock, error) {
	var raw superblockXDR
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return metadata.Superblock{}, fmt.Errorf("decode superblock: %w", err)
	}
	if raw.Version != superblockVersion {
		return metadata.Superblock{}, fmt.Errorf("unsupported superblock version %d", raw.Version)
	}
	return metadata.Superblock{
		ID:            raw.ID,
		BlockSize:     int(raw.BlockSize),
		HashAlgorithm: raw.HashAlgorithm,
		DeviceBlocks:  raw.DeviceBlocks,
		CreatedAt:     time.Unix(0, raw.CreatedAt).UTC(),
	}, nil
}

func encodeBitmap(words []uint64) []byte {
	buf := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	return buf
}

func decodeBitmap(data []byte) ([]uint64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("bitmap length %d is not a multiple of 8", len(data))
	}
	words := make([]uint64, len(data)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return words, nil
}
