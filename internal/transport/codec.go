// Package transport moves signed chunks over QUIC streams: one
// unidirectional stream per chunk, a compact binary frame, and peer
// identities bound to TLS client certificates.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zeebo/blake3"

	"github.com/warpgrid/warpgrid/internal/types"
)

var (
	// ErrChunkTooLarge is returned when a frame's payload exceeds the
	// receiver's configured cap.
	ErrChunkTooLarge = errors.New("chunk exceeds maximum size")

	// ErrFrameCorrupt is returned for structurally invalid frames.
	ErrFrameCorrupt = errors.New("corrupt chunk frame")
)

// Frame layout:
//
//	id u64le | sequence u64le | source u64le | unix_nanos i64le |
//	flags u8 | fec_group u64le (when flagged) |
//	signature [64] | payload_len u32le | payload
const (
	flagHasFecGroup = 1 << 0

	fixedHeaderSize = 8 + 8 + 8 + 8 + 1
)

// EncodeChunk serializes a chunk into its wire frame.
func EncodeChunk(chunk *types.ChunkData) []byte {
	size := fixedHeaderSize + types.SignatureSize + 4 + len(chunk.Data)
	if chunk.HasFecGroup {
		size += 8
	}
	buf := make([]byte, 0, size)

	var u64 [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(u64[:], v)
		buf = append(buf, u64[:]...)
	}

	put(uint64(chunk.ID))
	put(chunk.Sequence)
	put(uint64(chunk.SourcePeer))
	put(uint64(chunk.Timestamp.UnixNano()))

	flags := byte(0)
	if chunk.HasFecGroup {
		flags |= flagHasFecGroup
	}
	buf = append(buf, flags)
	if chunk.HasFecGroup {
		put(uint64(chunk.FecGroup))
	}

	buf = append(buf, chunk.Signature[:]...)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(chunk.Data)))
	buf = append(buf, u32[:]...)
	buf = append(buf, chunk.Data...)

	return buf
}

// DecodeChunk reads one frame from r, capping the payload at
// maxChunkSize bytes.
func DecodeChunk(r io.Reader, maxChunkSize int) (*types.ChunkData, error) {
	var header [fixedHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("%w: header read: %v", ErrFrameCorrupt, err)
	}

	chunk := &types.ChunkData{
		ID:         types.ChunkID(binary.LittleEndian.Uint64(header[0:])),
		Sequence:   binary.LittleEndian.Uint64(header[8:]),
		SourcePeer: types.PeerID(binary.LittleEndian.Uint64(header[16:])),
		Timestamp:  time.Unix(0, int64(binary.LittleEndian.Uint64(header[24:]))),
	}

	flags := header[32]
	if flags&flagHasFecGroup != 0 {
		var group [8]byte
		if _, err := io.ReadFull(r, group[:]); err != nil {
			return nil, fmt.Errorf("%w: fec group read: %v", ErrFrameCorrupt, err)
		}
		chunk.FecGroup = types.FecGroupID(binary.LittleEndian.Uint64(group[:]))
		chunk.HasFecGroup = true
	}

	if _, err := io.ReadFull(r, chunk.Signature[:]); err != nil {
		return nil, fmt.Errorf("%w: signature read: %v", ErrFrameCorrupt, err)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: length read: %v", ErrFrameCorrupt, err)
	}
	payloadLen := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if payloadLen > maxChunkSize {
		return nil, fmt.Errorf("%w: %d bytes, cap %d", ErrChunkTooLarge, payloadLen, maxChunkSize)
	}

	chunk.Data = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, chunk.Data); err != nil {
		return nil, fmt.Errorf("%w: payload read: %v", ErrFrameCorrupt, err)
	}
	return chunk, nil
}

// ChunkIDFor derives a chunk id from the blake3 hash of its payload:
// the first 8 bytes, little-endian.
func ChunkIDFor(payload []byte) types.ChunkID {
	sum := blake3.Sum256(payload)
	return types.ChunkID(binary.LittleEndian.Uint64(sum[:8]))
}
