package transport

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

// Each chunk travels on its own QUIC stream as a fixed-size header
// followed immediately by the payload. The header carries enough to
// place the chunk without consulting the manifest first. It carries no
// payload checksum: the receiver computes the payload's BLAKE3 checksum
// but has no per-chunk value to compare it with, and integrity is
// checked once, over the whole file.
const (
	ChunkMagic      uint32 = 0x52535446 // "RSTF"
	ChunkVersion    uint8  = 1
	ChunkHeaderSize        = 32 // magic4 + version1 + flags1 + reserved2 + sessionID16 + seq4 + payloadLen4
)

// FlagCompressed marks a chunk whose payload left the sender as an
// LZ4-compressed, zero-padded FEC shard (chunker.ChunkMetadata.Compressed).
// It is informational for the receiver: actual decompression is driven
// by the transfer manifest's Compress flag, which also covers shards
// that never cross the wire and are rebuilt from parity instead.
const FlagCompressed uint8 = 0x01

var (
	ErrInvalidMagic   = errors.New("transport: invalid chunk magic")
	ErrInvalidVersion = errors.New("transport: unsupported chunk wire version")
)

// encodeChunkHeader builds the fixed-size header for one chunk frame.
func encodeChunkHeader(sessionID uuid.UUID, seq int, payloadLen int, flags uint8) []byte {
	header := make([]byte, ChunkHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], ChunkMagic)
	header[4] = ChunkVersion
	header[5] = flags
	copy(header[8:24], sessionID[:])
	binary.BigEndian.PutUint32(header[24:28], uint32(seq))
	binary.BigEndian.PutUint32(header[28:32], uint32(payloadLen))
	return header
}

// decodeChunkHeader parses a header produced by encodeChunkHeader and
// verifies it belongs to sessionID.
func decodeChunkHeader(header []byte, sessionID uuid.UUID) (seq int, payloadLen int, flags uint8, err error) {
	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != ChunkMagic {
		return 0, 0, 0, ErrInvalidMagic
	}
	if header[4] != ChunkVersion {
		return 0, 0, 0, ErrInvalidVersion
	}
	flags = header[5]
	var got uuid.UUID
	copy(got[:], header[8:24])
	if got != sessionID {
		return 0, 0, 0, errors.New("transport: session ID mismatch on chunk stream")
	}
	seq = int(binary.BigEndian.Uint32(header[24:28]))
	payloadLen = int(binary.BigEndian.Uint32(header[28:32]))
	return seq, payloadLen, flags, nil
}
