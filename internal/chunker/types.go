// Package chunker implements the chunk engine: splitting a file into
// Reed-Solomon protected chunks, reconstructing a file from a subset of
// those chunks, and the manifest/merkle bookkeeping around both.
package chunker

import (
	"errors"
	"time"
)

// Priority mirrors the three transport scheduling classes a chunk can
// be tagged with; the chunk engine itself does not interpret these, it
// only carries the value through from the manifest.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	default:
		return "NORMAL"
	}
}

// ChunkMetadata is the self-describing header carried alongside every
// chunk payload, both in memory and on the wire.
type ChunkMetadata struct {
	ChunkID        string
	FileID         string
	SequenceNumber int
	TotalChunks    int
	PayloadSize    int
	Checksum       [32]byte
	IsParity       bool
	Priority       Priority
	Compressed     bool
	CreatedAt      time.Time
}

// Chunk is an immutable (metadata, payload) pair.
type Chunk struct {
	Metadata ChunkMetadata
	Payload  []byte
}

// FileManifest describes a split file.
type FileManifest struct {
	FileID            string
	Filename          string
	TotalBytes        int64
	ChunkSize         int
	TotalChunks       int
	DataChunks        int
	ParityChunks      int
	Priority          Priority
	Compress          bool
	WholeFileChecksum [32]byte
	MerkleRoot        [32]byte
	CreatedAt         time.Time
}

// Errors surfaced by the chunk engine, per the taxonomy in §4.1/§7 of
// the specification this package implements.
var (
	ErrCorrupt            = errors.New("chunk data corrupt")
	ErrSizeMismatch       = errors.New("chunk size mismatch")
	ErrInvalidConfig      = errors.New("invalid chunk engine configuration")
)

// ErrInsufficientChunks is returned when reconstruction is attempted
// with fewer distinct chunks than the manifest's data-shard count.
type ErrInsufficientChunks struct {
	Need int
	Have int
}

func (e *ErrInsufficientChunks) Error() string {
	return "insufficient chunks for reconstruction"
}

// Options configures a Split/Reconstruct run.
type Options struct {
	ChunkSize  int // bytes per data shard
	DataShards int // fixed shards per stripe
	Priority   Priority
	// Compress LZ4-compresses each data block before Reed-Solomon
	// encoding it, zero-padding the result back to ChunkSize so it
	// still serves as a fixed-width FEC shard. A block that doesn't
	// compress (or whose compressed form doesn't fit in ChunkSize) is
	// stored raw automatically; Reconstruct handles both uniformly.
	Compress bool
}

// DefaultOptions matches the specification's defaults: 512 KiB shards,
// 50 data shards per stripe.
func DefaultOptions() Options {
	return Options{
		ChunkSize:  512 * 1024,
		DataShards: 50,
		Priority:   PriorityNormal,
	}
}
