package chunker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/Sher110106/resilient-transfer/internal/compress"
	"github.com/Sher110106/resilient-transfer/internal/fec"
)

// ParitySource supplies the parity-shard count for each stripe as it is
// built. *fec.AdaptivePolicy satisfies this; a fixed count can be used
// via FixedParity.
type ParitySource interface {
	ParityForStripe() int
	NextStripe() int
}

// FixedParity is a ParitySource that never adapts.
type FixedParity int

func (f FixedParity) ParityForStripe() int { return int(f) }
func (f FixedParity) NextStripe() int      { return int(f) }

// Split reads filePath and produces its FileManifest, the stripe layout
// used, and the ordered list of chunks (data shards followed by parity
// shards, per stripe, in stripe order). Only the final block of the
// final stripe is ever zero-padded, and only up to chunkSize bytes —
// every other block carries exactly chunkSize real bytes.
func Split(filePath string, opts Options, parity ParitySource) (FileManifest, []StripeLayout, []Chunk, error) {
	if opts.ChunkSize <= 0 || opts.DataShards <= 0 {
		return FileManifest{}, nil, nil, ErrInvalidConfig
	}

	f, err := os.Open(filePath)
	if err != nil {
		return FileManifest{}, nil, nil, fmt.Errorf("chunker: open %s: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileManifest{}, nil, nil, fmt.Errorf("chunker: stat %s: %w", filePath, err)
	}
	totalBytes := info.Size()

	fileID := uuid.NewString()
	now := time.Now()
	wholeHasher := blake3.New()

	var chunks []Chunk
	var stripes []StripeLayout
	seq := 0

	if totalBytes == 0 {
		// Empty-file boundary case: one synthetic stripe of DataShards
		// all-zero blocks, so total_chunks = data_shards + parity_chunks.
		k := opts.DataShards
		r := parity.ParityForStripe()
		dataBlocks := make([][]byte, k)
		compressedFlags := make([]bool, k)
		for i := range dataBlocks {
			dataBlocks[i] = make([]byte, opts.ChunkSize)
			if opts.Compress {
				if packed, ok := compressBlock(dataBlocks[i], opts.ChunkSize); ok {
					dataBlocks[i] = packed
					compressedFlags[i] = true
				}
			}
		}
		stripeChunks, err := encodeStripe(dataBlocks, compressedFlags, r, fileID, 0, opts.Priority, &seq)
		if err != nil {
			return FileManifest{}, nil, nil, err
		}
		chunks = append(chunks, stripeChunks...)
		stripes = append(stripes, StripeLayout{StripeIndex: 0, DataShards: k, ParityShards: r})
	} else {
		blocks, err := NewChunker(f, opts.ChunkSize)
		if err != nil {
			return FileManifest{}, nil, nil, err
		}
		dataBlocksTotal := (totalBytes + int64(opts.ChunkSize) - 1) / int64(opts.ChunkSize)
		remaining := dataBlocksTotal
		stripeIdx := 0
		for remaining > 0 {
			k := opts.DataShards
			if int64(k) > remaining {
				k = int(remaining)
			}
			dataBlocks := make([][]byte, k)
			compressedFlags := make([]bool, k)
			for i := 0; i < k; i++ {
				buf, n, rerr := blocks.Next()
				if rerr != nil && rerr != io.EOF {
					return FileManifest{}, nil, nil, fmt.Errorf("chunker: read %s: %w", filePath, rerr)
				}
				wholeHasher.Write(buf[:n])
				// buf is already zero beyond n, which is the only
				// padding this engine ever performs.
				dataBlocks[i] = buf
				if opts.Compress {
					if packed, ok := compressBlock(buf, opts.ChunkSize); ok {
						dataBlocks[i] = packed
						compressedFlags[i] = true
					}
				}
			}

			r := parity.ParityForStripe()
			stripeChunks, err := encodeStripe(dataBlocks, compressedFlags, r, fileID, stripeIdx, opts.Priority, &seq)
			if err != nil {
				return FileManifest{}, nil, nil, err
			}
			chunks = append(chunks, stripeChunks...)
			stripes = append(stripes, StripeLayout{StripeIndex: stripeIdx, DataShards: k, ParityShards: r})

			remaining -= int64(k)
			stripeIdx++
			parity.NextStripe()
		}
	}

	var checksums [][32]byte
	for _, c := range chunks {
		checksums = append(checksums, c.Metadata.Checksum)
	}

	dataChunks, parityChunks := 0, 0
	for _, s := range stripes {
		dataChunks += s.DataShards
		parityChunks += s.ParityShards
	}

	manifest := FileManifest{
		FileID:       fileID,
		Filename:     filepath.Base(filePath),
		TotalBytes:   totalBytes,
		ChunkSize:    opts.ChunkSize,
		TotalChunks:  dataChunks + parityChunks,
		DataChunks:   dataChunks,
		ParityChunks: parityChunks,
		Priority:     opts.Priority,
		Compress:     opts.Compress,
		CreatedAt:    now,
		MerkleRoot:   ComputeMerkleRoot(checksums),
	}
	copy(manifest.WholeFileChecksum[:], wholeHasher.Sum(nil))

	return manifest, stripes, chunks, nil
}

// encodeStripe Reed-Solomon encodes one stripe's data blocks and
// returns the data-then-parity chunks for it, with sequence numbers
// assigned from *seq (advanced in place). compressedFlags[i] records
// whether dataBlocks[i] is an LZ4-compressed, zero-padded frame rather
// than raw bytes; parity shards are derived from whatever bytes the
// data blocks carry and are never individually marked compressed.
func encodeStripe(dataBlocks [][]byte, compressedFlags []bool, parityShards int, fileID string, stripeIdx int, prio Priority, seq *int) ([]Chunk, error) {
	k := len(dataBlocks)
	encoder, err := fec.NewEncoder(k, parityShards)
	if err != nil {
		return nil, fmt.Errorf("chunker: stripe %d: %w", stripeIdx, err)
	}
	parityBlocks, err := encoder.Encode(dataBlocks)
	if err != nil {
		return nil, fmt.Errorf("chunker: stripe %d encode: %w", stripeIdx, err)
	}

	out := make([]Chunk, 0, k+len(parityBlocks))
	for i, b := range dataBlocks {
		out = append(out, newChunk(fileID, *seq, b, false, prio, compressedFlags[i]))
		*seq++
	}
	for _, b := range parityBlocks {
		out = append(out, newChunk(fileID, *seq, b, true, prio, false))
		*seq++
	}
	return out, nil
}

// compressBlock LZ4-compresses a full chunkSize block and zero-pads the
// result back to chunkSize so it can still serve as a fixed-width FEC
// shard. ok is false (caller keeps the original block) when compression
// errors or the result doesn't fit within chunkSize, e.g. already-
// compressed or high-entropy payloads LZ4 cannot shrink.
func compressBlock(block []byte, chunkSize int) (packed []byte, ok bool) {
	out, err := compress.Compress(block)
	if err != nil || len(out) > chunkSize {
		return nil, false
	}
	packed = make([]byte, chunkSize)
	copy(packed, out)
	return packed, true
}

// decompressShard reverses compressBlock when enabled is set (i.e. the
// manifest says this transfer is compressed). A self-delimiting LZ4
// frame decodes back to exactly chunkSize bytes whether the shard
// arrived over the wire or was rebuilt from parity, so every data shard
// is handled identically; a shard that doesn't decode as a frame of the
// expected length was stored raw by the Split-time fallback and is
// returned as-is.
func decompressShard(block []byte, chunkSize int, enabled bool) []byte {
	if !enabled {
		return block
	}
	dec, err := compress.Decompress(block)
	if err != nil || len(dec) != chunkSize {
		return block
	}
	return dec
}

func newChunk(fileID string, seq int, payload []byte, isParity bool, prio Priority, compressed bool) Chunk {
	sum := blake3.Sum256(payload)
	return Chunk{
		Metadata: ChunkMetadata{
			ChunkID:        fmt.Sprintf("%s-%06d", fileID, seq),
			FileID:         fileID,
			SequenceNumber: seq,
			PayloadSize:    len(payload),
			Checksum:       sum,
			IsParity:       isParity,
			Priority:       prio,
			Compressed:     compressed,
			CreatedAt:      time.Now(),
		},
		Payload: payload,
	}
}

// ReconstructStripe rebuilds a single stripe's data shards from the
// given chunks (sequence numbers relative to seqOffset) and writes them
// into destPath at byteOffset, truncating the final block's zero
// padding against manifest.TotalBytes. It is the incremental counterpart
// to Reconstruct, used by a receiver that reconstructs each stripe as
// soon as enough of its shards have arrived rather than waiting for the
// whole file.
func ReconstructStripe(destPath string, manifest FileManifest, layout StripeLayout, chunks []Chunk, seqOffset int, byteOffset int64) error {
	total := layout.DataShards + layout.ParityShards
	shards := make([][]byte, total)
	have := 0
	for _, c := range chunks {
		idx := c.Metadata.SequenceNumber - seqOffset
		if idx < 0 || idx >= total {
			continue
		}
		shards[idx] = c.Payload
		have++
	}
	if have < layout.DataShards {
		return &ErrInsufficientChunks{Need: layout.DataShards, Have: have}
	}

	decoder, err := fec.NewDecoder(layout.DataShards, layout.ParityShards)
	if err != nil {
		return fmt.Errorf("chunker: stripe %d: %w", layout.StripeIndex, err)
	}
	if err := decoder.Reconstruct(shards); err != nil {
		return fmt.Errorf("chunker: stripe %d reconstruct: %w", layout.StripeIndex, err)
	}

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("chunker: open %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := out.Seek(byteOffset, io.SeekStart); err != nil {
		return fmt.Errorf("chunker: seek %s: %w", destPath, err)
	}

	offset := byteOffset
	for i := 0; i < layout.DataShards; i++ {
		block := decompressShard(shards[i], manifest.ChunkSize, manifest.Compress)
		remaining := manifest.TotalBytes - offset
		n := int64(len(block))
		if n > remaining {
			n = remaining
		}
		if n < 0 {
			n = 0
		}
		if _, err := out.Write(block[:n]); err != nil {
			return fmt.Errorf("chunker: write %s: %w", destPath, err)
		}
		offset += n
	}
	return nil
}

// Reconstruct rebuilds the original file at destPath from the given
// chunks (which may be missing up to each stripe's parity count) using
// the manifest and stripe layout produced by Split.
func Reconstruct(manifest FileManifest, stripes []StripeLayout, chunks []Chunk, destPath string) error {
	bySeq := make(map[int]Chunk, len(chunks))
	for _, c := range chunks {
		bySeq[c.Metadata.SequenceNumber] = c
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("chunker: create %s: %w", destPath, err)
	}
	defer out.Close()

	wholeHasher := blake3.New()
	seq := 0
	var written int64

	for _, stripe := range stripes {
		total := stripe.DataShards + stripe.ParityShards
		shards := make([][]byte, total)
		have := 0
		for i := 0; i < total; i++ {
			if c, ok := bySeq[seq+i]; ok {
				shards[i] = c.Payload
				have++
			}
		}
		if have < stripe.DataShards {
			return &ErrInsufficientChunks{Need: stripe.DataShards, Have: have}
		}

		decoder, err := fec.NewDecoder(stripe.DataShards, stripe.ParityShards)
		if err != nil {
			return fmt.Errorf("chunker: stripe %d: %w", stripe.StripeIndex, err)
		}
		if err := decoder.Reconstruct(shards); err != nil {
			return fmt.Errorf("chunker: stripe %d reconstruct: %w", stripe.StripeIndex, err)
		}

		for i := 0; i < stripe.DataShards; i++ {
			block := decompressShard(shards[i], manifest.ChunkSize, manifest.Compress)
			remaining := manifest.TotalBytes - written
			n := int64(len(block))
			if n > remaining {
				n = remaining
			}
			if n < 0 {
				n = 0
			}
			if _, err := out.Write(block[:n]); err != nil {
				return fmt.Errorf("chunker: write %s: %w", destPath, err)
			}
			wholeHasher.Write(block[:n])
			written += n
		}
		seq += total
	}

	var got [32]byte
	copy(got[:], wholeHasher.Sum(nil))
	if manifest.TotalBytes > 0 && got != manifest.WholeFileChecksum {
		return ErrCorrupt
	}
	return nil
}
