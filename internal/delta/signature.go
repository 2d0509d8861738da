// Package delta implements rsync-style signature/delta/patch operations
// used as an optional pre-chunking stage: a receiver's existing file is
// diffed against an updated sender file so only the changed regions are
// transmitted.
package delta

import (
	"io"

	"github.com/zeebo/blake3"
)

// DefaultBlockSize is used when a caller does not specify one.
const DefaultBlockSize = 64 * 1024

// weakHashModulus is the modulus for the rolling checksum, matching the
// classic rsync weak-hash construction (Tridgell's thesis, §3).
const weakHashModulus = 1 << 16

// BlockSignature is the hash pair for one block of a base file.
type BlockSignature struct {
	BlockIndex int
	Offset     int64
	Length     int
	WeakHash   uint32
	StrongHash [16]byte // truncated cryptographic hash
}

// FileSignature is the ordered set of block signatures for a file.
type FileSignature struct {
	BlockSize      int
	FileSize       int64
	WholeFileHash  [32]byte
	Blocks         []BlockSignature
}

// weakHash computes the rolling checksum components for a window.
func weakHash(data []byte) (sum uint32, a, b uint32) {
	var r1, r2 uint32
	n := uint32(len(data))
	for i, c := range data {
		r1 += uint32(c)
		r2 += (n - uint32(i)) * uint32(c)
	}
	r1 %= weakHashModulus
	r2 %= weakHashModulus
	return r1 + weakHashModulus*r2, r1, r2
}

// rollWeakHash advances the rolling checksum by one byte: out leaves the
// window, in enters it. windowLen is the (constant) window length.
func rollWeakHash(r1, r2 uint32, out, in byte, windowLen uint32) (sum uint32, newR1, newR2 uint32) {
	r1 = (r1 - uint32(out) + uint32(in)) % weakHashModulus
	r2 = (r2 - windowLen*uint32(out) + r1) % weakHashModulus
	return r1 + weakHashModulus*r2, r1, r2
}

// strongHash truncates a BLAKE3 digest to 16 bytes, per the
// specification's FileSignature invariant.
func strongHash(data []byte) [16]byte {
	full := blake3.Sum256(data)
	var out [16]byte
	copy(out[:], full[:16])
	return out
}

// Signature walks r in fixed blocks and emits one BlockSignature per
// block. The final (possibly short) block's weak/strong hash are
// computed over only its actual bytes — Length records that.
func Signature(r io.Reader, blockSize int) (FileSignature, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	hasher := blake3.New()
	tee := io.TeeReader(r, hasher)

	sig := FileSignature{BlockSize: blockSize}
	buf := make([]byte, blockSize)
	var offset int64
	idx := 0
	for {
		n, err := io.ReadFull(tee, buf)
		if n > 0 {
			sum, _, _ := weakHash(buf[:n])
			sig.Blocks = append(sig.Blocks, BlockSignature{
				BlockIndex: idx,
				Offset:     offset,
				Length:     n,
				WeakHash:   sum,
				StrongHash: strongHash(buf[:n]),
			})
			offset += int64(n)
			idx++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return FileSignature{}, err
		}
	}
	sig.FileSize = offset
	var full [32]byte
	copy(full[:], hasher.Sum(nil))
	sig.WholeFileHash = full
	return sig, nil
}
