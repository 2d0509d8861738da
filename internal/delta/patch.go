package delta

import (
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// ErrCorrupt is returned by ApplyPatch when the reconstructed bytes'
// whole-file hash does not match patch.TargetWholeHash — the size came
// out right but the content didn't, so the base file used to satisfy
// Copy instructions must be stale or corrupted.
var ErrCorrupt = errors.New("delta: reconstructed content does not match target hash")

// Apply reconstructs the target file by writing instructions to dst,
// copying block-reference bytes from base (which must support seeking
// to satisfy out-of-order or overlapping Copy instructions).
func Apply(dst io.Writer, base io.ReadSeeker, instructions []Instruction) error {
	for _, ins := range instructions {
		if err := applyOne(dst, base, ins); err != nil {
			return err
		}
	}
	return nil
}

// ApplyPatch is a convenience wrapper over Apply for a buffered
// DeltaPatch. It verifies both the reconstructed size against
// TargetSize and the reconstructed content's BLAKE3 hash against
// TargetWholeHash, returning ErrCorrupt on a hash mismatch.
func ApplyPatch(dst io.Writer, base io.ReadSeeker, patch DeltaPatch) error {
	hasher := blake3.New()
	tee := io.MultiWriter(dst, hasher)

	var written int64
	for _, ins := range patch.Instructions {
		if err := applyOne(tee, base, ins); err != nil {
			return err
		}
		if ins.IsInsert() {
			written += int64(len(ins.Literal))
		} else {
			written += ins.Length
		}
	}
	if written != patch.TargetSize {
		return fmt.Errorf("delta: reconstructed %d bytes, expected %d", written, patch.TargetSize)
	}

	var got [32]byte
	copy(got[:], hasher.Sum(nil))
	if got != patch.TargetWholeHash {
		return ErrCorrupt
	}
	return nil
}

func applyOne(dst io.Writer, base io.ReadSeeker, ins Instruction) error {
	if ins.IsInsert() {
		_, err := dst.Write(ins.Literal)
		return err
	}
	if _, err := base.Seek(ins.SourceOffset, io.SeekStart); err != nil {
		return fmt.Errorf("delta: seek base to %d: %w", ins.SourceOffset, err)
	}
	if _, err := io.CopyN(dst, base, ins.Length); err != nil {
		return fmt.Errorf("delta: copy %d bytes from base offset %d: %w", ins.Length, ins.SourceOffset, err)
	}
	return nil
}
