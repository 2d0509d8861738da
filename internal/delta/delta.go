package delta

import (
	"bufio"
	"fmt"
	"io"
)

// Instruction is one step of a DeltaPatch: either a Copy, referencing a
// byte range of the base file, or an Insert, carrying literal bytes that
// do not exist (unchanged) in the base file. Exactly one of Literal or
// Length is meaningful; IsCopy/IsInsert tell them apart.
type Instruction struct {
	Literal      []byte
	SourceOffset int64
	Length       int64
}

// IsCopy reports whether this instruction copies from the base file.
func (ins Instruction) IsCopy() bool { return ins.Literal == nil }

// IsInsert reports whether this instruction carries literal bytes.
func (ins Instruction) IsInsert() bool { return ins.Literal != nil }

// DeltaPatch is the full set of instructions needed to transform a base
// file (matching a FileSignature) into a target file.
type DeltaPatch struct {
	TargetSize      int64
	TargetWholeHash [32]byte
	Instructions    []Instruction
}

// InstructionReceiver is called once per instruction as Diff produces
// them, so a sender can stream a patch instead of buffering it whole.
type InstructionReceiver func(Instruction) error

// blockIndex maps a weak hash to the base-file blocks that produced it,
// so Diff can test weak-hash hits against a handful of candidates
// instead of the whole signature.
type blockIndex struct {
	sig   FileSignature
	byWeak map[uint32][]int // weak hash -> indices into sig.Blocks
}

func newBlockIndex(sig FileSignature) *blockIndex {
	idx := &blockIndex{sig: sig, byWeak: make(map[uint32][]int, len(sig.Blocks))}
	for i, b := range sig.Blocks {
		idx.byWeak[b.WeakHash] = append(idx.byWeak[b.WeakHash], i)
	}
	return idx
}

// find returns the matching BlockSignature for a candidate window, if
// any block with that weak hash also matches on strong hash.
func (idx *blockIndex) find(weak uint32, window []byte) (BlockSignature, bool) {
	candidates := idx.byWeak[weak]
	if len(candidates) == 0 {
		return BlockSignature{}, false
	}
	strong := strongHash(window)
	for _, i := range candidates {
		b := idx.sig.Blocks[i]
		if b.Length == len(window) && b.StrongHash == strong {
			return b, true
		}
	}
	return BlockSignature{}, false
}

// Diff compares target against base (described by sig) and streams the
// resulting instructions to receive. Adjacent block matches that are
// contiguous in both the base and the target are coalesced into a
// single Copy, matching the production rsync engines this is modeled
// on.
func Diff(target io.Reader, sig FileSignature, receive InstructionReceiver) error {
	if sig.BlockSize <= 0 {
		return fmt.Errorf("delta: signature has invalid block size")
	}
	idx := newBlockIndex(sig)
	br := bufio.NewReaderSize(target, sig.BlockSize*2)

	var literal []byte
	var pendingCopy *Instruction // coalescing buffer

	flushLiteral := func() error {
		if len(literal) == 0 {
			return nil
		}
		if err := receive(Instruction{Literal: literal}); err != nil {
			return err
		}
		literal = nil
		return nil
	}
	flushCopy := func() error {
		if pendingCopy == nil {
			return nil
		}
		if err := receive(*pendingCopy); err != nil {
			return err
		}
		pendingCopy = nil
		return nil
	}
	emitCopy := func(b BlockSignature) error {
		if err := flushLiteral(); err != nil {
			return err
		}
		if pendingCopy != nil && pendingCopy.SourceOffset+pendingCopy.Length == b.Offset {
			pendingCopy.Length += int64(b.Length)
			return nil
		}
		if err := flushCopy(); err != nil {
			return err
		}
		pendingCopy = &Instruction{SourceOffset: b.Offset, Length: int64(b.Length)}
		return nil
	}
	emitLiteral := func(c byte) error {
		if err := flushCopy(); err != nil {
			return err
		}
		literal = append(literal, c)
		return nil
	}

	window := make([]byte, 0, sig.BlockSize)
	var weak uint32
	var r1, r2 uint32
	haveWindow := false

	refill := func() (byte, bool, error) {
		c, err := br.ReadByte()
		if err == io.EOF {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		return c, true, nil
	}

	for {
		if !haveWindow {
			window = window[:0]
			for len(window) < sig.BlockSize {
				c, ok, err := refill()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				window = append(window, c)
			}
			if len(window) == 0 {
				break
			}
			weak, r1, r2 = weakHash(window)
			haveWindow = true
		}

		if b, ok := idx.find(weak, window); ok {
			if err := emitCopy(b); err != nil {
				return err
			}
			haveWindow = false
			continue
		}

		if len(window) < sig.BlockSize {
			// short trailing window with no match: flush byte by byte
			for _, c := range window {
				if err := emitLiteral(c); err != nil {
					return err
				}
			}
			haveWindow = false
			continue
		}

		if err := emitLiteral(window[0]); err != nil {
			return err
		}
		c, ok, err := refill()
		if err != nil {
			return err
		}
		if !ok {
			window = window[1:]
			haveWindow = len(window) > 0
			if !haveWindow {
				break
			}
			weak, _, _ = weakHash(window)
			continue
		}
		out := window[0]
		window = append(window[1:], c)
		weak, r1, r2 = rollWeakHash(r1, r2, out, c, uint32(sig.BlockSize))
	}

	if err := flushCopy(); err != nil {
		return err
	}
	return flushLiteral()
}

// DiffToPatch runs Diff and buffers the result into a DeltaPatch. Used
// where the full patch must be buffered (persistence, small files);
// Diff itself should be preferred for streaming over the wire.
func DiffToPatch(target io.Reader, sig FileSignature, targetSize int64, targetWholeHash [32]byte) (DeltaPatch, error) {
	patch := DeltaPatch{TargetSize: targetSize, TargetWholeHash: targetWholeHash}
	err := Diff(target, sig, func(ins Instruction) error {
		patch.Instructions = append(patch.Instructions, ins)
		return nil
	})
	return patch, err
}
