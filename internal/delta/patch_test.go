package delta

import (
	"bytes"
	"testing"

	"github.com/zeebo/blake3"
)

func wholeHash(data []byte) [32]byte {
	var h [32]byte
	copy(h[:], blake3.Sum256(data)[:])
	return h
}

func TestApplyPatch_VerifiesHashOnSuccess(t *testing.T) {
	base := bytes.Repeat([]byte("0123456789"), 300)
	target := append(append(append([]byte{}, base[:1500]...), []byte("INSERTED-BLOCK")...), base[1500:]...)

	sig, err := Signature(bytes.NewReader(base), 64)
	if err != nil {
		t.Fatalf("Signature failed: %v", err)
	}
	patch, err := DiffToPatch(bytes.NewReader(target), sig, int64(len(target)), wholeHash(target))
	if err != nil {
		t.Fatalf("DiffToPatch failed: %v", err)
	}

	var out bytes.Buffer
	if err := ApplyPatch(&out, bytes.NewReader(base), patch); err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}
	if !bytes.Equal(out.Bytes(), target) {
		t.Fatalf("reconstructed content mismatch")
	}
}

// TestApplyPatch_DetectsCorruption reconstructs against a base file
// that has silently changed since the signature was taken, so the
// byte count still comes out right but the content doesn't — exactly
// the case a size-only check misses.
func TestApplyPatch_DetectsCorruption(t *testing.T) {
	base := bytes.Repeat([]byte("0123456789"), 300)
	target := append(append(append([]byte{}, base[:1500]...), []byte("INSERTED-BLOCK")...), base[1500:]...)

	sig, err := Signature(bytes.NewReader(base), 64)
	if err != nil {
		t.Fatalf("Signature failed: %v", err)
	}
	patch, err := DiffToPatch(bytes.NewReader(target), sig, int64(len(target)), wholeHash(target))
	if err != nil {
		t.Fatalf("DiffToPatch failed: %v", err)
	}

	staleBase := bytes.Repeat([]byte("zyxwvutsrq"), 300)
	var out bytes.Buffer
	err = ApplyPatch(&out, bytes.NewReader(staleBase), patch)
	if err != ErrCorrupt {
		t.Fatalf("expected ErrCorrupt against stale base, got %v", err)
	}
}

func TestApplyPatch_DetectsSizeMismatch(t *testing.T) {
	base := []byte("hello world")
	patch := DeltaPatch{
		TargetSize:      100,
		TargetWholeHash: wholeHash(base),
		Instructions:    []Instruction{{Literal: base}},
	}
	var out bytes.Buffer
	err := ApplyPatch(&out, bytes.NewReader(base), patch)
	if err == nil || err == ErrCorrupt {
		t.Fatalf("expected a size-mismatch error, got %v", err)
	}
}
