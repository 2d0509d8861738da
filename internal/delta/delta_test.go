package delta

import (
	"bytes"
	"math/rand"
	"testing"
)

func reconstruct(t *testing.T, base, target []byte, blockSize int) []byte {
	t.Helper()

	sig, err := Signature(bytes.NewReader(base), blockSize)
	if err != nil {
		t.Fatalf("Signature failed: %v", err)
	}

	patch, err := DiffToPatch(bytes.NewReader(target), sig, int64(len(target)), [32]byte{})
	if err != nil {
		t.Fatalf("DiffToPatch failed: %v", err)
	}

	var out bytes.Buffer
	if err := Apply(&out, bytes.NewReader(base), patch.Instructions); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	return out.Bytes()
}

func TestDelta_IdenticalFiles(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox "), 500)
	got := reconstruct(t, data, data, 64)
	if !bytes.Equal(got, data) {
		t.Fatalf("reconstructed mismatch for identical files")
	}
}

func TestDelta_AppendOnly(t *testing.T) {
	base := bytes.Repeat([]byte("abcdefgh"), 200)
	target := append(append([]byte{}, base...), []byte("tail appended here")...)

	got := reconstruct(t, base, target, 32)
	if !bytes.Equal(got, target) {
		t.Fatalf("reconstructed mismatch for append-only change")
	}
}

func TestDelta_InsertInMiddle(t *testing.T) {
	base := bytes.Repeat([]byte("0123456789"), 300)
	target := append(append(append([]byte{}, base[:1500]...), []byte("INSERTED-BLOCK")...), base[1500:]...)

	got := reconstruct(t, base, target, 64)
	if !bytes.Equal(got, target) {
		t.Fatalf("reconstructed mismatch for mid-file insert")
	}
}

func TestDelta_CompleteRewrite(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	base := make([]byte, 4096)
	r.Read(base)
	target := make([]byte, 4096)
	r.Read(target)

	got := reconstruct(t, base, target, 128)
	if !bytes.Equal(got, target) {
		t.Fatalf("reconstructed mismatch for unrelated rewrite")
	}
}

func TestDelta_EmptyBase(t *testing.T) {
	got := reconstruct(t, nil, []byte("brand new content"), 64)
	if !bytes.Equal(got, []byte("brand new content")) {
		t.Fatalf("reconstructed mismatch for empty base")
	}
}

func TestDelta_EmptyTarget(t *testing.T) {
	base := bytes.Repeat([]byte("x"), 1000)
	got := reconstruct(t, base, nil, 64)
	if len(got) != 0 {
		t.Fatalf("expected empty reconstruction, got %d bytes", len(got))
	}
}

func TestSignature_ShortLastBlock(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 100)
	sig, err := Signature(bytes.NewReader(data), 64)
	if err != nil {
		t.Fatalf("Signature failed: %v", err)
	}
	if len(sig.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(sig.Blocks))
	}
	if sig.Blocks[1].Length != 36 {
		t.Fatalf("expected short last block of length 36, got %d", sig.Blocks[1].Length)
	}
}
