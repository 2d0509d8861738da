package relay

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Sher110106/resilient-transfer/internal/chunker"
)

func openTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "envelopes.db"), maxBytes)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func envelopeOf(chunkID string, priority chunker.Priority, payloadLen int) *Envelope {
	now := time.Now()
	return &Envelope{
		ChunkID: chunkID,
		Route: RouteInfo{
			SourceID:        "node-a",
			DestinationAddr: "127.0.0.1:9999",
			TransferID:      "transfer-1",
			Priority:        priority,
			TTL:             5,
			CreatedAt:       now,
		},
		Payload:   make([]byte, payloadLen),
		StoredAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func TestStore_PutAndPendingOrder(t *testing.T) {
	s := openTestStore(t, 1<<20)

	if err := s.Put(envelopeOf("normal-1", chunker.PriorityNormal, 10)); err != nil {
		t.Fatalf("Put normal failed: %v", err)
	}
	if err := s.Put(envelopeOf("critical-1", chunker.PriorityCritical, 10)); err != nil {
		t.Fatalf("Put critical failed: %v", err)
	}
	if err := s.Put(envelopeOf("high-1", chunker.PriorityHigh, 10)); err != nil {
		t.Fatalf("Put high failed: %v", err)
	}

	pending, err := s.PendingInOrder(10)
	if err != nil {
		t.Fatalf("PendingInOrder failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending envelopes, got %d", len(pending))
	}
	if pending[0].ChunkID != "critical-1" || pending[1].ChunkID != "high-1" || pending[2].ChunkID != "normal-1" {
		t.Fatalf("expected critical, high, normal order; got %v, %v, %v", pending[0].ChunkID, pending[1].ChunkID, pending[2].ChunkID)
	}
}

func TestStore_PutRejectsWhenFull(t *testing.T) {
	s := openTestStore(t, 16)

	if err := s.Put(envelopeOf("a", chunker.PriorityNormal, 16)); err != nil {
		t.Fatalf("first Put should fit: %v", err)
	}
	if err := s.Put(envelopeOf("b", chunker.PriorityNormal, 1)); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestStore_DeleteFreesCapacity(t *testing.T) {
	s := openTestStore(t, 16)

	if err := s.Put(envelopeOf("a", chunker.PriorityNormal, 16)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if s.BytesUsed() != 0 {
		t.Fatalf("expected 0 bytes used after delete, got %d", s.BytesUsed())
	}
	if err := s.Put(envelopeOf("b", chunker.PriorityNormal, 16)); err != nil {
		t.Fatalf("Put after delete should fit: %v", err)
	}
}

func TestStore_EvictExpired(t *testing.T) {
	s := openTestStore(t, 1<<20)

	expired := envelopeOf("expired", chunker.PriorityNormal, 4)
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := s.Put(expired); err != nil {
		t.Fatalf("Put expired failed: %v", err)
	}
	if err := s.Put(envelopeOf("fresh", chunker.PriorityNormal, 4)); err != nil {
		t.Fatalf("Put fresh failed: %v", err)
	}

	removed, err := s.EvictExpired(time.Now())
	if err != nil {
		t.Fatalf("EvictExpired failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 eviction, got %d", removed)
	}
	pending, _ := s.PendingInOrder(10)
	if len(pending) != 1 || pending[0].ChunkID != "fresh" {
		t.Fatalf("expected only 'fresh' to remain, got %v", pending)
	}
}

func TestStore_UpdateAttemptDropsAfterMaxRetries(t *testing.T) {
	s := openTestStore(t, 1<<20)

	if err := s.Put(envelopeOf("flaky", chunker.PriorityNormal, 4)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.UpdateAttempt("flaky", time.Now(), 3); err != nil {
			t.Fatalf("UpdateAttempt %d failed: %v", i, err)
		}
	}
	pending, _ := s.PendingInOrder(10)
	if len(pending) != 1 {
		t.Fatalf("expected envelope to survive 2 attempts, got %d pending", len(pending))
	}

	if err := s.UpdateAttempt("flaky", time.Now(), 3); err != nil {
		t.Fatalf("UpdateAttempt 3 failed: %v", err)
	}
	pending, _ = s.PendingInOrder(10)
	if len(pending) != 0 {
		t.Fatalf("expected envelope dropped at max retries, got %d pending", len(pending))
	}
}

func TestEnvelope_Deliverable(t *testing.T) {
	env := envelopeOf("x", chunker.PriorityNormal, 1)
	env.Route.TTL = 0
	if env.Deliverable(5) {
		t.Fatal("expected TTL=0 envelope to be non-deliverable")
	}

	env = envelopeOf("x", chunker.PriorityNormal, 1)
	env.Route.Hops = []string{"n1", "n2", "n3", "n4", "n5"}
	if env.Deliverable(5) {
		t.Fatal("expected hop-limit-reached envelope to be non-deliverable")
	}
}

func TestRouteInfo_HasVisited(t *testing.T) {
	r := RouteInfo{Hops: []string{"n1", "n2"}}
	if !r.HasVisited("n1") {
		t.Fatal("expected n1 to be visited")
	}
	if r.HasVisited("n3") {
		t.Fatal("expected n3 to not be visited")
	}
}
