package priority

import (
	"testing"
	"time"

	"github.com/Sher110106/resilient-transfer/internal/chunker"
)

func itemOf(p chunker.Priority) Item {
	return Item{Priority: p, Chunk: chunker.Chunk{Metadata: chunker.ChunkMetadata{Priority: p}}}
}

func TestScheduler_FIFOWithinClass(t *testing.T) {
	s := NewScheduler(10)
	for i := 0; i < 3; i++ {
		it := itemOf(chunker.PriorityNormal)
		it.Attempt = i // marks enqueue position
		if err := s.Enqueue(it); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	// Drain only Normal items and confirm order is preserved.
	var seen []int
	for i := 0; i < 3; i++ {
		it, ok := s.Dequeue()
		if !ok {
			t.Fatalf("expected item %d", i)
		}
		if it.Priority != chunker.PriorityNormal {
			continue
		}
		if it.Attempt != i {
			t.Fatalf("expected item enqueued %d-th at position %d, got item %d", i, i, it.Attempt)
		}
		seen = append(seen, i)
	}
	if len(seen) != 3 {
		t.Fatalf("expected to drain 3 normal items, saw %d", len(seen))
	}
}

func TestScheduler_QueueFull(t *testing.T) {
	s := NewScheduler(2)
	if err := s.Enqueue(itemOf(chunker.PriorityHigh)); err != nil {
		t.Fatalf("Enqueue 1 failed: %v", err)
	}
	if err := s.Enqueue(itemOf(chunker.PriorityHigh)); err != nil {
		t.Fatalf("Enqueue 2 failed: %v", err)
	}
	if err := s.Enqueue(itemOf(chunker.PriorityHigh)); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestScheduler_StrictPriorityOrder(t *testing.T) {
	s := NewScheduler(1000)
	for i := 0; i < 500; i++ {
		_ = s.Enqueue(itemOf(chunker.PriorityCritical))
		_ = s.Enqueue(itemOf(chunker.PriorityHigh))
		_ = s.Enqueue(itemOf(chunker.PriorityNormal))
	}

	// Every Critical item must drain before any High item, and every
	// High item before any Normal item — no interleaving.
	for i := 0; i < 500; i++ {
		it, ok := s.Dequeue()
		if !ok || it.Priority != chunker.PriorityCritical {
			t.Fatalf("dequeue %d: expected Critical, got %v (ok=%v)", i, it.Priority, ok)
		}
	}
	for i := 0; i < 500; i++ {
		it, ok := s.Dequeue()
		if !ok || it.Priority != chunker.PriorityHigh {
			t.Fatalf("dequeue %d: expected High, got %v (ok=%v)", i, it.Priority, ok)
		}
	}
	for i := 0; i < 500; i++ {
		it, ok := s.Dequeue()
		if !ok || it.Priority != chunker.PriorityNormal {
			t.Fatalf("dequeue %d: expected Normal, got %v (ok=%v)", i, it.Priority, ok)
		}
	}
}

// TestScheduler_CriticalPreemptsRegardlessOfCursor is the exact trace
// from the bug this guards against: a prior round of dequeues used to
// leave an internal rotation cursor pointing past Critical, so a
// younger Critical item enqueued after an older Normal item could be
// skipped in favor of that Normal item. Dequeue must always check
// Critical first, independent of dequeue history.
func TestScheduler_CriticalPreemptsRegardlessOfCursor(t *testing.T) {
	s := NewScheduler(10)

	// Churn through a few dequeues first, the way a running scheduler
	// would have by the time steady-state traffic arrives.
	_ = s.Enqueue(itemOf(chunker.PriorityCritical))
	_ = s.Enqueue(itemOf(chunker.PriorityHigh))
	_ = s.Enqueue(itemOf(chunker.PriorityNormal))
	for i := 0; i < 3; i++ {
		if _, ok := s.Dequeue(); !ok {
			t.Fatalf("warmup dequeue %d failed", i)
		}
	}

	olderNormal := itemOf(chunker.PriorityNormal)
	if err := s.Enqueue(olderNormal); err != nil {
		t.Fatalf("enqueue older normal: %v", err)
	}
	youngerCritical := itemOf(chunker.PriorityCritical)
	if err := s.Enqueue(youngerCritical); err != nil {
		t.Fatalf("enqueue younger critical: %v", err)
	}

	it, ok := s.Dequeue()
	if !ok {
		t.Fatal("expected an item")
	}
	if it.Priority != chunker.PriorityCritical {
		t.Fatalf("expected Critical item dequeued before older Normal item, got %v", it.Priority)
	}
}

func TestScheduler_FallsThroughWhenClassEmpty(t *testing.T) {
	s := NewScheduler(10)
	for i := 0; i < 5; i++ {
		_ = s.Enqueue(itemOf(chunker.PriorityNormal))
	}
	// No Critical/High items queued; every Dequeue must still return
	// a Normal item instead of stalling.
	for i := 0; i < 5; i++ {
		it, ok := s.Dequeue()
		if !ok {
			t.Fatalf("expected fallback dequeue at %d", i)
		}
		if it.Priority != chunker.PriorityNormal {
			t.Fatalf("expected Normal item, got %v", it.Priority)
		}
	}
	if _, ok := s.Dequeue(); ok {
		t.Fatal("expected empty scheduler to report no item")
	}
}

func TestBackoff_Doubles(t *testing.T) {
	if Backoff(1) != 100*time.Millisecond {
		t.Errorf("expected first backoff 100ms, got %v", Backoff(1))
	}
	if Backoff(2) != 200*time.Millisecond {
		t.Errorf("expected second backoff 200ms, got %v", Backoff(2))
	}
	if Backoff(3) != 400*time.Millisecond {
		t.Errorf("expected third backoff 400ms, got %v", Backoff(3))
	}
}

func TestScheduler_RequeueExhaustsAttempts(t *testing.T) {
	s := NewScheduler(10)
	it := itemOf(chunker.PriorityHigh)
	it.Attempt = MaxAttempts
	if err := s.Requeue(it); err != ErrMaxAttemptsExceeded {
		t.Fatalf("expected ErrMaxAttemptsExceeded, got %v", err)
	}
}
