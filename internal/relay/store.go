package relay

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/Sher110106/resilient-transfer/internal/chunker"
)

var (
	// ErrFull is returned when a store has no room for another
	// envelope under its configured byte budget.
	ErrFull = errors.New("relay: storage full")
	// ErrNotFound is returned when an envelope key has no stored entry.
	ErrNotFound = errors.New("relay: envelope not found")
)

var bucketEnvelopes = []byte("envelopes")

// Store is a bounded, durable BoltDB-backed holding area for in-transit
// envelopes, indexed by priority and arrival order so the forwarding
// cycle can pop Critical-before-High-before-Normal, oldest first within
// a class. Envelopes are keyed by ChunkID; one bucket holds all of
// them, with priority+stored_at folded into the key itself so a bucket
// scan already yields forwarding order.
type Store struct {
	db           *bolt.DB
	maxStorage   int64
	currentBytes int64
}

// OpenStore opens (creating if necessary) a bounded envelope store.
func OpenStore(path string, maxStorageBytes int64) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, maxStorage: maxStorageBytes}
	err = db.Update(func(tx *bolt.Tx) error {
		b, e := tx.CreateBucketIfNotExists(bucketEnvelopes)
		if e != nil {
			return e
		}
		return b.ForEach(func(_, v []byte) error {
			var rec envelopeRecord
			if e := json.Unmarshal(v, &rec); e != nil {
				return nil // skip corrupt record rather than fail startup
			}
			s.currentBytes += int64(len(rec.Envelope.Payload))
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// envelopeRecord is the on-disk JSON shape for one stored envelope.
type envelopeRecord struct {
	Envelope Envelope
}

// indexKey orders envelopes priority-first (Critical < High < Normal,
// matching spec.md's "lower wins"), then by arrival time within a
// class, then by chunk ID to keep keys unique.
func indexKey(priority int, storedAt time.Time, chunkID string) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint8(priority))
	binary.Write(&buf, binary.BigEndian, storedAt.UnixNano())
	buf.WriteString(chunkID)
	return buf.Bytes()
}

// priorityRank maps chunker.Priority onto the relay's storage order:
// Critical sorts first, then High, then Normal.
func priorityRank(p chunker.Priority) int {
	switch p {
	case chunker.PriorityCritical:
		return 0
	case chunker.PriorityHigh:
		return 1
	default:
		return 2
	}
}

// Put persists env, keyed for priority+FIFO ordering, rejecting it
// with ErrFull if it would exceed the configured byte budget.
func (s *Store) Put(env *Envelope) error {
	size := int64(len(env.Payload))
	if s.currentBytes+size > s.maxStorage {
		return ErrFull
	}
	rec := envelopeRecord{Envelope: *env}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := indexKey(priorityRank(env.Route.Priority), env.StoredAt, env.ChunkID)
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvelopes)
		return b.Put(key, data)
	})
	if err != nil {
		return err
	}
	s.currentBytes += size
	return nil
}

// Delete removes the stored envelope for chunkID, wherever its key
// sorts, reducing the tracked byte total.
func (s *Store) Delete(chunkID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvelopes)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec envelopeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Envelope.ChunkID == chunkID {
				s.currentBytes -= int64(len(rec.Envelope.Payload))
				return c.Delete()
			}
		}
		return nil
	})
}

// PendingInOrder returns up to limit stored envelopes in forwarding
// order (priority ascending, then FIFO within a class) — the order the
// bucket's keys already sort in, since the key itself encodes it.
func (s *Store) PendingInOrder(limit int) ([]*Envelope, error) {
	var out []*Envelope
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvelopes)
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var rec envelopeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			env := rec.Envelope
			out = append(out, &env)
		}
		return nil
	})
	return out, err
}

// EvictExpired drops every stored envelope whose ExpiresAt has passed,
// returning the count removed.
func (s *Store) EvictExpired(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvelopes)
		c := b.Cursor()
		var expiredKeys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec envelopeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Envelope.Expired(now) {
				key := make([]byte, len(k))
				copy(key, k)
				expiredKeys = append(expiredKeys, key)
				s.currentBytes -= int64(len(rec.Envelope.Payload))
			}
		}
		for _, k := range expiredKeys {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// UpdateAttempt records a forward attempt against chunkID: bumping its
// attempt counter and last-tried timestamp, or deleting it outright
// once attempts reach maxRetries.
func (s *Store) UpdateAttempt(chunkID string, at time.Time, maxRetries int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvelopes)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec envelopeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Envelope.ChunkID != chunkID {
				continue
			}
			rec.Envelope.Attempts++
			rec.Envelope.LastTried = at
			if rec.Envelope.Attempts >= maxRetries {
				s.currentBytes -= int64(len(rec.Envelope.Payload))
				return c.Delete()
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			return b.Put(k, data)
		}
		return fmt.Errorf("relay: %w: %s", ErrNotFound, chunkID)
	})
}

// BytesUsed returns the store's current tracked payload byte total.
func (s *Store) BytesUsed() int64 { return s.currentBytes }
