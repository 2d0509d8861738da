package manager

import (
	"encoding/binary"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

// BoltCAS is a content-addressed record of chunk checksums already seen
// on this side of a transfer, keyed by the chunk's BLAKE3 checksum. A
// receiver records each chunk it accepts here and answers chunk-have
// requests from it; received payloads are still written and
// reconstructed as usual — this is the dedup layer, not the session
// store.
type BoltCAS struct{ db *bolt.DB }

var bucketCAS = []byte("cas")

// OpenBoltCAS opens (creating if necessary) a BoltDB-backed chunk CAS.
func OpenBoltCAS(path string) (*BoltCAS, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketCAS)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltCAS{db: db}, nil
}

// Close closes the underlying database.
func (b *BoltCAS) Close() error { return b.db.Close() }

// HasChunk reports whether checksum is already recorded.
func (b *BoltCAS) HasChunk(checksum [32]byte) bool {
	var ok bool
	_ = b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketCAS)
		if bk == nil {
			return nil
		}
		ok = bk.Get(checksum[:]) != nil
		return nil
	})
	return ok
}

// PutChunk records checksum with the current time, for later GC.
func (b *BoltCAS) PutChunk(checksum [32]byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketCAS)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(time.Now().Unix()))
		return bk.Put(checksum[:], buf)
	})
}

// GC removes CAS entries not touched within maxAge, bounding the
// dedup index's growth on a long-lived relay or receiver.
func (b *BoltCAS) GC(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketCAS)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) >= 8 {
				ts := int64(binary.BigEndian.Uint64(v))
				if ts < cutoff {
					if err := c.Delete(); err != nil {
						return err
					}
					removed++
				}
			}
		}
		return nil
	})
	return removed, err
}
