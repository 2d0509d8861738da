package service

import (
	"os"
	"path/filepath"
	"time"

	"github.com/Sher110106/resilient-transfer/daemon/manager"
	"github.com/Sher110106/resilient-transfer/daemon/transport"
)

var boltCAS *manager.BoltCAS

// InMemoryCAS is the CAS fallback used when no writable data directory
// is available (e.g. an ephemeral test environment).
type InMemoryCAS struct{ m map[[32]byte]time.Time }

func NewInMemoryCAS() *InMemoryCAS { return &InMemoryCAS{m: make(map[[32]byte]time.Time)} }

func (c *InMemoryCAS) HasChunk(checksum [32]byte) bool { _, ok := c.m[checksum]; return ok }
func (c *InMemoryCAS) PutChunk(checksum [32]byte) error {
	c.m[checksum] = time.Now()
	return nil
}

// InitCAS initializes the dedup CAS backend, preferring a BoltDB file
// under the user's data directory and falling back to an in-memory map
// when that path is not writable.
func InitCAS(dataDir string) {
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share", "resilient-transfer")
	}
	_ = os.MkdirAll(dataDir, 0o755)
	casPath := filepath.Join(dataDir, "cas.db")

	if bc, err := manager.OpenBoltCAS(casPath); err == nil {
		boltCAS = bc
		transport.SetCASBackend(boltCAS)
	} else {
		transport.SetCASBackend(NewInMemoryCAS())
	}
}

// StartCASGCLoop starts a periodic GC loop for the BoltDB CAS; it is a
// no-op when InitCAS fell back to the in-memory backend.
func StartCASGCLoop(retention, interval time.Duration) {
	if boltCAS == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			_, _ = boltCAS.GC(retention)
		}
	}()
}
