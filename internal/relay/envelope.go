// Package relay implements the store-and-forward layer: a chunk
// wrapped with routing metadata (an Envelope) can hop across nodes
// that cannot reach each other directly, bounded by TTL and a hop
// limit, with durable local storage standing in for an always-on
// connection.
package relay

import (
	"time"

	"github.com/google/uuid"

	"github.com/Sher110106/resilient-transfer/internal/chunker"
)

// RouteInfo travels with an Envelope and records where it has been,
// where it is ultimately headed, and how much travel budget remains.
type RouteInfo struct {
	SourceID        string
	DestinationAddr string
	TransferID      string
	Hops            []string
	Priority        chunker.Priority
	TTL             int
	CreatedAt       time.Time
}

// HasVisited reports whether nodeID already appears in the route's hop
// history, the loop-prevention check a node runs before appending
// itself and forwarding.
func (r RouteInfo) HasVisited(nodeID string) bool {
	for _, h := range r.Hops {
		if h == nodeID {
			return true
		}
	}
	return false
}

// Envelope is a chunk in transit between relay hops, addressed and
// budgeted independently of the direct sender-to-receiver path.
type Envelope struct {
	ChunkID   string
	Route     RouteInfo
	Payload   []byte
	StoredAt  time.Time
	ExpiresAt time.Time
	Attempts  int
	LastTried time.Time
}

// NewEnvelope wraps a chunk payload for relay transit under the given
// chunkID; the storage and expiry timestamps are left for the node that
// stores it to set.
func NewEnvelope(chunkID string, route RouteInfo, payload []byte) *Envelope {
	return &Envelope{
		ChunkID: chunkID,
		Route:   route,
		Payload: payload,
	}
}

// Deliverable reports whether e may still be forwarded: TTL not
// exhausted and hop budget not reached.
func (e *Envelope) Deliverable(maxHops int) bool {
	return e.Route.TTL > 0 && len(e.Route.Hops) < maxHops
}

// Expired reports whether e has outlived its max_hold_time.
func (e *Envelope) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Advance appends nodeID to the hop list and decrements TTL in place,
// the mutation a node applies before persisting a forwarded envelope.
func (e *Envelope) Advance(nodeID string) {
	e.Route.Hops = append(e.Route.Hops, nodeID)
	e.Route.TTL--
}

// newNodeID generates a random identifier for a relay node instance;
// nodes are ephemeral participants in the mesh, not durably registered
// peers, so a process-lifetime UUID is sufficient.
func newNodeID() string {
	return uuid.New().String()
}
