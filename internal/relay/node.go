package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/Sher110106/resilient-transfer/daemon/transport"
)

// Config bounds one relay node's behavior: how much it holds, how long,
// how far an envelope may travel through it, and how it paces retries.
type Config struct {
	ListenAddr         string
	Peers              []string // other relay nodes this node can forward through
	MaxStorageBytes    int64
	MaxHoldTime        time.Duration
	MaxHops            int
	MaxForwardRetries  int
	RetryCooldown      time.Duration
	ForwardImmediately bool
}

// Node is one store-and-forward relay participant: it accepts inbound
// envelopes on QUIC hop links, persists them durably, and periodically
// attempts to forward pending envelopes toward their destination or the
// next peer, honoring TTL, hop limit, and per-peer cooldown.
type Node struct {
	ID     string
	cfg    Config
	store  *Store
	client *tls.Config

	// LocalDeliver is invoked when an envelope's destination address
	// matches this node; the default just marks it delivered. A daemon
	// embedding this node as its relay ingress can replace this to feed
	// the chunk straight into its own receive path.
	LocalDeliver func(env *Envelope) error

	// triedThisCycle records which (chunkID, peer) pairs have already
	// been attempted in the current forwarding cycle, enforcing
	// spec.md's "forwarded once per cycle per peer" broadcast-storm
	// guard.
	triedThisCycle map[string]bool
}

// NewNode constructs a relay node with a fresh ephemeral node ID.
func NewNode(cfg Config, clientTLS *tls.Config) *Node {
	return &Node{
		ID:     newNodeID(),
		cfg:    cfg,
		client: clientTLS,
		LocalDeliver: func(env *Envelope) error {
			return nil
		},
	}
}

// Open opens the node's durable envelope store at dbPath.
func (n *Node) Open(dbPath string) error {
	store, err := OpenStore(dbPath, n.cfg.MaxStorageBytes)
	if err != nil {
		return err
	}
	n.store = store
	return nil
}

// Close releases the node's durable store.
func (n *Node) Close() error {
	if n.store == nil {
		return nil
	}
	return n.store.Close()
}

// AcceptEnvelopesFromConn serves one inbound hop-link connection,
// reading one envelope per stream and running the receive path from
// spec.md §4.6: TTL check, hop-loop check, then local delivery or
// store for forwarding. It returns once the connection closes.
func (n *Node) AcceptEnvelopesFromConn(ctx context.Context, conn *transport.QUICConnection) error {
	defer conn.Close()
	tr := otel.Tracer("resilient-transfer-relay")
	ctx, span := tr.Start(ctx, "relay.handleHopConnection")
	defer span.End()

	raw := conn.GetConnection()
	for {
		stream, err := raw.AcceptStream(ctx)
		if err != nil {
			return nil
		}
		env, err := ReadEnvelope(stream)
		stream.Close()
		if err != nil {
			continue
		}
		n.receive(env)
	}
}

// receive applies the envelope receive path and is also the entry
// point for envelopes originated locally (a sender handing a chunk to
// its own relay node to inject into the mesh).
func (n *Node) receive(env *Envelope) {
	if env.Route.TTL <= 0 {
		return // expired horizon, drop silently
	}
	if env.Route.HasVisited(n.ID) {
		return // loop, drop silently
	}

	if env.Route.DestinationAddr == n.cfg.ListenAddr {
		_ = n.LocalDeliver(env)
		return
	}

	env.Advance(n.ID)
	env.StoredAt = time.Now()
	env.ExpiresAt = env.StoredAt.Add(n.cfg.MaxHoldTime)
	if err := n.store.Put(env); err != nil {
		// ErrFull: upstream is expected to retry; this node simply
		// cannot accept more right now.
		return
	}

	if n.cfg.ForwardImmediately {
		go n.forwardOne(context.Background(), env)
	}
}

// Inject hands a locally-originated envelope to the relay mesh, as if
// it had just arrived over a hop link.
func (n *Node) Inject(env *Envelope) {
	n.receive(env)
}

// RunForwardingLoop runs the periodic maintenance cycle at interval
// until ctx is done: evict expired envelopes, then attempt to forward
// pending ones in priority order.
func (n *Node) RunForwardingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.runCycle(ctx)
		}
	}
}

func (n *Node) runCycle(ctx context.Context) {
	tr := otel.Tracer("resilient-transfer-relay")
	ctx, span := tr.Start(ctx, "relay.forwardingCycle")
	defer span.End()

	now := time.Now()
	if removed, err := n.store.EvictExpired(now); err == nil && removed > 0 {
		span.AddEvent(fmt.Sprintf("evicted %d expired envelopes", removed))
	}

	n.triedThisCycle = make(map[string]bool)

	pending, err := n.store.PendingInOrder(256)
	if err != nil {
		return
	}
	for _, env := range pending {
		if !env.Deliverable(n.cfg.MaxHops) {
			_ = n.store.Delete(env.ChunkID)
			continue
		}
		if !env.LastTried.IsZero() && now.Sub(env.LastTried) < n.cfg.RetryCooldown {
			continue
		}
		n.forwardOne(ctx, env)
	}
}

// forwardOne attempts one delivery hop for env: direct-to-destination
// if reachable, otherwise the first configured peer not already in the
// envelope's hop history and not yet tried this cycle.
func (n *Node) forwardOne(ctx context.Context, env *Envelope) {
	targets := n.candidateTargets(env)
	for _, addr := range targets {
		cycleKey := env.ChunkID + "|" + addr
		if n.triedThisCycle != nil && n.triedThisCycle[cycleKey] {
			continue
		}
		if n.sendTo(ctx, addr, env) {
			if n.triedThisCycle != nil {
				n.triedThisCycle[cycleKey] = true
			}
			_ = n.store.Delete(env.ChunkID)
			return
		}
		if n.triedThisCycle != nil {
			n.triedThisCycle[cycleKey] = true
		}
	}
	_ = n.store.UpdateAttempt(env.ChunkID, time.Now(), n.cfg.MaxForwardRetries)
}

// candidateTargets orders where env could go next: its final
// destination first, then configured peers it hasn't already visited.
func (n *Node) candidateTargets(env *Envelope) []string {
	targets := []string{env.Route.DestinationAddr}
	for _, p := range n.cfg.Peers {
		if p == env.Route.DestinationAddr || env.Route.HasVisited(p) {
			continue
		}
		targets = append(targets, p)
	}
	return targets
}

// sendTo dials addr and writes env as a single framed stream, reporting
// whether the hop succeeded.
func (n *Node) sendTo(ctx context.Context, addr string, env *Envelope) bool {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := transport.DialQUIC(dialCtx, addr, n.client)
	if err != nil {
		return false
	}
	defer conn.Close()

	raw := conn.GetConnection()
	stream, err := raw.OpenStreamSync(dialCtx)
	if err != nil {
		return false
	}
	defer stream.Close()

	return WriteEnvelope(stream, env) == nil
}

// StorageUsage reports the node's current held-envelope byte total.
func (n *Node) StorageUsage() int64 {
	if n.store == nil {
		return 0
	}
	return n.store.BytesUsed()
}
