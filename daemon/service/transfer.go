package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/Sher110106/resilient-transfer/daemon/manager"
	"github.com/Sher110106/resilient-transfer/internal/chunker"
	"github.com/Sher110106/resilient-transfer/internal/fec"
)

var (
	ErrSessionNotFound = errors.New("session not found")
)

// TransferCoordinator owns the session lifecycle for one daemon: it
// splits outgoing files into manifests/chunks, admits incoming
// manifests into a receive-direction session, and is the single place
// that reads and writes session state through manager.Store. It holds
// no transport or FEC-adaptation state of its own — ChunkWorkerPool,
// ChunkReceiver and FECController are driven by whoever owns the QUIC
// connection, using the manifest/chunks this coordinator produces.
type TransferCoordinator struct {
	store          manager.Store
	eventPublisher *EventPublisher
	options        chunker.Options
}

// NewTransferCoordinator creates a coordinator backed by store (either
// manager.NewSessionStore() or a manager.PersistentStore) and
// publishing lifecycle events through eventPublisher.
func NewTransferCoordinator(
	store manager.Store,
	eventPublisher *EventPublisher,
	options chunker.Options,
) *TransferCoordinator {
	return &TransferCoordinator{
		store:          store,
		eventPublisher: eventPublisher,
		options:        options,
	}
}

// CreateTransfer splits filePath into its manifest, stripe layout and
// ordered chunk list, creates a send-direction session, and returns
// everything the caller needs to hand off to the control stream and
// ChunkWorkerPool. parity selects the Reed-Solomon parity-shard
// strategy for the split: pass chunker.FixedParity(n) for a static
// count, or a *fec.AdaptivePolicy to let loss feedback drive it
// stripe-by-stripe.
func (tc *TransferCoordinator) CreateTransfer(
	filePath string,
	priority chunker.Priority,
	parity chunker.ParitySource,
	metadata map[string]string,
) (*manager.Session, chunker.FileManifest, []chunker.StripeLayout, []chunker.Chunk, error) {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return nil, chunker.FileManifest{}, nil, nil, err
	}

	opts := tc.options
	opts.Priority = priority
	if parity == nil {
		parity = chunker.FixedParity(opts.DataShards / 10)
	}

	manifest, stripes, chunks, err := chunker.Split(filePath, opts, parity)
	if err != nil {
		return nil, chunker.FileManifest{}, nil, nil, err
	}
	manifest.Filename = filepath.Base(filePath)

	sessionID := uuid.New().String()
	session := manager.NewSession(
		sessionID,
		filePath,
		manifest.Filename,
		fileInfo.Size(),
		int64(manifest.ChunkSize),
		manager.DirectionSend,
	)
	session.Metadata = metadata

	if err := tc.store.Add(session); err != nil {
		return nil, chunker.FileManifest{}, nil, nil, err
	}

	if tc.eventPublisher != nil {
		tc.eventPublisher.PublishStarted(sessionID, manifest.Filename, fileInfo.Size())
	}

	return session, manifest, stripes, chunks, nil
}

// AcceptTransfer admits an incoming manifest (already received over
// the control stream and decoded with chunker.UnmarshalManifest) and
// creates the matching receive-direction session rooted at outputPath.
func (tc *TransferCoordinator) AcceptTransfer(
	manifest chunker.FileManifest,
	stripes []chunker.StripeLayout,
	outputPath string,
) (*manager.Session, error) {
	session := manager.NewSession(
		manifest.FileID,
		outputPath,
		filepath.Base(outputPath),
		manifest.TotalBytes,
		int64(manifest.ChunkSize),
		manager.DirectionReceive,
	)

	if err := tc.store.Add(session); err != nil {
		return nil, err
	}
	if tc.eventPublisher != nil {
		tc.eventPublisher.PublishStarted(session.ID, session.FileName, session.FileSize)
	}
	return session, nil
}

// GetTransferStatus returns a session's current lifecycle and progress
// snapshot.
func (tc *TransferCoordinator) GetTransferStatus(sessionID string) (*TransferStatus, error) {
	session, err := tc.store.Get(sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	return &TransferStatus{
		State:                  session.State,
		ProgressPercent:        session.GetProgressPercent(),
		ChunksTransferred:      session.ChunksTransferred,
		TotalChunks:            session.TotalChunks,
		BytesTransferred:       session.BytesTransferred,
		TransferRateMbps:       session.GetTransferRate(),
		EstimatedTimeRemaining: session.GetEstimatedTimeRemaining(),
		ErrorMessage:           session.ErrorMessage,
	}, nil
}

// ListTransfers lists sessions matching an optional state filter. Both
// concrete Store implementations support pagination but through
// slightly different signatures (PersistentStore's query can fail),
// so this dispatches on the concrete type rather than widening the
// shared Store interface for a call only the API layer needs.
func (tc *TransferCoordinator) ListTransfers(filterState *manager.TransferState, limit, offset int) ([]*manager.Session, int, error) {
	switch st := tc.store.(type) {
	case *manager.SessionStore:
		sessions, total := st.List(filterState, limit, offset)
		return sessions, total, nil
	case *manager.PersistentStore:
		return st.ListSessions(filterState, limit, offset)
	default:
		return nil, 0, fmt.Errorf("transfer: store type %T does not support listing", tc.store)
	}
}

// UpdateParity records the parity-shard count of a stripe-layout change
// driven by an FECController adaptive-parity update in the session's
// metadata, under "last_parity_shards".
func (tc *TransferCoordinator) UpdateParity(sessionID string, layout chunker.StripeLayout) error {
	session, err := tc.store.Get(sessionID)
	if err != nil {
		return err
	}
	if session.Metadata == nil {
		session.Metadata = make(map[string]string)
	}
	session.Metadata["last_parity_shards"] = fmt.Sprintf("%d", layout.ParityShards)
	return tc.store.Update(session)
}

// TransferStatus is a point-in-time snapshot of a session's progress.
type TransferStatus struct {
	State                  manager.TransferState
	ProgressPercent        float64
	ChunksTransferred      int64
	TotalChunks            int64
	BytesTransferred       int64
	TransferRateMbps       float64
	EstimatedTimeRemaining int64
	ErrorMessage           string
}

// defaultParityPolicy builds an adaptive FEC policy from the module-wide
// defaults. CreateTransfer does not use it: given a nil ParitySource it
// falls back to FixedParity(DataShards/10).
func defaultParityPolicy() *fec.AdaptivePolicy {
	return fec.NewAdaptivePolicy(fec.DefaultPolicyConfig())
}
