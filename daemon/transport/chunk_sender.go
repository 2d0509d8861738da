package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/Sher110106/resilient-transfer/internal/chunker"
	"github.com/Sher110106/resilient-transfer/internal/observability"
	"github.com/Sher110106/resilient-transfer/internal/priority"
)

// ErrWorkerPoolStopped is returned by EnqueueChunk once the pool has
// been stopped and is no longer accepting work.
var ErrWorkerPoolStopped = errors.New("worker pool stopped")

// ChunkWorkerPool drains a priority-scheduled queue of pre-built chunks
// and sends each on its own QUIC stream (a bidirectional stream of which
// only the send side is used). Chunk boundaries,
// FEC encoding and zero-padding are already resolved by chunker.Split;
// the pool's only job is getting bytes on the wire in priority order,
// with backoff-and-retry on failure.
type ChunkWorkerPool struct {
	workerCount int
	connection  *quic.Conn
	scheduler   *priority.Scheduler
	sessionID   uuid.UUID

	logger  *observability.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onChunkSent   func(seq int)
	onChunkFailed func(seq int, err error)
}

// NewChunkWorkerPool creates a pool of workerCount goroutines pulling
// from a priority.Scheduler with capacityPerClass slots per class.
func NewChunkWorkerPool(
	workerCount, capacityPerClass int,
	connection *quic.Conn,
	sessionID uuid.UUID,
	logger *observability.Logger,
	metrics *observability.Metrics,
	onChunkSent func(seq int),
	onChunkFailed func(seq int, err error),
) *ChunkWorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &ChunkWorkerPool{
		workerCount:   workerCount,
		connection:    connection,
		scheduler:     priority.NewScheduler(capacityPerClass),
		sessionID:     sessionID,
		logger:        logger,
		metrics:       metrics,
		ctx:           ctx,
		cancel:        cancel,
		onChunkSent:   onChunkSent,
		onChunkFailed: onChunkFailed,
	}
	p.scheduler.OnRequeue(func(it priority.Item) {
		if logger != nil {
			logger.WithSession(sessionID.String()).Warn("chunk requeued after send failure")
		}
	})
	return p
}

// Start launches the worker goroutines.
func (p *ChunkWorkerPool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// EnqueueChunk submits a chunk for transmission at its carried priority.
func (p *ChunkWorkerPool) EnqueueChunk(c chunker.Chunk) error {
	select {
	case <-p.ctx.Done():
		return ErrWorkerPoolStopped
	default:
	}
	return p.scheduler.Enqueue(priority.Item{Chunk: c, Priority: c.Metadata.Priority})
}

// Stop cancels all workers and waits for them to exit.
func (p *ChunkWorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}

// worker repeatedly dequeues the highest-priority available chunk and
// sends it, backing off via the scheduler on failure.
func (p *ChunkWorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		it, ok := p.scheduler.Dequeue()
		if !ok {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}

		if err := p.sendChunk(it.Chunk); err != nil {
			if p.metrics != nil {
				p.metrics.RecordChunkRetransmit("send_failed")
			}
			if rqErr := p.scheduler.Requeue(it); rqErr != nil {
				if p.onChunkFailed != nil {
					p.onChunkFailed(it.Chunk.Metadata.SequenceNumber, err)
				}
			}
			continue
		}

		if p.metrics != nil {
			p.metrics.RecordChunkSent(len(it.Chunk.Payload))
		}
		if p.logger != nil {
			p.logger.ChunkSent(p.sessionID.String(), it.Chunk.Metadata.SequenceNumber, len(it.Chunk.Payload), 0)
		}
		if p.onChunkSent != nil {
			p.onChunkSent(it.Chunk.Metadata.SequenceNumber)
		}
	}
}

// sendChunk opens a fresh bidirectional stream, uses only its send side,
// and writes the header followed by the chunk payload. Skipping chunks the receiver already
// has (the CAS dedup handshake) is the caller's job before enqueueing.
func (p *ChunkWorkerPool) sendChunk(c chunker.Chunk) error {
	stream, err := p.connection.OpenStreamSync(p.ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	var flags uint8
	if c.Metadata.Compressed {
		flags |= FlagCompressed
	}
	header := encodeChunkHeader(p.sessionID, c.Metadata.SequenceNumber, len(c.Payload), flags)
	if _, err := stream.Write(header); err != nil {
		return err
	}
	if _, err := stream.Write(c.Payload); err != nil {
		return err
	}
	return nil
}
