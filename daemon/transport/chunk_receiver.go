package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/zeebo/blake3"

	"github.com/Sher110106/resilient-transfer/daemon/manager"
	"github.com/Sher110106/resilient-transfer/internal/chunker"
	"github.com/Sher110106/resilient-transfer/internal/observability"
)

// ChunkReceiver accepts incoming chunk streams, records each payload's
// BLAKE3 checksum, buffers chunks by stripe, and reconstructs stripes as
// soon as enough shards have arrived. The per-chunk checksum is computed
// but not compared against an expected value (the manifest carries no
// per-chunk checksums), so a corrupted payload is not dropped on arrival;
// it shows up only in the whole-file check in finishTransfer.
type ChunkReceiver struct {
	connection *quic.Conn
	sessionID  uuid.UUID
	logger     *observability.Logger
	metrics    *observability.Metrics
	outputPath string

	onChunkReceived func(seq int)
	control         *ControlStream
	ackComp         ChunkRangeCompressor

	manifest     chunker.FileManifest
	stripes      []chunker.StripeLayout
	seqOffsets   []int   // first sequence number of each stripe
	byteOffsets  []int64 // byte offset into the output file of each stripe

	mu          sync.Mutex
	receivedCnt int64
	chunksBySeq map[int]chunker.Chunk
	stripeDone  map[int]bool
}

// NewChunkReceiver creates a receiver for a transfer whose manifest and
// stripe layout have already been exchanged over the control stream.
func NewChunkReceiver(
	connection *quic.Conn,
	sessionID uuid.UUID,
	outputPath string,
	manifest chunker.FileManifest,
	stripes []chunker.StripeLayout,
	onChunkReceived func(seq int),
	control *ControlStream,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *ChunkReceiver {
	seqOffsets := make([]int, len(stripes))
	byteOffsets := make([]int64, len(stripes))
	seqCursor, byteCursor := 0, int64(0)
	for i, s := range stripes {
		seqOffsets[i] = seqCursor
		byteOffsets[i] = byteCursor
		seqCursor += s.DataShards + s.ParityShards
		byteCursor += int64(s.DataShards) * int64(manifest.ChunkSize)
	}

	return &ChunkReceiver{
		connection:      connection,
		sessionID:       sessionID,
		outputPath:      outputPath,
		manifest:        manifest,
		stripes:         stripes,
		seqOffsets:      seqOffsets,
		byteOffsets:     byteOffsets,
		onChunkReceived: onChunkReceived,
		control:         control,
		logger:          logger,
		metrics:         metrics,
		chunksBySeq:     make(map[int]chunker.Chunk),
		stripeDone:      make(map[int]bool),
	}
}

// AcceptAndProcessStreams accepts incoming chunk streams until the
// connection's context is cancelled.
func (r *ChunkReceiver) AcceptAndProcessStreams() error {
	for {
		stream, err := r.connection.AcceptStream(r.connection.Context())
		if err != nil {
			return err
		}
		go r.processChunkStream(stream)
	}
}

// processChunkStream reads, checksums and records a single chunk. The
// checksum is stored on the chunk, not checked.
func (r *ChunkReceiver) processChunkStream(stream *quic.Stream) {
	defer stream.Close()

	header := make([]byte, ChunkHeaderSize)
	if _, err := io.ReadFull(stream, header); err != nil {
		if r.logger != nil {
			r.logger.Error(err, "failed to read chunk header")
		}
		return
	}

	seq, payloadLen, flags, err := decodeChunkHeader(header, r.sessionID)
	if err != nil {
		if r.logger != nil {
			r.logger.Error(err, "failed to parse chunk header")
		}
		return
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(stream, payload); err != nil {
		if r.logger != nil {
			r.logger.Error(err, "failed to read chunk payload")
		}
		return
	}

	computed := blake3.Sum256(payload)

	stripeIdx, isParity, priority, ok := r.locate(seq)
	if !ok {
		r.nack(seq, "unknown_sequence")
		return
	}

	r.mu.Lock()
	r.chunksBySeq[seq] = chunker.Chunk{
		Metadata: chunker.ChunkMetadata{
			ChunkID:        fmt.Sprintf("%s-%06d", r.manifest.FileID, seq),
			FileID:         r.manifest.FileID,
			SequenceNumber: seq,
			TotalChunks:    r.manifest.TotalChunks,
			PayloadSize:    payloadLen,
			Checksum:       computed,
			IsParity:       isParity,
			Priority:       priority,
			Compressed:     flags&FlagCompressed != 0,
			CreatedAt:      time.Now(),
		},
		Payload: payload,
	}
	r.receivedCnt++
	count := r.receivedCnt
	r.mu.Unlock()

	casPut(computed)

	if r.onChunkReceived != nil {
		r.onChunkReceived(seq)
	}
	if r.metrics != nil {
		r.metrics.RecordChunkReceived(payloadLen)
	}

	if r.control != nil {
		ranges := r.ackComp.Compress([]int64{int64(seq)})
		_ = r.control.SendAck(&AckMessage{
			ChunkRanges:   ranges,
			TotalReceived: count,
			Timestamp:     time.Now().Unix(),
			SessionID:     r.sessionID.String(),
		})
	}

	r.maybeReconstructStripe(stripeIdx)

	if int(count) >= r.manifest.TotalChunks {
		r.finishTransfer()
	}
}

// locate finds which stripe a sequence number belongs to and whether it
// is a parity shard, by walking the stripe layout in manifest order.
func (r *ChunkReceiver) locate(seq int) (stripeIdx int, isParity bool, prio chunker.Priority, ok bool) {
	cursor := 0
	for _, s := range r.stripes {
		width := s.DataShards + s.ParityShards
		if seq < cursor+width {
			offset := seq - cursor
			return s.StripeIndex, offset >= s.DataShards, r.manifest.Priority, true
		}
		cursor += width
	}
	return 0, false, chunker.PriorityNormal, false
}

// maybeReconstructStripe reconstructs and writes a stripe's data blocks
// to the output file as soon as enough of its shards have arrived.
// stripeIdx is assumed to equal the stripe's position in r.stripes,
// which Split guarantees when it assigns StripeIndex sequentially.
func (r *ChunkReceiver) maybeReconstructStripe(stripeIdx int) {
	r.mu.Lock()
	if r.stripeDone[stripeIdx] || stripeIdx < 0 || stripeIdx >= len(r.stripes) {
		r.mu.Unlock()
		return
	}

	layout := r.stripes[stripeIdx]
	cursor := r.seqOffsets[stripeIdx]

	have := 0
	chunks := make([]chunker.Chunk, 0, layout.DataShards+layout.ParityShards)
	for i := 0; i < layout.DataShards+layout.ParityShards; i++ {
		if c, ok := r.chunksBySeq[cursor+i]; ok {
			chunks = append(chunks, c)
			have++
		}
	}
	if have < layout.DataShards {
		r.mu.Unlock()
		return
	}
	r.stripeDone[stripeIdx] = true
	byteOffset := r.byteOffsets[stripeIdx]
	r.mu.Unlock()

	if err := chunker.ReconstructStripe(r.outputPath, r.manifest, layout, chunks, cursor, byteOffset); err != nil {
		if r.logger != nil {
			r.logger.Error(err, fmt.Sprintf("stripe %d reconstruction failed", stripeIdx))
		}
		if r.metrics != nil {
			r.metrics.RecordFECReconstruction(false)
		}
		return
	}
	if r.metrics != nil {
		r.metrics.RecordFECReconstruction(true)
	}
}

// nack notifies the sender that a chunk needs retransmission.
func (r *ChunkReceiver) nack(seq int, reason string) {
	if r.metrics != nil {
		r.metrics.RecordChunkRetransmit(reason)
	}
	if r.control == nil {
		return
	}
	var comp ChunkRangeCompressor
	rangeStr := comp.Compress([]int64{int64(seq)})
	_ = r.control.SendNack(&NackMessage{
		MissingRanges: rangeStr,
		Reason:        reason,
		SessionID:     r.sessionID.String(),
		Timestamp:     time.Now().Unix(),
	})
}

// finishTransfer compares the BLAKE3 hash of the output file with the
// manifest's whole-file checksum once every chunk has arrived, and
// reports the outcome over the control stream. The manifest's Merkle
// root is not checked.
func (r *ChunkReceiver) finishTransfer() {
	f, err := os.Open(r.outputPath)
	if err != nil {
		if r.logger != nil {
			r.logger.Error(err, "failed to open output file for verification")
		}
		return
	}
	hasher := blake3.New()
	_, copyErr := io.Copy(hasher, f)
	f.Close()
	if copyErr != nil {
		if r.logger != nil {
			r.logger.Error(copyErr, "failed to hash output file")
		}
		return
	}
	var computedRoot [32]byte
	copy(computedRoot[:], hasher.Sum(nil))

	mv := manager.NewMerkleVerifier()
	vr := mv.CreateVerificationResult(r.sessionID.String(), computedRoot[:], r.manifest.WholeFileChecksum[:])

	if r.metrics != nil {
		r.metrics.RecordMerkleVerification(vr.Status == manager.VerificationSuccess)
	}
	if r.logger != nil {
		l := r.logger.WithSession(r.sessionID.String())
		msg := fmt.Sprintf("verification completed: status=%s", vr.Status.String())
		if vr.Status == manager.VerificationSuccess {
			l.Info(msg)
		} else {
			l.Warn(msg)
		}
	}

	if r.control != nil {
		_ = r.control.SendVerification(&VerificationMessage{
			SessionID:          r.sessionID.String(),
			Status:             vr.Status.String(),
			MerkleRootComputed: computedRoot[:],
			MerkleRootExpected: r.manifest.WholeFileChecksum[:],
			Timestamp:          time.Now().Unix(),
		})
	}
}

// ServeControlUpdates listens for CHUNK_HAVE requests and answers with a
// range-compressed bitmap of chunk checksums already present in the
// local dedup CAS, so the sender can skip retransmitting them.
func (r *ChunkReceiver) ServeControlUpdates(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if r.control == nil {
				return
			}
			t, data, err := r.control.ReceiveAny()
			if err != nil {
				return
			}
			if t != MessageTypeChunkHaveRequest {
				continue
			}
			var req ChunkHaveRequest
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			var idxs []int64
			r.mu.Lock()
			for seq := range r.chunksBySeq {
				if casHas(r.chunksBySeq[seq].Metadata.Checksum) {
					idxs = append(idxs, int64(seq))
				}
			}
			r.mu.Unlock()
			var comp ChunkRangeCompressor
			ranges := comp.Compress(idxs)
			_ = r.control.SendChunkHaveResponse(&ChunkHaveResponse{
				SessionID:  req.SessionID,
				ChunkCount: req.ChunkCount,
				HaveRanges: ranges,
				Timestamp:  time.Now().Unix(),
			})
		}
	}()
}
