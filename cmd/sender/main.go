// Command sender is the standalone CLI sender: <binary> <file_path>
// <receiver_addr> [priority]. It dials the receiver over QUIC, sends
// the manifest, streams chunks through the priority scheduler, and
// waits for the receiver's whole-file verification result.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sher110106/resilient-transfer/daemon/manager"
	"github.com/Sher110106/resilient-transfer/daemon/service"
	"github.com/Sher110106/resilient-transfer/daemon/transport"
	"github.com/Sher110106/resilient-transfer/internal/chunker"
	"github.com/Sher110106/resilient-transfer/internal/fec"
	"github.com/Sher110106/resilient-transfer/internal/observability"
	"github.com/Sher110106/resilient-transfer/internal/quicutil"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: sender <file_path> <receiver_addr> [priority]")
		os.Exit(1)
	}
	filePath := os.Args[1]
	receiverAddr := os.Args[2]
	priority := chunker.PriorityNormal
	if len(os.Args) > 3 {
		priority = parsePriority(os.Args[3])
	}

	logger := observability.NewLogger("resilient-transfer-sender", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()

	store := manager.NewSessionStore()
	events := service.NewEventPublisher(64)
	coordinator := service.NewTransferCoordinator(store, events, chunker.DefaultOptions())

	policy := fec.NewAdaptivePolicy(fec.DefaultPolicyConfig())
	session, manifest, stripes, chunks, err := coordinator.CreateTransfer(filePath, priority, policy, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare transfer: %v\n", err)
		os.Exit(2)
	}
	logger.Info(fmt.Sprintf("prepared %s: %d chunks across %d stripes", manifest.Filename, manifest.TotalChunks, len(stripes)))

	tlsConfig := quicutil.MakeClientTLSConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	conn, err := transport.DialQUIC(ctx, receiverAddr, tlsConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to %s: %v\n", receiverAddr, err)
		os.Exit(3)
	}
	defer conn.Close()

	ctrl, err := conn.OpenControlStream(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open control stream: %v\n", err)
		os.Exit(3)
	}

	manifestBytes, err := chunker.MarshalManifest(manifest, stripes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode manifest: %v\n", err)
		os.Exit(4)
	}
	if err := ctrl.SendManifest(manifestBytes); err != nil {
		fmt.Fprintf(os.Stderr, "failed to send manifest: %v\n", err)
		os.Exit(4)
	}

	sessionUUID, err := uuid.Parse(session.ID)
	if err != nil {
		sessionUUID = uuid.New()
	}

	var sentChunks int64
	fecCtl := transport.NewFECController(policy, func(k, r int, reason string) {
		_ = ctrl.SendFECUpdate(&transport.FECUpdateMessage{
			SessionID: session.ID,
			K:         k,
			R:         r,
			Reason:    reason,
			Timestamp: time.Now().Unix(),
		})
	})

	pool := transport.NewChunkWorkerPool(
		8, 256,
		conn.GetConnection(),
		sessionUUID,
		logger,
		metrics,
		func(seq int) {
			sentChunks++
			fecCtl.OnChunkSent(manifest.ChunkSize)
		},
		func(seq int, err error) {
			fecCtl.OnChunkLost(manifest.ChunkSize)
		},
	)
	pool.Start()

	for _, c := range chunks {
		if err := pool.EnqueueChunk(c); err != nil {
			fmt.Fprintf(os.Stderr, "failed to enqueue chunk %d: %v\n", c.Metadata.SequenceNumber, err)
			os.Exit(5)
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fecCtl.Tick()
			case <-done:
				return
			}
		}
	}()

	verification, err := ctrl.ReceiveVerification()
	close(done)
	pool.Stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "did not receive verification result: %v\n", err)
		os.Exit(6)
	}

	logger.Info(fmt.Sprintf("transfer %s: %s", session.ID, verification.Status))
	if verification.Status != "SUCCESS" {
		os.Exit(7)
	}
}

func parsePriority(s string) chunker.Priority {
	switch strings.ToUpper(s) {
	case "CRITICAL":
		return chunker.PriorityCritical
	case "HIGH":
		return chunker.PriorityHigh
	default:
		return chunker.PriorityNormal
	}
}
