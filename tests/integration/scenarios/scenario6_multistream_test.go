package scenarios

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Sher110106/resilient-transfer/daemon/manager"
	"github.com/Sher110106/resilient-transfer/daemon/service"
	"github.com/Sher110106/resilient-transfer/daemon/transport"
	"github.com/Sher110106/resilient-transfer/internal/chunker"
	"github.com/Sher110106/resilient-transfer/internal/fec"
	"github.com/Sher110106/resilient-transfer/internal/observability"
	"github.com/Sher110106/resilient-transfer/internal/quicutil"
	"github.com/Sher110106/resilient-transfer/tests/integration/helpers"
)

// TestScenario6MultiStream drives a transfer large enough to span
// several stripes through the full sender/receiver pipeline in-process:
// multiple QUIC streams in flight concurrently via ChunkWorkerPool, an
// FECController fed by the pool's send callbacks, and stripe-by-stripe
// reconstruction on the receive side. The controller is never ticked
// and the policy is the default per-transfer one, so no FEC update is
// sent over the control stream. It exercises exactly the code
// path cmd/sender and cmd/receiver run as separate processes, just
// wired together directly so the test can assert on both sides.
func TestScenario6MultiStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	fg, err := helpers.NewFileGenerator()
	if err != nil {
		t.Fatalf("filegen: %v", err)
	}
	defer fg.Cleanup()

	// 32 MiB at the default 512 KiB chunks and 50 data shards is 64 data
	// blocks: one full stripe of 50 and a short one of 14.
	filePath, wantHash, err := fg.GenerateFile("scenario6.bin", 32*1024*1024)
	if err != nil {
		t.Fatalf("generate file: %v", err)
	}
	recvDir := fg.MakeTempDir("scenario6-recv")

	cert, key, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	tlsServer, err := quicutil.MakeTLSConfig(cert, key)
	if err != nil {
		t.Fatalf("tls server: %v", err)
	}
	tlsClient := quicutil.MakeClientTLSConfig()

	port, err := helpers.GetFreeUDPPort()
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	listener, err := transport.ListenQUIC(addr, tlsServer)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	logger := observability.NewLogger("scenario6-test", "test", os.Stderr)
	metrics := observability.NewMetrics()

	service.InitCAS(recvDir)
	recvStore := manager.NewSessionStore()
	recvEvents := service.NewEventPublisher(64)
	recvCoordinator := service.NewTransferCoordinator(recvStore, recvEvents, chunker.DefaultOptions())

	recvDone := make(chan error, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err != nil {
			recvDone <- fmt.Errorf("accept: %w", err)
			return
		}
		defer conn.Close()

		ctrl, err := conn.AcceptControlStream(ctx)
		if err != nil {
			recvDone <- fmt.Errorf("accept control: %w", err)
			return
		}
		mm, err := ctrl.ReceiveManifest()
		if err != nil {
			recvDone <- fmt.Errorf("receive manifest: %w", err)
			return
		}
		manifest, stripes, err := chunker.UnmarshalManifest(mm.ManifestJSON)
		if err != nil {
			recvDone <- fmt.Errorf("unmarshal manifest: %w", err)
			return
		}

		outputPath := filepath.Join(recvDir, manifest.Filename)
		session, err := recvCoordinator.AcceptTransfer(manifest, stripes, outputPath)
		if err != nil {
			recvDone <- fmt.Errorf("accept transfer: %w", err)
			return
		}
		sessionUUID, err := uuid.Parse(session.ID)
		if err != nil {
			sessionUUID = uuid.New()
		}

		receiver := transport.NewChunkReceiver(
			conn.GetConnection(),
			sessionUUID,
			outputPath,
			manifest,
			stripes,
			func(seq int) {},
			ctrl,
			logger,
			metrics,
		)
		receiver.ServeControlUpdates(ctx)
		recvDone <- receiver.AcceptAndProcessStreams()
	}()

	store := manager.NewSessionStore()
	events := service.NewEventPublisher(64)
	coordinator := service.NewTransferCoordinator(store, events, chunker.DefaultOptions())
	policy := fec.NewAdaptivePolicy(fec.DefaultPolicyConfig())

	session, manifest, stripes, chunks, err := coordinator.CreateTransfer(filePath, chunker.PriorityHigh, policy, nil)
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	if len(stripes) < 2 {
		t.Fatalf("expected a multi-stripe transfer, got %d stripe(s)", len(stripes))
	}

	conn, err := transport.DialQUIC(ctx, addr, tlsClient)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctrl, err := conn.OpenControlStream(ctx)
	if err != nil {
		t.Fatalf("open control: %v", err)
	}

	manifestBytes, err := chunker.MarshalManifest(manifest, stripes)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := ctrl.SendManifest(manifestBytes); err != nil {
		t.Fatalf("send manifest: %v", err)
	}

	sessionUUID, err := uuid.Parse(session.ID)
	if err != nil {
		sessionUUID = uuid.New()
	}

	fecCtl := transport.NewFECController(policy, func(k, r int, reason string) {
		_ = ctrl.SendFECUpdate(&transport.FECUpdateMessage{
			SessionID: session.ID,
			K:         k,
			R:         r,
			Reason:    reason,
			Timestamp: time.Now().Unix(),
		})
	})

	var sentChunks int
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
			t.Fatalf("enqueue chunk %d: %v", c.Metadata.SequenceNumber, err)
		}
	}

	verification, err := ctrl.ReceiveVerification()
	pool.Stop()
	if err != nil {
		t.Fatalf("receive verification: %v", err)
	}
	if verification.Status != "SUCCESS" {
		t.Fatalf("verification failed: %+v", verification)
	}
	if sentChunks != len(chunks) {
		t.Fatalf("expected %d chunks sent, got %d", len(chunks), sentChunks)
	}

	cancel()
	select {
	case err := <-recvDone:
		if err != nil && ctx.Err() == nil {
			t.Fatalf("receiver: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for receiver shutdown")
	}

	outputPath := filepath.Join(recvDir, manifest.Filename)
	gotHash, err := fg.ComputeHash(outputPath)
	if err != nil {
		t.Fatalf("output file missing: %v", err)
	}
	if gotHash != wantHash {
		t.Fatalf("hash mismatch: want %s got %s", wantHash, gotHash)
	}
}
