// Command receiver is the standalone CLI receiver: <binary> [bind_addr]
// [save_dir]. It accepts inbound connections and handles each one in its
// own goroutine, so several transfers can run at once; for each it
// admits whatever manifest the sender presents, and reconstructs the
// file under save_dir stripe-by-stripe as chunks arrive.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/Sher110106/resilient-transfer/daemon/manager"
	"github.com/Sher110106/resilient-transfer/daemon/service"
	"github.com/Sher110106/resilient-transfer/daemon/transport"
	"github.com/Sher110106/resilient-transfer/internal/chunker"
	"github.com/Sher110106/resilient-transfer/internal/observability"
	"github.com/Sher110106/resilient-transfer/internal/quicutil"
)

const (
	defaultBindAddr = ":5001"
	defaultSaveDir   = "./received"
)

func main() {
	bindAddr := defaultBindAddr
	saveDir := defaultSaveDir
	if len(os.Args) > 1 {
		bindAddr = os.Args[1]
	}
	if len(os.Args) > 2 {
		saveDir = os.Args[2]
	}

	logger := observability.NewLogger("resilient-transfer-receiver", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()

	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create save directory: %v\n", err)
		os.Exit(1)
	}

	service.InitCAS(saveDir)
	store := manager.NewSessionStore()
	events := service.NewEventPublisher(64)
	coordinator := service.NewTransferCoordinator(store, events, chunker.DefaultOptions())

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate TLS certificate: %v\n", err)
		os.Exit(1)
	}
	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create TLS config: %v\n", err)
		os.Exit(1)
	}

	listener, err := transport.ListenQUIC(bindAddr, tlsConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to listen on %s: %v\n", bindAddr, err)
		os.Exit(1)
	}
	defer listener.Close()

	logger.Info("receiver listening on " + bindAddr + ", saving to " + saveDir)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")
		cancel()
	}()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("receiver stopped")
				os.Exit(0)
			}
			logger.Error(err, "failed to accept connection")
			os.Exit(1)
		}
		go acceptTransfer(ctx, conn, coordinator, saveDir, logger, metrics)
	}
}

func acceptTransfer(
	ctx context.Context,
	conn *transport.QUICConnection,
	coordinator *service.TransferCoordinator,
	saveDir string,
	logger *observability.Logger,
	metrics *observability.Metrics,
) {
	defer conn.Close()

	ctrl, err := conn.AcceptControlStream(ctx)
	if err != nil {
		logger.Error(err, "failed to accept control stream")
		return
	}
	mm, err := ctrl.ReceiveManifest()
	if err != nil {
		logger.Error(err, "failed to receive manifest")
		return
	}
	manifest, stripes, err := chunker.UnmarshalManifest(mm.ManifestJSON)
	if err != nil {
		logger.Error(err, "failed to parse manifest")
		return
	}

	outputPath := filepath.Join(saveDir, manifest.Filename)
	session, err := coordinator.AcceptTransfer(manifest, stripes, outputPath)
	if err != nil {
		logger.Error(err, "failed to admit transfer")
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
		func(seq int) { metrics.RecordChunkReceived(manifest.ChunkSize) },
		ctrl,
		logger,
		metrics,
	)
	receiver.ServeControlUpdates(ctx)

	logger.Info("receiving " + manifest.Filename + " -> " + outputPath)
	if err := receiver.AcceptAndProcessStreams(); err != nil {
		logger.Warn("chunk stream loop ended: " + err.Error())
	}
}
