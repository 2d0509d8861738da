package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Sher110106/resilient-transfer/daemon/api/server"
	"github.com/Sher110106/resilient-transfer/daemon/config"
	"github.com/Sher110106/resilient-transfer/daemon/manager"
	"github.com/Sher110106/resilient-transfer/daemon/service"
	"github.com/Sher110106/resilient-transfer/daemon/transport"
	"github.com/Sher110106/resilient-transfer/internal/chunker"
	"github.com/Sher110106/resilient-transfer/internal/observability"
	"github.com/Sher110106/resilient-transfer/internal/quicutil"
	"github.com/Sher110106/resilient-transfer/internal/ratelimit"
)

func main() {
	grpcAddr := flag.String("grpc-addr", "127.0.0.1:9090", "gRPC server address")
	restAddr := flag.String("rest-addr", "127.0.0.1:8080", "REST server address")
	quicAddr := flag.String("quic-addr", ":4433", "QUIC listener address")
	observAddr := flag.String("observ-addr", "127.0.0.1:8081", "Observability server address")
	dataDir := flag.String("data-dir", "", "Directory for the session database, dedup CAS and received files")
	persistent := flag.Bool("persistent-store", true, "Use the sqlite-backed session store instead of in-memory")
	mode := flag.String("mode", "", "Run mode (e.g., test)")
	flag.Parse()

	logger := observability.NewLogger("resilient-transfer-daemon", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")
	if shutdown, err := observability.InitTracing(context.Background(), "resilient-transfer-daemon"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("daemon starting")

	cfg, err := config.LoadConfig("")
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	cfg.GRPCAddress = *grpcAddr
	cfg.RESTAddress = *restAddr
	cfg.QUICAddress = *quicAddr
	cfg.ObservAddress = *observAddr
	if *dataDir != "" {
		cfg.DataDirectory = *dataDir
	}
	_ = os.MkdirAll(cfg.DataDirectory, 0o755)

	log.Printf("  QUIC Address: %s", cfg.QUICAddress)
	log.Printf("  Chunk Size: %d bytes", cfg.ChunkSize)
	log.Printf("  Worker Count: %d", cfg.WorkerCount)
	log.Printf("  Data Directory: %s", cfg.DataDirectory)

	service.InitCAS(cfg.DataDirectory)
	service.StartCASGCLoop(cfg.Relay.MaxHoldTime, time.Hour)

	var store manager.Store
	if *persistent && *mode != "test" {
		ps, err := manager.NewPersistentStore(filepath.Join(cfg.DataDirectory, "sessions.db"))
		if err != nil {
			logger.Fatal(err, "failed to open persistent session store")
		}
		store = ps
		defer ps.Close()
	} else {
		store = manager.NewSessionStore()
	}
	logger.Info("session store initialized")

	eventPublisher := service.NewEventPublisher(cfg.EventBufferSize)
	log.Printf("event publisher initialized (buffer size: %d)", cfg.EventBufferSize)

	coordinator := service.NewTransferCoordinator(store, eventPublisher, cfg.ChunkerOptions())
	logger.Info("transfer coordinator initialized")

	if *mode != "test" {
		healthChecker.RegisterCheck("quic_listener", observability.QUICListenerCheck(cfg.QUICAddress))
		healthChecker.RegisterCheck("database", observability.DatabaseCheck(filepath.Join(cfg.DataDirectory, "sessions.db")))
	}

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		logger.Fatal(err, "failed to generate TLS certificate")
	}
	logger.Info("generated self-signed TLS certificate for QUIC (permissive mode)")

	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Fatal(err, "failed to create TLS config")
	}

	quicListener, err := transport.ListenQUIC(cfg.QUICAddress, tlsConfig)
	if err != nil {
		logger.Fatal(err, "failed to start QUIC listener")
	}
	defer quicListener.Close()
	logger.Info("QUIC listener started on " + cfg.QUICAddress)

	go startObservabilityServer(cfg.ObservAddress, metrics, healthChecker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	tb := ratelimit.NewTokenBucket(50, 100) // 50 conn/s, burst 100
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if !tb.Allow(1) {
					time.Sleep(10 * time.Millisecond)
					continue
				}
				conn, err := quicListener.Accept(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Error(err, "failed to accept QUIC connection")
					metrics.RecordQUICConnection(false)
					continue
				}

				logger.ConnectionEstablished(conn.GetConnection().RemoteAddr().String(), "conn-id")
				metrics.RecordQUICConnection(true)

				go handleIncomingTransfer(ctx, conn, coordinator, eventPublisher, cfg, logger, metrics)
			}
		}
	}()

	grpcStop, restStop, err := server.StartAPIServers(context.Background(), cfg.GRPCAddress, cfg.RESTAddress, server.NewDaemonAPIServer(coordinator, store, eventPublisher))
	if err != nil {
		logger.Fatal(err, "failed to start API servers")
	}
	logger.Info("API servers started: gRPC on " + cfg.GRPCAddress + ", REST on " + cfg.RESTAddress)

	logger.Info("daemon running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	cancel()
	grpcStop()
	restStop()

	if ss, ok := store.(*manager.SessionStore); ok {
		cleaned := ss.CleanupOldSessions(cfg.SessionCleanupAge)
		log.Printf("cleaned up %d old sessions", cleaned)
	}

	logger.Info("daemon stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr + " (metrics, health, pprof)")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

// handleIncomingTransfer accepts one inbound QUIC connection as a
// receive-direction transfer: the control stream carries the manifest,
// after which chunk streams are accepted directly into the content-
// addressed dedup cache and stripe-reconstructed as they arrive.
func handleIncomingTransfer(
	ctx context.Context,
	conn *transport.QUICConnection,
	coordinator *service.TransferCoordinator,
	eventPublisher *service.EventPublisher,
	cfg *config.Config,
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

	sessionLog := logger.WithSession(manifest.FileID)
	sessionLog.Info("manifest received")

	outputPath := filepath.Join(cfg.DataDirectory, "received", manifest.Filename)
	_ = os.MkdirAll(filepath.Dir(outputPath), 0o755)

	session, err := coordinator.AcceptTransfer(manifest, stripes, outputPath)
	if err != nil {
		sessionLog.Error(err, "failed to admit transfer")
		return
	}

	sessionUUID, err := uuid.Parse(session.ID)
	if err != nil {
		sessionUUID = uuid.New()
	}

	var receivedChunks int64
	onChunkReceived := func(seq int) {
		receivedChunks++
		sess, err := coordinator.GetTransferStatus(session.ID)
		if err == nil {
			eventPublisher.PublishProgress(session.ID, sess.ProgressPercent, sess.TransferRateMbps)
		}
		metrics.RecordChunkReceived(manifest.ChunkSize)
	}

	receiver := transport.NewChunkReceiver(
		conn.GetConnection(),
		sessionUUID,
		outputPath,
		manifest,
		stripes,
		onChunkReceived,
		ctrl,
		logger,
		metrics,
	)
	receiver.ServeControlUpdates(ctx)

	if err := receiver.AcceptAndProcessStreams(); err != nil {
		sessionLog.Warn("chunk stream loop ended: " + err.Error())
	}
}
