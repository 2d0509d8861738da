// Command relay runs a standalone store-and-forward node: it accepts
// envelopes on a QUIC hop link from senders, other relays, or receivers
// that cannot reach their final destination directly, holds them in
// bounded durable storage, and periodically attempts to forward each
// one toward its destination or the next configured peer.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Sher110106/resilient-transfer/daemon/transport"
	"github.com/Sher110106/resilient-transfer/internal/observability"
	"github.com/Sher110106/resilient-transfer/internal/quicutil"
	"github.com/Sher110106/resilient-transfer/internal/ratelimit"
	"github.com/Sher110106/resilient-transfer/internal/relay"
	"github.com/Sher110106/resilient-transfer/internal/validation"
)

func main() {
	listenAddr := flag.String("listen", ":4434", "QUIC hop-link listen address")
	peersFlag := flag.String("peers", "", "Comma-separated addresses of other relay nodes reachable for forwarding")
	dataDir := flag.String("data-dir", "./relay-data", "Directory for the envelope store")
	observAddr := flag.String("observ-addr", "127.0.0.1:8082", "Observability server address (health, metrics, pprof)")
	maxStorage := flag.Int64("max-storage-bytes", 1<<30, "Maximum bytes of envelopes held at once")
	maxHoldTime := flag.Duration("max-hold-time", 24*time.Hour, "Maximum time an envelope may sit in storage")
	maxHops := flag.Int("max-hops", 5, "Maximum hop count before an envelope is dropped")
	maxForwardRetries := flag.Int("max-forward-retries", 10, "Forward attempts before an envelope is dropped")
	retryCooldown := flag.Duration("retry-cooldown", 30*time.Second, "Minimum time between forward attempts for one envelope")
	forwardingInterval := flag.Duration("forwarding-interval", 5*time.Second, "How often the maintenance cycle runs")
	forwardImmediately := flag.Bool("forward-immediately", true, "Attempt an immediate forward on receipt, in addition to the periodic cycle")
	flag.Parse()

	if err := validation.ValidateAddr(*listenAddr); err != nil {
		fatalf("invalid listen address: %v", err)
	}

	logger := observability.NewLogger("resilient-transfer-relay", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker("1.0.0")

	if shutdown, err := observability.InitTracing(context.Background(), "resilient-transfer-relay"); err == nil {
		defer shutdown(context.Background())
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fatalf("failed to create data directory: %v", err)
	}

	var peers []string
	if *peersFlag != "" {
		for _, p := range strings.Split(*peersFlag, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				peers = append(peers, p)
			}
		}
	}

	cfg := relay.Config{
		ListenAddr:         *listenAddr,
		Peers:              peers,
		MaxStorageBytes:    *maxStorage,
		MaxHoldTime:        *maxHoldTime,
		MaxHops:            *maxHops,
		MaxForwardRetries:  *maxForwardRetries,
		RetryCooldown:      *retryCooldown,
		ForwardImmediately: *forwardImmediately,
	}

	node := relay.NewNode(cfg, quicutil.MakeClientTLSConfig())
	if err := node.Open(filepath.Join(*dataDir, "envelopes.db")); err != nil {
		fatalf("failed to open envelope store: %v", err)
	}
	defer node.Close()

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		fatalf("failed to generate TLS certificate: %v", err)
	}
	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		fatalf("failed to create TLS config: %v", err)
	}

	listener, err := transport.ListenQUIC(*listenAddr, tlsConfig)
	if err != nil {
		fatalf("failed to start hop listener: %v", err)
	}
	defer listener.Close()

	health.RegisterCheck("hop_listener", observability.QUICListenerCheck(*listenAddr))

	logger.Info("relay node " + node.ID + " listening on " + *listenAddr)
	if len(peers) > 0 {
		logger.Info("configured peers: " + strings.Join(peers, ", "))
	}

	go startObservabilityServer(*observAddr, metrics, health, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tb := ratelimit.NewTokenBucket(200, 400)
	go acceptLoop(ctx, listener, node, tb, logger, metrics)
	go node.RunForwardingLoop(ctx, *forwardingInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("relay shutting down")
	cancel()
}

func acceptLoop(ctx context.Context, listener *transport.QUICListener, node *relay.Node, tb *ratelimit.TokenBucket, logger *observability.Logger, metrics *observability.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !tb.Allow(1) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error(err, "failed to accept hop connection")
			metrics.RecordQUICConnection(false)
			continue
		}
		metrics.RecordQUICConnection(true)
		go func() {
			if err := node.AcceptEnvelopesFromConn(ctx, conn); err != nil {
				logger.Warn("hop connection ended: " + err.Error())
			}
		}()
	}
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
	logger.Info("observability server listening on " + addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

func fatalf(format string, args ...interface{}) {
	logger := observability.NewLogger("resilient-transfer-relay", "1.0.0", os.Stderr)
	logger.Fatal(nil, fmt.Sprintf(format, args...))
}
