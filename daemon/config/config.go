// Package config holds daemon-wide configuration, covering every
// option enumerated in the transfer engine's external interface: chunk
// geometry, adaptive FEC bounds, transport tuning, retry budgets,
// relay store-and-forward limits, session retention and per-transfer
// rate limiting.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/Sher110106/resilient-transfer/internal/chunker"
)

// AdaptiveThreshold is one (loss_rate, parity) entry in a monotonic
// adaptive-parity lookup table.
type AdaptiveThreshold struct {
	LossRatePercent float64
	ParityShards    int
}

// TransportConfig tunes the QUIC connection and its certificate
// verification mode.
type TransportConfig struct {
	IdleTimeout       time.Duration
	KeepaliveInterval time.Duration
	MaxStreams        int64
	VerifyCerts       string // "strict" | "permissive"
}

// RetryConfig bounds chunk retransmission backoff.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	TotalBudget     time.Duration
}

// RelayConfig bounds a store-and-forward relay node's held envelopes.
type RelayConfig struct {
	MaxStorageBytes    int64
	MaxHoldTime        time.Duration
	MaxHops            int
	MaxForwardRetries  int
	RetryCooldown      time.Duration
	ForwardImmediately bool
	PriorityAware      bool
}

// RateLimitConfig caps a single transfer's egress rate.
type RateLimitConfig struct {
	BytesPerSec  int64
	ChunksPerSec int64
}

// Config holds daemon configuration.
type Config struct {
	GRPCAddress   string
	RESTAddress   string
	QUICAddress   string
	ObservAddress string
	DataDirectory string
	KeysDirectory string

	ChunkSize        int64
	DataShards       int
	MinParityShards  int
	MaxParityShards  int
	AdaptiveThresholds []AdaptiveThreshold
	Compression      string // "off" | "fast"

	MaxConcurrentTransfers int
	EventBufferSize        int
	WorkerCount            int
	QueueDepth             int
	SessionCleanupAge      time.Duration

	Transport TransportConfig
	Retry     RetryConfig
	Relay     RelayConfig
	RateLimit RateLimitConfig
}

// DefaultConfig returns the specification's documented defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "resilient-transfer")

	return &Config{
		GRPCAddress:   "127.0.0.1:9090",
		RESTAddress:   "127.0.0.1:8080",
		QUICAddress:   ":4433",
		ObservAddress: "127.0.0.1:8081",
		DataDirectory: dataDir,
		KeysDirectory: filepath.Join(dataDir, "keys"),

		ChunkSize:       524288,
		DataShards:      50,
		MinParityShards: 5,
		MaxParityShards: 25,
		AdaptiveThresholds: []AdaptiveThreshold{
			{LossRatePercent: 0, ParityShards: 5},
			{LossRatePercent: 5, ParityShards: 10},
			{LossRatePercent: 10, ParityShards: 15},
			{LossRatePercent: 15, ParityShards: 20},
			{LossRatePercent: 20, ParityShards: 25},
		},
		Compression: "off",

		MaxConcurrentTransfers: 10,
		EventBufferSize:        100,
		WorkerCount:            8,
		QueueDepth:             32,
		SessionCleanupAge:      24 * time.Hour,

		Transport: TransportConfig{
			IdleTimeout:       60 * time.Second,
			KeepaliveInterval: 5 * time.Second,
			MaxStreams:        100,
			VerifyCerts:       "permissive",
		},
		Retry: RetryConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			TotalBudget:      60 * time.Second,
		},
		Relay: RelayConfig{
			MaxStorageBytes:    1 << 30, // 1 GiB
			MaxHoldTime:        24 * time.Hour,
			MaxHops:            5,
			MaxForwardRetries:  10,
			RetryCooldown:      30 * time.Second,
			ForwardImmediately: true,
			PriorityAware:      true,
		},
		RateLimit: RateLimitConfig{
			BytesPerSec:  0, // 0 = unlimited
			ChunksPerSec: 0,
		},
	}
}

// LoadConfig returns DefaultConfig. configPath is not read: no
// configuration file is parsed.
func LoadConfig(configPath string) (*Config, error) {
	return DefaultConfig(), nil
}

// ChunkerOptions translates the chunk-geometry portion of Config into
// the internal/chunker split options the coordinator passes to Split.
func (c *Config) ChunkerOptions() chunker.Options {
	return chunker.Options{
		ChunkSize:  int(c.ChunkSize),
		DataShards: c.DataShards,
		Priority:   chunker.PriorityNormal,
		Compress:   c.Compression == "fast",
	}
}
