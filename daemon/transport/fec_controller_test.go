package transport

import (
	"testing"

	"github.com/Sher110106/resilient-transfer/internal/fec"
)

func TestFECController_Tick_NoPanic(t *testing.T) {
	policy := fec.NewAdaptivePolicy(fec.DefaultPolicyConfig())
	updates := 0
	ctl := NewFECController(policy, func(k, r int, reason string) { updates++ })
	for i := 0; i < 5; i++ {
		ctl.OnChunkSent(1024)
		ctl.Tick()
	}
	_ = updates
}

func TestFECController_ReportsIncreaseOnLoss(t *testing.T) {
	// Parity is only re-evaluated mid-transfer under PerStripe; the
	// default policy latches its start parity.
	cfg := fec.DefaultPolicyConfig()
	cfg.PerStripe = true
	policy := fec.NewAdaptivePolicy(cfg)
	var lastParity int
	ctl := NewFECController(policy, func(k, r int, reason string) { lastParity = r })

	for i := 0; i < 10; i++ {
		ctl.OnChunkSent(1000)
		ctl.OnChunkLost(150)
		ctl.Tick()
	}

	if lastParity <= 5 {
		t.Fatalf("expected parity to increase above the minimum tier under sustained loss, got %d", lastParity)
	}
}
