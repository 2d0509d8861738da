package transport

import (
	"github.com/Sher110106/resilient-transfer/internal/fec"
)

// LossEstimator accumulates sent and lost byte counts from its creation
// on (there is no sliding window) and reports the observed loss rate as
// a 0-100 percentage, the scale internal/fec.AdaptivePolicy expects.
type LossEstimator struct {
	windowSent int64
	windowLost int64
}

func (le *LossEstimator) OnSent(n int64) { le.windowSent += n }
func (le *LossEstimator) OnLost(n int64) { le.windowLost += n }

func (le *LossEstimator) EstimatePercent() float64 {
	if le.windowSent == 0 {
		return 0
	}
	return 100 * float64(le.windowLost) / float64(le.windowSent)
}

// FECController feeds observed retransmit/loss signal into an
// internal/fec.AdaptivePolicy and notifies the peer over the control
// stream whenever the policy's parity-shard count changes. It is the
// sender-side driver a transfer's coordinator ticks periodically (or at
// each NACK); the policy itself owns the EMA and threshold lookup.
type FECController struct {
	policy      *fec.AdaptivePolicy
	loss        *LossEstimator
	lastParity  int
	update      func(k, r int, reason string)
}

// NewFECController wraps policy, reporting parity changes via update.
func NewFECController(policy *fec.AdaptivePolicy, update func(k, r int, reason string)) *FECController {
	return &FECController{
		policy:     policy,
		loss:       &LossEstimator{},
		lastParity: policy.ParityForStripe(),
		update:     update,
	}
}

// OnChunkSent records a successfully sent chunk's bytes.
func (fc *FECController) OnChunkSent(bytes int) { fc.loss.OnSent(int64(bytes)) }

// OnChunkLost records a chunk that required retransmission.
func (fc *FECController) OnChunkLost(bytes int) { fc.loss.OnLost(int64(bytes)) }

// Tick folds the current loss-rate estimate into the policy and, if the
// resulting parity differs from what was last reported, invokes update.
func (fc *FECController) Tick() {
	fc.policy.Observe(fc.loss.EstimatePercent())
	parity := fc.policy.NextStripe()
	if parity != fc.lastParity {
		fc.lastParity = parity
		fc.update(fc.policy.DataShards(), parity, "adaptive_parity_changed")
	}
}
