package fec

import (
	"fmt"
	"sort"
	"sync"
)

// Threshold is one entry of the adaptive parity lookup table: at or
// above LossPercent observed loss, use Parity shards.
type Threshold struct {
	LossPercent float64
	Parity      int
}

// DefaultThresholds is the monotonic-non-decreasing table used to pick
// a parity-shard count from observed loss rate, against a fixed 50 data
// shards.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{LossPercent: 0, Parity: 5},
		{LossPercent: 5, Parity: 10},
		{LossPercent: 10, Parity: 15},
		{LossPercent: 15, Parity: 20},
		{LossPercent: 20, Parity: 25},
	}
}

// emaAlpha is the smoothing factor for the loss-rate moving average.
const emaAlpha = 0.3

// PolicyState is a snapshot of an AdaptivePolicy, for reporting.
type PolicyState struct {
	DataShards int
	Parity     int
	LossRate   float64
}

// AdaptivePolicy tracks an exponential moving average of observed
// packet-loss rate and maps it to a parity-shard count via a monotonic
// threshold table. The selected parity never decreases mid-stripe;
// NextStripe() is the only place the latched value can change.
type AdaptivePolicy struct {
	mu sync.Mutex

	dataShards int
	thresholds []Threshold // sorted ascending by LossPercent
	minParity  int
	maxParity  int
	perStripe  bool // resolves the spec's adaptive-parity-timing Open Question; default false (per-transfer, start only)

	haveSample bool
	ema        float64

	latchedParity int
}

// PolicyConfig configures an AdaptivePolicy.
type PolicyConfig struct {
	DataShards int
	Thresholds []Threshold // must be sorted ascending by LossPercent; DefaultThresholds() if nil
	MinParity  int         // default 5
	MaxParity  int         // default 25
	PerStripe  bool        // opt into re-evaluating parity at every stripe boundary instead of only at transfer start
}

// DefaultPolicyConfig returns the specification's defaults.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		DataShards: 50,
		Thresholds: DefaultThresholds(),
		MinParity:  5,
		MaxParity:  25,
	}
}

// NewAdaptivePolicy creates a policy seeded with zero observed loss,
// which resolves to the lowest parity tier until samples arrive.
func NewAdaptivePolicy(cfg PolicyConfig) *AdaptivePolicy {
	thresholds := cfg.Thresholds
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	sorted := append([]Threshold(nil), thresholds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LossPercent < sorted[j].LossPercent })

	minParity := cfg.MinParity
	if minParity <= 0 {
		minParity = 5
	}
	maxParity := cfg.MaxParity
	if maxParity <= 0 {
		maxParity = 25
	}
	dataShards := cfg.DataShards
	if dataShards <= 0 {
		dataShards = 50
	}

	p := &AdaptivePolicy{
		dataShards: dataShards,
		thresholds: sorted,
		minParity:  minParity,
		maxParity:  maxParity,
		perStripe:  cfg.PerStripe,
	}
	p.latchedParity = p.lookupLocked(0)
	return p
}

// Observe folds one new loss-rate sample (0-100 scale) into the EMA.
func (p *AdaptivePolicy) Observe(lossPercent float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.haveSample {
		p.ema = lossPercent
		p.haveSample = true
	} else {
		p.ema = emaAlpha*lossPercent + (1-emaAlpha)*p.ema
	}
}

// CurrentLossRate returns the current EMA, for reporting.
func (p *AdaptivePolicy) CurrentLossRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ema
}

// ParityForStripe returns the parity-shard count in effect for the
// stripe currently being built.
func (p *AdaptivePolicy) ParityForStripe() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latchedParity
}

// NextStripe advances the policy to the next stripe boundary. Under the
// default policy the latched parity never changes after the first
// stripe; under PerStripe it is recomputed from the current EMA and
// clamped so it never decreases.
func (p *AdaptivePolicy) NextStripe() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.perStripe {
		return p.latchedParity
	}
	next := p.lookupLocked(p.ema)
	if next > p.latchedParity {
		p.latchedParity = next
	}
	return p.latchedParity
}

// DataShards returns the fixed data-shard count this policy assumes.
func (p *AdaptivePolicy) DataShards() int {
	return p.dataShards
}

// State returns a reporting snapshot.
func (p *AdaptivePolicy) State() PolicyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PolicyState{DataShards: p.dataShards, Parity: p.latchedParity, LossRate: p.ema}
}

func (p *AdaptivePolicy) lookupLocked(lossPercent float64) int {
	parity := p.minParity
	for _, t := range p.thresholds {
		if lossPercent >= t.LossPercent {
			parity = t.Parity
		}
	}
	if parity < p.minParity {
		parity = p.minParity
	}
	if parity > p.maxParity {
		parity = p.maxParity
	}
	return parity
}

var ErrInvalidParityShards = fmt.Errorf("invalid number of parity shards")
