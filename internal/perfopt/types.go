// Package perfopt sits between the consensus engine and transport:
// batching proposals, pipelining PBFT's three phases, speculatively
// executing high-confidence proposals ahead of commit, and caching
// message results by digest to short-circuit exact duplicates. An
// adaptive controller nudges batch size and pipeline depth toward
// measured latency/throughput targets.
package perfopt

import "time"

// Config tunes every facility the optimiser owns.
type Config struct {
	BatchSize          int
	BatchTimeout       time.Duration
	PipelineDepth      int
	ParallelProcessing bool
	SpeculationThreshold float64
	CacheSize          int
	AdjustmentFactor   float64
	LatencyTarget      time.Duration
	ThroughputTarget   float64 // proposals/sec
}

// DefaultConfig returns the thresholds named in the spec.
func DefaultConfig() Config {
	return Config{
		BatchSize:            50,
		BatchTimeout:         100 * time.Millisecond,
		PipelineDepth:        4,
		ParallelProcessing:   true,
		SpeculationThreshold: 0.8,
		CacheSize:            10_000,
		AdjustmentFactor:     0.1,
		LatencyTarget:        200 * time.Millisecond,
		ThroughputTarget:     500,
	}
}

// Batch is a group of proposals flushed together, identified by a
// combined hash of every member proposal's content hash.
type Batch struct {
	ProposalIDs  []string
	CombinedHash string
	Items        [][]byte
}

// Speculation is a proposal executed ahead of its real commit, pending
// confirmation or rollback once consensus actually resolves it.
type Speculation struct {
	ProposalID string
	Confidence float64
	Result     []byte
	Committed  bool
	RolledBack bool
}
