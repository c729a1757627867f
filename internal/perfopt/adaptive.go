package perfopt

import (
	"sync"

	"go.uber.org/zap"
)

// AdaptiveController nudges BatchSize and PipelineDepth toward the
// configured latency and throughput targets whenever a measurement
// deviates from target by more than 10%.
type AdaptiveController struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger

	batchSize     int
	pipelineDepth int
}

// NewAdaptiveController starts at the config's initial batch size and
// pipeline depth.
func NewAdaptiveController(cfg Config, logger *zap.Logger) *AdaptiveController {
	return &AdaptiveController{
		cfg:           cfg,
		logger:        logger.Named("perfopt.adaptive"),
		batchSize:     cfg.BatchSize,
		pipelineDepth: cfg.PipelineDepth,
	}
}

// BatchSize returns the current adaptive batch size.
func (a *AdaptiveController) BatchSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batchSize
}

// PipelineDepth returns the current adaptive pipeline depth.
func (a *AdaptiveController) PipelineDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pipelineDepth
}

// Observe records a latency/throughput measurement and nudges batchSize
// and pipelineDepth toward whichever direction closes the gap to target,
// by AdjustmentFactor, when the deviation exceeds 10%.
func (a *AdaptiveController) Observe(latencyNanos int64, throughput float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	targetNanos := float64(a.cfg.LatencyTarget.Nanoseconds())
	if targetNanos > 0 {
		deviation := (float64(latencyNanos) - targetNanos) / targetNanos
		if deviation > 0.1 {
			// Running hotter than target: shrink batches and pipeline depth
			// to cut per-round latency.
			a.batchSize = shrink(a.batchSize, a.cfg.AdjustmentFactor)
			a.pipelineDepth = shrink(a.pipelineDepth, a.cfg.AdjustmentFactor)
		} else if deviation < -0.1 {
			a.batchSize = grow(a.batchSize, a.cfg.AdjustmentFactor)
			a.pipelineDepth = grow(a.pipelineDepth, a.cfg.AdjustmentFactor)
		}
	}

	if a.cfg.ThroughputTarget > 0 {
		deviation := (throughput - a.cfg.ThroughputTarget) / a.cfg.ThroughputTarget
		if deviation < -0.1 {
			a.batchSize = grow(a.batchSize, a.cfg.AdjustmentFactor)
		} else if deviation > 0.1 {
			a.batchSize = shrink(a.batchSize, a.cfg.AdjustmentFactor)
		}
	}

	if a.batchSize < 1 {
		a.batchSize = 1
	}
	if a.pipelineDepth < 1 {
		a.pipelineDepth = 1
	}
}

func grow(v int, factor float64) int {
	n := int(float64(v) * (1 + factor))
	if n <= v {
		n = v + 1
	}
	return n
}

func shrink(v int, factor float64) int {
	n := int(float64(v) * (1 - factor))
	if n >= v {
		n = v - 1
	}
	return n
}
