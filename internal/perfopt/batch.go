package perfopt

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmbft/internal/clock"
	"github.com/ruvnet/swarmbft/internal/consensus"
)

// Batcher accumulates proposals into a queue and emits a Batch once the
// queue reaches BatchSize or BatchTimeout elapses since the first
// unflushed proposal arrived, whichever comes first.
type Batcher struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	pending  []consensus.Proposal
	timer    clock.Timer
	out      chan Batch
	adaptive *AdaptiveController

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// UseAdaptive attaches an AdaptiveController whose live BatchSize()
// supersedes the static Config.BatchSize threshold for every subsequent
// flush decision.
func (b *Batcher) UseAdaptive(ac *AdaptiveController) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adaptive = ac
}

func (b *Batcher) batchSizeLocked() int {
	if b.adaptive != nil {
		return b.adaptive.BatchSize()
	}
	return b.cfg.BatchSize
}

// NewBatcher constructs a batcher emitting flushed batches on the
// returned channel.
func NewBatcher(cfg Config, logger *zap.Logger, clk clock.Clock) *Batcher {
	if clk == nil {
		clk = clock.New()
	}
	return &Batcher{
		cfg:    cfg,
		logger: logger.Named("perfopt.batcher"),
		clock:  clk,
		out:    make(chan Batch, 16),
		stopCh: make(chan struct{}),
	}
}

// Batches returns the channel flushed batches are delivered on.
func (b *Batcher) Batches() <-chan Batch { return b.out }

// Submit adds a proposal to the pending queue, flushing immediately if
// this submission reaches BatchSize.
func (b *Batcher) Submit(p consensus.Proposal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		b.startTimerLocked()
	}
	b.pending = append(b.pending, p)

	if len(b.pending) >= b.batchSizeLocked() {
		b.flushLocked()
	}
}

func (b *Batcher) startTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = b.clock.NewTimer(b.cfg.BatchTimeout)

	b.wg.Add(1)
	go func(timer clock.Timer) {
		defer b.wg.Done()
		select {
		case <-timer.C():
			b.mu.Lock()
			b.flushLocked()
			b.mu.Unlock()
		case <-b.stopCh:
		}
	}(b.timer)
}

// flushLocked must be called with b.mu held. A no-op on an empty queue.
func (b *Batcher) flushLocked() {
	if len(b.pending) == 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	batch := Batch{
		ProposalIDs: make([]string, len(b.pending)),
		Items:       make([][]byte, len(b.pending)),
	}
	hasher := sha256.New()
	for i, p := range b.pending {
		batch.ProposalIDs[i] = p.ID
		batch.Items[i] = p.Content
		hasher.Write([]byte(p.ContentHash))
	}
	batch.CombinedHash = hex.EncodeToString(hasher.Sum(nil))
	b.pending = nil

	select {
	case b.out <- batch:
	default:
		b.logger.Warn("batch output channel full, dropping batch", zap.Int("size", len(batch.Items)))
	}
}

// Flush forces out whatever is currently pending, regardless of size or
// timeout.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Stop halts any in-flight timeout goroutine and closes the output channel,
// letting a consumer drain Batches() with a plain range loop. Callers must
// not call Submit after Stop.
func (b *Batcher) Stop() {
	close(b.stopCh)
	b.wg.Wait()
	close(b.out)
}
