package perfopt

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/swarmbft/internal/consensus"
)

func TestBatcher_FlushesOnSizeThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.BatchTimeout = time.Hour
	b := NewBatcher(cfg, zaptest.NewLogger(t), nil)
	defer b.Stop()

	b.Submit(consensus.Proposal{ID: "p1", ContentHash: "h1"})
	b.Submit(consensus.Proposal{ID: "p2", ContentHash: "h2"})

	select {
	case batch := <-b.Batches():
		assert.ElementsMatch(t, []string{"p1", "p2"}, batch.ProposalIDs)
		assert.NotEmpty(t, batch.CombinedHash)
	case <-time.After(time.Second):
		t.Fatal("expected a batch to flush once the size threshold was reached")
	}
}

func TestBatcher_FlushesOnTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 100
	cfg.BatchTimeout = 20 * time.Millisecond
	b := NewBatcher(cfg, zaptest.NewLogger(t), nil)
	defer b.Stop()

	b.Submit(consensus.Proposal{ID: "p1", ContentHash: "h1"})

	select {
	case batch := <-b.Batches():
		assert.Equal(t, []string{"p1"}, batch.ProposalIDs)
	case <-time.After(time.Second):
		t.Fatal("expected a batch to flush once the timeout elapsed")
	}
}

func TestMessageCache_LookupHitsAfterStore(t *testing.T) {
	cache, err := NewMessageCache(10)
	require.NoError(t, err)

	_, ok := cache.Lookup("digest-1")
	assert.False(t, ok)

	cache.Store("digest-1", []byte("result"))
	result, ok := cache.Lookup("digest-1")
	require.True(t, ok)
	assert.Equal(t, []byte("result"), result)
}

func TestMessageCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache, err := NewMessageCache(1)
	require.NoError(t, err)

	cache.Store("a", []byte("1"))
	cache.Store("b", []byte("2"))

	_, ok := cache.Lookup("a")
	assert.False(t, ok, "a should have been evicted once the single-entry cache filled with b")
}

func TestSpeculator_SkipsExecutionBelowThreshold(t *testing.T) {
	s := NewSpeculator(DefaultConfig(), zaptest.NewLogger(t))
	called := false

	_, executed, err := s.Execute("p1", 0.5, func() ([]byte, error) {
		called = true
		return []byte("x"), nil
	})
	require.NoError(t, err)
	assert.False(t, executed)
	assert.False(t, called)
}

func TestSpeculator_ExecutesAboveThresholdThenCommits(t *testing.T) {
	s := NewSpeculator(DefaultConfig(), zaptest.NewLogger(t))

	spec, executed, err := s.Execute("p1", 0.95, func() ([]byte, error) {
		return []byte("result"), nil
	})
	require.NoError(t, err)
	require.True(t, executed)
	assert.Equal(t, []byte("result"), spec.Result)

	s.Commit("p1")
	_, pending := s.Pending("p1")
	assert.False(t, pending)
}

func TestSpeculator_PropagatesExecutionError(t *testing.T) {
	s := NewSpeculator(DefaultConfig(), zaptest.NewLogger(t))
	_, _, err := s.Execute("p1", 0.95, func() ([]byte, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
}

func TestAdaptiveController_ShrinksUnderHighLatency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 50
	cfg.LatencyTarget = 100 * time.Millisecond
	cfg.ThroughputTarget = 0
	cfg.AdjustmentFactor = 0.2
	a := NewAdaptiveController(cfg, zaptest.NewLogger(t))

	a.Observe((300 * time.Millisecond).Nanoseconds(), 0)
	assert.Less(t, a.BatchSize(), 50)
}

func TestAdaptiveController_GrowsUnderLowLatency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 50
	cfg.LatencyTarget = 100 * time.Millisecond
	cfg.ThroughputTarget = 0
	cfg.AdjustmentFactor = 0.2
	a := NewAdaptiveController(cfg, zaptest.NewLogger(t))

	a.Observe((10 * time.Millisecond).Nanoseconds(), 0)
	assert.Greater(t, a.BatchSize(), 50)
}
