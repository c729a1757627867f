package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/swarmbft/internal/clock"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := New(DefaultConfig(), zaptest.NewLogger(t), nil)
	defer b.Close()

	received := make(chan Event, 1)
	_, err := b.Subscribe(string(ConsensusReached), func(ev Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	b.Emit(string(ConsensusReached), map[string]interface{}{"sequence": uint64(1)})

	select {
	case ev := <-received:
		assert.Equal(t, string(ConsensusReached), ev.Name)
		assert.Equal(t, uint64(1), ev.Payload["sequence"])
	case <-time.After(time.Second):
		t.Fatal("expected the subscriber to receive the emitted event")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(DefaultConfig(), zaptest.NewLogger(t), nil)
	defer b.Close()

	var mu sync.Mutex
	count := 0
	id, err := b.Subscribe(string(ViewChanged), func(Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	b.Emit(string(ViewChanged), nil)
	require.NoError(t, b.Unsubscribe(id))
	b.Emit(string(ViewChanged), nil)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBus_HistoryRetainsRecentEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistorySize = 2
	b := New(cfg, zaptest.NewLogger(t), nil)
	defer b.Close()

	b.Emit(string(LeaderElected), map[string]interface{}{"node": "n1"})
	b.Emit(string(LeaderElected), map[string]interface{}{"node": "n2"})
	b.Emit(string(LeaderElected), map[string]interface{}{"node": "n3"})

	hist := b.History(string(LeaderElected), 0)
	require.Len(t, hist, 2)
	assert.Equal(t, "n2", hist[0].Payload["node"])
	assert.Equal(t, "n3", hist[1].Payload["node"])
}

func TestBus_PruneHistoryDropsExpiredEvents(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	b := New(DefaultConfig(), zaptest.NewLogger(t), fc)
	defer b.Close()
	b.cfg.HistoryRetention = time.Minute

	b.Emit(string(VoteFinalized), map[string]interface{}{"proposal": "p1"})
	fc.now = fc.now.Add(2 * time.Minute)
	b.PruneHistory()

	hist := b.History(string(VoteFinalized), 0)
	assert.Empty(t, hist)
}

func TestBus_HandlerErrorDoesNotStopFutureDelivery(t *testing.T) {
	b := New(DefaultConfig(), zaptest.NewLogger(t), nil)
	defer b.Close()

	var mu sync.Mutex
	count := 0
	_, err := b.Subscribe(string(AgentQuarantined), func(Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return errors.New("handler failure")
	})
	require.NoError(t, err)

	b.Emit(string(AgentQuarantined), nil)
	b.Emit(string(AgentQuarantined), nil)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                       { return f.now }
func (f *fakeClock) After(time.Duration) <-chan time.Time  { panic("not used by events tests") }
func (f *fakeClock) NewTimer(time.Duration) clock.Timer    { panic("not used by events tests") }
func (f *fakeClock) NewTicker(time.Duration) clock.Ticker  { panic("not used by events tests") }
