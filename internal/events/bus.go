package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmbft/internal/clock"
)

type subscription struct {
	id     string
	name   string
	handler Handler
	buffer  chan Event
	active  bool
}

// Bus is an in-memory, channel-backed pub/sub event bus. One goroutine
// per subscription drains its buffer and invokes the handler; a full
// buffer drops the event rather than blocking the publisher.
type Bus struct {
	mu sync.RWMutex

	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	subs    map[string]*subscription
	byName  map[string][]*subscription
	history map[string][]Event

	nextID int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a bus. Pass nil for clk to use the real wall clock.
func New(cfg Config, logger *zap.Logger, clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.New()
	}
	b := &Bus{
		cfg:     cfg,
		logger:  logger.Named("events.bus"),
		clock:   clk,
		subs:    make(map[string]*subscription),
		byName:  make(map[string][]*subscription),
		history: make(map[string][]Event),
		stopCh:  make(chan struct{}),
	}
	return b
}

// Emit satisfies bft.EventSink and every other component's event-sink
// capability interface: publish a named event with an arbitrary payload.
func (b *Bus) Emit(name string, payload map[string]interface{}) {
	b.Publish(Event{Name: name, Payload: payload, Published: b.clock.Now()})
}

// Publish delivers ev to every active subscriber of ev.Name, recording
// it to history first if history is enabled.
func (b *Bus) Publish(ev Event) {
	if ev.Published.IsZero() {
		ev.Published = b.clock.Now()
	}

	b.mu.Lock()
	if b.cfg.EnableHistory {
		b.appendHistoryLocked(ev)
	}
	subs := append([]*subscription(nil), b.byName[ev.Name]...)
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.active {
			continue
		}
		select {
		case sub.buffer <- ev:
		default:
			b.logger.Warn("event buffer full, dropping event",
				zap.String("subscription_id", sub.id),
				zap.String("event", ev.Name))
		}
	}
}

// Subscribe registers handler for events named name, returning a
// subscription ID usable with Unsubscribe.
func (b *Bus) Subscribe(name string, handler Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= b.cfg.MaxSubscriptions {
		return "", fmt.Errorf("events: maximum subscriptions reached: %d", b.cfg.MaxSubscriptions)
	}

	b.nextID++
	sub := &subscription{
		id:      fmt.Sprintf("sub-%d", b.nextID),
		name:    name,
		handler: handler,
		buffer:  make(chan Event, b.cfg.BufferSize),
		active:  true,
	}
	b.subs[sub.id] = sub
	b.byName[name] = append(b.byName[name], sub)

	b.wg.Add(1)
	go b.drain(sub)

	return sub.id, nil
}

// Unsubscribe deactivates and removes a subscription.
func (b *Bus) Unsubscribe(subID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subID]
	if !ok {
		return fmt.Errorf("events: unknown subscription %q", subID)
	}
	sub.active = false
	close(sub.buffer)
	delete(b.subs, subID)

	peers := b.byName[sub.name]
	for i, s := range peers {
		if s.id == subID {
			b.byName[sub.name] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	return nil
}

// History returns up to limit of the most recent events published under
// name (0 or negative limit returns everything retained).
func (b *Bus) History(name string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	hist := b.history[name]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}
	start := len(hist) - limit
	out := make([]Event, limit)
	copy(out, hist[start:])
	return out
}

// Close deactivates every subscription and waits for their drain
// goroutines to exit.
func (b *Bus) Close() {
	close(b.stopCh)

	b.mu.Lock()
	for _, sub := range b.subs {
		if sub.active {
			sub.active = false
			close(sub.buffer)
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for ev := range sub.buffer {
		if err := sub.handler(ev); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subscription_id", sub.id),
				zap.String("event", ev.Name),
				zap.Error(err))
		}
	}
}

// appendHistoryLocked must be called with b.mu held.
func (b *Bus) appendHistoryLocked(ev Event) {
	hist := append(b.history[ev.Name], ev)
	if len(hist) > b.cfg.MaxHistorySize {
		hist = hist[len(hist)-b.cfg.MaxHistorySize:]
	}
	b.history[ev.Name] = hist
}

// PruneHistory drops events older than HistoryRetention, intended to be
// called periodically by the façade's background loop.
func (b *Bus) PruneHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.clock.Now().Add(-b.cfg.HistoryRetention)
	for name, hist := range b.history {
		var kept []Event
		for _, ev := range hist {
			if ev.Published.After(cutoff) {
				kept = append(kept, ev)
			}
		}
		b.history[name] = kept
	}
}
