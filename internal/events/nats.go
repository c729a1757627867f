package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSRelay forwards a subset of bus events onto a NATS subject for
// external consumers (dashboards, audit log shippers, other services),
// mirroring the teacher's broker-over-topic pattern but backed by a
// real NATS connection instead of an in-process map of channels.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSRelay connects to url and returns a relay that will publish to
// subject.
func NewNATSRelay(url, subject string, logger *zap.Logger) (*NATSRelay, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("events: connecting to NATS at %s: %w", url, err)
	}
	return &NATSRelay{conn: conn, subject: subject, logger: logger.Named("events.nats")}, nil
}

// Forward subscribes to bus under every name in names and republishes
// each delivered event onto the relay's NATS subject as JSON.
func (r *NATSRelay) Forward(bus *Bus, names ...string) error {
	for _, name := range names {
		if _, err := bus.Subscribe(name, r.publish); err != nil {
			return fmt.Errorf("events: subscribing relay to %s: %w", name, err)
		}
	}
	return nil
}

func (r *NATSRelay) publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshaling event %s: %w", ev.Name, err)
	}
	if err := r.conn.Publish(r.subject+"."+ev.Name, data); err != nil {
		r.logger.Warn("failed to relay event to NATS", zap.String("event", ev.Name), zap.Error(err))
		return err
	}
	return nil
}

// Close drains and closes the underlying NATS connection.
func (r *NATSRelay) Close() {
	r.conn.Drain()
}
