// Package events publishes pipeline lifecycle events to NATS so external
// systems (dashboards, chat bots) can follow builds without polling the admin
// API. Publishing is fire-and-forget; a broken broker never blocks a build.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/cifixer/internal/logfields"
)

// Event is the wire shape published on every state transition.
type Event struct {
	Type      string `json:"type"` // build.accepted, task.completed, task.retried, task.failed, build.completed, build.failed
	BuildID   int64  `json:"build_id"`
	TaskID    int64  `json:"task_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// Publisher is the contract the dispatcher and ingress emit events through.
type Publisher interface {
	Publish(evt Event)
	Close()
}

// NoopPublisher drops all events; used when NATS is not configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}
func (NoopPublisher) Close()        {}

// NATSPublisher publishes events on {prefix}.{type}.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to the broker. Connection failures are returned
// so the caller can decide between hard-failing startup and running without
// events.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("cifixer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	if prefix == "" {
		prefix = "cifixer.events"
	}
	slog.Info("event publisher connected", slog.String("url", url), slog.String("prefix", prefix))
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Publish sends the event. Errors are logged, never propagated; events are
// best-effort observability, not pipeline state.
func (p *NATSPublisher) Publish(evt Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("event marshal failed", logfields.Error(err))
		return
	}
	subject := p.prefix + "." + evt.Type
	if err := p.conn.Publish(subject, data); err != nil {
		slog.Warn("event publish failed", slog.String("subject", subject), logfields.Error(err))
	}
}

// Close drains the connection so queued events flush on shutdown.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}
