package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/DenisMakokha/kechita-approvals/internal/service"
)

// NATSEventPublisher publishes approval lifecycle events to NATS for the
// notification and audit services.
//
// Subject convention: <prefix>.<target_type>.<event_type>
// e.g. approvals.claim.instance_created, approvals.leave.instance_rejected
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so a broker outage cannot interrupt an approval transition.
type NATSEventPublisher struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NewNATSEventPublisher connects to NATS and returns a publisher.
func NewNATSEventPublisher(url, prefix string, log zerolog.Logger) (*NATSEventPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("kechita-approvals"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSEventPublisher{conn: conn, prefix: prefix, log: log}, nil
}

// Close drains the connection.
func (p *NATSEventPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}

// Publish implements service.EventPublisher.
func (p *NATSEventPublisher) Publish(_ context.Context, event service.Event) {
	if p.conn == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", string(event.Type)).
			Msg("events: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", p.prefix, event.TargetType, event.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("instance_id", event.InstanceID).
			Msg("events: failed to publish (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("instance_id", event.InstanceID).
		Int("approvers", len(event.Approvers)).
		Msg("events: published")
}
