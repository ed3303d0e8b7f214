// Package notify publishes workflow events to interested parties: approvers
// waiting on new assignments and requesters waiting on outcomes.
//
// Publishing is best-effort. Callers publish after their transaction has
// committed and never fail an approval operation because a notification
// could not be delivered.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event types.
const (
	EventInstanceCreated   = "instance_created"
	EventStepAssigned      = "step_assigned"
	EventStepDecided       = "step_decided"
	EventStepEscalated     = "step_escalated"
	EventInstanceCompleted = "instance_completed"
	EventInstanceCancelled = "instance_cancelled"
)

// Event is the JSON document published for every workflow change.
type Event struct {
	EventType    string         `json:"event_type"`
	TenantID     string         `json:"tenant_id"`
	InstanceID   string         `json:"instance_id"`
	ObjectType   string         `json:"object_type"`
	ObjectID     string         `json:"object_id"`
	StepSequence int            `json:"step_sequence,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	Recipients   []string       `json:"recipients,omitempty"`
	Status       string         `json:"status,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// LogPublisher writes events to a logger.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	p.logger.Info("workflow event",
		zap.String("event_type", evt.EventType),
		zap.String("tenant_id", evt.TenantID),
		zap.String("instance_id", evt.InstanceID),
		zap.Int("step_sequence", evt.StepSequence),
		zap.Strings("recipients", evt.Recipients),
		zap.String("status", evt.Status),
	)
	return nil
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events as JSON on subjects of the form
// <prefix>.<tenant_id>.<event_type>.
type NATSPublisher struct {
	conn   Conn
	prefix string
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "approvals"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Connect dials NATS and returns a publisher together with the connection
// so the caller can drain it on shutdown.
func Connect(url, prefix string, logger *zap.Logger) (*NATSPublisher, *nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("quorum"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSPublisher(nc, prefix), nc, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(evt Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, evt.TenantID, evt.EventType)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(evt)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// HealthCheck reports whether the underlying connection is usable.
func (p *NATSPublisher) HealthCheck(context.Context) error {
	nc, ok := p.conn.(*nats.Conn)
	if !ok {
		return nil
	}
	if !nc.IsConnected() {
		return fmt.Errorf("nats: %s", nc.Status())
	}
	return nil
}
