// Package client holds the outbound integrations of the audit service: the
// NATS event publisher and the gRPC server interceptors.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/poplovexz/qiyewenjian-sub002/internal/logger"
	"github.com/poplovexz/qiyewenjian-sub002/internal/service"
	"github.com/poplovexz/qiyewenjian-sub002/internal/telemetry"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// EventPublisher fans committed audit events out to NATS so that other
// services can react to approvals.
//
// Subject convention: <prefix>.<event_type>, e.g. audit.events.workflow_approved
//
// All publish operations are non-fatal: errors are logged and counted but
// never propagated, so a broker outage never interrupts an approval.
type EventPublisher struct {
	conn   Conn
	prefix string
	log    *logger.Logger
}

var _ service.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher on an open connection.
func NewEventPublisher(conn Conn, subjectPrefix string, log *logger.Logger) *EventPublisher {
	if subjectPrefix == "" {
		subjectPrefix = "audit.events"
	}
	return &EventPublisher{conn: conn, prefix: subjectPrefix, log: log.Component("nats_publisher")}
}

// Connect dials NATS with reconnect handlers that log through log.
func Connect(url string, log *logger.Logger) (*nats.Conn, error) {
	l := log.Component("nats")
	return nats.Connect(url,
		nats.Name("audit-workflow-service"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
}

// Subject returns the subject an event type is published on.
func (p *EventPublisher) Subject(t service.EventType) string {
	return fmt.Sprintf("%s.%s", p.prefix, t)
}

// Publish sends the event as JSON.
func (p *EventPublisher) Publish(_ context.Context, ev service.Event) {
	if p.conn == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		telemetry.EventFanoutFailuresTotal.WithLabelValues(string(ev.Type)).Inc()
		p.log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("Failed to marshal audit event")
		return
	}

	subject := p.Subject(ev.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		telemetry.EventFanoutFailuresTotal.WithLabelValues(string(ev.Type)).Inc()
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("workflow_id", ev.WorkflowID).
			Msg("Failed to publish audit event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("workflow_id", ev.WorkflowID).
		Msg("Audit event published")
}
