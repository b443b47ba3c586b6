package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poplovexz/qiyewenjian-sub002/internal/logger"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
	"github.com/poplovexz/qiyewenjian-sub002/internal/service"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestEventPublisherSubjectsAndPayload(t *testing.T) {
	conn := &fakeConn{}
	p := NewEventPublisher(conn, "", logger.Nop())

	p.Publish(context.Background(), service.Event{
		Type:            service.EventWorkflowApproved,
		WorkflowID:      "wf-1",
		AuditType:       rules.BankRemittance,
		RelatedEntityID: "pay-1",
		ActorID:         "dir-1",
	})

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "audit.events.workflow_approved", conn.subjects[0])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, "wf-1", decoded["workflow_id"])
	assert.Equal(t, "bank_remittance", decoded["audit_type"])
	assert.NotContains(t, decoded, "step_id")
}

func TestEventPublisherIsNonFatal(t *testing.T) {
	conn := &fakeConn{err: stderrors.New("nats: connection closed")}
	p := NewEventPublisher(conn, "erp.audit", logger.Nop())

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), service.Event{Type: service.EventStepAssigned, WorkflowID: "wf-1"})
	})
	assert.Equal(t, "erp.audit.step_assigned", p.Subject(service.EventStepAssigned))

	detached := NewEventPublisher(nil, "", logger.Nop())
	assert.NotPanics(t, func() {
		detached.Publish(context.Background(), service.Event{Type: service.EventStepAssigned})
	})
}
