package service

import (
	"context"
	"time"

	"github.com/poplovexz/qiyewenjian-sub002/internal/repository"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
)

// EventType names a post-commit workflow event.
type EventType string

const (
	EventStepAssigned      EventType = "step_assigned"
	EventWorkflowApproved  EventType = "workflow_approved"
	EventWorkflowRejected  EventType = "workflow_rejected"
	EventWorkflowCancelled EventType = "workflow_cancelled"
)

// Event is emitted after the transaction that caused it has committed.
type Event struct {
	// ID identifies one emitted event; redeliveries of the event keep it.
	ID                string          `json:"id"`
	Type              EventType       `json:"type"`
	WorkflowID        string          `json:"workflow_id"`
	AuditType         rules.AuditType `json:"audit_type"`
	RelatedEntityID   string          `json:"related_entity_id"`
	RelatedEntityType string          `json:"related_entity_type"`
	ApplicantID       string          `json:"applicant_id"`
	StepID            string          `json:"step_id,omitempty"`
	StepIndex         int             `json:"step_index,omitempty"`
	StepName          string          `json:"step_name,omitempty"`
	ApproverUserID    string          `json:"approver_user_id,omitempty"`
	ActorID           string          `json:"actor_id,omitempty"`
	Comment           string          `json:"comment,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
}

// EventPublisher receives committed events. Publish must not block on
// delivery and never fails the operation that produced the event.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

// MultiPublisher fans an event out to several publishers in order.
type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(ctx context.Context, event Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, event)
		}
	}
}

// publish stamps each event with a fresh id and hands it to the publisher.
func (s *AuditService) publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = s.newID()
		}
		s.publisher.Publish(ctx, ev)
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

func stepAssignedEvent(wf *repository.WorkflowInstance, step *repository.StepRecord, at time.Time) Event {
	return Event{
		Type:              EventStepAssigned,
		WorkflowID:        wf.ID,
		AuditType:         wf.AuditType,
		RelatedEntityID:   wf.RelatedEntityID,
		RelatedEntityType: wf.RelatedEntityType,
		ApplicantID:       wf.ApplicantID,
		StepID:            step.ID,
		StepIndex:         step.StepIndex,
		StepName:          step.Name,
		ApproverUserID:    step.ApproverUserID,
		OccurredAt:        at,
	}
}

func workflowEvent(typ EventType, wf *repository.WorkflowInstance, step *repository.StepRecord, actorID, comment string, at time.Time) Event {
	ev := Event{
		Type:              typ,
		WorkflowID:        wf.ID,
		AuditType:         wf.AuditType,
		RelatedEntityID:   wf.RelatedEntityID,
		RelatedEntityType: wf.RelatedEntityType,
		ApplicantID:       wf.ApplicantID,
		ActorID:           actorID,
		Comment:           comment,
		OccurredAt:        at,
	}
	if step != nil {
		ev.StepID = step.ID
		ev.StepIndex = step.StepIndex
		ev.StepName = step.Name
		ev.ApproverUserID = step.ApproverUserID
	}
	return ev
}
