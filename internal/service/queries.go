package service

import (
	"context"
	"strings"

	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
	"github.com/poplovexz/qiyewenjian-sub002/internal/repository"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
)

// WorkflowView is a workflow instance with its steps in index order.
type WorkflowView struct {
	Workflow *repository.WorkflowInstance
	Steps    []*repository.StepRecord
}

// GetPendingForUser lists the workflows waiting on userID, earliest due first.
func (s *AuditService) GetPendingForUser(ctx context.Context, userID string) ([]*repository.PendingItem, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.InvalidInput("user_id", "user id is required")
	}
	return s.store.ListPendingForUser(ctx, userID)
}

// GetHistory lists every workflow ever created for an entity, newest first.
func (s *AuditService) GetHistory(ctx context.Context, auditType rules.AuditType, entityID string) ([]*repository.WorkflowInstance, error) {
	if err := validateEntityRef(auditType, entityID); err != nil {
		return nil, err
	}
	return s.store.ListWorkflowsByEntity(ctx, auditType, entityID)
}

// GetWorkflow loads one workflow with its steps.
func (s *AuditService) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowView, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	return &WorkflowView{Workflow: wf, Steps: steps}, nil
}

// GetActiveWorkflow returns the pending workflow of an entity.
func (s *AuditService) GetActiveWorkflow(ctx context.Context, auditType rules.AuditType, entityID string) (*WorkflowView, error) {
	if err := validateEntityRef(auditType, entityID); err != nil {
		return nil, err
	}
	wf, err := s.store.GetPendingWorkflow(ctx, auditType, entityID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, errors.NotFound("pending audit_workflow", string(auditType)+":"+entityID)
	}
	steps, err := s.store.ListSteps(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	return &WorkflowView{Workflow: wf, Steps: steps}, nil
}

// GetDecisionLog returns the history entries of an entity, oldest first.
func (s *AuditService) GetDecisionLog(ctx context.Context, auditType rules.AuditType, entityID string) ([]*repository.HistoryEntry, error) {
	if err := validateEntityRef(auditType, entityID); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, auditType, entityID)
}

// ListNotifications lists a recipient's notifications, newest first.
func (s *AuditService) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool) ([]*repository.Notification, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, errors.InvalidInput("recipient_id", "recipient id is required")
	}
	return s.store.ListNotifications(ctx, recipientID, unreadOnly)
}

// MarkNotificationRead marks a notification read. Marking twice keeps the
// first read time.
func (s *AuditService) MarkNotificationRead(ctx context.Context, notificationID, recipientID string) (*repository.Notification, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, errors.InvalidInput("recipient_id", "recipient id is required")
	}
	return s.store.MarkNotificationRead(ctx, notificationID, recipientID, s.now())
}

func validateEntityRef(auditType rules.AuditType, entityID string) error {
	if _, ok := rules.StrategyFor(auditType); !ok {
		return errors.InvalidInput("audit_type", "unknown audit type "+string(auditType))
	}
	if strings.TrimSpace(entityID) == "" {
		return errors.InvalidInput("entity_id", "related entity id is required")
	}
	return nil
}
