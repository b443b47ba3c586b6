package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
	"github.com/poplovexz/qiyewenjian-sub002/internal/repository"
	"github.com/poplovexz/qiyewenjian-sub002/internal/telemetry"
)

// StepAction is a decision taken on the current step.
type StepAction string

const (
	ActionApprove  StepAction = "approve"
	ActionReject   StepAction = "reject"
	ActionTransfer StepAction = "transfer"
)

// ParseStepAction validates a wire value.
func ParseStepAction(raw string) (StepAction, error) {
	switch a := StepAction(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionApprove, ActionReject, ActionTransfer:
		return a, nil
	}
	return "", errors.InvalidInput("action", fmt.Sprintf("unknown action %q", raw))
}

// StepActionRequest is one approve/reject/transfer decision.
type StepActionRequest struct {
	WorkflowID       string
	StepID           string
	ActorID          string
	Action           StepAction
	Comment          string
	TransferToUserID string
	// RequireApprover rejects the action with UNAUTHORIZED unless ActorID is
	// the step's approver at the time the workflow is locked.
	RequireApprover bool
}

// ActionResult reports the committed state after a step action. When
// AlreadyProcessed is set nothing changed and the state is the one an
// earlier action left behind.
type ActionResult struct {
	Success          bool
	AlreadyProcessed bool
	WorkflowComplete bool
	WorkflowStatus   repository.WorkflowStatus
	StepStatus       repository.StepStatus
	CurrentStepIndex int
	Workflow         *repository.WorkflowInstance
	Step             *repository.StepRecord
}

// ProcessStepAction applies an action to the current step of a pending
// workflow. The workflow row stays locked for the whole transition.
func (s *AuditService) ProcessStepAction(ctx context.Context, req StepActionRequest) (*ActionResult, error) {
	if err := validateActionRequest(req); err != nil {
		return nil, err
	}

	var (
		result *ActionResult
		events []Event
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		result, events = nil, nil

		wf, err := tx.LockWorkflow(ctx, req.WorkflowID)
		if err != nil {
			return err
		}
		steps, err := tx.ListSteps(ctx, wf.ID)
		if err != nil {
			return err
		}
		step := findStep(steps, req.StepID)
		if step == nil {
			return errors.NotFound("step", req.StepID).WithDetail("workflow_id", wf.ID)
		}
		if req.RequireApprover && step.ApproverUserID != req.ActorID {
			return errors.New(errors.ErrCodeUnauthorized, "actor is not the approver of this step").
				WithDetail("step_id", step.ID)
		}

		if step.Status != repository.StepPending {
			result = alreadyProcessed(wf, step)
			return nil
		}
		if wf.Status != repository.WorkflowPending {
			return errors.Newf(errors.ErrCodeInvalidTransition, "workflow is %s", wf.Status).
				WithDetail("workflow_id", wf.ID)
		}
		if step.StepIndex != wf.CurrentStepIndex {
			return errors.Newf(errors.ErrCodeInvalidTransition,
				"step %d is not the current step %d", step.StepIndex, wf.CurrentStepIndex).
				WithDetail("workflow_id", wf.ID).
				WithDetail("step_id", step.ID)
		}

		switch req.Action {
		case ActionApprove:
			events, err = s.approve(ctx, tx, wf, steps, step, req)
		case ActionReject:
			events, err = s.reject(ctx, tx, wf, steps, step, req)
		case ActionTransfer:
			var noop bool
			noop, events, err = s.transfer(ctx, tx, wf, step, req)
			if err == nil && noop {
				result = alreadyProcessed(wf, step)
				return nil
			}
		}
		if err != nil {
			return err
		}
		result = &ActionResult{
			Success:          true,
			WorkflowComplete: wf.Status.IsTerminal(),
			WorkflowStatus:   wf.Status,
			StepStatus:       step.Status,
			CurrentStepIndex: wf.CurrentStepIndex,
			Workflow:         wf,
			Step:             step,
		}
		return nil
	})
	if err != nil {
		outcome := "failed"
		switch errors.CodeOf(err) {
		case errors.ErrCodeInvalidTransition:
			outcome = "rejected_transition"
		case errors.ErrCodeUnauthorized:
			outcome = "unauthorized"
		}
		telemetry.StepActionsTotal.WithLabelValues(string(req.Action), outcome).Inc()
		return nil, err
	}

	if result.AlreadyProcessed {
		telemetry.StepActionsTotal.WithLabelValues(string(req.Action), "already_processed").Inc()
		s.log.Info().
			Str("workflow_id", req.WorkflowID).
			Str("step_id", req.StepID).
			Str("action", string(req.Action)).
			Str("step_status", string(result.StepStatus)).
			Msg("Step already processed, nothing to do")
		return result, nil
	}

	telemetry.StepActionsTotal.WithLabelValues(string(req.Action), "applied").Inc()
	if result.WorkflowComplete {
		telemetry.WorkflowsCompletedTotal.WithLabelValues(string(result.Workflow.AuditType), string(result.WorkflowStatus)).Inc()
	}
	s.log.Info().
		Str("workflow_id", result.Workflow.ID).
		Str("step_id", result.Step.ID).
		Str("action", string(req.Action)).
		Str("actor_id", req.ActorID).
		Str("workflow_status", string(result.WorkflowStatus)).
		Int("current_step_index", result.CurrentStepIndex).
		Msg("Step action applied")

	s.publish(ctx, events...)
	return result, nil
}

func validateActionRequest(req StepActionRequest) error {
	if strings.TrimSpace(req.WorkflowID) == "" {
		return errors.InvalidInput("workflow_id", "workflow id is required")
	}
	if strings.TrimSpace(req.StepID) == "" {
		return errors.InvalidInput("step_id", "step id is required")
	}
	if strings.TrimSpace(req.ActorID) == "" {
		return errors.InvalidInput("actor_id", "actor id is required")
	}
	switch req.Action {
	case ActionApprove, ActionReject:
	case ActionTransfer:
		if strings.TrimSpace(req.TransferToUserID) == "" {
			return errors.InvalidInput("transfer_to_user_id", "transfer target is required")
		}
	default:
		return errors.InvalidInput("action", fmt.Sprintf("unknown action %q", req.Action))
	}
	return nil
}

// ── Transitions ──────────────────────────────────────────────────────────────

func (s *AuditService) approve(ctx context.Context, tx repository.Tx, wf *repository.WorkflowInstance, steps []*repository.StepRecord, step *repository.StepRecord, req StepActionRequest) ([]Event, error) {
	now := s.now()
	decide(step, repository.StepApproved, req.ActorID, req.Comment, now)
	if err := tx.UpdateStep(ctx, step); err != nil {
		return nil, err
	}

	var events []Event
	if step.StepIndex < wf.TotalSteps {
		wf.CurrentStepIndex = step.StepIndex + 1
		if next := stepAt(steps, wf.CurrentStepIndex); next != nil {
			events = append(events, stepAssignedEvent(wf, next, now))
		}
	} else {
		wf.Status = repository.WorkflowApproved
		wf.CurrentStepIndex = wf.TotalSteps + 1
		wf.CompletedAt = timePtr(now)
		events = append(events, workflowEvent(EventWorkflowApproved, wf, step, req.ActorID, req.Comment, now))
	}
	wf.UpdatedAt = now
	if err := tx.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return events, s.appendStepHistory(ctx, tx, wf, step, repository.ActionApproved, req.ActorID, req.Comment, nil, now)
}

func (s *AuditService) reject(ctx context.Context, tx repository.Tx, wf *repository.WorkflowInstance, steps []*repository.StepRecord, step *repository.StepRecord, req StepActionRequest) ([]Event, error) {
	now := s.now()
	decide(step, repository.StepRejected, req.ActorID, req.Comment, now)
	if err := tx.UpdateStep(ctx, step); err != nil {
		return nil, err
	}
	if err := skipPending(ctx, tx, steps, step.StepIndex, now); err != nil {
		return nil, err
	}

	wf.Status = repository.WorkflowRejected
	wf.CurrentStepIndex = wf.TotalSteps + 1
	wf.CompletedAt = timePtr(now)
	wf.UpdatedAt = now
	if err := tx.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	if err := s.appendStepHistory(ctx, tx, wf, step, repository.ActionRejected, req.ActorID, req.Comment, nil, now); err != nil {
		return nil, err
	}
	return []Event{workflowEvent(EventWorkflowRejected, wf, step, req.ActorID, req.Comment, now)}, nil
}

// transfer reassigns the current step. The step stays pending. A transfer to
// the current approver reports noop.
func (s *AuditService) transfer(ctx context.Context, tx repository.Tx, wf *repository.WorkflowInstance, step *repository.StepRecord, req StepActionRequest) (bool, []Event, error) {
	target, err := s.resolver.ResolveTransferTarget(ctx, tx, req.TransferToUserID)
	if err != nil {
		return false, nil, err
	}
	if target == step.ApproverUserID {
		return true, nil, nil
	}

	now := s.now()
	from := step.ApproverUserID
	note := fmt.Sprintf("transferred from %s to %s", from, target)
	if c := strings.TrimSpace(req.Comment); c != "" {
		note += ": " + c
	}
	step.ApproverUserID = target
	step.FallbackUsed = false
	step.Comment = strPtr(note)
	step.UpdatedAt = now
	if err := tx.UpdateStep(ctx, step); err != nil {
		return false, nil, err
	}

	wf.UpdatedAt = now
	if err := tx.UpdateWorkflow(ctx, wf); err != nil {
		return false, nil, err
	}
	md := map[string]any{"from_user_id": from, "to_user_id": target}
	if err := s.appendStepHistory(ctx, tx, wf, step, repository.ActionTransferred, req.ActorID, note, md, now); err != nil {
		return false, nil, err
	}
	return false, []Event{stepAssignedEvent(wf, step, now)}, nil
}

// CancelWorkflow withdraws a pending workflow. Remaining pending steps are
// skipped.
func (s *AuditService) CancelWorkflow(ctx context.Context, workflowID, actorID, reason string) (*repository.WorkflowInstance, error) {
	if strings.TrimSpace(workflowID) == "" {
		return nil, errors.InvalidInput("workflow_id", "workflow id is required")
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, errors.InvalidInput("actor_id", "actor id is required")
	}

	var wf *repository.WorkflowInstance
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		locked, err := tx.LockWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if locked.Status != repository.WorkflowPending {
			return errors.Newf(errors.ErrCodeInvalidTransition, "workflow is %s", locked.Status).
				WithDetail("workflow_id", locked.ID)
		}
		steps, err := tx.ListSteps(ctx, locked.ID)
		if err != nil {
			return err
		}

		now := s.now()
		if err := skipPending(ctx, tx, steps, 0, now); err != nil {
			return err
		}
		locked.Status = repository.WorkflowCancelled
		locked.CurrentStepIndex = locked.TotalSteps + 1
		locked.CancelReason = strPtr(reason)
		locked.CompletedAt = timePtr(now)
		locked.UpdatedAt = now
		if err := tx.UpdateWorkflow(ctx, locked); err != nil {
			return err
		}
		wf = locked
		return tx.AppendHistory(ctx, &repository.HistoryEntry{
			ID:              s.newID(),
			WorkflowID:      locked.ID,
			AuditType:       locked.AuditType,
			RelatedEntityID: locked.RelatedEntityID,
			Action:          repository.ActionCancelled,
			ActorID:         actorID,
			Comment:         strPtr(reason),
			CreatedAt:       now,
		})
	})
	if err != nil {
		return nil, err
	}

	telemetry.WorkflowsCompletedTotal.WithLabelValues(string(wf.AuditType), string(wf.Status)).Inc()
	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("actor_id", actorID).
		Msg("Audit workflow cancelled")
	s.publish(ctx, workflowEvent(EventWorkflowCancelled, wf, nil, actorID, reason, *wf.CompletedAt))
	return wf, nil
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func decide(step *repository.StepRecord, status repository.StepStatus, actorID, comment string, at time.Time) {
	step.Status = status
	step.ActedBy = strPtr(actorID)
	step.DecisionTime = timePtr(at)
	step.Comment = strPtr(comment)
	step.UpdatedAt = at
}

// skipPending marks every pending step after index as skipped.
func skipPending(ctx context.Context, tx repository.Tx, steps []*repository.StepRecord, after int, at time.Time) error {
	for _, st := range steps {
		if st.StepIndex <= after || st.Status != repository.StepPending {
			continue
		}
		st.Status = repository.StepSkipped
		st.UpdatedAt = at
		if err := tx.UpdateStep(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (s *AuditService) appendStepHistory(ctx context.Context, tx repository.Tx, wf *repository.WorkflowInstance, step *repository.StepRecord, action repository.HistoryAction, actorID, comment string, md map[string]any, at time.Time) error {
	return tx.AppendHistory(ctx, &repository.HistoryEntry{
		ID:              s.newID(),
		WorkflowID:      wf.ID,
		StepID:          strPtr(step.ID),
		StepIndex:       intPtr(step.StepIndex),
		AuditType:       wf.AuditType,
		RelatedEntityID: wf.RelatedEntityID,
		Action:          action,
		ActorID:         actorID,
		Comment:         strPtr(comment),
		Metadata:        md,
		CreatedAt:       at,
	})
}

func alreadyProcessed(wf *repository.WorkflowInstance, step *repository.StepRecord) *ActionResult {
	return &ActionResult{
		Success:          true,
		AlreadyProcessed: true,
		WorkflowComplete: wf.Status.IsTerminal(),
		WorkflowStatus:   wf.Status,
		StepStatus:       step.Status,
		CurrentStepIndex: wf.CurrentStepIndex,
		Workflow:         wf,
		Step:             step,
	}
}

func findStep(steps []*repository.StepRecord, id string) *repository.StepRecord {
	for _, st := range steps {
		if st.ID == id {
			return st
		}
	}
	return nil
}

func stepAt(steps []*repository.StepRecord, index int) *repository.StepRecord {
	for _, st := range steps {
		if st.StepIndex == index {
			return st
		}
	}
	return nil
}
