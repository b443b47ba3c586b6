package handler

import (
	"time"

	"github.com/poplovexz/qiyewenjian-sub002/internal/repository"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
	"github.com/poplovexz/qiyewenjian-sub002/internal/service"
)

// ── Requests ─────────────────────────────────────────────────────────────────

type submitRequest struct {
	AuditType         string         `json:"audit_type"`
	RelatedEntityID   string         `json:"related_entity_id"`
	RelatedEntityType string         `json:"related_entity_type"`
	ApplicantID       string         `json:"applicant_id"`
	Attributes        map[string]any `json:"event_attributes"`
}

type stepActionRequest struct {
	Action           string `json:"action"`
	Comment          string `json:"comment"`
	TransferToUserID string `json:"transfer_to_user_id"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// publishRuleRequest carries the rule schema in its persisted wire shape.
type publishRuleRequest struct {
	RuleKey          string                 `json:"rule_key"`
	AuditType        string                 `json:"audit_type"`
	Priority         *int                   `json:"priority"`
	TriggerCondition rules.TriggerCondition `json:"triggerCondition"`
	StepTemplate     []rules.StepTemplate   `json:"stepTemplate"`
}

// ── Responses ────────────────────────────────────────────────────────────────

type workflowResponse struct {
	ID                string         `json:"id"`
	AuditType         string         `json:"audit_type"`
	RelatedEntityID   string         `json:"related_entity_id"`
	RelatedEntityType string         `json:"related_entity_type"`
	ApplicantID       string         `json:"applicant_id"`
	Status            string         `json:"status"`
	CurrentStepIndex  int            `json:"current_step_index"`
	TotalSteps        int            `json:"total_steps"`
	RuleID            string         `json:"rule_id"`
	RuleVersion       int            `json:"rule_version"`
	MatchedBoundary   *float64       `json:"matched_boundary,omitempty"`
	Magnitude         *float64       `json:"magnitude,omitempty"`
	EventAttributes   map[string]any `json:"event_attributes,omitempty"`
	CancelReason      *string        `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Steps             []stepResponse `json:"steps,omitempty"`
}

type stepResponse struct {
	ID             string     `json:"id"`
	StepIndex      int        `json:"step_index"`
	Name           string     `json:"name"`
	ApproverSpec   string     `json:"approver_spec"`
	ApproverUserID string     `json:"approver_user_id"`
	FallbackUsed   bool       `json:"fallback_used"`
	Required       bool       `json:"required"`
	Status         string     `json:"status"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	ActedBy        *string    `json:"acted_by,omitempty"`
	DecisionTime   *time.Time `json:"decision_time,omitempty"`
	Comment        *string    `json:"comment,omitempty"`
}

type submitResponse struct {
	AuditRequired bool              `json:"audit_required"`
	Workflow      *workflowResponse `json:"workflow,omitempty"`
}

type actionResponse struct {
	Success          bool         `json:"success"`
	AlreadyProcessed bool         `json:"already_processed"`
	WorkflowComplete bool         `json:"workflow_complete"`
	WorkflowStatus   string       `json:"workflow_status"`
	CurrentStepIndex int          `json:"current_step_index"`
	Step             stepResponse `json:"step"`
}

type pendingResponse struct {
	WorkflowID        string     `json:"workflow_id"`
	AuditType         string     `json:"audit_type"`
	RelatedEntityID   string     `json:"related_entity_id"`
	RelatedEntityType string     `json:"related_entity_type"`
	ApplicantID       string     `json:"applicant_id"`
	CurrentStepIndex  int        `json:"current_step_index"`
	TotalSteps        int        `json:"total_steps"`
	StepID            string     `json:"step_id"`
	StepName          string     `json:"step_name"`
	DueAt             *time.Time `json:"due_at,omitempty"`
	SubmittedAt       time.Time  `json:"submitted_at"`
}

type historyResponse struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	StepID     *string        `json:"step_id,omitempty"`
	StepIndex  *int           `json:"step_index,omitempty"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id"`
	Comment    *string        `json:"comment,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type ruleResponse struct {
	ID               string                 `json:"id"`
	RuleKey          string                 `json:"rule_key"`
	Version          int                    `json:"version"`
	AuditType        string                 `json:"audit_type"`
	Enabled          bool                   `json:"enabled"`
	Priority         int                    `json:"priority"`
	CreatedBy        string                 `json:"created_by"`
	CreatedAt        time.Time              `json:"created_at"`
	TriggerCondition rules.TriggerCondition `json:"triggerCondition"`
	StepTemplate     []rules.StepTemplate   `json:"stepTemplate"`
}

type notificationResponse struct {
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	Title             string     `json:"title"`
	Body              string     `json:"body"`
	RelatedWorkflowID string     `json:"related_workflow_id"`
	RelatedStepID     string     `json:"related_step_id,omitempty"`
	Status            string     `json:"status"`
	Priority          string     `json:"priority"`
	CreatedAt         time.Time  `json:"created_at"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
}

// ── Mapping ──────────────────────────────────────────────────────────────────

func toWorkflowResponse(wf *repository.WorkflowInstance, steps []*repository.StepRecord) *workflowResponse {
	resp := &workflowResponse{
		ID:                wf.ID,
		AuditType:         string(wf.AuditType),
		RelatedEntityID:   wf.RelatedEntityID,
		RelatedEntityType: wf.RelatedEntityType,
		ApplicantID:       wf.ApplicantID,
		Status:            string(wf.Status),
		CurrentStepIndex:  wf.CurrentStepIndex,
		TotalSteps:        wf.TotalSteps,
		RuleID:            wf.RuleID,
		RuleVersion:       wf.RuleVersion,
		MatchedBoundary:   wf.MatchedBoundary,
		Magnitude:         wf.Magnitude,
		EventAttributes:   wf.EventAttributes,
		CancelReason:      wf.CancelReason,
		CreatedAt:         wf.CreatedAt,
		UpdatedAt:         wf.UpdatedAt,
		CompletedAt:       wf.CompletedAt,
	}
	for _, st := range steps {
		resp.Steps = append(resp.Steps, toStepResponse(st))
	}
	return resp
}

func toStepResponse(st *repository.StepRecord) stepResponse {
	return stepResponse{
		ID:             st.ID,
		StepIndex:      st.StepIndex,
		Name:           st.Name,
		ApproverSpec:   st.ApproverSpec,
		ApproverUserID: st.ApproverUserID,
		FallbackUsed:   st.FallbackUsed,
		Required:       st.Required,
		Status:         string(st.Status),
		DueAt:          st.DueAt,
		ActedBy:        st.ActedBy,
		DecisionTime:   st.DecisionTime,
		Comment:        st.Comment,
	}
}

func toActionResponse(res *service.ActionResult) actionResponse {
	return actionResponse{
		Success:          res.Success,
		AlreadyProcessed: res.AlreadyProcessed,
		WorkflowComplete: res.WorkflowComplete,
		WorkflowStatus:   string(res.WorkflowStatus),
		CurrentStepIndex: res.CurrentStepIndex,
		Step:             toStepResponse(res.Step),
	}
}

func toPendingResponse(item *repository.PendingItem) pendingResponse {
	return pendingResponse{
		WorkflowID:        item.Workflow.ID,
		AuditType:         string(item.Workflow.AuditType),
		RelatedEntityID:   item.Workflow.RelatedEntityID,
		RelatedEntityType: item.Workflow.RelatedEntityType,
		ApplicantID:       item.Workflow.ApplicantID,
		CurrentStepIndex:  item.Workflow.CurrentStepIndex,
		TotalSteps:        item.Workflow.TotalSteps,
		StepID:            item.Step.ID,
		StepName:          item.Step.Name,
		DueAt:             item.Step.DueAt,
		SubmittedAt:       item.Workflow.CreatedAt,
	}
}

func toHistoryResponse(e *repository.HistoryEntry) historyResponse {
	return historyResponse{
		ID:         e.ID,
		WorkflowID: e.WorkflowID,
		StepID:     e.StepID,
		StepIndex:  e.StepIndex,
		Action:     string(e.Action),
		ActorID:    e.ActorID,
		Comment:    e.Comment,
		Metadata:   e.Metadata,
		CreatedAt:  e.CreatedAt,
	}
}

func toRuleResponse(r *repository.AuditRule) ruleResponse {
	return ruleResponse{
		ID:               r.ID,
		RuleKey:          r.RuleKey,
		Version:          r.Version,
		AuditType:        string(r.AuditType),
		Enabled:          r.Enabled,
		Priority:         r.Priority,
		CreatedBy:        r.CreatedBy,
		CreatedAt:        r.CreatedAt,
		TriggerCondition: r.Trigger,
		StepTemplate:     r.Template,
	}
}

func toNotificationResponse(n *repository.Notification) notificationResponse {
	return notificationResponse{
		ID:                n.ID,
		Type:              string(n.Type),
		Title:             n.Title,
		Body:              n.Body,
		RelatedWorkflowID: n.RelatedWorkflowID,
		RelatedStepID:     n.RelatedStepID,
		Status:            string(n.Status),
		Priority:          string(n.Priority),
		CreatedAt:         n.CreatedAt,
		ReadAt:            n.ReadAt,
	}
}
