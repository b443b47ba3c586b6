package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
	"github.com/poplovexz/qiyewenjian-sub002/internal/repository"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
	"github.com/poplovexz/qiyewenjian-sub002/internal/telemetry"
)

// SubmitRequest describes a business event that may require approval.
type SubmitRequest struct {
	AuditType       rules.AuditType
	RelatedEntityID string
	// RelatedEntityType defaults to the audit type's entity type.
	RelatedEntityType string
	ApplicantID       string
	Attributes        map[string]any
}

// SubmitResult is the outcome of SubmitForApproval. AuditRequired is false
// when no rule applied; no workflow was created in that case.
type SubmitResult struct {
	AuditRequired bool
	Workflow      *repository.WorkflowInstance
	Steps         []*repository.StepRecord
}

// SubmitForApproval evaluates the event and, when a rule applies, creates the
// workflow and all of its steps in one transaction.
func (s *AuditService) SubmitForApproval(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	strategy, ok := rules.StrategyFor(req.AuditType)
	if !ok {
		return nil, errors.InvalidInput("audit_type", "unknown audit type "+strconv.Quote(string(req.AuditType)))
	}
	if strings.TrimSpace(req.RelatedEntityID) == "" {
		return nil, errors.InvalidInput("related_entity_id", "related entity id is required")
	}
	if strings.TrimSpace(req.ApplicantID) == "" {
		return nil, errors.InvalidInput("applicant_id", "applicant id is required")
	}
	if req.RelatedEntityType == "" {
		req.RelatedEntityType = strategy.EntityType
	}

	var (
		wf    *repository.WorkflowInstance
		steps []*repository.StepRecord
		match *Match
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.LockEntity(ctx, req.AuditType, req.RelatedEntityID); err != nil {
			return err
		}
		existing, err := tx.GetPendingWorkflow(ctx, req.AuditType, req.RelatedEntityID)
		if err != nil {
			return err
		}
		if existing != nil {
			return errors.New(errors.ErrCodeDuplicateWorkflow, "a pending workflow already exists for this entity").
				WithDetail("existing_workflow_id", existing.ID)
		}

		candidates, err := tx.ListEnabledRules(ctx, req.AuditType)
		if err != nil {
			return err
		}
		m, ok := Evaluate(candidates, req.AuditType, req.Attributes)
		if !ok {
			return nil
		}

		built, err := s.buildSteps(ctx, tx, req, m)
		if err != nil || len(built) == 0 {
			return err
		}

		match = m
		wf, steps = s.newWorkflow(req, m, built)
		if err := tx.InsertWorkflow(ctx, wf, steps); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, &repository.HistoryEntry{
			ID:              s.newID(),
			WorkflowID:      wf.ID,
			AuditType:       wf.AuditType,
			RelatedEntityID: wf.RelatedEntityID,
			Action:          repository.ActionSubmitted,
			ActorID:         wf.ApplicantID,
			Metadata:        submissionMetadata(m, len(steps)),
			CreatedAt:       wf.CreatedAt,
		})
	})

	switch {
	case errors.Is(err, errors.ErrCodeDuplicateWorkflow):
		telemetry.WorkflowSubmissionsTotal.WithLabelValues(string(req.AuditType), "duplicate").Inc()
		s.log.Warn().
			Str("audit_type", string(req.AuditType)).
			Str("related_entity_id", req.RelatedEntityID).
			Msg("Submission rejected, a pending workflow already exists")
		return nil, err
	case err != nil:
		telemetry.WorkflowSubmissionsTotal.WithLabelValues(string(req.AuditType), "failed").Inc()
		return nil, err
	case wf == nil:
		telemetry.WorkflowSubmissionsTotal.WithLabelValues(string(req.AuditType), "no_rule").Inc()
		s.log.Info().
			Str("audit_type", string(req.AuditType)).
			Str("related_entity_id", req.RelatedEntityID).
			Msg("No applicable audit rule, proceeding without approval")
		return &SubmitResult{AuditRequired: false}, nil
	}

	telemetry.WorkflowSubmissionsTotal.WithLabelValues(string(req.AuditType), "created").Inc()
	for _, st := range steps {
		if st.FallbackUsed {
			telemetry.ApproverFallbacksTotal.WithLabelValues(string(req.AuditType)).Inc()
		}
	}

	evt := s.log.Info().
		Str("workflow_id", wf.ID).
		Str("audit_type", string(wf.AuditType)).
		Str("related_entity_id", wf.RelatedEntityID).
		Str("rule_id", match.Rule.ID).
		Int("total_steps", wf.TotalSteps)
	if b, ok := match.Boundary(); ok {
		evt = evt.Float64("matched_boundary", b)
	}
	evt.Msg("Audit workflow created")

	s.publish(ctx, stepAssignedEvent(wf, steps[0], wf.CreatedAt))
	return &SubmitResult{AuditRequired: true, Workflow: wf, Steps: steps}, nil
}

// plannedStep is a template entry with its approver resolved.
type plannedStep struct {
	tmpl       rules.StepTemplate
	resolution Resolution
}

// buildSteps filters the template by the matched boundary and resolves an
// approver for each remaining entry. An unresolvable optional step is left
// out; an unresolvable required step aborts the submission.
func (s *AuditService) buildSteps(ctx context.Context, tx repository.Tx, req SubmitRequest, m *Match) ([]plannedStep, error) {
	templates := m.Rule.Template
	if len(templates) == 0 && m.Tier != nil {
		templates = []rules.StepTemplate{{
			Order:        1,
			Name:         tierStepName(req.AuditType, m.Tier.Boundary),
			ApproverSpec: rules.TierSpec(),
			Required:     true,
		}}
	}

	department, err := s.department(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	rc := ResolveContext{
		AuditType:  req.AuditType,
		Department: department,
		Magnitude:  m.Magnitude,
		Tier:       m.Tier,
	}

	var planned []plannedStep
	for _, tmpl := range templates {
		if !m.Includes(tmpl) {
			continue
		}
		res, err := s.resolver.Resolve(ctx, tx, tmpl.ApproverSpec, rc)
		if err != nil {
			if !tmpl.Required && errors.Is(err, errors.ErrCodeApproverResolutionFailed) {
				s.log.Warn().
					Str("audit_type", string(req.AuditType)).
					Str("step", tmpl.Name).
					Msg("Optional step left out, no approver could be resolved")
				continue
			}
			return nil, err
		}
		planned = append(planned, plannedStep{tmpl: tmpl, resolution: res})
	}
	return planned, nil
}

// department prefers the event's department attribute over the applicant's.
func (s *AuditService) department(ctx context.Context, tx repository.Tx, req SubmitRequest) (string, error) {
	if d, ok := req.Attributes["department"].(string); ok && strings.TrimSpace(d) != "" {
		return d, nil
	}
	applicant, err := tx.GetUser(ctx, req.ApplicantID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return applicant.Department, nil
}

func (s *AuditService) newWorkflow(req SubmitRequest, m *Match, planned []plannedStep) (*repository.WorkflowInstance, []*repository.StepRecord) {
	now := s.now()
	wf := &repository.WorkflowInstance{
		ID:                s.newID(),
		AuditType:         req.AuditType,
		RelatedEntityID:   req.RelatedEntityID,
		RelatedEntityType: req.RelatedEntityType,
		ApplicantID:       req.ApplicantID,
		Status:            repository.WorkflowPending,
		CurrentStepIndex:  1,
		TotalSteps:        len(planned),
		RuleID:            m.Rule.ID,
		RuleVersion:       m.Rule.Version,
		Magnitude:         m.Magnitude,
		EventAttributes:   copyAttributes(req.Attributes),
		TemplateSnapshot:  append([]rules.StepTemplate(nil), m.Rule.Template...),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if b, ok := m.Boundary(); ok {
		wf.MatchedBoundary = &b
	}

	// Due dates accumulate along the chain.
	cursor := now
	steps := make([]*repository.StepRecord, len(planned))
	for i, p := range planned {
		st := &repository.StepRecord{
			ID:             s.newID(),
			WorkflowID:     wf.ID,
			StepIndex:      i + 1,
			TemplateOrder:  p.tmpl.Order,
			Name:           p.tmpl.Name,
			ApproverSpec:   p.tmpl.ApproverSpec.String(),
			ApproverUserID: p.resolution.UserID,
			FallbackUsed:   p.resolution.FallbackUsed,
			Required:       p.tmpl.Required,
			Status:         repository.StepPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if p.tmpl.ExpectedDurationHours > 0 {
			cursor = cursor.Add(time.Duration(p.tmpl.ExpectedDurationHours) * time.Hour)
			st.DueAt = timePtr(cursor)
		}
		steps[i] = st
	}
	return wf, steps
}

func submissionMetadata(m *Match, totalSteps int) map[string]any {
	md := map[string]any{
		"rule_id":      m.Rule.ID,
		"rule_key":     m.Rule.RuleKey,
		"rule_version": m.Rule.Version,
		"total_steps":  totalSteps,
	}
	if b, ok := m.Boundary(); ok {
		md["matched_boundary"] = b
		md["tier_approver"] = m.Tier.ApproverSpec.String()
	}
	if m.Magnitude != nil {
		md["magnitude"] = *m.Magnitude
	}
	return md
}

func tierStepName(t rules.AuditType, boundary float64) string {
	return fmt.Sprintf("%s approval (tier %s)", t.Label(), strconv.FormatFloat(boundary, 'f', -1, 64))
}

func copyAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
