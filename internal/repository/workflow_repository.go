package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/poplovexz/qiyewenjian-sub002/internal/database"
	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
)

const workflowColumns = `
	w.id, w.audit_type, w.related_entity_id, w.related_entity_type,
	w.applicant_id, w.status, w.current_step_index, w.total_steps,
	w.rule_id, w.rule_version, w.matched_boundary, w.magnitude,
	w.event_attributes, w.template_snapshot, w.cancel_reason,
	w.created_at, w.updated_at, w.completed_at`

// WorkflowRepository manages workflow instances. Instance and step creation
// always happen together, inside the caller's transaction.
type WorkflowRepository struct {
	db database.Querier
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db database.Querier) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// LockEntity takes a transaction-scoped advisory lock on (auditType, entityID)
// so concurrent submissions for the same entity serialize.
func (r *WorkflowRepository) LockEntity(ctx context.Context, auditType rules.AuditType, entityID string) error {
	_, err := r.db.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		string(auditType)+":"+entityID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock audit entity")
	}
	return nil
}

// GetPendingWorkflow returns the pending workflow for an entity, or nil.
func (r *WorkflowRepository) GetPendingWorkflow(ctx context.Context, auditType rules.AuditType, entityID string) (*WorkflowInstance, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM audit_workflows w
		WHERE w.audit_type = $1
		  AND w.related_entity_id = $2
		  AND w.status = 'pending'
	`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, string(auditType), entityID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending workflow")
	}
	return wf, nil
}

// InsertWorkflow inserts a workflow and all of its steps. A concurrent pending
// workflow for the same entity surfaces as DUPLICATE_WORKFLOW.
func (r *WorkflowRepository) InsertWorkflow(ctx context.Context, wf *WorkflowInstance, steps []*StepRecord) error {
	attrsJSON, err := json.Marshal(wf.EventAttributes)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal event attributes")
	}
	templateJSON, err := json.Marshal(wf.TemplateSnapshot)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template snapshot")
	}

	wfQuery := `
		INSERT INTO audit_workflows
		    (id, audit_type, related_entity_id, related_entity_type,
		     applicant_id, status, current_step_index, total_steps,
		     rule_id, rule_version, matched_boundary, magnitude,
		     event_attributes, template_snapshot, cancel_reason,
		     created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10, $11, $12,
		        $13, $14, $15,
		        $16, $17, $18)
	`

	_, err = r.db.Exec(ctx, wfQuery,
		wf.ID,
		string(wf.AuditType),
		wf.RelatedEntityID,
		wf.RelatedEntityType,
		wf.ApplicantID,
		string(wf.Status),
		wf.CurrentStepIndex,
		wf.TotalSteps,
		wf.RuleID,
		wf.RuleVersion,
		wf.MatchedBoundary,
		wf.Magnitude,
		attrsJSON,
		templateJSON,
		wf.CancelReason,
		wf.CreatedAt,
		wf.UpdatedAt,
		wf.CompletedAt,
	)
	if isUniqueViolation(err) {
		return errors.New(errors.ErrCodeDuplicateWorkflow, "a pending workflow already exists for this entity").
			WithDetail("audit_type", string(wf.AuditType)).
			WithDetail("related_entity_id", wf.RelatedEntityID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create audit workflow")
	}

	stepQuery := `
		INSERT INTO audit_steps
		    (id, workflow_id, step_index, template_order, name,
		     approver_spec, approver_user_id, fallback_used, required,
		     status, due_at, acted_by, decision_time, comment,
		     created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $13, $14,
		        $15, $16)
	`

	for _, step := range steps {
		step.WorkflowID = wf.ID
		_, err := r.db.Exec(ctx, stepQuery,
			step.ID,
			step.WorkflowID,
			step.StepIndex,
			step.TemplateOrder,
			step.Name,
			step.ApproverSpec,
			step.ApproverUserID,
			step.FallbackUsed,
			step.Required,
			string(step.Status),
			step.DueAt,
			step.ActedBy,
			step.DecisionTime,
			step.Comment,
			step.CreatedAt,
			step.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create audit step")
		}
	}
	return nil
}

// GetWorkflow retrieves a workflow by its primary key.
func (r *WorkflowRepository) GetWorkflow(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT ` + workflowColumns + ` FROM audit_workflows w WHERE w.id = $1`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("audit_workflow", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit workflow")
	}
	return wf, nil
}

// LockWorkflow reads a workflow with a row lock held until the transaction ends.
func (r *WorkflowRepository) LockWorkflow(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT ` + workflowColumns + ` FROM audit_workflows w WHERE w.id = $1 FOR UPDATE`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("audit_workflow", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock audit workflow")
	}
	return wf, nil
}

// UpdateWorkflow persists the mutable columns of a workflow.
func (r *WorkflowRepository) UpdateWorkflow(ctx context.Context, wf *WorkflowInstance) error {
	query := `
		UPDATE audit_workflows
		SET status             = $2,
		    current_step_index = $3,
		    cancel_reason      = $4,
		    completed_at       = $5,
		    updated_at         = $6
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query,
		wf.ID,
		string(wf.Status),
		wf.CurrentStepIndex,
		wf.CancelReason,
		wf.CompletedAt,
		wf.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update audit workflow")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("audit_workflow", wf.ID)
	}
	return nil
}

// ListWorkflowsByEntity returns every workflow of an entity, newest first.
func (r *WorkflowRepository) ListWorkflowsByEntity(ctx context.Context, auditType rules.AuditType, entityID string) ([]*WorkflowInstance, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM audit_workflows w
		WHERE w.audit_type = $1 AND w.related_entity_id = $2
		ORDER BY w.created_at DESC, w.id DESC
	`

	rows, err := r.db.Query(ctx, query, string(auditType), entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list audit workflows")
	}
	defer rows.Close()

	var out []*WorkflowInstance
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit workflow")
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate audit workflows")
	}
	return out, nil
}

// ListPendingForUser returns pending workflows whose current step is pending
// and assigned to userID, oldest due date first.
func (r *WorkflowRepository) ListPendingForUser(ctx context.Context, userID string) ([]*PendingItem, error) {
	query := `
		SELECT ` + workflowColumns + `, ` + stepColumns + `
		FROM audit_workflows w
		JOIN audit_steps s
		  ON s.workflow_id = w.id
		 AND s.step_index = w.current_step_index
		WHERE w.status = 'pending'
		  AND s.status = 'pending'
		  AND s.approver_user_id = $1
		ORDER BY s.due_at ASC NULLS LAST, w.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending audits")
	}
	defer rows.Close()

	var out []*PendingItem
	for rows.Next() {
		wf := &WorkflowInstance{}
		step := &StepRecord{}
		wfRaw := workflowScanTargets(wf)
		stepRaw := stepScanTargets(step)
		if err := rows.Scan(append(wfRaw.dest, stepRaw.dest...)...); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending audit")
		}
		if err := wfRaw.finish(); err != nil {
			return nil, err
		}
		stepRaw.finish()
		out = append(out, &PendingItem{Workflow: wf, Step: step})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate pending audits")
	}
	return out, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type workflowScanner interface {
	Scan(dest ...any) error
}

type workflowTargets struct {
	wf                      *WorkflowInstance
	auditType, status       string
	attrsJSON, templateJSON []byte
	dest                    []any
}

func workflowScanTargets(wf *WorkflowInstance) *workflowTargets {
	t := &workflowTargets{wf: wf}
	t.dest = []any{
		&wf.ID,
		&t.auditType,
		&wf.RelatedEntityID,
		&wf.RelatedEntityType,
		&wf.ApplicantID,
		&t.status,
		&wf.CurrentStepIndex,
		&wf.TotalSteps,
		&wf.RuleID,
		&wf.RuleVersion,
		&wf.MatchedBoundary,
		&wf.Magnitude,
		&t.attrsJSON,
		&t.templateJSON,
		&wf.CancelReason,
		&wf.CreatedAt,
		&wf.UpdatedAt,
		&wf.CompletedAt,
	}
	return t
}

func (t *workflowTargets) finish() error {
	t.wf.AuditType = rules.AuditType(t.auditType)
	t.wf.Status = WorkflowStatus(t.status)
	if len(t.attrsJSON) > 0 {
		if err := json.Unmarshal(t.attrsJSON, &t.wf.EventAttributes); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal event attributes")
		}
	}
	if len(t.templateJSON) > 0 {
		if err := json.Unmarshal(t.templateJSON, &t.wf.TemplateSnapshot); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal template snapshot")
		}
	}
	return nil
}

func scanWorkflow(row workflowScanner) (*WorkflowInstance, error) {
	wf := &WorkflowInstance{}
	t := workflowScanTargets(wf)
	if err := row.Scan(t.dest...); err != nil {
		return nil, err
	}
	if err := t.finish(); err != nil {
		return nil, err
	}
	return wf, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return err != nil && errors.As(err, &pgErr) && pgErr.Code == "23505"
}
