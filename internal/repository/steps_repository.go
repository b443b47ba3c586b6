package repository

import (
	"context"

	"github.com/poplovexz/qiyewenjian-sub002/internal/database"
	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
)

const stepColumns = `
	s.id, s.workflow_id, s.step_index, s.template_order, s.name,
	s.approver_spec, s.approver_user_id, s.fallback_used, s.required,
	s.status, s.due_at, s.acted_by, s.decision_time, s.comment,
	s.created_at, s.updated_at`

// StepsRepository handles reads and updates on individual audit steps.
// Step creation is handled by WorkflowRepository.InsertWorkflow.
type StepsRepository struct {
	db database.Querier
}

// NewStepsRepository creates a new StepsRepository.
func NewStepsRepository(db database.Querier) *StepsRepository {
	return &StepsRepository{db: db}
}

// ListSteps returns all steps of a workflow ordered by step index.
func (r *StepsRepository) ListSteps(ctx context.Context, workflowID string) ([]*StepRecord, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM audit_steps s
		WHERE s.workflow_id = $1
		ORDER BY s.step_index ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit steps")
	}
	defer rows.Close()

	var steps []*StepRecord
	for rows.Next() {
		s := &StepRecord{}
		t := stepScanTargets(s)
		if err := rows.Scan(t.dest...); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit step")
		}
		t.finish()
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate audit steps")
	}
	return steps, nil
}

// UpdateStep records the outcome of a step action.
func (r *StepsRepository) UpdateStep(ctx context.Context, step *StepRecord) error {
	query := `
		UPDATE audit_steps
		SET status           = $2,
		    approver_user_id = $3,
		    fallback_used    = $4,
		    acted_by         = $5,
		    decision_time    = $6,
		    comment          = $7,
		    updated_at       = $8
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query,
		step.ID,
		string(step.Status),
		step.ApproverUserID,
		step.FallbackUsed,
		step.ActedBy,
		step.DecisionTime,
		step.Comment,
		step.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update audit step")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("audit_step", step.ID)
	}
	return nil
}

// CountPendingSteps returns how many pending steps each user currently holds.
// Users without pending steps are absent from the map.
func (r *StepsRepository) CountPendingSteps(ctx context.Context, userIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(userIDs))
	if len(userIDs) == 0 {
		return counts, nil
	}

	query := `
		SELECT s.approver_user_id, COUNT(*)
		FROM audit_steps s
		JOIN audit_workflows w ON w.id = s.workflow_id
		WHERE s.status = 'pending'
		  AND w.status = 'pending'
		  AND s.approver_user_id = ANY($1)
		GROUP BY s.approver_user_id
	`

	rows, err := r.db.Query(ctx, query, userIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count pending steps")
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		var n int64
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending step count")
		}
		counts[userID] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate pending step counts")
	}
	return counts, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type stepTargets struct {
	step   *StepRecord
	status string
	dest   []any
}

func stepScanTargets(s *StepRecord) *stepTargets {
	t := &stepTargets{step: s}
	t.dest = []any{
		&s.ID,
		&s.WorkflowID,
		&s.StepIndex,
		&s.TemplateOrder,
		&s.Name,
		&s.ApproverSpec,
		&s.ApproverUserID,
		&s.FallbackUsed,
		&s.Required,
		&t.status,
		&s.DueAt,
		&s.ActedBy,
		&s.DecisionTime,
		&s.Comment,
		&s.CreatedAt,
		&s.UpdatedAt,
	}
	return t
}

func (t *stepTargets) finish() {
	t.step.Status = StepStatus(t.status)
}
