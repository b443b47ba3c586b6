package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/poplovexz/qiyewenjian-sub002/internal/database"
	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
)

const ruleColumns = `
	id, rule_key, version, audit_type,
	trigger_condition, step_template,
	enabled, priority, created_by, created_at`

// AuditRulesRepository handles the versioned audit_rules table.
type AuditRulesRepository struct {
	db database.Querier
}

// NewAuditRulesRepository creates a new AuditRulesRepository.
func NewAuditRulesRepository(db database.Querier) *AuditRulesRepository {
	return &AuditRulesRepository{db: db}
}

// InsertRule stores a new rule version. Rule rows are never updated except
// for the enabled flag.
func (r *AuditRulesRepository) InsertRule(ctx context.Context, rule *AuditRule) error {
	triggerJSON, err := json.Marshal(rule.Trigger)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal trigger condition")
	}
	templateJSON, err := json.Marshal(rule.Template)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal step template")
	}

	query := `
		INSERT INTO audit_rules
		    (id, rule_key, version, audit_type,
		     trigger_condition, step_template,
		     enabled, priority, created_by, created_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6,
		        $7, $8, $9, $10)
	`

	_, err = r.db.Exec(ctx, query,
		rule.ID,
		rule.RuleKey,
		rule.Version,
		string(rule.AuditType),
		triggerJSON,
		templateJSON,
		rule.Enabled,
		rule.Priority,
		rule.CreatedBy,
		rule.CreatedAt,
	)
	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "rule %s version %d already exists", rule.RuleKey, rule.Version)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert audit rule")
	}
	return nil
}

// GetRule retrieves a rule version by primary key.
func (r *AuditRulesRepository) GetRule(ctx context.Context, id string) (*AuditRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM audit_rules WHERE id = $1`

	rule, err := scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("audit_rule", id)
	}
	return rule, err
}

// GetLatestRuleVersion returns the highest version of a rule key, or nil when
// the key has never been published.
func (r *AuditRulesRepository) GetLatestRuleVersion(ctx context.Context, ruleKey string) (*AuditRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM audit_rules
		WHERE rule_key = $1
		ORDER BY version DESC
		LIMIT 1
	`

	rule, err := scanRule(r.db.QueryRow(ctx, query, ruleKey))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rule, err
}

// ListEnabledRules returns the enabled rules of an audit type in evaluation order.
func (r *AuditRulesRepository) ListEnabledRules(ctx context.Context, auditType rules.AuditType) ([]*AuditRule, error) {
	return r.ListRules(ctx, auditType, false)
}

// ListRules returns rules of an audit type (all types when empty), optionally
// including disabled versions.
func (r *AuditRulesRepository) ListRules(ctx context.Context, auditType rules.AuditType, includeDisabled bool) ([]*AuditRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM audit_rules
		WHERE ($1 = '' OR audit_type = $1)
	`
	if !includeDisabled {
		query += " AND enabled = TRUE"
	}
	query += " ORDER BY priority ASC, rule_key ASC, version ASC"

	rows, err := r.db.Query(ctx, query, string(auditType))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list audit rules")
	}
	defer rows.Close()

	var out []*AuditRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeOf(err), "failed to scan audit rule")
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate audit rules")
	}
	return out, nil
}

// SetRuleEnabled flips the enabled flag of one rule version.
func (r *AuditRulesRepository) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	query := `
		UPDATE audit_rules
		SET enabled = $2
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, enabled)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update audit rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("audit_rule", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type ruleScanner interface {
	Scan(dest ...any) error
}

func scanRule(row ruleScanner) (*AuditRule, error) {
	rule := &AuditRule{}
	var auditType string
	var triggerJSON, templateJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.RuleKey,
		&rule.Version,
		&auditType,
		&triggerJSON,
		&templateJSON,
		&rule.Enabled,
		&rule.Priority,
		&rule.CreatedBy,
		&rule.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.AuditType = rules.AuditType(auditType)

	// Stored rules were validated on publish; a failure here means the row was
	// edited by hand.
	if rule.Trigger, err = rules.ParseTriggerCondition(triggerJSON); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidRule, "stored rule "+rule.ID+" has an invalid trigger condition")
	}
	if rule.Template, err = rules.ParseStepTemplate(templateJSON, rule.Trigger); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidRule, "stored rule "+rule.ID+" has an invalid step template")
	}
	return rule, nil
}
