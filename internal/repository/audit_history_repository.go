package repository

import (
	"context"
	"encoding/json"

	"github.com/poplovexz/qiyewenjian-sub002/internal/database"
	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
)

// AuditHistoryRepository appends and reads the immutable decision log.
type AuditHistoryRepository struct {
	db database.Querier
}

// NewAuditHistoryRepository creates a new AuditHistoryRepository.
func NewAuditHistoryRepository(db database.Querier) *AuditHistoryRepository {
	return &AuditHistoryRepository{db: db}
}

// AppendHistory inserts one entry. The table has an update/delete-prevention
// trigger so this is the only mutation exposed.
func (r *AuditHistoryRepository) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal history metadata")
		}
	}

	query := `
		INSERT INTO audit_history
		    (id, workflow_id, step_id, step_index,
		     audit_type, related_entity_id,
		     action, actor_id, comment,
		     metadata, created_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6,
		        $7, $8, $9,
		        $10, $11)
	`

	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.WorkflowID,
		entry.StepID,
		entry.StepIndex,
		string(entry.AuditType),
		entry.RelatedEntityID,
		string(entry.Action),
		entry.ActorID,
		entry.Comment,
		metadataJSON,
		entry.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit history")
	}
	return nil
}

// ListHistory returns the decision log of an entity ordered oldest-first.
func (r *AuditHistoryRepository) ListHistory(ctx context.Context, auditType rules.AuditType, entityID string) ([]*HistoryEntry, error) {
	query := `
		SELECT id, workflow_id, step_id, step_index,
		       audit_type, related_entity_id,
		       action, actor_id, comment,
		       metadata, created_at
		FROM audit_history
		WHERE audit_type = $1 AND related_entity_id = $2
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, string(auditType), entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit history")
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate audit history")
	}
	return entries, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type historyScanner interface {
	Scan(dest ...any) error
}

func scanHistoryEntry(sc historyScanner) (*HistoryEntry, error) {
	entry := &HistoryEntry{}
	var auditType, action string
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.WorkflowID,
		&entry.StepID,
		&entry.StepIndex,
		&auditType,
		&entry.RelatedEntityID,
		&action,
		&entry.ActorID,
		&entry.Comment,
		&metadataJSON,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
	}
	entry.AuditType = rules.AuditType(auditType)
	entry.Action = HistoryAction(action)

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal history metadata")
		}
	}
	return entry, nil
}
