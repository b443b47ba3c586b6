package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/poplovexz/qiyewenjian-sub002/internal/database"
	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
)

const notificationColumns = `
	id, recipient_id, type, title, body,
	related_workflow_id, related_step_id,
	status, priority, created_at, read_at`

// NotificationsRepository stores in-app notifications.
type NotificationsRepository struct {
	db database.Querier
}

// NewNotificationsRepository creates a new NotificationsRepository.
func NewNotificationsRepository(db database.Querier) *NotificationsRepository {
	return &NotificationsRepository{db: db}
}

// InsertNotification stores n unless a notification with the same
// (workflow, step, type, recipient, source event) key exists. It reports
// whether a row was written.
func (r *NotificationsRepository) InsertNotification(ctx context.Context, n *Notification) (bool, error) {
	query := `
		INSERT INTO notifications
		    (id, recipient_id, type, title, body,
		     related_workflow_id, related_step_id, source_event_id,
		     status, priority, created_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8,
		        $9, $10, $11)
		ON CONFLICT (related_workflow_id, related_step_id, type, recipient_id, source_event_id) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query,
		n.ID,
		n.RecipientID,
		string(n.Type),
		n.Title,
		n.Body,
		n.RelatedWorkflowID,
		n.RelatedStepID,
		n.SourceEventID,
		string(n.Status),
		string(n.Priority),
		n.CreatedAt,
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to insert notification")
	}
	return tag.RowsAffected() > 0, nil
}

// ListNotifications returns a recipient's notifications, newest first.
func (r *NotificationsRepository) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_id = $1`
	if unreadOnly {
		query += " AND status = 'unread'"
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := r.db.Query(ctx, query, recipientID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list notifications")
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan notification")
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate notifications")
	}
	return out, nil
}

// MarkNotificationRead moves a notification from unread to read. Marking an
// already read notification is a no-op.
func (r *NotificationsRepository) MarkNotificationRead(ctx context.Context, id, recipientID string, at time.Time) (*Notification, error) {
	query := `
		UPDATE notifications
		SET status  = 'read',
		    read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND recipient_id = $2
		RETURNING ` + notificationColumns

	n, err := scanNotification(r.db.QueryRow(ctx, query, id, recipientID, at))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("notification", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to mark notification read")
	}
	return n, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type notificationScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row notificationScanner) (*Notification, error) {
	n := &Notification{}
	var typ, status, priority string
	err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&typ,
		&n.Title,
		&n.Body,
		&n.RelatedWorkflowID,
		&n.RelatedStepID,
		&status,
		&priority,
		&n.CreatedAt,
		&n.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	n.Type = NotificationType(typ)
	n.Status = NotificationStatus(status)
	n.Priority = NotificationPriority(priority)
	return n, nil
}
