package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/poplovexz/qiyewenjian-sub002/internal/database"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
)

// Directory is the read side of the user directory plus the workload counter
// used to rank candidate approvers.
type Directory interface {
	GetUser(ctx context.Context, id string) (*User, error)
	ListActiveUsersByRole(ctx context.Context, role string) ([]*User, error)
	CountPendingSteps(ctx context.Context, userIDs []string) (map[string]int, error)
}

// Tx is the set of operations available inside one store transaction.
type Tx interface {
	Directory

	ListEnabledRules(ctx context.Context, auditType rules.AuditType) ([]*AuditRule, error)
	ListRules(ctx context.Context, auditType rules.AuditType, includeDisabled bool) ([]*AuditRule, error)
	GetRule(ctx context.Context, id string) (*AuditRule, error)
	GetLatestRuleVersion(ctx context.Context, ruleKey string) (*AuditRule, error)
	InsertRule(ctx context.Context, rule *AuditRule) error
	SetRuleEnabled(ctx context.Context, id string, enabled bool) error

	LockEntity(ctx context.Context, auditType rules.AuditType, entityID string) error
	GetPendingWorkflow(ctx context.Context, auditType rules.AuditType, entityID string) (*WorkflowInstance, error)
	InsertWorkflow(ctx context.Context, wf *WorkflowInstance, steps []*StepRecord) error
	LockWorkflow(ctx context.Context, id string) (*WorkflowInstance, error)
	UpdateWorkflow(ctx context.Context, wf *WorkflowInstance) error
	ListSteps(ctx context.Context, workflowID string) ([]*StepRecord, error)
	UpdateStep(ctx context.Context, step *StepRecord) error
	AppendHistory(ctx context.Context, entry *HistoryEntry) error

	UpsertUser(ctx context.Context, u *User) error
}

// Store is the persistence boundary of the audit engine. State changes go
// through InTx; reads and notification writes run outside any transaction.
type Store interface {
	// InTx runs fn atomically. fn's error aborts the transaction and is
	// returned unchanged. fn must not call other Store methods.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetUser(ctx context.Context, id string) (*User, error)
	ListRules(ctx context.Context, auditType rules.AuditType, includeDisabled bool) ([]*AuditRule, error)
	GetWorkflow(ctx context.Context, id string) (*WorkflowInstance, error)
	GetPendingWorkflow(ctx context.Context, auditType rules.AuditType, entityID string) (*WorkflowInstance, error)
	ListSteps(ctx context.Context, workflowID string) ([]*StepRecord, error)
	ListWorkflowsByEntity(ctx context.Context, auditType rules.AuditType, entityID string) ([]*WorkflowInstance, error)
	ListPendingForUser(ctx context.Context, userID string) ([]*PendingItem, error)
	ListHistory(ctx context.Context, auditType rules.AuditType, entityID string) ([]*HistoryEntry, error)

	InsertNotification(ctx context.Context, n *Notification) (bool, error)
	ListNotifications(ctx context.Context, recipientID string, unreadOnly bool) ([]*Notification, error)
	MarkNotificationRead(ctx context.Context, id, recipientID string, at time.Time) (*Notification, error)

	Ping(ctx context.Context) error
}

// queries bundles every repository over one Querier.
type queries struct {
	*AuditRulesRepository
	*WorkflowRepository
	*StepsRepository
	*AuditHistoryRepository
	*NotificationsRepository
	*UsersRepository
}

func newQueries(q database.Querier) queries {
	return queries{
		AuditRulesRepository:    NewAuditRulesRepository(q),
		WorkflowRepository:      NewWorkflowRepository(q),
		StepsRepository:         NewStepsRepository(q),
		AuditHistoryRepository:  NewAuditHistoryRepository(q),
		NotificationsRepository: NewNotificationsRepository(q),
		UsersRepository:         NewUsersRepository(q),
	}
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	queries
	db *database.DB
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = queries{}
)

// NewPostgresStore creates a store over an open database.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{queries: newQueries(db), db: db}
}

// InTx runs fn inside a database transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(newQueries(tx))
	})
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
