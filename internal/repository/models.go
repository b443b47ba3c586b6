package repository

import (
	"time"

	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
)

// ── Domain types for the audit workflow ──────────────────────────────────────

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowApproved  WorkflowStatus = "approved"
	WorkflowRejected  WorkflowStatus = "rejected"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further step action is accepted.
func (s WorkflowStatus) IsTerminal() bool {
	return s != WorkflowPending
}

// StepStatus is the state of one step record.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepApproved    StepStatus = "approved"
	StepRejected    StepStatus = "rejected"
	StepTransferred StepStatus = "transferred"
	StepSkipped     StepStatus = "skipped"
)

// HistoryAction names an entry in the append-only history log.
type HistoryAction string

const (
	ActionSubmitted   HistoryAction = "submitted"
	ActionApproved    HistoryAction = "approved"
	ActionRejected    HistoryAction = "rejected"
	ActionTransferred HistoryAction = "transferred"
	ActionCancelled   HistoryAction = "cancelled"
)

// NotificationType classifies an in-app notification.
type NotificationType string

const (
	NotificationPending   NotificationType = "audit_pending"
	NotificationApproved  NotificationType = "audit_approved"
	NotificationRejected  NotificationType = "audit_rejected"
	NotificationCancelled NotificationType = "audit_cancelled"
)

// NotificationStatus is unread until the recipient marks it read.
type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "unread"
	NotificationRead   NotificationStatus = "read"
)

// NotificationPriority orders notifications in the recipient's inbox.
type NotificationPriority string

const (
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
)

// AuditRule is one immutable version of a configurable approval rule.
// Editing a rule publishes version N+1 and disables version N.
type AuditRule struct {
	ID        string
	RuleKey   string
	Version   int
	AuditType rules.AuditType
	Trigger   rules.TriggerCondition
	Template  []rules.StepTemplate
	Enabled   bool
	Priority  int // lower = evaluated first
	CreatedBy string
	CreatedAt time.Time
}

// WorkflowInstance is one running or finished approval chain for a business entity.
type WorkflowInstance struct {
	ID                string
	AuditType         rules.AuditType
	RelatedEntityID   string
	RelatedEntityType string
	ApplicantID       string
	Status            WorkflowStatus
	CurrentStepIndex  int // 1..TotalSteps while pending, TotalSteps+1 once terminal
	TotalSteps        int
	RuleID            string
	RuleVersion       int
	MatchedBoundary   *float64
	Magnitude         *float64
	EventAttributes   map[string]any
	TemplateSnapshot  []rules.StepTemplate
	CancelReason      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// StepRecord is a single approval step within a workflow.
type StepRecord struct {
	ID             string
	WorkflowID     string
	StepIndex      int
	TemplateOrder  int
	Name           string
	ApproverSpec   string
	ApproverUserID string
	FallbackUsed   bool
	Required       bool
	Status         StepStatus
	DueAt          *time.Time
	ActedBy        *string
	DecisionTime   *time.Time
	Comment        *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PendingItem pairs a pending workflow with its current step.
type PendingItem struct {
	Workflow *WorkflowInstance
	Step     *StepRecord
}

// HistoryEntry is one immutable record in the decision log.
type HistoryEntry struct {
	ID              string
	WorkflowID      string
	StepID          *string
	StepIndex       *int
	AuditType       rules.AuditType
	RelatedEntityID string
	Action          HistoryAction
	ActorID         string
	Comment         *string
	Metadata        map[string]any
	CreatedAt       time.Time
}

// Notification is an in-app message delivered to one recipient.
// (RelatedWorkflowID, RelatedStepID, Type, RecipientID) is unique.
type Notification struct {
	ID                string
	RecipientID       string
	Type              NotificationType
	Title             string
	Body              string
	RelatedWorkflowID string
	RelatedStepID     string // empty for workflow-level notifications
	// SourceEventID is the id of the event that produced the notification.
	// It is part of the idempotency key, so a step reassigned back to an
	// earlier approver notifies them again.
	SourceEventID     string
	Status            NotificationStatus
	Priority          NotificationPriority
	CreatedAt         time.Time
	ReadAt            *time.Time
}

// User is a read-only view of the user directory.
type User struct {
	ID         string
	Name       string
	Department string
	Active     bool
	Roles      []string
}

// HasRole reports whether the user holds the given role code.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
