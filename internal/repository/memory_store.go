package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
)

// MemoryStore is an in-process Store used by tests and local runs.
// Transactions are serialized behind one mutex; each works on a copy of the
// state that replaces the live state on success.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

var _ Store = (*MemoryStore)(nil)

type memState struct {
	rules         map[string]AuditRule
	ruleOrder     []string
	workflows     map[string]WorkflowInstance
	workflowOrder []string
	steps         map[string]StepRecord
	history       []HistoryEntry
	users         map[string]User
	notifications map[string]Notification
	notifOrder    []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		rules:         make(map[string]AuditRule),
		workflows:     make(map[string]WorkflowInstance),
		steps:         make(map[string]StepRecord),
		users:         make(map[string]User),
		notifications: make(map[string]Notification),
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		rules:         cloneMap(s.rules),
		ruleOrder:     slices.Clone(s.ruleOrder),
		workflows:     cloneMap(s.workflows),
		workflowOrder: slices.Clone(s.workflowOrder),
		steps:         cloneMap(s.steps),
		history:       slices.Clone(s.history),
		users:         cloneMap(s.users),
		notifications: cloneMap(s.notifications),
		notifOrder:    slices.Clone(s.notifOrder),
	}
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// InTx runs fn against a private copy of the state and publishes the copy
// when fn succeeds.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to begin transaction")
	}
	work := m.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) read() *memTx {
	return &memTx{st: m.state}
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetUser(ctx, id)
}

func (m *MemoryStore) ListRules(ctx context.Context, auditType rules.AuditType, includeDisabled bool) ([]*AuditRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListRules(ctx, auditType, includeDisabled)
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id string) (*WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().LockWorkflow(ctx, id)
}

func (m *MemoryStore) GetPendingWorkflow(ctx context.Context, auditType rules.AuditType, entityID string) (*WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetPendingWorkflow(ctx, auditType, entityID)
}

func (m *MemoryStore) ListSteps(ctx context.Context, workflowID string) ([]*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListSteps(ctx, workflowID)
}

func (m *MemoryStore) ListWorkflowsByEntity(_ context.Context, auditType rules.AuditType, entityID string) ([]*WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*WorkflowInstance
	for i := len(m.state.workflowOrder) - 1; i >= 0; i-- {
		wf := m.state.workflows[m.state.workflowOrder[i]]
		if wf.AuditType == auditType && wf.RelatedEntityID == entityID {
			out = append(out, copyWorkflow(wf))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListPendingForUser(_ context.Context, userID string) ([]*PendingItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*PendingItem
	for _, id := range m.state.workflowOrder {
		wf := m.state.workflows[id]
		if wf.Status != WorkflowPending {
			continue
		}
		for _, st := range m.state.steps {
			if st.WorkflowID == wf.ID && st.StepIndex == wf.CurrentStepIndex &&
				st.Status == StepPending && st.ApproverUserID == userID {
				step := st
				out = append(out, &PendingItem{Workflow: copyWorkflow(wf), Step: &step})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Step.DueAt, out[j].Step.DueAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return out, nil
}

func (m *MemoryStore) ListHistory(_ context.Context, auditType rules.AuditType, entityID string) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*HistoryEntry
	for _, e := range m.state.history {
		if e.AuditType == auditType && e.RelatedEntityID == entityID {
			entry := e
			out = append(out, &entry)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertNotification(_ context.Context, n *Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.state.notifications {
		if existing.RelatedWorkflowID == n.RelatedWorkflowID && existing.RelatedStepID == n.RelatedStepID &&
			existing.Type == n.Type && existing.RecipientID == n.RecipientID &&
			existing.SourceEventID == n.SourceEventID {
			return false, nil
		}
	}
	m.state.notifications[n.ID] = *n
	m.state.notifOrder = append(m.state.notifOrder, n.ID)
	return true, nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, recipientID string, unreadOnly bool) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for i := len(m.state.notifOrder) - 1; i >= 0; i-- {
		n := m.state.notifications[m.state.notifOrder[i]]
		if n.RecipientID != recipientID || (unreadOnly && n.Status != NotificationUnread) {
			continue
		}
		out = append(out, &n)
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationRead(_ context.Context, id, recipientID string, at time.Time) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.state.notifications[id]
	if !ok || n.RecipientID != recipientID {
		return nil, errors.NotFound("notification", id)
	}
	if n.Status != NotificationRead {
		n.Status = NotificationRead
		n.ReadAt = &at
		m.state.notifications[id] = n
	}
	return &n, nil
}

// ── transaction view ─────────────────────────────────────────────────────────

type memTx struct {
	st *memState
}

func (t *memTx) GetUser(_ context.Context, id string) (*User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	return copyUser(u), nil
}

func (t *memTx) ListActiveUsersByRole(_ context.Context, role string) ([]*User, error) {
	var out []*User
	for _, u := range t.st.users {
		if u.Active && u.HasRole(role) {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) CountPendingSteps(_ context.Context, userIDs []string) (map[string]int, error) {
	want := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		want[id] = struct{}{}
	}
	counts := make(map[string]int, len(userIDs))
	for _, st := range t.st.steps {
		if st.Status != StepPending {
			continue
		}
		if _, ok := want[st.ApproverUserID]; !ok {
			continue
		}
		if t.st.workflows[st.WorkflowID].Status == WorkflowPending {
			counts[st.ApproverUserID]++
		}
	}
	return counts, nil
}

func (t *memTx) UpsertUser(_ context.Context, u *User) error {
	t.st.users[u.ID] = *copyUser(*u)
	return nil
}

func (t *memTx) ListEnabledRules(ctx context.Context, auditType rules.AuditType) ([]*AuditRule, error) {
	return t.ListRules(ctx, auditType, false)
}

func (t *memTx) ListRules(_ context.Context, auditType rules.AuditType, includeDisabled bool) ([]*AuditRule, error) {
	var out []*AuditRule
	for _, id := range t.st.ruleOrder {
		r := t.st.rules[id]
		if auditType != "" && r.AuditType != auditType {
			continue
		}
		if !includeDisabled && !r.Enabled {
			continue
		}
		out = append(out, copyRule(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].RuleKey != out[j].RuleKey {
			return out[i].RuleKey < out[j].RuleKey
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (t *memTx) GetRule(_ context.Context, id string) (*AuditRule, error) {
	r, ok := t.st.rules[id]
	if !ok {
		return nil, errors.NotFound("audit_rule", id)
	}
	return copyRule(r), nil
}

func (t *memTx) GetLatestRuleVersion(_ context.Context, ruleKey string) (*AuditRule, error) {
	var latest *AuditRule
	for _, r := range t.st.rules {
		if r.RuleKey == ruleKey && (latest == nil || r.Version > latest.Version) {
			latest = copyRule(r)
		}
	}
	return latest, nil
}

func (t *memTx) InsertRule(_ context.Context, rule *AuditRule) error {
	for _, r := range t.st.rules {
		if r.RuleKey == rule.RuleKey && r.Version == rule.Version {
			return errors.Newf(errors.ErrCodeConflict, "rule %s version %d already exists", rule.RuleKey, rule.Version)
		}
	}
	t.st.rules[rule.ID] = *copyRule(*rule)
	t.st.ruleOrder = append(t.st.ruleOrder, rule.ID)
	return nil
}

func (t *memTx) SetRuleEnabled(_ context.Context, id string, enabled bool) error {
	r, ok := t.st.rules[id]
	if !ok {
		return errors.NotFound("audit_rule", id)
	}
	r.Enabled = enabled
	t.st.rules[id] = r
	return nil
}

// LockEntity is a no-op: memory transactions are already serialized.
func (t *memTx) LockEntity(context.Context, rules.AuditType, string) error {
	return nil
}

func (t *memTx) GetPendingWorkflow(_ context.Context, auditType rules.AuditType, entityID string) (*WorkflowInstance, error) {
	for _, wf := range t.st.workflows {
		if wf.AuditType == auditType && wf.RelatedEntityID == entityID && wf.Status == WorkflowPending {
			return copyWorkflow(wf), nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertWorkflow(ctx context.Context, wf *WorkflowInstance, steps []*StepRecord) error {
	if wf.Status == WorkflowPending {
		if existing, _ := t.GetPendingWorkflow(ctx, wf.AuditType, wf.RelatedEntityID); existing != nil {
			return errors.New(errors.ErrCodeDuplicateWorkflow, "a pending workflow already exists for this entity").
				WithDetail("audit_type", string(wf.AuditType)).
				WithDetail("related_entity_id", wf.RelatedEntityID)
		}
	}
	t.st.workflows[wf.ID] = *copyWorkflow(*wf)
	t.st.workflowOrder = append(t.st.workflowOrder, wf.ID)
	for _, st := range steps {
		st.WorkflowID = wf.ID
		t.st.steps[st.ID] = *st
	}
	return nil
}

func (t *memTx) LockWorkflow(_ context.Context, id string) (*WorkflowInstance, error) {
	wf, ok := t.st.workflows[id]
	if !ok {
		return nil, errors.NotFound("audit_workflow", id)
	}
	return copyWorkflow(wf), nil
}

func (t *memTx) UpdateWorkflow(_ context.Context, wf *WorkflowInstance) error {
	cur, ok := t.st.workflows[wf.ID]
	if !ok {
		return errors.NotFound("audit_workflow", wf.ID)
	}
	cur.Status = wf.Status
	cur.CurrentStepIndex = wf.CurrentStepIndex
	cur.CancelReason = wf.CancelReason
	cur.CompletedAt = wf.CompletedAt
	cur.UpdatedAt = wf.UpdatedAt
	t.st.workflows[wf.ID] = cur
	return nil
}

func (t *memTx) ListSteps(_ context.Context, workflowID string) ([]*StepRecord, error) {
	var out []*StepRecord
	for _, st := range t.st.steps {
		if st.WorkflowID == workflowID {
			step := st
			out = append(out, &step)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (t *memTx) UpdateStep(_ context.Context, step *StepRecord) error {
	cur, ok := t.st.steps[step.ID]
	if !ok {
		return errors.NotFound("audit_step", step.ID)
	}
	cur.Status = step.Status
	cur.ApproverUserID = step.ApproverUserID
	cur.FallbackUsed = step.FallbackUsed
	cur.ActedBy = step.ActedBy
	cur.DecisionTime = step.DecisionTime
	cur.Comment = step.Comment
	cur.UpdatedAt = step.UpdatedAt
	t.st.steps[step.ID] = cur
	return nil
}

func (t *memTx) AppendHistory(_ context.Context, entry *HistoryEntry) error {
	t.st.history = append(t.st.history, *entry)
	return nil
}

// ── copy helpers ─────────────────────────────────────────────────────────────

func copyUser(u User) *User {
	u.Roles = slices.Clone(u.Roles)
	return &u
}

func copyRule(r AuditRule) *AuditRule {
	r.Template = slices.Clone(r.Template)
	r.Trigger.Tiers = slices.Clone(r.Trigger.Tiers)
	return &r
}

func copyWorkflow(wf WorkflowInstance) *WorkflowInstance {
	if wf.EventAttributes != nil {
		attrs := make(map[string]any, len(wf.EventAttributes))
		for k, v := range wf.EventAttributes {
			attrs[k] = v
		}
		wf.EventAttributes = attrs
	}
	wf.TemplateSnapshot = slices.Clone(wf.TemplateSnapshot)
	return &wf
}
