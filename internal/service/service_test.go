package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
	"github.com/poplovexz/qiyewenjian-sub002/internal/logger"
	"github.com/poplovexz/qiyewenjian-sub002/internal/repository"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func (p *recordingPublisher) types() []EventType {
	var out []EventType
	for _, e := range p.snapshot() {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	svc   *AuditService
	store *repository.MemoryStore
	pub   *recordingPublisher
}

func defaultUsers() []*repository.User {
	return []*repository.User{
		{ID: "u-app", Name: "Applicant", Department: "sales", Active: true},
		{ID: "sup-ops", Name: "Ops Supervisor", Department: "ops", Active: true, Roles: []string{"supervisor"}},
		{ID: "sup-sales", Name: "Sales Supervisor", Department: "sales", Active: true, Roles: []string{"supervisor"}},
		{ID: "mgr-1", Name: "Manager", Department: "hq", Active: true, Roles: []string{"manager"}},
		{ID: "dir-1", Name: "Director", Department: "hq", Active: true, Roles: []string{"director"}},
		{ID: "fin-1", Name: "Finance", Department: "sales", Active: true, Roles: []string{"finance"}},
		{ID: "fin-mgr-1", Name: "Finance Manager", Department: "finance", Active: true, Roles: []string{"finance_manager"}},
		{ID: "sm-1", Name: "Sales Manager", Department: "sales", Active: true, Roles: []string{"sales_manager"}},
		{ID: "admin", Name: "Administrator", Department: "hq", Active: true, Roles: []string{"admin"}},
		{ID: "gone", Name: "Former Employee", Department: "sales", Active: false, Roles: []string{"manager"}},
	}
}

func newHarness(t *testing.T, cfg ResolverConfig, users []*repository.User) *harness {
	t.Helper()
	var seq atomic.Int64
	store := repository.NewMemoryStore()
	pub := &recordingPublisher{}
	log := logger.Nop()
	svc := NewAuditService(store, NewApproverResolver(cfg, log), pub, log,
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) }),
	)

	ctx := context.Background()
	require.NoError(t, svc.SeedDirectory(ctx, users))
	seeded, err := svc.SeedDefaults(ctx)
	require.NoError(t, err)
	require.Equal(t, len(rules.AuditTypes()), seeded)
	return &harness{svc: svc, store: store, pub: pub}
}

func newDefaultHarness(t *testing.T) *harness {
	return newHarness(t, ResolverConfig{DefaultApproverID: "admin"}, defaultUsers())
}

func (h *harness) submitContract(t *testing.T, entityID string, pct float64) *SubmitResult {
	t.Helper()
	res, err := h.svc.SubmitForApproval(context.Background(), SubmitRequest{
		AuditType:       rules.ContractAmountDecrease,
		RelatedEntityID: entityID,
		ApplicantID:     "u-app",
		Attributes:      map[string]any{"percentageChange": pct},
	})
	require.NoError(t, err)
	return res
}

func (h *harness) act(t *testing.T, wf *repository.WorkflowInstance, step *repository.StepRecord, action StepAction) *ActionResult {
	t.Helper()
	res, err := h.svc.ProcessStepAction(context.Background(), StepActionRequest{
		WorkflowID: wf.ID,
		StepID:     step.ID,
		ActorID:    step.ApproverUserID,
		Action:     action,
	})
	require.NoError(t, err)
	return res
}

func assertIndexInvariant(t *testing.T, wf *repository.WorkflowInstance) {
	t.Helper()
	if wf.Status == repository.WorkflowPending {
		assert.GreaterOrEqual(t, wf.CurrentStepIndex, 1)
		assert.LessOrEqual(t, wf.CurrentStepIndex, wf.TotalSteps)
		return
	}
	assert.Equal(t, wf.TotalSteps+1, wf.CurrentStepIndex)
	assert.NotNil(t, wf.CompletedAt)
}

// ── Instantiation ────────────────────────────────────────────────────────────

func TestSubmitSingleTier(t *testing.T) {
	h := newDefaultHarness(t)

	res := h.submitContract(t, "contract-1", 15)
	require.True(t, res.AuditRequired)
	require.Len(t, res.Steps, 1)

	wf := res.Workflow
	assert.Equal(t, repository.WorkflowPending, wf.Status)
	assert.Equal(t, 1, wf.CurrentStepIndex)
	assert.Equal(t, 1, wf.TotalSteps)
	assert.Equal(t, "contract", wf.RelatedEntityType)
	require.NotNil(t, wf.MatchedBoundary)
	assert.Equal(t, 10.0, *wf.MatchedBoundary)

	step := res.Steps[0]
	assert.Equal(t, "Supervisor review", step.Name)
	assert.Equal(t, "sup-sales", step.ApproverUserID, "same department holder wins")
	assert.False(t, step.FallbackUsed)
	require.NotNil(t, step.DueAt)
	assert.Equal(t, fixedNow.Add(24*time.Hour), *step.DueAt)

	assert.Equal(t, []EventType{EventStepAssigned}, h.pub.types())
	assert.Equal(t, "sup-sales", h.pub.snapshot()[0].ApproverUserID)

	ar := h.act(t, wf, step, ActionApprove)
	assert.True(t, ar.WorkflowComplete)
	assert.Equal(t, repository.WorkflowApproved, ar.WorkflowStatus)
	assert.Equal(t, 2, ar.CurrentStepIndex)
	assertIndexInvariant(t, ar.Workflow)
	assert.Equal(t, []EventType{EventStepAssigned, EventWorkflowApproved}, h.pub.types())
}

func TestSubmitMultiTierApprovedChain(t *testing.T) {
	h := newDefaultHarness(t)

	res := h.submitContract(t, "contract-2", 35)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, 30.0, *res.Workflow.MatchedBoundary)

	wantApprovers := []string{"sup-sales", "mgr-1", "dir-1"}
	wantDue := []time.Duration{24 * time.Hour, 48 * time.Hour, 96 * time.Hour}
	for i, st := range res.Steps {
		assert.Equal(t, i+1, st.StepIndex)
		assert.Equal(t, wantApprovers[i], st.ApproverUserID)
		require.NotNil(t, st.DueAt)
		assert.Equal(t, fixedNow.Add(wantDue[i]), *st.DueAt)
	}

	wf := res.Workflow
	for i, st := range res.Steps {
		ar := h.act(t, wf, st, ActionApprove)
		assertIndexInvariant(t, ar.Workflow)
		if i < 2 {
			assert.False(t, ar.WorkflowComplete)
			assert.Equal(t, i+2, ar.CurrentStepIndex)
		} else {
			assert.True(t, ar.WorkflowComplete)
			assert.Equal(t, repository.WorkflowApproved, ar.WorkflowStatus)
		}
	}

	assert.Equal(t, []EventType{EventStepAssigned, EventStepAssigned, EventStepAssigned, EventWorkflowApproved}, h.pub.types())

	log, err := h.svc.GetDecisionLog(context.Background(), rules.ContractAmountDecrease, "contract-2")
	require.NoError(t, err)
	require.Len(t, log, 4)
	assert.Equal(t, repository.ActionSubmitted, log[0].Action)
	assert.Equal(t, "u-app", log[0].ActorID)
	for _, e := range log[1:] {
		assert.Equal(t, repository.ActionApproved, e.Action)
		require.NotNil(t, e.StepIndex)
	}
	assert.Equal(t, "dir-1", log[3].ActorID)
}

func TestSubmitMidTierFiltersSteps(t *testing.T) {
	h := newDefaultHarness(t)

	res := h.submitContract(t, "contract-3", 20)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "Supervisor review", res.Steps[0].Name)
	assert.Equal(t, "Manager review", res.Steps[1].Name)
	assert.Equal(t, 2, res.Steps[1].StepIndex)
	assert.Equal(t, 2, res.Steps[1].TemplateOrder)
}

func TestSubmitBelowLowestTierNeedsNoAudit(t *testing.T) {
	h := newDefaultHarness(t)

	res := h.submitContract(t, "contract-4", 5)
	assert.False(t, res.AuditRequired)
	assert.Nil(t, res.Workflow)
	assert.Empty(t, h.pub.types())

	history, err := h.svc.GetHistory(context.Background(), rules.ContractAmountDecrease, "contract-4")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSubmitWithoutMagnitudeNeedsNoAudit(t *testing.T) {
	h := newDefaultHarness(t)

	res, err := h.svc.SubmitForApproval(context.Background(), SubmitRequest{
		AuditType:       rules.ContractAmountDecrease,
		RelatedEntityID: "contract-5",
		ApplicantID:     "u-app",
	})
	require.NoError(t, err)
	assert.False(t, res.AuditRequired)
}

func TestSubmitRejectsDuplicatePending(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()

	first := h.submitContract(t, "contract-6", 15)

	_, err := h.svc.SubmitForApproval(ctx, SubmitRequest{
		AuditType:       rules.ContractAmountDecrease,
		RelatedEntityID: "contract-6",
		ApplicantID:     "u-app",
		Attributes:      map[string]any{"percentageChange": 25},
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDuplicateWorkflow, errors.CodeOf(err))
	var coded *errors.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, first.Workflow.ID, coded.Details["existing_workflow_id"])

	h.act(t, first.Workflow, first.Steps[0], ActionReject)

	second := h.submitContract(t, "contract-6", 15)
	assert.NotEqual(t, first.Workflow.ID, second.Workflow.ID)

	history, err := h.svc.GetHistory(ctx, rules.ContractAmountDecrease, "contract-6")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.Workflow.ID, history[0].ID, "newest first")
}

func TestConcurrentSubmissionsCreateOneWorkflow(t *testing.T) {
	h := newDefaultHarness(t)

	const n = 8
	var (
		wg         sync.WaitGroup
		created    atomic.Int32
		duplicates atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SubmitForApproval(context.Background(), SubmitRequest{
				AuditType:       rules.ContractAmountDecrease,
				RelatedEntityID: "contract-race",
				ApplicantID:     "u-app",
				Attributes:      map[string]any{"percentageChange": 12},
			})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, errors.ErrCodeDuplicateWorkflow):
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, created.Load())
	assert.EqualValues(t, n-1, duplicates.Load())
}

func TestConcurrentActionsOnSameStepApplyOnce(t *testing.T) {
	h := newDefaultHarness(t)
	res := h.submitContract(t, "contract-race-step", 25)
	step := res.Steps[0]

	const callers = 16
	var (
		wg       sync.WaitGroup
		applied  atomic.Int32
		already  atomic.Int32
		failures atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ar, err := h.svc.ProcessStepAction(context.Background(), StepActionRequest{
				WorkflowID: res.Workflow.ID, StepID: step.ID, ActorID: step.ApproverUserID, Action: ActionApprove,
			})
			switch {
			case err != nil:
				failures.Add(1)
			case ar.AlreadyProcessed:
				already.Add(1)
			default:
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, applied.Load())
	assert.EqualValues(t, callers-1, already.Load())
	assert.Zero(t, failures.Load())

	view, err := h.svc.GetWorkflow(context.Background(), res.Workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Workflow.CurrentStepIndex)
	assert.Equal(t, repository.StepApproved, view.Steps[0].Status)
	assert.Equal(t, repository.StepPending, view.Steps[1].Status)
}

func TestSubmitValidatesInput(t *testing.T) {
	h := newDefaultHarness(t)

	tests := []struct {
		name  string
		req   SubmitRequest
		field string
	}{
		{"unknown type", SubmitRequest{AuditType: "expense_claim", RelatedEntityID: "x", ApplicantID: "u"}, "audit_type"},
		{"missing entity", SubmitRequest{AuditType: rules.PaymentRefund, ApplicantID: "u"}, "related_entity_id"},
		{"missing applicant", SubmitRequest{AuditType: rules.PaymentRefund, RelatedEntityID: "x"}, "applicant_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.SubmitForApproval(context.Background(), tt.req)
			var coded *errors.Error
			require.True(t, errors.As(err, &coded))
			assert.Equal(t, errors.ErrCodeInvalidInput, coded.Code)
			assert.Equal(t, tt.field, coded.Field)
		})
	}
}

func TestTierApproverStep(t *testing.T) {
	h := newDefaultHarness(t)

	res, err := h.svc.SubmitForApproval(context.Background(), SubmitRequest{
		AuditType:       rules.QuoteDiscount,
		RelatedEntityID: "quote-1",
		ApplicantID:     "u-app",
		Attributes:      map[string]any{"percentage_change": "18"},
	})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "mgr-1", res.Steps[0].ApproverUserID)
	assert.Equal(t, "quote", res.Workflow.RelatedEntityType)

	res, err = h.svc.SubmitForApproval(context.Background(), SubmitRequest{
		AuditType:       rules.QuoteDiscount,
		RelatedEntityID: "quote-2",
		ApplicantID:     "u-app",
		Attributes:      map[string]any{"percentageChange": 7.5},
	})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "sm-1", res.Steps[0].ApproverUserID)
}

func TestEmptyTemplateYieldsTierStep(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()

	trigger, err := rules.NewTriggerCondition(rules.KindAmountThreshold, []rules.Tier{
		{Boundary: 100, ApproverSpec: rules.UserSpec("dir-1")},
	})
	require.NoError(t, err)
	priority := 1
	_, err = h.svc.PublishRule(ctx, PublishRuleRequest{
		RuleKey: "refund_big", AuditType: rules.PaymentRefund, Trigger: trigger,
		Priority: &priority, CreatedBy: "admin",
	})
	require.NoError(t, err)

	res, err := h.svc.SubmitForApproval(ctx, SubmitRequest{
		AuditType: rules.PaymentRefund, RelatedEntityID: "pay-1", ApplicantID: "u-app",
		Attributes: map[string]any{"amount": 250},
	})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "dir-1", res.Steps[0].ApproverUserID)
	assert.Equal(t, "Payment refund approval (tier 100)", res.Steps[0].Name)
	assert.Nil(t, res.Steps[0].DueAt)

	// Below the only tier the rule does not apply and the default rule takes over.
	res, err = h.svc.SubmitForApproval(ctx, SubmitRequest{
		AuditType: rules.PaymentRefund, RelatedEntityID: "pay-2", ApplicantID: "u-app",
		Attributes: map[string]any{"amount": 50},
	})
	require.NoError(t, err)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "fin-1", res.Steps[0].ApproverUserID)
}

func TestFallbackApproverIsFlagged(t *testing.T) {
	users := []*repository.User{
		{ID: "u-app", Name: "Applicant", Department: "sales", Active: true},
		{ID: "admin", Name: "Administrator", Active: true, Roles: []string{"admin"}},
	}
	h := newHarness(t, ResolverConfig{DefaultApproverID: "admin"}, users)

	res, err := h.svc.SubmitForApproval(context.Background(), SubmitRequest{
		AuditType:       rules.BankRemittance,
		RelatedEntityID: "pay-3",
		ApplicantID:     "u-app",
		Attributes:      map[string]any{"amount": 1000},
	})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "admin", res.Steps[0].ApproverUserID)
	assert.True(t, res.Steps[0].FallbackUsed)
}

func TestUnresolvableRequiredStepAbortsSubmission(t *testing.T) {
	users := []*repository.User{{ID: "u-app", Name: "Applicant", Active: true}}
	h := newHarness(t, ResolverConfig{}, users)
	ctx := context.Background()

	_, err := h.svc.SubmitForApproval(ctx, SubmitRequest{
		AuditType:       rules.BankRemittance,
		RelatedEntityID: "pay-4",
		ApplicantID:     "u-app",
		Attributes:      map[string]any{"amount": 1000},
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeApproverResolutionFailed, errors.CodeOf(err))

	active, err := h.svc.GetActiveWorkflow(ctx, rules.BankRemittance, "pay-4")
	assert.Nil(t, active)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	assert.Empty(t, h.pub.types())
}

func TestUnresolvableOptionalStepIsLeftOut(t *testing.T) {
	users := []*repository.User{
		{ID: "u-app", Name: "Applicant", Department: "sales", Active: true},
		{ID: "fin-1", Name: "Finance", Department: "sales", Active: true, Roles: []string{"finance"}},
	}
	h := newHarness(t, ResolverConfig{}, users)

	res, err := h.svc.SubmitForApproval(context.Background(), SubmitRequest{
		AuditType:       rules.PaymentRefund,
		RelatedEntityID: "pay-5",
		ApplicantID:     "u-app",
	})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "Finance review", res.Steps[0].Name)
	assert.Equal(t, 1, res.Workflow.TotalSteps)
}

// ── Step actions ─────────────────────────────────────────────────────────────

func TestRejectSkipsRemainingSteps(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()

	res := h.submitContract(t, "contract-7", 40)
	require.Len(t, res.Steps, 3)
	h.act(t, res.Workflow, res.Steps[0], ActionApprove)

	ar, err := h.svc.ProcessStepAction(ctx, StepActionRequest{
		WorkflowID: res.Workflow.ID, StepID: res.Steps[1].ID, ActorID: "mgr-1",
		Action: ActionReject, Comment: "amount not justified",
	})
	require.NoError(t, err)
	assert.True(t, ar.WorkflowComplete)
	assert.Equal(t, repository.WorkflowRejected, ar.WorkflowStatus)
	assert.Equal(t, repository.StepRejected, ar.StepStatus)
	assertIndexInvariant(t, ar.Workflow)

	view, err := h.svc.GetWorkflow(ctx, res.Workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StepApproved, view.Steps[0].Status)
	assert.Equal(t, repository.StepRejected, view.Steps[1].Status)
	require.NotNil(t, view.Steps[1].Comment)
	assert.Equal(t, "amount not justified", *view.Steps[1].Comment)
	assert.Equal(t, repository.StepSkipped, view.Steps[2].Status)

	events := h.pub.snapshot()
	last := events[len(events)-1]
	assert.Equal(t, EventWorkflowRejected, last.Type)
	assert.Equal(t, "amount not justified", last.Comment)
	assert.Equal(t, "u-app", last.ApplicantID)
}

func TestStepActionIsIdempotent(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()

	res := h.submitContract(t, "contract-8", 25)
	first := h.act(t, res.Workflow, res.Steps[0], ActionApprove)
	require.False(t, first.AlreadyProcessed)
	eventsAfterFirst := len(h.pub.snapshot())

	for _, action := range []StepAction{ActionApprove, ActionReject} {
		again, err := h.svc.ProcessStepAction(ctx, StepActionRequest{
			WorkflowID: res.Workflow.ID, StepID: res.Steps[0].ID, ActorID: "sup-sales", Action: action,
		})
		require.NoError(t, err)
		assert.True(t, again.AlreadyProcessed)
		assert.Equal(t, repository.StepApproved, again.StepStatus)
		assert.Equal(t, 2, again.CurrentStepIndex)
	}

	assert.Len(t, h.pub.snapshot(), eventsAfterFirst)
	log, err := h.svc.GetDecisionLog(ctx, rules.ContractAmountDecrease, "contract-8")
	require.NoError(t, err)
	assert.Len(t, log, 2)
}

func TestActionOnTerminalWorkflowIsAlreadyProcessed(t *testing.T) {
	h := newDefaultHarness(t)

	res := h.submitContract(t, "contract-9", 15)
	h.act(t, res.Workflow, res.Steps[0], ActionApprove)

	again := h.act(t, res.Workflow, res.Steps[0], ActionApprove)
	assert.True(t, again.AlreadyProcessed)
	assert.True(t, again.WorkflowComplete)
	assert.Equal(t, repository.WorkflowApproved, again.WorkflowStatus)
}

func TestActionOnNonCurrentStepIsInvalidTransition(t *testing.T) {
	h := newDefaultHarness(t)

	res := h.submitContract(t, "contract-10", 25)
	_, err := h.svc.ProcessStepAction(context.Background(), StepActionRequest{
		WorkflowID: res.Workflow.ID, StepID: res.Steps[1].ID, ActorID: "mgr-1", Action: ActionApprove,
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidTransition, errors.CodeOf(err))
}

func TestActionOnUnknownStep(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()

	res := h.submitContract(t, "contract-11", 15)
	other := h.submitContract(t, "contract-12", 15)

	_, err := h.svc.ProcessStepAction(ctx, StepActionRequest{
		WorkflowID: res.Workflow.ID, StepID: other.Steps[0].ID, ActorID: "sup-sales", Action: ActionApprove,
	})
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	_, err = h.svc.ProcessStepAction(ctx, StepActionRequest{
		WorkflowID: "missing", StepID: res.Steps[0].ID, ActorID: "sup-sales", Action: ActionApprove,
	})
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	_, err = h.svc.ProcessStepAction(ctx, StepActionRequest{
		WorkflowID: res.Workflow.ID, StepID: res.Steps[0].ID, ActorID: "sup-sales", Action: "escalate",
	})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestTransferReassignsCurrentStep(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()

	res := h.submitContract(t, "contract-13", 15)
	step := res.Steps[0]

	ar, err := h.svc.ProcessStepAction(ctx, StepActionRequest{
		WorkflowID: res.Workflow.ID, StepID: step.ID, ActorID: "sup-sales",
		Action: ActionTransfer, TransferToUserID: "sup-ops", Comment: "on leave",
	})
	require.NoError(t, err)
	assert.False(t, ar.WorkflowComplete)
	assert.Equal(t, repository.StepPending, ar.StepStatus)
	assert.Equal(t, "sup-ops", ar.Step.ApproverUserID)
	require.NotNil(t, ar.Step.Comment)
	assert.Equal(t, "transferred from sup-sales to sup-ops: on leave", *ar.Step.Comment)
	assert.Equal(t, 1, ar.CurrentStepIndex)

	mine, err := h.svc.GetPendingForUser(ctx, "sup-ops")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, step.ID, mine[0].Step.ID)

	theirs, err := h.svc.GetPendingForUser(ctx, "sup-sales")
	require.NoError(t, err)
	assert.Empty(t, theirs)

	events := h.pub.snapshot()
	last := events[len(events)-1]
	assert.Equal(t, EventStepAssigned, last.Type)
	assert.Equal(t, "sup-ops", last.ApproverUserID)

	// Same target again is a no-op.
	again, err := h.svc.ProcessStepAction(ctx, StepActionRequest{
		WorkflowID: res.Workflow.ID, StepID: step.ID, ActorID: "sup-sales",
		Action: ActionTransfer, TransferToUserID: "sup-ops",
	})
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)
	assert.Len(t, h.pub.snapshot(), len(events))

	_, err = h.svc.ProcessStepAction(ctx, StepActionRequest{
		WorkflowID: res.Workflow.ID, StepID: step.ID, ActorID: "sup-ops",
		Action: ActionTransfer, TransferToUserID: "gone",
	})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	ar = h.act(t, res.Workflow, ar.Step, ActionApprove)
	assert.Equal(t, repository.WorkflowApproved, ar.WorkflowStatus)

	log, err := h.svc.GetDecisionLog(ctx, rules.ContractAmountDecrease, "contract-13")
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, repository.ActionTransferred, log[1].Action)
	assert.Equal(t, "sup-ops", log[1].Metadata["to_user_id"])
	assert.Equal(t, "sup-ops", log[2].ActorID)
}

func TestCancelWorkflow(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()

	res := h.submitContract(t, "contract-14", 25)
	wf, err := h.svc.CancelWorkflow(ctx, res.Workflow.ID, "u-app", "contract withdrawn")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowCancelled, wf.Status)
	require.NotNil(t, wf.CancelReason)
	assert.Equal(t, "contract withdrawn", *wf.CancelReason)
	assertIndexInvariant(t, wf)

	view, err := h.svc.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	for _, st := range view.Steps {
		assert.Equal(t, repository.StepSkipped, st.Status)
	}

	_, err = h.svc.CancelWorkflow(ctx, wf.ID, "u-app", "again")
	assert.Equal(t, errors.ErrCodeInvalidTransition, errors.CodeOf(err))

	assert.Equal(t, EventWorkflowCancelled, h.pub.types()[len(h.pub.types())-1])

	// A cancelled workflow frees the entity for a new submission.
	h.submitContract(t, "contract-14", 25)
}

func TestRequireApproverUsesLockedState(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()
	res := h.submitContract(t, "contract-15", 15)
	step := res.Steps[0]

	_, err := h.svc.ProcessStepAction(ctx, StepActionRequest{
		WorkflowID: res.Workflow.ID, StepID: step.ID, ActorID: "mgr-1",
		Action: ActionApprove, RequireApprover: true,
	})
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	_, err = h.svc.ProcessStepAction(ctx, StepActionRequest{
		WorkflowID: res.Workflow.ID, StepID: "nope", ActorID: "sup-sales",
		Action: ActionApprove, RequireApprover: true,
	})
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	_, err = h.svc.ProcessStepAction(ctx, StepActionRequest{
		WorkflowID: res.Workflow.ID, StepID: step.ID, ActorID: "sup-sales",
		Action: ActionTransfer, TransferToUserID: "sup-ops", RequireApprover: true,
	})
	require.NoError(t, err)

	// The previous approver lost the step with the transfer.
	_, err = h.svc.ProcessStepAction(ctx, StepActionRequest{
		WorkflowID: res.Workflow.ID, StepID: step.ID, ActorID: "sup-sales",
		Action: ActionApprove, RequireApprover: true,
	})
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	ar, err := h.svc.ProcessStepAction(ctx, StepActionRequest{
		WorkflowID: res.Workflow.ID, StepID: step.ID, ActorID: "sup-ops",
		Action: ActionApprove, RequireApprover: true,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowApproved, ar.WorkflowStatus)
}

func TestEventsCarryDistinctIDs(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()
	res := h.submitContract(t, "contract-17", 15)
	step := res.Steps[0]

	for _, hop := range []struct{ from, to string }{{"sup-sales", "sup-ops"}, {"sup-ops", "sup-sales"}} {
		_, err := h.svc.ProcessStepAction(ctx, StepActionRequest{
			WorkflowID: res.Workflow.ID, StepID: step.ID, ActorID: hop.from,
			Action: ActionTransfer, TransferToUserID: hop.to,
		})
		require.NoError(t, err)
	}

	events := h.pub.snapshot()
	require.Len(t, events, 3)
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		assert.Equal(t, EventStepAssigned, ev.Type)
		require.NotEmpty(t, ev.ID)
		seen[ev.ID] = struct{}{}
	}
	assert.Len(t, seen, 3, "an approver assigned twice gets two distinct events")
	assert.Equal(t, "sup-sales", events[0].ApproverUserID)
	assert.Equal(t, "sup-sales", events[2].ApproverUserID)
}

func TestPendingForUserFollowsChain(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()

	res := h.submitContract(t, "contract-16", 25)
	pending, err := h.svc.GetPendingForUser(ctx, "mgr-1")
	require.NoError(t, err)
	assert.Empty(t, pending, "manager step is not current yet")

	h.act(t, res.Workflow, res.Steps[0], ActionApprove)
	pending, err = h.svc.GetPendingForUser(ctx, "mgr-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Manager review", pending[0].Step.Name)

	_, err = h.svc.GetPendingForUser(ctx, "")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

// ── Reference scenarios ──────────────────────────────────────────────────────

func TestScenarioTwoStepApproved(t *testing.T) {
	h := newDefaultHarness(t)

	res := h.submitContract(t, "contract-a", 25)
	require.Len(t, res.Steps, 2)

	ar := h.act(t, res.Workflow, res.Steps[0], ActionApprove)
	assert.False(t, ar.WorkflowComplete)
	assert.Equal(t, 2, ar.CurrentStepIndex)

	ar = h.act(t, res.Workflow, res.Steps[1], ActionApprove)
	assert.True(t, ar.WorkflowComplete)
	assert.Equal(t, repository.WorkflowApproved, ar.WorkflowStatus)
	assert.NotNil(t, ar.Workflow.CompletedAt)
	assert.Equal(t, 3, ar.CurrentStepIndex)
}

func TestScenarioTwoStepRejectedAtFirstStep(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()

	res := h.submitContract(t, "contract-b", 25)
	require.Len(t, res.Steps, 2)

	ar := h.act(t, res.Workflow, res.Steps[0], ActionReject)
	assert.True(t, ar.WorkflowComplete)
	assert.Equal(t, repository.WorkflowRejected, ar.WorkflowStatus)
	assert.Equal(t, 3, ar.CurrentStepIndex)
	assert.NotNil(t, ar.Workflow.CompletedAt)

	view, err := h.svc.GetWorkflow(ctx, res.Workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StepSkipped, view.Steps[1].Status)
}
