package handler

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poplovexz/qiyewenjian-sub002/internal/logger"
	"github.com/poplovexz/qiyewenjian-sub002/internal/repository"
	"github.com/poplovexz/qiyewenjian-sub002/internal/service"
)

type testServer struct {
	store  *repository.MemoryStore
	router http.Handler
}

func newTestServer(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	ctx := context.Background()
	log := logger.Nop()
	store := repository.NewMemoryStore()
	svc := service.NewAuditService(store,
		service.NewApproverResolver(service.ResolverConfig{DefaultApproverID: "admin"}, log), nil, log)

	require.NoError(t, svc.SeedDirectory(ctx, []*repository.User{
		{ID: "u-app", Name: "Applicant", Department: "sales", Active: true},
		{ID: "sup-1", Name: "Supervisor", Department: "sales", Active: true, Roles: []string{"supervisor"}},
		{ID: "mgr-1", Name: "Manager", Department: "hq", Active: true, Roles: []string{"manager"}},
		{ID: "admin", Name: "Admin", Active: true},
	}))
	_, err := svc.SeedDefaults(ctx)
	require.NoError(t, err)

	h := NewHTTPHandler(svc, store.Ping, log)
	return &testServer{store: store, router: h.Routes(opts)}
}

func (s *testServer) do(t *testing.T, method, path, actor string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func submitContract(t *testing.T, s *testServer, entityID string, pct float64) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/v1/audits", "u-app", map[string]any{
		"audit_type":        "contract_amount_decrease",
		"related_entity_id": entityID,
		"event_attributes":  map[string]any{"percentageChange": pct},
	})
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	rec, body := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestHealthReportsUnhealthyDependency(t *testing.T) {
	h := NewHTTPHandler(nil, func(context.Context) error { return stderrors.New("db down") }, logger.Nop())
	rec := httptest.NewRecorder()
	h.Routes(RouterOptions{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitAndApproveFlow(t *testing.T) {
	s := newTestServer(t, RouterOptions{EnforceApprover: true})

	rec, body := submitContract(t, s, "C-1", 25)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["audit_required"])
	wf := body["workflow"].(map[string]any)
	assert.Equal(t, "u-app", wf["applicant_id"])
	assert.EqualValues(t, 2, wf["total_steps"])
	steps := wf["steps"].([]any)
	require.Len(t, steps, 2)
	wfID := wf["id"].(string)
	step1 := steps[0].(map[string]any)
	step2 := steps[1].(map[string]any)
	assert.Equal(t, "sup-1", step1["approver_user_id"])

	rec, body = s.do(t, http.MethodGet, "/api/v1/audits/pending", "sup-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])

	actionPath := func(step map[string]any) string {
		return "/api/v1/audits/" + wfID + "/steps/" + step["id"].(string) + "/actions"
	}

	rec, body = s.do(t, http.MethodPost, actionPath(step1), "mgr-1", map[string]any{"action": "approve"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	rec, body = s.do(t, http.MethodPost, actionPath(step1), "sup-1", map[string]any{"action": "approve", "comment": "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, body["workflow_complete"])
	assert.EqualValues(t, 2, body["current_step_index"])

	rec, body = s.do(t, http.MethodPost, actionPath(step1), "sup-1", map[string]any{"action": "approve"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["already_processed"])

	rec, body = s.do(t, http.MethodPost, actionPath(step2), "mgr-1", map[string]any{"action": "approve"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["workflow_complete"])
	assert.Equal(t, "approved", body["workflow_status"])

	rec, body = s.do(t, http.MethodGet, "/api/v1/audits/"+wfID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "approved", body["status"])
	assert.NotEmpty(t, body["completed_at"])

	rec, body = s.do(t, http.MethodGet, "/api/v1/audits/decisions?audit_type=contract_amount_decrease&entity_id=C-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["entries"], 3)

	rec, body = s.do(t, http.MethodGet, "/api/v1/audits/history?audit_type=contract_amount_decrease&entity_id=C-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["workflows"], 1)
}

func TestSubmitOutcomes(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	rec, body := submitContract(t, s, "C-2", 3)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["audit_required"])

	rec, _ = submitContract(t, s, "C-2", 15)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body = submitContract(t, s, "C-2", 15)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_WORKFLOW", errorCode(body))
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.NotEmpty(t, details["existing_workflow_id"])

	rec, body = s.do(t, http.MethodPost, "/api/v1/audits", "u-app", map[string]any{"audit_type": "vacation", "related_entity_id": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(body))

	rec, body = s.do(t, http.MethodPost, "/api/v1/audits", "u-app", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(body))

	rec, body = s.do(t, http.MethodGet, "/api/v1/audits/active?audit_type=contract_amount_decrease&entity_id=C-2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", body["status"])
}

func TestStepActionErrors(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	_, body := submitContract(t, s, "C-3", 25)
	wf := body["workflow"].(map[string]any)
	steps := wf["steps"].([]any)
	base := "/api/v1/audits/" + wf["id"].(string) + "/steps/"

	rec, body := s.do(t, http.MethodPost, base+steps[0].(map[string]any)["id"].(string)+"/actions", "", map[string]any{"action": "approve"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "actor header is required")
	assert.Equal(t, "INVALID_INPUT", errorCode(body))

	rec, body = s.do(t, http.MethodPost, base+steps[1].(map[string]any)["id"].(string)+"/actions", "mgr-1", map[string]any{"action": "approve"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(body))

	rec, body = s.do(t, http.MethodPost, base+"missing/actions", "sup-1", map[string]any{"action": "approve"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	rec, _ = s.do(t, http.MethodPost, base+steps[0].(map[string]any)["id"].(string)+"/actions", "sup-1", map[string]any{"action": "escalate"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	_, body := submitContract(t, s, "C-4", 15)
	path := "/api/v1/audits/" + body["workflow"].(map[string]any)["id"].(string) + "/cancel"

	rec, body := s.do(t, http.MethodPost, path, "u-app", map[string]any{"reason": "withdrawn"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, "withdrawn", body["cancel_reason"])

	rec, body = s.do(t, http.MethodPost, path, "u-app", map[string]any{"reason": "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(body))
}

func TestRuleEndpoints(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	rule := `{
		"rule_key": "refund_large",
		"audit_type": "payment_refund",
		"priority": 10,
		"triggerCondition": {"kind": "amount_threshold", "tiers": [{"boundary": 1000, "approverSpec": "role:manager"}]},
		"stepTemplate": [{"order": 1, "name": "Manager approval", "approverSpec": "tier", "expectedDurationHours": 12, "required": true}]
	}`
	rec, body := s.do(t, http.MethodPost, "/api/v1/audit-rules", "admin", rule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, body["version"])
	ruleID := body["id"].(string)
	trigger := body["triggerCondition"].(map[string]any)
	assert.Equal(t, "amount_threshold", trigger["kind"])

	bad := `{"rule_key": "x", "audit_type": "payment_refund", "triggerCondition": {"kind": "sometimes"}}`
	rec, body = s.do(t, http.MethodPost, "/api/v1/audit-rules", "admin", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_RULE", errorCode(body))

	rec, body = s.do(t, http.MethodGet, "/api/v1/audit-rules?audit_type=payment_refund", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["rules"], 2)

	rec, body = s.do(t, http.MethodPost, "/api/v1/audit-rules/"+ruleID+"/disable", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["enabled"])

	rec, body = s.do(t, http.MethodGet, "/api/v1/audit-rules?audit_type=payment_refund&include_disabled=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["rules"], 2)

	rec, body = s.do(t, http.MethodGet, "/api/v1/audit-rules?audit_type=payment_refund", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["rules"], 1)
}

func TestNotificationEndpoints(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	ctx := context.Background()

	_, err := s.store.InsertNotification(ctx, &repository.Notification{
		ID: "n-1", RecipientID: "sup-1", Type: repository.NotificationPending,
		Title: "Contract amount decrease awaiting your approval", RelatedWorkflowID: "wf-1", RelatedStepID: "s-1",
		Status: repository.NotificationUnread, Priority: repository.PriorityHigh, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	rec, body := s.do(t, http.MethodGet, "/api/v1/notifications?unread=true", "sup-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["notifications"], 1)

	rec, body = s.do(t, http.MethodPost, "/api/v1/notifications/n-1/read", "mgr-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "only the recipient may mark it read")

	rec, body = s.do(t, http.MethodPost, "/api/v1/notifications/n-1/read", "sup-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "read", body["status"])

	rec, body = s.do(t, http.MethodGet, "/api/v1/notifications?unread=true", "sup-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["notifications"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, RouterOptions{Metrics: true})
	s.do(t, http.MethodGet, "/health", "", nil)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "audit_http_requests_total")
}
