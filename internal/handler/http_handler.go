package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
	"github.com/poplovexz/qiyewenjian-sub002/internal/logger"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
	"github.com/poplovexz/qiyewenjian-sub002/internal/service"
)

// ActorHeader carries the id of the acting user. Authentication happens
// upstream; this service trusts the header.
const ActorHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

// HealthChecker reports whether a dependency is reachable.
type HealthChecker func(ctx context.Context) error

// HTTPHandler serves the audit workflow JSON API.
type HTTPHandler struct {
	service *service.AuditService
	health  HealthChecker
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. health may be nil.
func NewHTTPHandler(svc *service.AuditService, health HealthChecker, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: svc,
		health:  health,
		log:     log.Component("http"),
	}
}

// RouterOptions toggles optional endpoints and middleware.
type RouterOptions struct {
	Metrics        bool
	RequestTimeout time.Duration
	// EnforceApprover rejects step actions from anyone but the step's approver.
	EnforceApprover bool
}

// Routes builds the chi router with the full middleware chain.
func (h *HTTPHandler) Routes(opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(h.recoverer)
	if opts.Metrics {
		r.Use(metricsMiddleware)
	}
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}

	r.Get("/health", h.Health)
	if opts.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/audits", func(r chi.Router) {
			r.Post("/", h.SubmitForApproval)
			r.Get("/pending", h.GetPendingForUser)
			r.Get("/history", h.GetHistory)
			r.Get("/decisions", h.GetDecisionLog)
			r.Get("/active", h.GetActiveWorkflow)
			r.Get("/{workflowID}", h.GetWorkflow)
			r.Post("/{workflowID}/cancel", h.CancelWorkflow)
			r.Post("/{workflowID}/steps/{stepID}/actions", h.stepAction(opts.EnforceApprover))
		})
		r.Route("/audit-rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.PublishRule)
			r.Post("/{ruleID}/disable", h.DisableRule)
		})
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", h.ListNotifications)
			r.Post("/{notificationID}/read", h.MarkNotificationRead)
		})
	})
	return r
}

// Health reports liveness and database reachability.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Audits ───────────────────────────────────────────────────────────────────

// SubmitForApproval handles POST /api/v1/audits.
func (h *HTTPHandler) SubmitForApproval(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ApplicantID == "" {
		req.ApplicantID = actorID(r)
	}
	auditType, err := rules.ParseAuditType(req.AuditType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.service.SubmitForApproval(r.Context(), service.SubmitRequest{
		AuditType:         auditType,
		RelatedEntityID:   req.RelatedEntityID,
		RelatedEntityType: req.RelatedEntityType,
		ApplicantID:       req.ApplicantID,
		Attributes:        req.Attributes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !res.AuditRequired {
		writeJSON(w, http.StatusOK, submitResponse{AuditRequired: false})
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{
		AuditRequired: true,
		Workflow:      toWorkflowResponse(res.Workflow, res.Steps),
	})
}

// GetWorkflow handles GET /api/v1/audits/{workflowID}.
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetWorkflow(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(view.Workflow, view.Steps))
}

// GetActiveWorkflow handles GET /api/v1/audits/active?audit_type=&entity_id=.
func (h *HTTPHandler) GetActiveWorkflow(w http.ResponseWriter, r *http.Request) {
	auditType, entityID, err := entityQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := h.service.GetActiveWorkflow(r.Context(), auditType, entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(view.Workflow, view.Steps))
}

func (h *HTTPHandler) stepAction(enforceApprover bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req stepActionRequest
		if !h.decode(w, r, &req) {
			return
		}
		actor, ok := h.requireActor(w, r)
		if !ok {
			return
		}
		action, err := service.ParseStepAction(req.Action)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		res, err := h.service.ProcessStepAction(r.Context(), service.StepActionRequest{
			WorkflowID:       chi.URLParam(r, "workflowID"),
			StepID:           chi.URLParam(r, "stepID"),
			ActorID:          actor,
			Action:           action,
			Comment:          req.Comment,
			TransferToUserID: req.TransferToUserID,
			RequireApprover:  enforceApprover,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toActionResponse(res))
	}
}

// CancelWorkflow handles POST /api/v1/audits/{workflowID}/cancel.
func (h *HTTPHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	wf, err := h.service.CancelWorkflow(r.Context(), chi.URLParam(r, "workflowID"), actor, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(wf, nil))
}

// GetPendingForUser handles GET /api/v1/audits/pending.
func (h *HTTPHandler) GetPendingForUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	items, err := h.service.GetPendingForUser(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]pendingResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toPendingResponse(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

// GetHistory handles GET /api/v1/audits/history?audit_type=&entity_id=.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	auditType, entityID, err := entityQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	workflows, err := h.service.GetHistory(r.Context(), auditType, entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]*workflowResponse, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, toWorkflowResponse(wf, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

// GetDecisionLog handles GET /api/v1/audits/decisions?audit_type=&entity_id=.
func (h *HTTPHandler) GetDecisionLog(w http.ResponseWriter, r *http.Request) {
	auditType, entityID, err := entityQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.service.GetDecisionLog(r.Context(), auditType, entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]historyResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toHistoryResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// ── Rules ────────────────────────────────────────────────────────────────────

// ListRules handles GET /api/v1/audit-rules?audit_type=&include_disabled=.
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	var auditType rules.AuditType
	if raw := r.URL.Query().Get("audit_type"); raw != "" {
		t, err := rules.ParseAuditType(raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		auditType = t
	}
	includeDisabled, _ := strconv.ParseBool(r.URL.Query().Get("include_disabled"))

	list, err := h.service.ListRules(r.Context(), auditType, includeDisabled)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]ruleResponse, 0, len(list))
	for _, rule := range list {
		out = append(out, toRuleResponse(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out})
}

// PublishRule handles POST /api/v1/audit-rules.
func (h *HTTPHandler) PublishRule(w http.ResponseWriter, r *http.Request) {
	var req publishRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	auditType, err := rules.ParseAuditType(req.AuditType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rule, err := h.service.PublishRule(r.Context(), service.PublishRuleRequest{
		RuleKey:   req.RuleKey,
		AuditType: auditType,
		Trigger:   req.TriggerCondition,
		Template:  req.StepTemplate,
		Priority:  req.Priority,
		CreatedBy: actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleResponse(rule))
}

// DisableRule handles POST /api/v1/audit-rules/{ruleID}/disable.
func (h *HTTPHandler) DisableRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	rule, err := h.service.DisableRule(r.Context(), chi.URLParam(r, "ruleID"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

// ── Notifications ────────────────────────────────────────────────────────────

// ListNotifications handles GET /api/v1/notifications?unread=true.
func (h *HTTPHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	list, err := h.service.ListNotifications(r.Context(), actor, unreadOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		out = append(out, toNotificationResponse(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

// MarkNotificationRead handles POST /api/v1/notifications/{notificationID}/read.
func (h *HTTPHandler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	n, err := h.service.MarkNotificationRead(r.Context(), chi.URLParam(r, "notificationID"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNotificationResponse(n))
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func actorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

func (h *HTTPHandler) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := actorID(r)
	if actor == "" {
		h.writeError(w, r, errors.InvalidInput("actor_id", ActorHeader+" header is required"))
		return "", false
	}
	return actor, true
}

func entityQuery(r *http.Request) (rules.AuditType, string, error) {
	q := r.URL.Query()
	auditType, err := rules.ParseAuditType(q.Get("audit_type"))
	if err != nil {
		return "", "", err
	}
	entityID := strings.TrimSpace(q.Get("entity_id"))
	if entityID == "" {
		return "", "", errors.InvalidInput("entity_id", "entity_id is required")
	}
	return auditType, entityID, nil
}

// decode reads a JSON body. An empty body decodes to the zero value.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		if errors.CodeOf(err) != errors.ErrCodeInvalidRule {
			err = errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body")
		}
		h.writeError(w, r, err)
		return false
	}
	return true
}

type errorBody struct {
	Code    errors.Code    `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	body := errorBody{Code: errors.CodeOf(err), Message: err.Error()}
	var coded *errors.Error
	if errors.As(err, &coded) {
		body.Message = coded.Message
		body.Field = coded.Field
		body.Details = coded.Details
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request failed")
		if body.Code == errors.ErrCodeInternal {
			body.Message = "internal error"
		}
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
