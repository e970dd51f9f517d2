package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	requests *service.RequestService
	rules    *service.RuleService
	configs  *service.ConfigService
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(requests *service.RequestService, rules *service.RuleService, configs *service.ConfigService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		requests: requests,
		rules:    rules,
		configs:  configs,
		log:      log,
	}
}

// CreateRequest handles create approval request HTTP requests
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActionKind    string                 `json:"action_kind"`
		RequestedBy   string                 `json:"requested_by"`
		ApproverIDs   []string               `json:"approver_ids"`
		ValueAtRisk   *int64                 `json:"value_at_risk"`
		DeadlineHours *int                   `json:"deadline_hours"`
		Metadata      map[string]interface{} `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.requests.CreateRequest(r.Context(), &service.CreateRequestInput{
		ActionKind:    req.ActionKind,
		RequestedBy:   req.RequestedBy,
		ApproverIDs:   req.ApproverIDs,
		ValueAtRisk:   req.ValueAtRisk,
		DeadlineHours: req.DeadlineHours,
		Metadata:      req.Metadata,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, created)
}

// GetRequest handles get approval request HTTP requests
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	req, err := h.requests.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, req)
}

// RecordVote handles approve/reject vote HTTP requests
func (h *HTTPHandler) RecordVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID     string  `json:"request_id"`
		ApproverID    string  `json:"approver_id"`
		Decision      string  `json:"decision"`
		Justification *string `json:"justification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.requests.RecordVote(r.Context(), req.RequestID, req.ApproverID, req.Decision, req.Justification)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, updated)
}

// Escalate handles manual escalation HTTP requests
func (h *HTTPHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID   string   `json:"request_id"`
		ApproverIDs []string `json:"approver_ids"`
		Strategy    string   `json:"strategy"`
		Reason      string   `json:"reason"`
		ActorID     string   `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	record, err := h.requests.Escalate(r.Context(), req.RequestID, req.ApproverIDs, req.Strategy, req.Reason, req.ActorID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, record)
}

// CancelRequest handles cancel HTTP requests
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
		Reason    string `json:"reason"`
		ActorID   string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.requests.Cancel(r.Context(), req.RequestID, req.Reason, req.ActorID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, updated)
}

// ExecuteRequest handles mark-executed HTTP requests
func (h *HTTPHandler) ExecuteRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
		ActorID   string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.requests.MarkExecuted(r.Context(), req.RequestID, req.ActorID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, updated)
}

// PendingApprovals handles pending-for-approver HTTP requests
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	approverID := r.URL.Query().Get("approver_id")
	if approverID == "" {
		http.Error(w, "Approver ID is required", http.StatusBadRequest)
		return
	}

	pending, err := h.requests.PendingForApprover(r.Context(), approverID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": pending,
		"total":    len(pending),
	})
}

// GetHistory handles approval history HTTP requests
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	entries, err := h.requests.History(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

// ConfigureRule handles rule upsert HTTP requests
func (h *HTTPHandler) ConfigureRule(w http.ResponseWriter, r *http.Request) {
	var rule repository.EscalationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.rules.ConfigureRule(r.Context(), &rule); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, &rule)
}

// ListRules handles rule listing HTTP requests
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	var actionKind *string
	if v := r.URL.Query().Get("action_kind"); v != "" {
		actionKind = &v
	}

	var active *bool
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "Invalid active filter", http.StatusBadRequest)
			return
		}
		active = &b
	}

	rules, err := h.rules.ListRules(r.Context(), actionKind, active)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"total": len(rules),
	})
}

// DeleteRule handles rule deletion HTTP requests
func (h *HTTPHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Rule ID is required", http.StatusBadRequest)
		return
	}

	if err := h.rules.DeleteRule(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CreateConfiguration handles approval configuration creation HTTP requests
func (h *HTTPHandler) CreateConfiguration(w http.ResponseWriter, r *http.Request) {
	var cfg repository.ApprovalConfiguration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.configs.CreateConfiguration(r.Context(), &cfg); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, &cfg)
}

// UpdateConfiguration handles approval configuration update HTTP requests
func (h *HTTPHandler) UpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	var cfg repository.ApprovalConfiguration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.configs.UpdateConfiguration(r.Context(), &cfg); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, &cfg)
}

// ListConfigurations handles approval configuration listing HTTP requests
func (h *HTTPHandler) ListConfigurations(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "Invalid active filter", http.StatusBadRequest)
			return
		}
		activeOnly = b
	}

	configs, err := h.configs.ListConfigurations(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"configurations": configs,
		"total":          len(configs),
	})
}

// Metrics handles escalation metrics HTTP requests
func (h *HTTPHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	period := 7 * 24 * time.Hour
	if v := r.URL.Query().Get("period"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "Invalid period", http.StatusBadRequest)
			return
		}
		period = d
	}

	metrics, err := h.rules.Metrics(r.Context(), period)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, metrics)
}

// ── response helpers ─────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.Code(err) {
	case errors.ErrCodeValidation:
		status = http.StatusBadRequest
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeConflict:
		status = http.StatusConflict
	case errors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(errors.Code(err)),
		"error": err.Error(),
	})
}
