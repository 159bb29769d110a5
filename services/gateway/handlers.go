package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"wafguard/pkg/anomaly"
	"wafguard/pkg/features"
	"wafguard/pkg/feedback"
	"wafguard/pkg/gate"
	"wafguard/pkg/lifecycle"
	"wafguard/pkg/structlog"
	"wafguard/pkg/suggest"
)

type api struct {
	eng      *engine
	suggest  *suggest.Engine
	rules    *lifecycle.Manager
	feedback *feedback.Loop
	log      *structlog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type checkRequest struct {
	TenantID string            `json:"tenant_id"`
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Query    string            `json:"query"`
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body"`
	ClientIP string            `json:"client_ip"`
}

type checkResponse struct {
	Verdict   string  `json:"verdict"`
	Reason    string  `json:"reason,omitempty"`
	Score     float64 `json:"score"`
	Scored    bool    `json:"scored"`
	RuleID    string  `json:"rule_id,omitempty"`
	Signature string  `json:"signature"`
	Category  string  `json:"category"`
}

// handleCheck evaluates one request against the tenant's gate.
func (a *api) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TenantID == "" || req.Method == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, method and path are required")
		return
	}

	g, err := a.eng.gateFor(r.Context(), req.TenantID)
	if err != nil {
		a.log.Error("gate init failed", structlog.Fields{"tenant": req.TenantID, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	dec := g.Evaluate(r.Context(), features.RawRequest{
		TenantID: req.TenantID,
		Method:   req.Method,
		Path:     req.Path,
		Query:    req.Query,
		Headers:  req.Headers,
		Body:     []byte(req.Body),
		ClientIP: req.ClientIP,
	})
	if dec.Scored {
		a.eng.drift.Observe(req.TenantID, dec.Score)
	}
	a.eng.patterns.Record(req.TenantID, req.Method, req.ClientIP, dec.Score, dec.Scored,
		dec.Verdict == gate.Block, dec.Verdict == gate.LogOnly)

	writeJSON(w, http.StatusOK, checkResponse{
		Verdict:   dec.Verdict.String(),
		Reason:    dec.Reason,
		Score:     dec.Score,
		Scored:    dec.Scored,
		RuleID:    dec.RuleID,
		Signature: dec.Signature,
		Category:  string(dec.Category),
	})
}

// handleTrain runs a synchronous training cycle for a tenant.
func (a *api) handleTrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	result, err := a.eng.train(r.Context(), req.TenantID)
	switch {
	case errors.Is(err, anomaly.ErrInsufficientSamples):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		a.log.Error("training failed", structlog.Fields{"tenant": req.TenantID, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "training failed")
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

// handleSuggest runs the rule suggestion engine over recent events.
func (a *api) handleSuggest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	result, err := runSuggestions(r.Context(), a.eng, a.suggest, a.rules, req.TenantID, a.eng.cfg.SuggestionWindow)
	if err != nil {
		a.log.Error("suggestion run failed", structlog.Fields{"tenant": req.TenantID, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "suggestion run failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRules lists a tenant's adaptive rules.
func (a *api) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	rules, err := a.eng.store.ListRules(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rule listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "rules": rules})
}

// handleRuleApprove promotes a pending rule.
func (a *api) handleRuleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		RuleID   string `json:"rule_id"`
		Reviewer string `json:"reviewer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RuleID == "" {
		writeError(w, http.StatusBadRequest, "rule_id is required")
		return
	}

	rule, err := a.rules.Approve(r.Context(), req.RuleID, req.Reviewer)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, "rule not found")
	case errors.Is(err, lifecycle.ErrTerminalState):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "approval failed")
	default:
		writeJSON(w, http.StatusOK, rule)
	}
}

// handleRuleReject rejects a rule, retracting it if active.
func (a *api) handleRuleReject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		RuleID   string `json:"rule_id"`
		Reviewer string `json:"reviewer"`
		Notes    string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RuleID == "" {
		writeError(w, http.StatusBadRequest, "rule_id is required")
		return
	}

	rule, err := a.rules.Reject(r.Context(), req.RuleID, req.Reviewer, req.Notes)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, "rule not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "rejection failed")
	default:
		writeJSON(w, http.StatusOK, rule)
	}
}

// handleFeedback submits a false-positive report.
func (a *api) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		TenantID        string `json:"tenant_id"`
		EventID         string `json:"event_id"`
		IsFalsePositive bool   `json:"is_false_positive"`
		Comment         string `json:"comment"`
		ReportedBy      string `json:"reported_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	fb, err := a.feedback.Submit(r.Context(), req.TenantID, req.EventID, req.IsFalsePositive, req.Comment, req.ReportedBy)
	switch {
	case errors.Is(err, feedback.ErrInvalidFeedback):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "feedback submission failed")
	default:
		writeJSON(w, http.StatusCreated, fb)
	}
}

// handleFeedbackResolve terminally resolves a feedback record.
func (a *api) handleFeedbackResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		FeedbackID string `json:"feedback_id"`
		Action     string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FeedbackID == "" {
		writeError(w, http.StatusBadRequest, "feedback_id is required")
		return
	}

	fb, err := a.feedback.Resolve(r.Context(), req.FeedbackID, req.Action)
	switch {
	case errors.Is(err, feedback.ErrInvalidFeedback):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "feedback resolution failed")
	default:
		writeJSON(w, http.StatusOK, fb)
	}
}

// handleInsights returns the tenant's aggregate view plus the live drift
// window.
func (a *api) handleInsights(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	window := 24 * time.Hour
	if d, err := time.ParseDuration(r.URL.Query().Get("window")); err == nil && d > 0 {
		window = d
	}

	insights, err := a.eng.store.TenantInsights(r.Context(), tenantID, window)
	if err != nil {
		a.log.Error("insights query failed", structlog.Fields{"tenant": tenantID, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "insights query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"insights": insights,
		"drift":    a.eng.drift.Snapshot(tenantID),
		"traffic":  a.eng.patterns.Current(tenantID),
	})
}
