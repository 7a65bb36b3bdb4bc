package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"job-broker/core/models"
	"job-broker/core/scheduler"
)

// RuleHandler handles scaling rule requests
type RuleHandler struct {
	rules *scheduler.RuleService
}

// NewRuleHandler creates a new rule handler
func NewRuleHandler(rules *scheduler.RuleService) *RuleHandler {
	return &RuleHandler{rules: rules}
}

type createRuleRequest struct {
	GroupID              string `json:"group_id"`
	MinReplicas          int    `json:"min_replicas"`
	MaxReplicas          int    `json:"max_replicas"`
	IdleThresholdSeconds int    `json:"idle_threshold_seconds"`
}

// CreateRule handles POST /v1/rules
func (h *RuleHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	rule, err := h.rules.CreateRule(r.Context(), ownerFrom(r), models.ScalingRule{
		GroupID:              req.GroupID,
		MinReplicas:          req.MinReplicas,
		MaxReplicas:          req.MaxReplicas,
		IdleThresholdSeconds: req.IdleThresholdSeconds,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule handles PUT /v1/rules/{group_id}
func (h *RuleHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var upd models.ScalingRuleUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, r, err)
		return
	}

	rule, err := h.rules.UpdateRule(r.Context(), ownerFrom(r), mux.Vars(r)["group_id"], upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// GetRule handles GET /v1/rules/{group_id}
func (h *RuleHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.GetRule(r.Context(), ownerFrom(r), mux.Vars(r)["group_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule handles DELETE /v1/rules/{group_id}
func (h *RuleHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.DeleteRule(r.Context(), ownerFrom(r), mux.Vars(r)["group_id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRules handles GET /v1/rules
func (h *RuleHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.ListRules(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rules == nil {
		rules = []*models.ScalingRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}
