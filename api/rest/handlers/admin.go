package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"job-broker/core/broker"
	"job-broker/core/scheduler"
)

// AdminHandler serves the admin-only operations
type AdminHandler struct {
	broker *broker.Service
	rules  *scheduler.RuleService
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(b *broker.Service, rules *scheduler.RuleService) *AdminHandler {
	return &AdminHandler{broker: b, rules: rules}
}

type clearedResponse struct {
	Deleted int `json:"deleted"`
}

// ClearJobs handles DELETE /v1/admin/jobs
func (h *AdminHandler) ClearJobs(w http.ResponseWriter, r *http.Request) {
	n, err := h.broker.ClearJobs(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clearedResponse{Deleted: n})
}

// ClearGroupJobs handles DELETE /v1/admin/groups/{group_id}/jobs
func (h *AdminHandler) ClearGroupJobs(w http.ResponseWriter, r *http.Request) {
	n, err := h.broker.ClearGroupJobs(r.Context(), ownerFrom(r), mux.Vars(r)["group_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clearedResponse{Deleted: n})
}

// ClearRules handles DELETE /v1/admin/rules
func (h *AdminHandler) ClearRules(w http.ResponseWriter, r *http.Request) {
	n, err := h.rules.ClearRules(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clearedResponse{Deleted: n})
}

// JobCounts handles GET /v1/admin/jobs/counts
func (h *AdminHandler) JobCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.broker.JobCounts(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
