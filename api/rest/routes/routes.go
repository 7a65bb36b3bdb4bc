package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"job-broker/api/rest/handlers"
	"job-broker/core/broker"
	"job-broker/core/monitoring"
	"job-broker/core/scheduler"
)

// DefaultOwnerHeader carries the tenant id set by the authenticating proxy
const DefaultOwnerHeader = "X-Broker-Owner"

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, b *broker.Service, rules *scheduler.RuleService, metrics *monitoring.Metrics, ownerHeader string) {
	if ownerHeader == "" {
		ownerHeader = DefaultOwnerHeader
	}
	jobHandler := handlers.NewJobHandler(b)
	ruleHandler := handlers.NewRuleHandler(rules)
	adminHandler := handlers.NewAdminHandler(b, rules)

	r.HandleFunc("/health", handlers.Health).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(handlers.RequireOwner(ownerHeader))

	// Job endpoints
	api.HandleFunc("/jobs", jobHandler.SubmitJob).Methods("POST")
	api.HandleFunc("/jobs/batch", jobHandler.SubmitJobs).Methods("POST")
	api.HandleFunc("/jobs", jobHandler.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", jobHandler.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", jobHandler.CancelJob).Methods("DELETE")
	api.HandleFunc("/jobs/{id}/events", jobHandler.GetJobEvents).Methods("GET")

	// Worker endpoints
	api.HandleFunc("/work", jobHandler.LeaseWork).Methods("GET")
	api.HandleFunc("/jobs/{id}/heartbeat", jobHandler.Heartbeat).Methods("POST")
	api.HandleFunc("/jobs/{id}/failed", jobHandler.ReportFailure).Methods("POST")
	api.HandleFunc("/jobs/{id}/completed", jobHandler.ReportCompletion).Methods("POST")

	// Scaling rule endpoints
	api.HandleFunc("/rules", ruleHandler.CreateRule).Methods("POST")
	api.HandleFunc("/rules", ruleHandler.ListRules).Methods("GET")
	api.HandleFunc("/rules/{group_id}", ruleHandler.GetRule).Methods("GET")
	api.HandleFunc("/rules/{group_id}", ruleHandler.UpdateRule).Methods("PUT")
	api.HandleFunc("/rules/{group_id}", ruleHandler.DeleteRule).Methods("DELETE")

	// Admin endpoints
	api.HandleFunc("/admin/jobs", adminHandler.ClearJobs).Methods("DELETE")
	api.HandleFunc("/admin/jobs/counts", adminHandler.JobCounts).Methods("GET")
	api.HandleFunc("/admin/rules", adminHandler.ClearRules).Methods("DELETE")
	api.HandleFunc("/admin/groups/{group_id}/jobs", adminHandler.ClearGroupJobs).Methods("DELETE")
}

// NewRouter returns a router with every route configured
func NewRouter(b *broker.Service, rules *scheduler.RuleService, metrics *monitoring.Metrics, ownerHeader string) http.Handler {
	r := mux.NewRouter()
	SetupRoutes(r, b, rules, metrics, ownerHeader)
	return r
}
