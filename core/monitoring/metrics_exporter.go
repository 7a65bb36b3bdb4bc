package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "broker"

// Metrics holds every collector the broker and the autoscaler report to
type Metrics struct {
	registry *prometheus.Registry

	LeasesGranted       *prometheus.CounterVec
	Heartbeats          *prometheus.CounterVec
	FailuresReported    prometheus.Counter
	TerminalTransitions *prometheus.CounterVec
	BanHits             prometheus.Counter
	Reallocations       *prometheus.CounterVec
	ScalingActions      *prometheus.CounterVec
	EvaluationErrors    prometheus.Counter
	TargetReplicas      *prometheus.GaugeVec
	JobsByStatus        *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LeasesGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_granted_total",
			Help:      "Leases granted, by whether the job was pending or reclaimed from a stale lease",
		}, []string{"source"}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat calls by outcome",
		}, []string{"result"}),
		FailuresReported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_reported_total",
			Help:      "Failure reports received from workers",
		}),
		TerminalTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_transitions_total",
			Help:      "Jobs reaching a terminal status",
		}, []string{"status"}),
		BanHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ban_hits_total",
			Help:      "Lease candidates skipped because the worker is banned from them",
		}),
		Reallocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reallocations_total",
			Help:      "Instance reallocation requests by outcome",
		}, []string{"result"}),
		ScalingActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scaling_actions_total",
			Help:      "Fleet actions issued by the autoscaler",
		}, []string{"action"}),
		EvaluationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scaling_evaluation_errors_total",
			Help:      "Scaling rule evaluations that failed",
		}),
		TargetReplicas: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_replicas",
			Help:      "Last replica target computed for a workload group",
		}, []string{"group_id"}),
		JobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Stored jobs by status",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.LeasesGranted,
		m.Heartbeats,
		m.FailuresReported,
		m.TerminalTransitions,
		m.BanHits,
		m.Reallocations,
		m.ScalingActions,
		m.EvaluationErrors,
		m.TargetReplicas,
		m.JobsByStatus,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
