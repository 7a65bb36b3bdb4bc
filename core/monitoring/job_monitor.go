package monitoring

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"job-broker/core/models"
	"job-broker/core/repository"
)

var allStatuses = []models.JobStatus{
	models.JobStatusPending,
	models.JobStatusRunning,
	models.JobStatusCompleted,
	models.JobStatusCanceled,
	models.JobStatusFailed,
}

// JobMonitor periodically publishes the number of jobs in each status
type JobMonitor struct {
	jobs     repository.JobStore
	metrics  *Metrics
	interval time.Duration
}

// NewJobMonitor creates a new job monitor
func NewJobMonitor(jobs repository.JobStore, metrics *Metrics, interval time.Duration) *JobMonitor {
	return &JobMonitor{
		jobs:     jobs,
		metrics:  metrics,
		interval: interval,
	}
}

// Start starts the job monitoring loop
func (jm *JobMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(jm.interval)
	defer ticker.Stop()

	jm.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jm.Refresh(ctx)
		}
	}
}

// Refresh updates the status gauge once
func (jm *JobMonitor) Refresh(ctx context.Context) {
	counts, err := jm.jobs.CountByStatus(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to count jobs by status")
		return
	}

	for _, status := range allStatuses {
		jm.metrics.JobsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
