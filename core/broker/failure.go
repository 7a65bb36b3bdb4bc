package broker

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"job-broker/core/brokererr"
	"job-broker/core/models"
	"job-broker/core/notify"
	"job-broker/core/repository"
)

var activeStatuses = []models.JobStatus{models.JobStatusPending, models.JobStatusRunning}

// ReportFailure bans workerID from the job and counts the failure. When the
// count reaches the job's max_failures the job fails for good. Otherwise its
// status is left as is, and it is retried by another worker once its lease
// goes stale.
func (s *Service) ReportFailure(ctx context.Context, owner, jobID, workerID string) error {
	if workerID == "" {
		return brokererr.InvalidRequest("worker_id is required")
	}
	job, err := s.GetJob(ctx, owner, jobID)
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"job_id": jobID, "worker_id": workerID, "group_id": job.GroupID})

	if err := s.bans.Put(ctx, workerID, jobID); err != nil {
		return brokererr.Internal(err, "ban worker %s from job %s", workerID, jobID)
	}
	failures, err := s.jobs.IncrementFailures(ctx, jobID)
	if err != nil {
		return brokererr.Internal(err, "count failure of job %s", jobID)
	}
	s.metrics.FailuresReported.Inc()
	job.NumFailures = failures
	s.record(ctx, job, statusPtr(job.Status), models.EventFailureReported, workerID)

	if failures < job.MaxFailures {
		logger.Infof("Failure %d of %d reported", failures, job.MaxFailures)
		return nil
	}
	if job.Status.Terminal() {
		return nil
	}

	failed, err := s.jobs.CASUpdate(ctx, jobID,
		repository.Preconditions{Statuses: activeStatuses},
		repository.JobUpdate{At: s.clock(), Status: statusPtr(models.JobStatusFailed), ClearLease: true},
	)
	if errors.Is(err, brokererr.ErrConflict) {
		// Reached a terminal status concurrently
		return nil
	}
	if err != nil {
		return brokererr.Internal(err, "fail job %s", jobID)
	}

	logger.Warnf("Job failed after %d failures", failures)
	s.terminal(ctx, failed, job.Status, models.EventFailed, workerID)
	return nil
}

// ReportCompletion marks the job completed. Completing a job that is already
// terminal is a no-op.
func (s *Service) ReportCompletion(ctx context.Context, owner, jobID, workerID string) error {
	job, err := s.GetJob(ctx, owner, jobID)
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"job_id": jobID, "worker_id": workerID, "group_id": job.GroupID})

	if job.Status.Terminal() {
		logger.Infof("Completion reported for %s job, ignoring", job.Status)
		return nil
	}

	completed, err := s.jobs.CASUpdate(ctx, jobID,
		repository.Preconditions{Statuses: activeStatuses},
		repository.JobUpdate{At: s.clock(), Status: statusPtr(models.JobStatusCompleted), ClearLease: true},
	)
	if errors.Is(err, brokererr.ErrConflict) {
		logger.Info("Job reached a terminal status concurrently, ignoring completion")
		return nil
	}
	if err != nil {
		return brokererr.Internal(err, "complete job %s", jobID)
	}

	logger.Info("Job completed")
	s.terminal(ctx, completed, job.Status, models.EventCompleted, workerID)
	return nil
}

// Cancel marks a pending or running job canceled. Workers holding the job
// find out on their next heartbeat. Canceling a terminal job is a Conflict.
func (s *Service) Cancel(ctx context.Context, owner, jobID string) error {
	job, err := s.GetJob(ctx, owner, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return brokererr.Conflict("job %s is already %s", jobID, job.Status)
	}

	canceled, err := s.jobs.CASUpdate(ctx, jobID,
		repository.Preconditions{Statuses: activeStatuses},
		repository.JobUpdate{At: s.clock(), Status: statusPtr(models.JobStatusCanceled), ClearLease: true},
	)
	if errors.Is(err, brokererr.ErrConflict) {
		return brokererr.Conflict("job %s reached a terminal status concurrently", jobID)
	}
	if err != nil {
		return brokererr.Internal(err, "cancel job %s", jobID)
	}

	log.WithFields(log.Fields{"job_id": jobID, "group_id": job.GroupID}).Info("Job canceled")
	s.metrics.TerminalTransitions.WithLabelValues(string(models.JobStatusCanceled)).Inc()
	s.record(ctx, canceled, statusPtr(job.Status), models.EventCanceled, "")
	return nil
}

func (s *Service) terminal(ctx context.Context, job *models.Job, from models.JobStatus, reason models.EventReason, workerID string) {
	s.metrics.TerminalTransitions.WithLabelValues(string(job.Status)).Inc()
	s.record(ctx, job, &from, reason, workerID)
	s.notify.Notify(notify.NotificationFor(job, workerID))
}
