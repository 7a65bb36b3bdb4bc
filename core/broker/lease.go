package broker

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"job-broker/core/brokererr"
	"job-broker/core/models"
	"job-broker/core/notify"
	"job-broker/core/repository"
)

// maxLeaseRaces bounds how often one lease request retries after losing a
// grant to a concurrent request
const maxLeaseRaces = 5

// LeaseNext grants workerID the highest priority job of groupID. Stale
// running jobs come before pending ones, oldest first. Jobs the worker is
// banned from are walked past; once MaxWorkerAttempts candidates in a row were
// banned, the worker is reported for reallocation and nothing is returned.
// Only owner's jobs are candidates, except for the admin owner who may lease
// any job of the group. A nil job with a nil error means there is no work.
func (s *Service) LeaseNext(ctx context.Context, owner, groupID, workerID string) (*models.Job, error) {
	if groupID == "" || workerID == "" {
		return nil, brokererr.InvalidRequest("group_id and worker_id are required")
	}
	scope := owner
	if s.IsAdmin(owner) {
		scope = ""
	}
	logger := log.WithFields(log.Fields{"owner": owner, "group_id": groupID, "worker_id": workerID})

	races := 0
	for attempt := 0; attempt < s.cfg.MaxWorkerAttempts; {
		now := s.clock()
		candidate, err := s.selectJob(ctx, scope, groupID, attempt, now)
		if err != nil {
			return nil, brokererr.Internal(err, "select job")
		}
		if candidate == nil {
			return nil, nil
		}

		banned, err := s.bans.Exists(ctx, workerID, candidate.ID)
		if err != nil {
			return nil, brokererr.Internal(err, "check ban")
		}
		if banned {
			s.metrics.BanHits.Inc()
			logger.WithField("job_id", candidate.ID).Debug("Worker is banned from job, trying next candidate")
			attempt++
			continue
		}

		job, err := s.grant(ctx, candidate, workerID, now)
		if errors.Is(err, brokererr.ErrConflict) {
			races++
			if races > maxLeaseRaces {
				logger.Debugf("Lost %d lease races, returning no job", races)
				return nil, nil
			}
			continue
		}
		if err != nil {
			return nil, brokererr.Internal(err, "grant lease")
		}

		logger.WithField("job_id", job.ID).Debugf("Leased %s job", candidate.Status)
		return job, nil
	}

	logger.Warnf("Worker was banned from %d jobs in a row, requesting reallocation", s.cfg.MaxWorkerAttempts)
	s.realloc.Request(groupID, workerID)
	return nil, nil
}

// selectJob returns the attempt-th oldest stale running job, or failing that
// the attempt-th oldest pending job
func (s *Service) selectJob(ctx context.Context, owner, groupID string, attempt int, now time.Time) (*models.Job, error) {
	stale, err := s.jobs.FindCandidate(ctx, repository.CandidateQuery{
		Owner:           owner,
		GroupID:         groupID,
		Status:          models.JobStatusRunning,
		StaleAsOf:       now,
		StaleMultiplier: s.cfg.StaleMultiplier,
		Offset:          attempt,
	})
	if err != nil || stale != nil {
		return stale, err
	}

	return s.jobs.FindCandidate(ctx, repository.CandidateQuery{
		Owner:   owner,
		GroupID: groupID,
		Status:  models.JobStatusPending,
		Offset:  attempt,
	})
}

// grant takes the lease with a compare-and-swap that re-checks the candidate
// is still pending, or still running with an expired lease
func (s *Service) grant(ctx context.Context, candidate *models.Job, workerID string, now time.Time) (*models.Job, error) {
	pre := repository.Preconditions{Statuses: []models.JobStatus{candidate.Status}}
	if candidate.Status == models.JobStatusRunning {
		pre.LeaseStaleAsOf = &now
		pre.StaleMultiplier = s.cfg.StaleMultiplier
	}

	job, err := s.jobs.CASUpdate(ctx, candidate.ID, pre, repository.JobUpdate{
		At:              now,
		Status:          statusPtr(models.JobStatusRunning),
		SetOwningWorker: &workerID,
		Heartbeat:       true,
	})
	if err != nil {
		return nil, err
	}

	source, reason := "pending", models.EventLeased
	if candidate.Status == models.JobStatusRunning {
		source, reason = "stale", models.EventReclaimed
	}
	s.metrics.LeasesGranted.WithLabelValues(source).Inc()
	s.record(ctx, job, statusPtr(candidate.Status), reason, workerID)
	s.notify.Notify(notify.NotificationFor(job, workerID))
	return job, nil
}

// Heartbeat renews workerID's lease on a running job and returns the job's
// status. A job that is no longer running returns its status unchanged. If
// the lease was reclaimed by another worker the job is left alone and
// canceled is returned, telling the caller to abandon it.
func (s *Service) Heartbeat(ctx context.Context, owner, jobID, workerID string) (models.JobStatus, error) {
	if workerID == "" {
		return "", brokererr.InvalidRequest("worker_id is required")
	}
	job, err := s.GetJob(ctx, owner, jobID)
	if err != nil {
		return "", err
	}
	logger := log.WithFields(log.Fields{"job_id": jobID, "worker_id": workerID, "group_id": job.GroupID})

	if job.Status != models.JobStatusRunning {
		s.metrics.Heartbeats.WithLabelValues("not_running").Inc()
		return job.Status, nil
	}
	if job.OwningWorker != nil && *job.OwningWorker != workerID {
		return s.leaseLost(ctx, job, workerID), nil
	}

	_, err = s.jobs.CASUpdate(ctx, jobID, repository.Preconditions{
		Statuses:      []models.JobStatus{models.JobStatusRunning},
		WorkerMayHold: &workerID,
	}, repository.JobUpdate{
		At:              s.clock(),
		SetOwningWorker: &workerID,
		Heartbeat:       true,
		BumpHeartbeats:  true,
	})
	if errors.Is(err, brokererr.ErrConflict) {
		// Changed between the read and the write
		current, getErr := s.jobs.GetByID(ctx, jobID)
		if getErr != nil {
			return "", brokererr.Internal(getErr, "get job %s", jobID)
		}
		if current.Status != models.JobStatusRunning {
			s.metrics.Heartbeats.WithLabelValues("not_running").Inc()
			return current.Status, nil
		}
		return s.leaseLost(ctx, current, workerID), nil
	}
	if err != nil {
		return "", brokererr.Internal(err, "renew lease on job %s", jobID)
	}

	s.metrics.Heartbeats.WithLabelValues("renewed").Inc()
	logger.Debug("Lease renewed")
	return models.JobStatusRunning, nil
}

func (s *Service) leaseLost(ctx context.Context, job *models.Job, workerID string) models.JobStatus {
	s.metrics.Heartbeats.WithLabelValues("lease_lost").Inc()
	s.record(ctx, job, statusPtr(job.Status), models.EventLeaseLost, workerID)
	log.WithFields(log.Fields{"job_id": job.ID, "worker_id": workerID, "group_id": job.GroupID}).
		Info("Heartbeat from superseded worker, signalling cancel")
	return models.JobStatusCanceled
}
