package broker

import (
	"context"

	log "github.com/sirupsen/logrus"

	"job-broker/core/brokererr"
	"job-broker/core/models"
	"job-broker/core/spec"
)

const maxEventsPerJob = 500

// SubmitJob validates sub and stores it as a pending job owned by owner
func (s *Service) SubmitJob(ctx context.Context, owner string, sub spec.Submission) (*models.Job, error) {
	if owner == "" {
		return nil, brokererr.InvalidRequest("owner is required")
	}
	v, err := spec.Validate(sub, s.submissionDefaults())
	if err != nil {
		return nil, err
	}

	job := s.newJob(owner, v)
	if err := s.jobs.Insert(ctx, job); err != nil {
		return nil, brokererr.Internal(err, "create job")
	}
	s.record(ctx, job, nil, models.EventCreated, "")

	log.WithFields(log.Fields{"job_id": job.ID, "group_id": job.GroupID}).Debugf("Job submitted: %s", v)
	return job, nil
}

// SubmitJobs validates every submission first, then stores all of them in a
// single insert. Nothing is stored if any submission is invalid.
func (s *Service) SubmitJobs(ctx context.Context, owner string, subs []spec.Submission) ([]*models.Job, error) {
	if owner == "" {
		return nil, brokererr.InvalidRequest("owner is required")
	}
	validated, err := spec.ValidateBatch(subs, s.submissionDefaults(), s.cfg.MaxBatchSubmit)
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, 0, len(validated))
	for _, v := range validated {
		jobs = append(jobs, s.newJob(owner, v))
	}
	if err := s.jobs.Insert(ctx, jobs...); err != nil {
		return nil, brokererr.Internal(err, "create jobs")
	}
	for _, job := range jobs {
		s.record(ctx, job, nil, models.EventCreated, "")
	}

	log.WithField("owner", owner).Infof("Batch of %d jobs submitted", len(jobs))
	return jobs, nil
}

func (s *Service) newJob(owner string, v *spec.Validated) *models.Job {
	return &models.Job{
		ID:                s.newID(),
		Owner:             owner,
		GroupID:           v.GroupID,
		Status:            models.JobStatusPending,
		Payload:           v.Payload,
		Webhook:           v.Webhook,
		HeartbeatInterval: v.HeartbeatInterval,
		MaxFailures:       v.MaxFailures,
		Created:           s.clock(),
	}
}

// GetJob returns the job if owner may see it
func (s *Service) GetJob(ctx context.Context, owner, jobID string) (*models.Job, error) {
	var (
		job *models.Job
		err error
	)
	if s.IsAdmin(owner) {
		job, err = s.jobs.GetByID(ctx, jobID)
	} else {
		job, err = s.jobs.GetByOwnerAndID(ctx, owner, jobID)
	}
	if err != nil {
		return nil, brokererr.Internal(err, "get job %s", jobID)
	}
	return job, nil
}

// ListJobs lists owner's jobs. The admin lists every tenant's jobs.
func (s *Service) ListJobs(ctx context.Context, owner string, filter models.JobFilter, sort models.JobSort, page models.Page) ([]*models.Job, error) {
	filter.Owner = owner
	if s.IsAdmin(owner) {
		filter.Owner = ""
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, brokererr.InvalidRequest("unknown job status %q", *filter.Status)
	}

	jobs, err := s.jobs.List(ctx, filter, sort, page.Normalize())
	if err != nil {
		return nil, brokererr.Internal(err, "list jobs")
	}
	return jobs, nil
}

// JobEvents returns the newest transitions recorded for a job
func (s *Service) JobEvents(ctx context.Context, owner, jobID string) ([]models.JobEvent, error) {
	if _, err := s.GetJob(ctx, owner, jobID); err != nil {
		return nil, err
	}
	events, err := s.events.ListByJob(ctx, jobID, maxEventsPerJob)
	if err != nil {
		return nil, brokererr.Internal(err, "list events for job %s", jobID)
	}
	return events, nil
}

// ClearJobs deletes every job. Only the admin may call it.
func (s *Service) ClearJobs(ctx context.Context, owner string) (int, error) {
	if !s.IsAdmin(owner) {
		return 0, brokererr.Forbidden("only the admin may clear jobs")
	}
	n, err := s.jobs.DeleteAll(ctx)
	if err != nil {
		return 0, brokererr.Internal(err, "clear jobs")
	}
	log.Warnf("Cleared %d jobs", n)
	return n, nil
}

// ClearGroupJobs deletes every job of one workload group. Only the admin
// may call it.
func (s *Service) ClearGroupJobs(ctx context.Context, owner, groupID string) (int, error) {
	if !s.IsAdmin(owner) {
		return 0, brokererr.Forbidden("only the admin may clear jobs")
	}
	n, err := s.jobs.DeleteByGroup(ctx, groupID)
	if err != nil {
		return 0, brokererr.Internal(err, "delete jobs of group %s", groupID)
	}
	log.WithField("group_id", groupID).Warnf("Cleared %d jobs", n)
	return n, nil
}

// JobCounts returns the number of stored jobs per status. Only the admin may
// call it.
func (s *Service) JobCounts(ctx context.Context, owner string) (map[models.JobStatus]int, error) {
	if !s.IsAdmin(owner) {
		return nil, brokererr.Forbidden("only the admin may view job counts")
	}
	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, brokererr.Internal(err, "count jobs")
	}
	return counts, nil
}
