package repository

import (
	"context"
	"time"

	"job-broker/core/models"
)

// JobStore is the durable record of jobs. Every mutation of a single job is
// atomic; CASUpdate is the only path that changes status or lease fields.
type JobStore interface {
	Insert(ctx context.Context, jobs ...*models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	GetByOwnerAndID(ctx context.Context, owner, id string) (*models.Job, error)
	// FindCandidate returns the offset-th oldest job matching q, or nil.
	FindCandidate(ctx context.Context, q CandidateQuery) (*models.Job, error)
	// CASUpdate applies upd only if the job still satisfies pre. It returns
	// the updated job, or a brokererr.ErrConflict error when pre no longer holds.
	CASUpdate(ctx context.Context, id string, pre Preconditions, upd JobUpdate) (*models.Job, error)
	IncrementFailures(ctx context.Context, id string) (int, error)
	List(ctx context.Context, filter models.JobFilter, sort models.JobSort, page models.Page) ([]*models.Job, error)
	// CountActive counts pending/running jobs plus jobs that reached a
	// terminal status within idle of now, stopping at limit.
	CountActive(ctx context.Context, groupID string, idle time.Duration, limit int, now time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)
	DeleteByGroup(ctx context.Context, groupID string) (int, error)
	DeleteAll(ctx context.Context) (int, error)
}

// CandidateQuery selects lease candidates within one workload group
type CandidateQuery struct {
	Owner   string // Optional; empty matches every owner
	GroupID string
	Status  models.JobStatus
	// StaleAsOf restricts running candidates to leases that are stale at this
	// instant. Ignored for pending candidates.
	StaleAsOf       time.Time
	StaleMultiplier int
	Offset          int
}

// Preconditions must all hold at write time for a CASUpdate to apply
type Preconditions struct {
	Owner    string             // Optional
	Statuses []models.JobStatus // Current status must be one of these; empty means any
	// LeaseStaleAsOf, when set, requires a running job to be stale at this
	// instant. Pending jobs always pass.
	LeaseStaleAsOf  *time.Time
	StaleMultiplier int
	// WorkerMayHold, when set, requires owning_worker to be null or equal.
	WorkerMayHold *string
}

// JobUpdate lists the fields a CASUpdate writes
type JobUpdate struct {
	At     time.Time
	Status *models.JobStatus // Stamps the matching timestamp, and started on running
	// SetOwningWorker writes owning_worker; ClearLease nulls it.
	SetOwningWorker *string
	ClearLease      bool
	Heartbeat       bool // heartbeat = At
	BumpHeartbeats  bool // num_heartbeats += 1
}

// BanStore records permanent (worker, job) lease bans
type BanStore interface {
	Put(ctx context.Context, workerID, jobID string) error
	Exists(ctx context.Context, workerID, jobID string) (bool, error)
}

// RuleStore persists one scaling rule per workload group
type RuleStore interface {
	List(ctx context.Context) ([]*models.ScalingRule, error)
	ListByOwner(ctx context.Context, owner string) ([]*models.ScalingRule, error)
	Get(ctx context.Context, groupID string) (*models.ScalingRule, error)
	Create(ctx context.Context, rule *models.ScalingRule) error
	Upsert(ctx context.Context, rule *models.ScalingRule) error
	Delete(ctx context.Context, groupID string) error
	DeleteAll(ctx context.Context) (int, error)
}

// EventStore is the append-only job transition log
type EventStore interface {
	Append(ctx context.Context, event models.JobEvent) error
	ListByJob(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

func banKey(workerID, jobID string) string {
	return workerID + ":" + jobID
}
