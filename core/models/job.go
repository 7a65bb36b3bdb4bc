package models

import "time"

// Job represents a unit of work submitted by a tenant and executed by a fleet worker
type Job struct {
	ID                string
	Owner             string
	GroupID           string // Workload group whose workers may lease this job
	Status            JobStatus
	Payload           JobPayload
	Webhook           string // Optional URL notified on running/completed/failed
	HeartbeatInterval int    // Seconds, default 30
	MaxFailures       int    // Default 3
	NumFailures       int
	NumHeartbeats     int
	OwningWorker      *string // Worker currently holding the lease
	Heartbeat         *time.Time
	Created           time.Time
	Started           *time.Time
	Completed         *time.Time
	Failed            *time.Time
	Canceled          *time.Time
}

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCanceled  JobStatus = "canceled"
	JobStatusFailed    JobStatus = "failed"
)

const (
	DefaultHeartbeatInterval = 30
	DefaultMaxFailures       = 3
)

// Valid reports whether s is one of the known job statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusCanceled, JobStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted from s
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusCanceled || s == JobStatusFailed
}

// HeartbeatIntervalDuration returns the tenant supplied heartbeat interval
func (j *Job) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(j.HeartbeatInterval) * time.Second
}

// LeaseExpiry returns the instant after which a running lease on j is stale.
// A job that never heartbeated is measured from its creation time.
func (j *Job) LeaseExpiry(multiplier int) time.Time {
	base := j.Created
	if j.Heartbeat != nil {
		base = *j.Heartbeat
	}
	return base.Add(time.Duration(multiplier) * j.HeartbeatIntervalDuration())
}

// IsStale reports whether a running job's lease may be reclaimed at now
func (j *Job) IsStale(now time.Time, multiplier int) bool {
	return j.Status == JobStatusRunning && !j.LeaseExpiry(multiplier).After(now)
}

// Clone returns a deep copy so stores never hand out shared pointers
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = j.Payload.Clone()
	c.OwningWorker = cloneString(j.OwningWorker)
	c.Heartbeat = cloneTime(j.Heartbeat)
	c.Started = cloneTime(j.Started)
	c.Completed = cloneTime(j.Completed)
	c.Failed = cloneTime(j.Failed)
	c.Canceled = cloneTime(j.Canceled)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// JobFilter is the closed set of fields jobs can be listed by
type JobFilter struct {
	Owner   string     // Empty means any owner (admin listing)
	Status  *JobStatus // Optional
	GroupID string     // Optional
}

// JobSort selects the ordering of listed jobs by creation time
type JobSort struct {
	Ascending bool
}

// Page selects a 1-based page of results
type Page struct {
	Number int
	Size   int
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Normalize applies defaults and bounds to the page
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the number of rows skipped before this page
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}
