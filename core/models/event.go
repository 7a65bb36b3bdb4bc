package models

import "time"

// JobEvent represents a state transition event for a job
type JobEvent struct {
	ID         int64
	JobID      string
	At         time.Time
	FromStatus *JobStatus
	ToStatus   JobStatus
	Reason     EventReason
	WorkerID   string
}

// EventReason names why a job event was recorded
type EventReason string

const (
	EventCreated         EventReason = "job_created"
	EventLeased          EventReason = "lease_granted"
	EventReclaimed       EventReason = "stale_lease_reclaimed"
	EventLeaseLost       EventReason = "heartbeat_lease_lost"
	EventFailureReported EventReason = "failure_reported"
	EventFailed          EventReason = "max_failures_reached"
	EventCompleted       EventReason = "completion_reported"
	EventCanceled        EventReason = "user_canceled"
)
