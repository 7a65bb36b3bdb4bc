// Package broker implements the job lease protocol: submission, priority
// selection, heartbeats, failure tracking and terminal transitions.
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"job-broker/core/models"
	"job-broker/core/monitoring"
	"job-broker/core/notify"
	"job-broker/core/repository"
	"job-broker/core/spec"
)

// Config holds the broker's tunables
type Config struct {
	// MaxWorkerAttempts bounds how many banned candidates a lease request
	// walks past before the worker is considered defective.
	MaxWorkerAttempts int
	// StaleMultiplier times heartbeat_interval is the lease expiry window.
	StaleMultiplier          int
	DefaultMaxFailures       int
	DefaultHeartbeatInterval time.Duration
	MaxBatchSubmit           int
	// AdminOwner, when set, sees and may clear every tenant's jobs.
	AdminOwner string
}

// DefaultConfig returns the broker defaults
func DefaultConfig() Config {
	return Config{
		MaxWorkerAttempts:        3,
		StaleMultiplier:          2,
		DefaultMaxFailures:       models.DefaultMaxFailures,
		DefaultHeartbeatInterval: models.DefaultHeartbeatInterval * time.Second,
		MaxBatchSubmit:           1000,
	}
}

// Reallocator asks the fleet to replace a worker instance. Request must not
// block the caller.
type Reallocator interface {
	Request(groupID, workerID string)
}

type nopReallocator struct{}

func (nopReallocator) Request(string, string) {}

// Stores groups the persistence the broker depends on
type Stores struct {
	Jobs   repository.JobStore
	Bans   repository.BanStore
	Events repository.EventStore
}

// Service is the broker. It holds no mutable state of its own; all
// coordination goes through the stores.
type Service struct {
	jobs    repository.JobStore
	bans    repository.BanStore
	events  repository.EventStore
	cfg     Config
	notify  notify.Notifier
	realloc Reallocator
	metrics *monitoring.Metrics
	now     func() time.Time
	newID   func() string
}

// Option customises a Service
type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNotifier sets the notifier used for running/completed/failed jobs
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notify = n }
}

// WithReallocator sets where defective workers are reported
func WithReallocator(r Reallocator) Option {
	return func(s *Service) { s.realloc = r }
}

// WithMetrics sets the metrics the broker reports to
func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithIDGenerator replaces the job id generator
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService creates a broker over stores
func NewService(stores Stores, cfg Config, opts ...Option) *Service {
	defaults := DefaultConfig()
	if cfg.MaxWorkerAttempts < 1 {
		cfg.MaxWorkerAttempts = defaults.MaxWorkerAttempts
	}
	if cfg.StaleMultiplier < 1 {
		cfg.StaleMultiplier = defaults.StaleMultiplier
	}
	if cfg.DefaultMaxFailures < 1 {
		cfg.DefaultMaxFailures = defaults.DefaultMaxFailures
	}
	if cfg.DefaultHeartbeatInterval < time.Second {
		cfg.DefaultHeartbeatInterval = defaults.DefaultHeartbeatInterval
	}
	if cfg.MaxBatchSubmit < 1 {
		cfg.MaxBatchSubmit = defaults.MaxBatchSubmit
	}

	s := &Service{
		jobs:    stores.Jobs,
		bans:    stores.Bans,
		events:  stores.Events,
		cfg:     cfg,
		notify:  notify.Nop{},
		realloc: nopReallocator{},
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = monitoring.NewMetrics()
	}
	if s.events == nil {
		s.events = repository.NewMemoryEventStore()
	}
	return s
}

// IsAdmin reports whether owner is the configured admin identity
func (s *Service) IsAdmin(owner string) bool {
	return s.cfg.AdminOwner != "" && owner == s.cfg.AdminOwner
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) submissionDefaults() spec.Defaults {
	return spec.Defaults{
		MaxFailures:       s.cfg.DefaultMaxFailures,
		HeartbeatInterval: int(s.cfg.DefaultHeartbeatInterval / time.Second),
	}
}

// record appends to the event log. Failures are logged and never surfaced.
func (s *Service) record(ctx context.Context, job *models.Job, from *models.JobStatus, reason models.EventReason, workerID string) {
	event := models.JobEvent{
		JobID:      job.ID,
		At:         s.clock(),
		FromStatus: from,
		ToStatus:   job.Status,
		Reason:     reason,
		WorkerID:   workerID,
	}
	if err := s.events.Append(ctx, event); err != nil {
		log.WithError(err).WithFields(log.Fields{"job_id": job.ID, "reason": reason}).Warn("Failed to record job event")
	}
}

func statusPtr(s models.JobStatus) *models.JobStatus {
	return &s
}
