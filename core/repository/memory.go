package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"job-broker/core/brokererr"
	"job-broker/core/models"
)

// MemoryJobStore is an in-process JobStore used by tests and the memory backend
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	seq  map[string]int64 // Insertion order breaks created ties
	next int64
}

// NewMemoryJobStore creates an empty in-memory job store
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*models.Job),
		seq:  make(map[string]int64),
	}
}

func (s *MemoryJobStore) Insert(_ context.Context, jobs ...*models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		if _, exists := s.jobs[job.ID]; exists {
			return brokererr.Conflict("job %s already exists", job.ID)
		}
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job.Clone()
		s.seq[job.ID] = s.next
		s.next++
	}
	return nil
}

func (s *MemoryJobStore) GetByID(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, brokererr.NotFound("job %s not found", id)
	}
	return job.Clone(), nil
}

func (s *MemoryJobStore) GetByOwnerAndID(_ context.Context, owner, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Owner != owner {
		return nil, brokererr.NotFound("job %s not found", id)
	}
	return job.Clone(), nil
}

func (s *MemoryJobStore) FindCandidate(_ context.Context, q CandidateQuery) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []*models.Job
	for _, job := range s.jobs {
		if job.GroupID != q.GroupID || job.Status != q.Status {
			continue
		}
		if q.Owner != "" && job.Owner != q.Owner {
			continue
		}
		if q.Status == models.JobStatusRunning && !job.IsStale(q.StaleAsOf, q.StaleMultiplier) {
			continue
		}
		matches = append(matches, job)
	}
	s.sortByCreated(matches, true)

	if q.Offset < 0 || q.Offset >= len(matches) {
		return nil, nil
	}
	return matches[q.Offset].Clone(), nil
}

func (s *MemoryJobStore) CASUpdate(_ context.Context, id string, pre Preconditions, upd JobUpdate) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, brokererr.NotFound("job %s not found", id)
	}
	if !preconditionsHold(job, pre) {
		return nil, brokererr.Conflict("job %s changed concurrently", id)
	}
	applyUpdate(job, upd)
	return job.Clone(), nil
}

func (s *MemoryJobStore) IncrementFailures(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return 0, brokererr.NotFound("job %s not found", id)
	}
	job.NumFailures++
	return job.NumFailures, nil
}

func (s *MemoryJobStore) List(_ context.Context, filter models.JobFilter, order models.JobSort, page models.Page) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []*models.Job
	for _, job := range s.jobs {
		if filter.Owner != "" && job.Owner != filter.Owner {
			continue
		}
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.GroupID != "" && job.GroupID != filter.GroupID {
			continue
		}
		matches = append(matches, job)
	}
	s.sortByCreated(matches, order.Ascending)

	page = page.Normalize()
	start := page.Offset()
	if start >= len(matches) {
		return []*models.Job{}, nil
	}
	end := start + page.Size
	if end > len(matches) {
		end = len(matches)
	}

	out := make([]*models.Job, 0, end-start)
	for _, job := range matches[start:end] {
		out = append(out, job.Clone())
	}
	return out, nil
}

func (s *MemoryJobStore) CountActive(_ context.Context, groupID string, idle time.Duration, limit int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-idle)
	recent := func(t *time.Time) bool { return t != nil && !t.Before(cutoff) }

	count := 0
	for _, job := range s.jobs {
		if count >= limit {
			break
		}
		if job.GroupID != groupID {
			continue
		}
		if job.Status == models.JobStatusPending || job.Status == models.JobStatusRunning ||
			recent(job.Completed) || recent(job.Failed) || recent(job.Canceled) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryJobStore) CountByStatus(_ context.Context) (map[models.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (s *MemoryJobStore) DeleteByGroup(_ context.Context, groupID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, job := range s.jobs {
		if job.GroupID == groupID {
			delete(s.jobs, id)
			delete(s.seq, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryJobStore) DeleteAll(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.jobs)
	s.jobs = make(map[string]*models.Job)
	s.seq = make(map[string]int64)
	return n, nil
}

func (s *MemoryJobStore) sortByCreated(jobs []*models.Job, asc bool) {
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if !a.Created.Equal(b.Created) {
			if asc {
				return a.Created.Before(b.Created)
			}
			return a.Created.After(b.Created)
		}
		if asc {
			return s.seq[a.ID] < s.seq[b.ID]
		}
		return s.seq[a.ID] > s.seq[b.ID]
	})
}

// preconditionsHold evaluates pre against the current job record
func preconditionsHold(job *models.Job, pre Preconditions) bool {
	if pre.Owner != "" && job.Owner != pre.Owner {
		return false
	}
	if len(pre.Statuses) > 0 {
		matched := false
		for _, status := range pre.Statuses {
			if job.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if pre.LeaseStaleAsOf != nil && job.Status == models.JobStatusRunning &&
		!job.IsStale(*pre.LeaseStaleAsOf, pre.StaleMultiplier) {
		return false
	}
	if pre.WorkerMayHold != nil && job.OwningWorker != nil && *job.OwningWorker != *pre.WorkerMayHold {
		return false
	}
	return true
}

// applyUpdate writes upd onto job in place
func applyUpdate(job *models.Job, upd JobUpdate) {
	at := upd.At
	if upd.Status != nil {
		job.Status = *upd.Status
		switch *upd.Status {
		case models.JobStatusRunning:
			if job.Started == nil {
				job.Started = &at
			}
		case models.JobStatusCompleted:
			job.Completed = &at
		case models.JobStatusFailed:
			job.Failed = &at
		case models.JobStatusCanceled:
			job.Canceled = &at
		}
	}
	if upd.SetOwningWorker != nil {
		worker := *upd.SetOwningWorker
		job.OwningWorker = &worker
	}
	if upd.ClearLease {
		job.OwningWorker = nil
	}
	if upd.Heartbeat {
		job.Heartbeat = &at
	}
	if upd.BumpHeartbeats {
		job.NumHeartbeats++
	}
}

// MemoryBanStore is an in-process BanStore
type MemoryBanStore struct {
	mu   sync.RWMutex
	bans map[string]struct{}
}

// NewMemoryBanStore creates an empty in-memory ban list
func NewMemoryBanStore() *MemoryBanStore {
	return &MemoryBanStore{bans: make(map[string]struct{})}
}

func (s *MemoryBanStore) Put(_ context.Context, workerID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[banKey(workerID, jobID)] = struct{}{}
	return nil
}

func (s *MemoryBanStore) Exists(_ context.Context, workerID, jobID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bans[banKey(workerID, jobID)]
	return ok, nil
}

// MemoryRuleStore is an in-process RuleStore
type MemoryRuleStore struct {
	mu    sync.Mutex
	rules map[string]*models.ScalingRule
}

// NewMemoryRuleStore creates an empty in-memory rule store
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]*models.ScalingRule)}
}

func (s *MemoryRuleStore) List(_ context.Context) ([]*models.ScalingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(*models.ScalingRule) bool { return true }), nil
}

func (s *MemoryRuleStore) ListByOwner(_ context.Context, owner string) ([]*models.ScalingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(r *models.ScalingRule) bool { return r.Owner == owner }), nil
}

func (s *MemoryRuleStore) Get(_ context.Context, groupID string) (*models.ScalingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[groupID]
	if !ok {
		return nil, brokererr.NotFound("scaling rule for group %s not found", groupID)
	}
	c := *rule
	return &c, nil
}

func (s *MemoryRuleStore) Create(_ context.Context, rule *models.ScalingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.GroupID]; exists {
		return brokererr.Conflict("scaling rule for group %s already exists", rule.GroupID)
	}
	c := *rule
	s.rules[rule.GroupID] = &c
	return nil
}

func (s *MemoryRuleStore) Upsert(_ context.Context, rule *models.ScalingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rule
	if existing, ok := s.rules[rule.GroupID]; ok {
		c.Created = existing.Created
	}
	s.rules[rule.GroupID] = &c
	return nil
}

func (s *MemoryRuleStore) Delete(_ context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, groupID)
	return nil
}

func (s *MemoryRuleStore) DeleteAll(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.rules)
	s.rules = make(map[string]*models.ScalingRule)
	return n, nil
}

func (s *MemoryRuleStore) collect(keep func(*models.ScalingRule) bool) []*models.ScalingRule {
	out := make([]*models.ScalingRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if keep(rule) {
			c := *rule
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// MemoryEventStore is an in-process EventStore
type MemoryEventStore struct {
	mu     sync.Mutex
	events []models.JobEvent
}

// NewMemoryEventStore creates an empty in-memory event log
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (s *MemoryEventStore) Append(_ context.Context, event models.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.events) + 1)
	s.events = append(s.events, event)
	return nil
}

// ListByJob returns the newest events first
func (s *MemoryEventStore) ListByJob(_ context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.JobEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].JobID == jobID {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}
