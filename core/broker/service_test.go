package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-broker/core/brokererr"
	"job-broker/core/models"
	"job-broker/core/monitoring"
	"job-broker/core/notify"
	"job-broker/core/repository"
	"job-broker/core/spec"
)

const (
	tenant = "tenant-a"
	admin  = "admin"
	group  = "group-1"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) statuses() []models.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.JobStatus
	for _, n := range r.sent {
		out = append(out, n.Status)
	}
	return out
}

type recordingReallocator struct {
	mu       sync.Mutex
	requests []string
}

func (r *recordingReallocator) Request(groupID, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, groupID+"/"+workerID)
}

type fixture struct {
	svc      *Service
	jobs     *repository.MemoryJobStore
	clock    *fakeClock
	notifier *recordingNotifier
	realloc  *recordingReallocator
	metrics  *monitoring.Metrics
}

func withBroker(t *testing.T, action func(f *fixture)) {
	t.Helper()
	seq := 0
	f := &fixture{
		jobs:     repository.NewMemoryJobStore(),
		clock:    &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
		realloc:  &recordingReallocator{},
		metrics:  monitoring.NewMetrics(),
	}
	cfg := DefaultConfig()
	cfg.AdminOwner = admin
	f.svc = NewService(
		Stores{Jobs: f.jobs, Bans: repository.NewMemoryBanStore(), Events: repository.NewMemoryEventStore()},
		cfg,
		WithClock(f.clock.Now),
		WithNotifier(f.notifier),
		WithReallocator(f.realloc),
		WithMetrics(f.metrics),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("job-%d", seq)
		}),
	)
	action(f)
}

func submission(maxFailures int) spec.Submission {
	heartbeat := 30
	return spec.Submission{
		GroupID:           group,
		Command:           "run",
		MaxFailures:       &maxFailures,
		HeartbeatInterval: &heartbeat,
		Webhook:           "https://example.com/hook",
		Sync: &models.SyncSpec{
			Before: []models.SyncConfig{{Bucket: "in", Prefix: "data/", LocalPath: "/data", Direction: models.SyncDownload}},
		},
	}
}

func (f *fixture) submit(t *testing.T, maxFailures int) *models.Job {
	t.Helper()
	job, err := f.svc.SubmitJob(context.Background(), tenant, submission(maxFailures))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return job
}

func (f *fixture) lease(t *testing.T, worker string) *models.Job {
	t.Helper()
	job, err := f.svc.LeaseNext(context.Background(), tenant, group, worker)
	require.NoError(t, err)
	return job
}

func (f *fixture) get(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := f.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestSubmitJob(t *testing.T) {
	withBroker(t, func(f *fixture) {
		job := f.submit(t, 3)

		assert.Equal(t, "job-1", job.ID)
		assert.Equal(t, models.JobStatusPending, job.Status)
		assert.Equal(t, tenant, job.Owner)
		assert.Equal(t, 30, job.HeartbeatInterval)
		assert.Equal(t, 0, job.NumFailures)
		assert.Nil(t, job.OwningWorker)

		events, err := f.svc.JobEvents(context.Background(), tenant, job.ID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, models.EventCreated, events[0].Reason)
	})
}

func TestSubmitJobs_InvalidBatchStoresNothing(t *testing.T) {
	withBroker(t, func(f *fixture) {
		bad := submission(3)
		bad.Command = ""

		_, err := f.svc.SubmitJobs(context.Background(), tenant, []spec.Submission{submission(3), bad})
		assert.True(t, errors.Is(err, brokererr.ErrInvalidRequest))
		assert.Contains(t, brokererr.PublicMessage(err), "job 1")

		jobs, err := f.svc.ListJobs(context.Background(), tenant, models.JobFilter{}, models.JobSort{}, models.Page{})
		require.NoError(t, err)
		assert.Empty(t, jobs)

		jobs, err = f.svc.SubmitJobs(context.Background(), tenant, []spec.Submission{submission(3), submission(3)})
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
	})
}

func TestLeaseNext_EmptyGroup(t *testing.T) {
	withBroker(t, func(f *fixture) {
		assert.Nil(t, f.lease(t, "worker-a"))
		assert.Empty(t, f.realloc.requests)
	})
}

func TestLeaseNext_PendingFIFO(t *testing.T) {
	withBroker(t, func(f *fixture) {
		first := f.submit(t, 3)
		second := f.submit(t, 3)

		leased := f.lease(t, "worker-a")
		require.NotNil(t, leased)
		assert.Equal(t, first.ID, leased.ID)
		assert.Equal(t, models.JobStatusRunning, leased.Status)
		assert.Equal(t, "worker-a", *leased.OwningWorker)
		assert.Equal(t, f.clock.Now(), *leased.Heartbeat)
		assert.Equal(t, f.clock.Now(), *leased.Started)

		leased = f.lease(t, "worker-b")
		require.NotNil(t, leased)
		assert.Equal(t, second.ID, leased.ID)

		assert.Nil(t, f.lease(t, "worker-c"))
		assert.Equal(t, []models.JobStatus{models.JobStatusRunning, models.JobStatusRunning}, f.notifier.statuses())
	})
}

func TestLeaseNext_StaleReclamation(t *testing.T) {
	withBroker(t, func(f *fixture) {
		job := f.submit(t, 3)
		leased := f.lease(t, "worker-a")
		require.NotNil(t, leased)
		started := *leased.Started

		// A fresh lease is not reclaimed
		f.clock.Advance(59 * time.Second)
		assert.Nil(t, f.lease(t, "worker-b"))

		f.clock.Advance(time.Second)
		reclaimed := f.lease(t, "worker-b")
		require.NotNil(t, reclaimed)
		assert.Equal(t, job.ID, reclaimed.ID)
		assert.Equal(t, models.JobStatusRunning, reclaimed.Status)
		assert.Equal(t, "worker-b", *reclaimed.OwningWorker)
		assert.Equal(t, started, *reclaimed.Started)

		// The superseded worker is told to abandon the job, which stays with B
		status, err := f.svc.Heartbeat(context.Background(), tenant, job.ID, "worker-a")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, status)

		current := f.get(t, job.ID)
		assert.Equal(t, models.JobStatusRunning, current.Status)
		assert.Equal(t, "worker-b", *current.OwningWorker)
		assert.Equal(t, 0, current.NumHeartbeats)

		status, err = f.svc.Heartbeat(context.Background(), tenant, job.ID, "worker-b")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, status)

		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LeasesGranted.WithLabelValues("stale")))
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LeasesGranted.WithLabelValues("pending")))
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Heartbeats.WithLabelValues("lease_lost")))
	})
}

func TestLeaseNext_StaleBeforePending(t *testing.T) {
	withBroker(t, func(f *fixture) {
		abandoned := f.submit(t, 3)
		require.NotNil(t, f.lease(t, "worker-a"))
		f.submit(t, 3)

		f.clock.Advance(2 * time.Minute)
		leased := f.lease(t, "worker-b")
		require.NotNil(t, leased)
		assert.Equal(t, abandoned.ID, leased.ID)
	})
}

func TestLeaseNext_HeartbeatKeepsLease(t *testing.T) {
	withBroker(t, func(f *fixture) {
		job := f.submit(t, 3)
		require.NotNil(t, f.lease(t, "worker-a"))

		for i := 0; i < 5; i++ {
			f.clock.Advance(30 * time.Second)
			status, err := f.svc.Heartbeat(context.Background(), tenant, job.ID, "worker-a")
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusRunning, status)
			assert.Nil(t, f.lease(t, "worker-b"))
		}
		assert.Equal(t, 5, f.get(t, job.ID).NumHeartbeats)
	})
}

func TestReportFailure_BanIsPermanent(t *testing.T) {
	withBroker(t, func(f *fixture) {
		job := f.submit(t, 10)
		require.NotNil(t, f.lease(t, "worker-a"))
		require.NoError(t, f.svc.ReportFailure(context.Background(), tenant, job.ID, "worker-a"))

		// Status is untouched until the lease goes stale
		current := f.get(t, job.ID)
		assert.Equal(t, models.JobStatusRunning, current.Status)
		assert.Equal(t, 1, current.NumFailures)
		assert.Nil(t, f.lease(t, "worker-b"))

		f.clock.Advance(time.Minute)
		for i := 0; i < 5; i++ {
			assert.Nil(t, f.lease(t, "worker-a"))
		}

		leased := f.lease(t, "worker-b")
		require.NotNil(t, leased)
		assert.Equal(t, job.ID, leased.ID)

		f.clock.Advance(time.Hour)
		assert.Nil(t, f.lease(t, "worker-a"))
	})
}

func TestReportFailure_TerminalThreshold(t *testing.T) {
	withBroker(t, func(f *fixture) {
		job := f.submit(t, 3)
		require.NotNil(t, f.lease(t, "worker-a"))

		for i, worker := range []string{"worker-a", "worker-b"} {
			require.NoError(t, f.svc.ReportFailure(context.Background(), tenant, job.ID, worker))
			current := f.get(t, job.ID)
			assert.Equal(t, models.JobStatusRunning, current.Status, "failure %d", i+1)
			assert.Nil(t, current.Failed)
		}

		require.NoError(t, f.svc.ReportFailure(context.Background(), tenant, job.ID, "worker-c"))
		current := f.get(t, job.ID)
		assert.Equal(t, models.JobStatusFailed, current.Status)
		assert.Equal(t, 3, current.NumFailures)
		require.NotNil(t, current.Failed)
		assert.Equal(t, f.clock.Now(), *current.Failed)
		assert.Equal(t, []models.JobStatus{models.JobStatusRunning, models.JobStatusFailed}, f.notifier.statuses())

		// Terminal states are sinks
		require.NoError(t, f.svc.ReportFailure(context.Background(), tenant, job.ID, "worker-d"))
		assert.Equal(t, models.JobStatusFailed, f.get(t, job.ID).Status)
	})
}

func TestReportFailure_SingleFailureScenario(t *testing.T) {
	withBroker(t, func(f *fixture) {
		job := f.submit(t, 1)
		require.NotNil(t, f.lease(t, "worker-a"))

		require.NoError(t, f.svc.ReportFailure(context.Background(), tenant, job.ID, "worker-a"))
		current := f.get(t, job.ID)
		assert.Equal(t, models.JobStatusFailed, current.Status)
		assert.NotNil(t, current.Failed)

		status, err := f.svc.Heartbeat(context.Background(), tenant, job.ID, "worker-a")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, status)
	})
}

func TestReportFailure_NotFound(t *testing.T) {
	withBroker(t, func(f *fixture) {
		err := f.svc.ReportFailure(context.Background(), tenant, "missing", "worker-a")
		assert.True(t, errors.Is(err, brokererr.ErrNotFound))
	})
}

func TestLeaseNext_ExhaustedWorkerIsReallocated(t *testing.T) {
	withBroker(t, func(f *fixture) {
		var ids []string
		for i := 0; i < 4; i++ {
			ids = append(ids, f.submit(t, 10).ID)
		}
		for _, id := range ids[:3] {
			require.NoError(t, f.svc.ReportFailure(context.Background(), tenant, id, "worker-a"))
		}

		assert.Nil(t, f.lease(t, "worker-a"))
		assert.Equal(t, []string{group + "/worker-a"}, f.realloc.requests)
		assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.BanHits))

		leased := f.lease(t, "worker-b")
		require.NotNil(t, leased)
		assert.Equal(t, ids[0], leased.ID)
	})
}

func TestLeaseNext_WalksPastBannedJob(t *testing.T) {
	withBroker(t, func(f *fixture) {
		poisoned := f.submit(t, 10)
		next := f.submit(t, 10)
		require.NoError(t, f.svc.ReportFailure(context.Background(), tenant, poisoned.ID, "worker-a"))

		leased := f.lease(t, "worker-a")
		require.NotNil(t, leased)
		assert.Equal(t, next.ID, leased.ID)
		assert.Empty(t, f.realloc.requests)
	})
}

func TestLeaseNext_AtMostOneOwner(t *testing.T) {
	withBroker(t, func(f *fixture) {
		const numJobs, numWorkers = 10, 25
		for i := 0; i < numJobs; i++ {
			f.submit(t, 3)
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			granted = map[string][]string{}
		)
		for w := 0; w < numWorkers; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				job, err := f.svc.LeaseNext(context.Background(), tenant, group, worker)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				granted[job.ID] = append(granted[job.ID], worker)
				mu.Unlock()
			}(fmt.Sprintf("worker-%d", w))
		}
		wg.Wait()

		// Racers that kept losing give up empty-handed; drain what they left
		for job := f.lease(t, "worker-late"); job != nil; job = f.lease(t, "worker-late") {
			granted[job.ID] = append(granted[job.ID], "worker-late")
		}

		assert.Len(t, granted, numJobs)
		for id, workers := range granted {
			assert.Len(t, workers, 1, "job %s granted to %v", id, workers)
			assert.Equal(t, workers[0], *f.get(t, id).OwningWorker)
		}
	})
}

func TestHeartbeat(t *testing.T) {
	withBroker(t, func(f *fixture) {
		job := f.submit(t, 3)

		status, err := f.svc.Heartbeat(context.Background(), tenant, job.ID, "worker-a")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, status)

		_, err = f.svc.Heartbeat(context.Background(), "tenant-b", job.ID, "worker-a")
		assert.True(t, errors.Is(err, brokererr.ErrNotFound))

		require.NotNil(t, f.lease(t, "worker-a"))
		f.clock.Advance(10 * time.Second)
		status, err = f.svc.Heartbeat(context.Background(), tenant, job.ID, "worker-a")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, status)

		current := f.get(t, job.ID)
		assert.Equal(t, 1, current.NumHeartbeats)
		assert.Equal(t, f.clock.Now(), *current.Heartbeat)

		require.NoError(t, f.svc.Cancel(context.Background(), tenant, job.ID))
		status, err = f.svc.Heartbeat(context.Background(), tenant, job.ID, "worker-a")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, status)
	})
}

func TestReportCompletion(t *testing.T) {
	withBroker(t, func(f *fixture) {
		job := f.submit(t, 3)
		require.NotNil(t, f.lease(t, "worker-a"))

		require.NoError(t, f.svc.ReportCompletion(context.Background(), tenant, job.ID, "worker-a"))
		current := f.get(t, job.ID)
		assert.Equal(t, models.JobStatusCompleted, current.Status)
		assert.Equal(t, f.clock.Now(), *current.Completed)
		assert.Nil(t, current.OwningWorker)

		// Completing again is a no-op
		f.clock.Advance(time.Minute)
		require.NoError(t, f.svc.ReportCompletion(context.Background(), tenant, job.ID, "worker-a"))
		assert.Equal(t, *current.Completed, *f.get(t, job.ID).Completed)

		assert.Equal(t, []models.JobStatus{models.JobStatusRunning, models.JobStatusCompleted}, f.notifier.statuses())
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TerminalTransitions.WithLabelValues("completed")))
	})
}

func TestCancel(t *testing.T) {
	withBroker(t, func(f *fixture) {
		job := f.submit(t, 3)

		require.NoError(t, f.svc.Cancel(context.Background(), tenant, job.ID))
		current := f.get(t, job.ID)
		assert.Equal(t, models.JobStatusCanceled, current.Status)
		require.NotNil(t, current.Canceled)
		canceledAt := *current.Canceled

		f.clock.Advance(time.Minute)
		err := f.svc.Cancel(context.Background(), tenant, job.ID)
		assert.True(t, errors.Is(err, brokererr.ErrConflict))
		assert.Equal(t, canceledAt, *f.get(t, job.ID).Canceled)

		err = f.svc.Cancel(context.Background(), "tenant-b", job.ID)
		assert.True(t, errors.Is(err, brokererr.ErrNotFound))

		assert.Nil(t, f.lease(t, "worker-a"))
	})
}

func TestAdminVisibility(t *testing.T) {
	withBroker(t, func(f *fixture) {
		job := f.submit(t, 3)

		_, err := f.svc.GetJob(context.Background(), "tenant-b", job.ID)
		assert.True(t, errors.Is(err, brokererr.ErrNotFound))

		got, err := f.svc.GetJob(context.Background(), admin, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)

		jobs, err := f.svc.ListJobs(context.Background(), "tenant-b", models.JobFilter{}, models.JobSort{}, models.Page{})
		require.NoError(t, err)
		assert.Empty(t, jobs)

		jobs, err = f.svc.ListJobs(context.Background(), admin, models.JobFilter{}, models.JobSort{}, models.Page{})
		require.NoError(t, err)
		assert.Len(t, jobs, 1)

		_, err = f.svc.ClearJobs(context.Background(), tenant)
		assert.True(t, errors.Is(err, brokererr.ErrForbidden))
		_, err = f.svc.ClearGroupJobs(context.Background(), tenant, group)
		assert.True(t, errors.Is(err, brokererr.ErrForbidden))

		n, err := f.svc.ClearGroupJobs(context.Background(), admin, group)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = f.svc.ClearJobs(context.Background(), admin)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestListJobs_RejectsUnknownStatus(t *testing.T) {
	withBroker(t, func(f *fixture) {
		bogus := models.JobStatus("paused")
		_, err := f.svc.ListJobs(context.Background(), tenant, models.JobFilter{Status: &bogus}, models.JobSort{}, models.Page{})
		assert.True(t, errors.Is(err, brokererr.ErrInvalidRequest))
	})
}

func TestJobEvents_RecordsTransitions(t *testing.T) {
	withBroker(t, func(f *fixture) {
		job := f.submit(t, 1)
		require.NotNil(t, f.lease(t, "worker-a"))
		require.NoError(t, f.svc.ReportFailure(context.Background(), tenant, job.ID, "worker-a"))

		events, err := f.svc.JobEvents(context.Background(), tenant, job.ID)
		require.NoError(t, err)

		var reasons []models.EventReason
		for _, e := range events {
			reasons = append(reasons, e.Reason)
		}
		assert.Equal(t, []models.EventReason{
			models.EventFailed,
			models.EventFailureReported,
			models.EventLeased,
			models.EventCreated,
		}, reasons)
	})
}

func TestLeaseNext_ScopedToOwner(t *testing.T) {
	withBroker(t, func(f *fixture) {
		job := f.submit(t, 3)

		other, err := f.svc.LeaseNext(context.Background(), "tenant-b", group, "worker-b")
		require.NoError(t, err)
		assert.Nil(t, other)
		assert.Equal(t, models.JobStatusPending, f.get(t, job.ID).Status)

		leased := f.lease(t, "worker-a")
		require.NotNil(t, leased)
		assert.Equal(t, job.ID, leased.ID)
	})
}

func TestLeaseNext_AdminLeasesAnyOwner(t *testing.T) {
	withBroker(t, func(f *fixture) {
		job := f.submit(t, 3)

		leased, err := f.svc.LeaseNext(context.Background(), admin, group, "worker-admin")
		require.NoError(t, err)
		require.NotNil(t, leased)
		assert.Equal(t, job.ID, leased.ID)
	})
}

// contendedJobStore loses every lease grant to some other request
type contendedJobStore struct {
	*repository.MemoryJobStore
	attempts int
}

func (s *contendedJobStore) CASUpdate(_ context.Context, id string, _ repository.Preconditions, _ repository.JobUpdate) (*models.Job, error) {
	s.attempts++
	return nil, brokererr.Conflict("job %s changed concurrently", id)
}

func TestLeaseNext_GivesUpAfterLostRaces(t *testing.T) {
	jobs := &contendedJobStore{MemoryJobStore: repository.NewMemoryJobStore()}
	svc := NewService(Stores{Jobs: jobs, Bans: repository.NewMemoryBanStore()}, DefaultConfig())
	_, err := svc.SubmitJob(context.Background(), tenant, submission(3))
	require.NoError(t, err)

	job, err := svc.LeaseNext(context.Background(), tenant, group, "worker-a")
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, maxLeaseRaces+1, jobs.attempts)
}
