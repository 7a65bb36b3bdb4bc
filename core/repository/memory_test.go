package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-broker/core/brokererr"
	"job-broker/core/models"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(id, group string, created time.Time) *models.Job {
	return &models.Job{
		ID:                id,
		Owner:             "tenant-a",
		GroupID:           group,
		Status:            models.JobStatusPending,
		HeartbeatInterval: 30,
		MaxFailures:       3,
		Created:           created,
	}
}

func withJobs(t *testing.T, jobs ...*models.Job) *MemoryJobStore {
	store := NewMemoryJobStore()
	require.NoError(t, store.Insert(context.Background(), jobs...))
	return store
}

func TestMemoryJobStore_InsertRejectsDuplicateBatch(t *testing.T) {
	store := withJobs(t, newJob("a", "g", baseTime))

	err := store.Insert(context.Background(), newJob("b", "g", baseTime), newJob("a", "g", baseTime))
	assert.True(t, errors.Is(err, brokererr.ErrConflict))

	_, err = store.GetByID(context.Background(), "b")
	assert.True(t, errors.Is(err, brokererr.ErrNotFound), "a rejected batch must not be partially visible")
}

func TestMemoryJobStore_GetByOwnerAndID(t *testing.T) {
	store := withJobs(t, newJob("a", "g", baseTime))

	job, err := store.GetByOwnerAndID(context.Background(), "tenant-a", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", job.ID)

	_, err = store.GetByOwnerAndID(context.Background(), "tenant-b", "a")
	assert.True(t, errors.Is(err, brokererr.ErrNotFound))
}

func TestMemoryJobStore_ReturnsCopies(t *testing.T) {
	store := withJobs(t, newJob("a", "g", baseTime))

	job, err := store.GetByID(context.Background(), "a")
	require.NoError(t, err)
	job.Status = models.JobStatusFailed

	again, err := store.GetByID(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, again.Status)
}

func TestMemoryJobStore_FindCandidateOrdersByCreated(t *testing.T) {
	store := withJobs(t,
		newJob("late", "g", baseTime.Add(time.Minute)),
		newJob("early", "g", baseTime),
		newJob("other-group", "h", baseTime.Add(-time.Hour)),
	)

	first, err := store.FindCandidate(context.Background(), CandidateQuery{GroupID: "g", Status: models.JobStatusPending})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "early", first.ID)

	second, err := store.FindCandidate(context.Background(), CandidateQuery{GroupID: "g", Status: models.JobStatusPending, Offset: 1})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "late", second.ID)

	none, err := store.FindCandidate(context.Background(), CandidateQuery{GroupID: "g", Status: models.JobStatusPending, Offset: 2})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryJobStore_FindCandidateScopedToOwner(t *testing.T) {
	foreign := newJob("foreign", "g", baseTime)
	foreign.Owner = "tenant-b"
	store := withJobs(t, foreign, newJob("own", "g", baseTime.Add(time.Minute)))

	job, err := store.FindCandidate(context.Background(), CandidateQuery{Owner: "tenant-a", GroupID: "g", Status: models.JobStatusPending})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "own", job.ID)

	none, err := store.FindCandidate(context.Background(), CandidateQuery{Owner: "tenant-c", GroupID: "g", Status: models.JobStatusPending})
	require.NoError(t, err)
	assert.Nil(t, none)

	unscoped, err := store.FindCandidate(context.Background(), CandidateQuery{GroupID: "g", Status: models.JobStatusPending})
	require.NoError(t, err)
	require.NotNil(t, unscoped)
	assert.Equal(t, "foreign", unscoped.ID)
}

func TestMemoryJobStore_FindCandidateOnlyStaleRunning(t *testing.T) {
	fresh := newJob("fresh", "g", baseTime)
	fresh.Status = models.JobStatusRunning
	hb := baseTime.Add(50 * time.Second)
	fresh.Heartbeat = &hb

	stale := newJob("stale", "g", baseTime.Add(time.Second))
	stale.Status = models.JobStatusRunning

	store := withJobs(t, fresh, stale)

	// now - 2*30s = baseTime+10s: fresh heartbeated at +50s, stale never did
	job, err := store.FindCandidate(context.Background(), CandidateQuery{
		GroupID:         "g",
		Status:          models.JobStatusRunning,
		StaleAsOf:       baseTime.Add(70 * time.Second),
		StaleMultiplier: 2,
	})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "stale", job.ID)
}

func TestMemoryJobStore_CASUpdateLeaseGrant(t *testing.T) {
	store := withJobs(t, newJob("a", "g", baseTime))
	worker := "w1"
	running := models.JobStatusRunning
	now := baseTime.Add(time.Minute)

	job, err := store.CASUpdate(context.Background(), "a",
		Preconditions{Statuses: []models.JobStatus{models.JobStatusPending}},
		JobUpdate{At: now, Status: &running, SetOwningWorker: &worker, Heartbeat: true})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, "w1", *job.OwningWorker)
	assert.Equal(t, now, *job.Heartbeat)
	assert.Equal(t, now, *job.Started)

	// A second grant from pending loses the race
	_, err = store.CASUpdate(context.Background(), "a",
		Preconditions{Statuses: []models.JobStatus{models.JobStatusPending}},
		JobUpdate{At: now, Status: &running, SetOwningWorker: &worker})
	assert.True(t, errors.Is(err, brokererr.ErrConflict))
}

func TestMemoryJobStore_CASUpdateKeepsFirstStart(t *testing.T) {
	job := newJob("a", "g", baseTime)
	job.Status = models.JobStatusRunning
	started := baseTime.Add(time.Second)
	job.Started = &started
	store := withJobs(t, job)

	running := models.JobStatusRunning
	worker := "w2"
	asOf := baseTime.Add(time.Hour)
	updated, err := store.CASUpdate(context.Background(), "a",
		Preconditions{Statuses: []models.JobStatus{running}, LeaseStaleAsOf: &asOf, StaleMultiplier: 2},
		JobUpdate{At: asOf, Status: &running, SetOwningWorker: &worker, Heartbeat: true})
	require.NoError(t, err)
	assert.Equal(t, started, *updated.Started)
	assert.Equal(t, "w2", *updated.OwningWorker)
}

func TestMemoryJobStore_CASUpdateRejectsFreshLease(t *testing.T) {
	job := newJob("a", "g", baseTime)
	job.Status = models.JobStatusRunning
	hb := baseTime
	job.Heartbeat = &hb
	store := withJobs(t, job)

	running := models.JobStatusRunning
	worker := "w2"
	asOf := baseTime.Add(30 * time.Second)
	_, err := store.CASUpdate(context.Background(), "a",
		Preconditions{Statuses: []models.JobStatus{running}, LeaseStaleAsOf: &asOf, StaleMultiplier: 2},
		JobUpdate{At: asOf, Status: &running, SetOwningWorker: &worker})
	assert.True(t, errors.Is(err, brokererr.ErrConflict))
}

func TestMemoryJobStore_CASUpdateWorkerMayHold(t *testing.T) {
	job := newJob("a", "g", baseTime)
	job.Status = models.JobStatusRunning
	owner := "w1"
	job.OwningWorker = &owner
	store := withJobs(t, job)

	intruder := "w2"
	_, err := store.CASUpdate(context.Background(), "a",
		Preconditions{WorkerMayHold: &intruder},
		JobUpdate{At: baseTime, Heartbeat: true, BumpHeartbeats: true})
	assert.True(t, errors.Is(err, brokererr.ErrConflict))

	updated, err := store.CASUpdate(context.Background(), "a",
		Preconditions{WorkerMayHold: &owner},
		JobUpdate{At: baseTime, Heartbeat: true, BumpHeartbeats: true})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.NumHeartbeats)
}

func TestMemoryJobStore_CASUpdateTerminalStampsAndClearsLease(t *testing.T) {
	job := newJob("a", "g", baseTime)
	job.Status = models.JobStatusRunning
	owner := "w1"
	job.OwningWorker = &owner
	store := withJobs(t, job)

	completed := models.JobStatusCompleted
	at := baseTime.Add(time.Minute)
	updated, err := store.CASUpdate(context.Background(), "a",
		Preconditions{Statuses: []models.JobStatus{models.JobStatusRunning}},
		JobUpdate{At: at, Status: &completed, ClearLease: true})
	require.NoError(t, err)
	assert.Equal(t, at, *updated.Completed)
	assert.Nil(t, updated.OwningWorker)
}

func TestMemoryJobStore_CASUpdateMissingJob(t *testing.T) {
	store := NewMemoryJobStore()
	_, err := store.CASUpdate(context.Background(), "nope", Preconditions{}, JobUpdate{Heartbeat: true})
	assert.True(t, errors.Is(err, brokererr.ErrNotFound))
}

func TestMemoryJobStore_IncrementFailures(t *testing.T) {
	store := withJobs(t, newJob("a", "g", baseTime))

	n, err := store.IncrementFailures(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.IncrementFailures(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.IncrementFailures(context.Background(), "missing")
	assert.True(t, errors.Is(err, brokererr.ErrNotFound))
}

func TestMemoryJobStore_ListFiltersSortsAndPages(t *testing.T) {
	var jobs []*models.Job
	for i := 0; i < 5; i++ {
		jobs = append(jobs, newJob(fmt.Sprintf("j%d", i), "g", baseTime.Add(time.Duration(i)*time.Second)))
	}
	foreign := newJob("foreign", "g", baseTime)
	foreign.Owner = "tenant-b"
	jobs = append(jobs, foreign)
	store := withJobs(t, jobs...)

	page, err := store.List(context.Background(),
		models.JobFilter{Owner: "tenant-a"}, models.JobSort{}, models.Page{Number: 1, Size: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "j4", page[0].ID)
	assert.Equal(t, "j3", page[1].ID)

	page, err = store.List(context.Background(),
		models.JobFilter{Owner: "tenant-a"}, models.JobSort{Ascending: true}, models.Page{Number: 3, Size: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "j4", page[0].ID)

	running := models.JobStatusRunning
	page, err = store.List(context.Background(),
		models.JobFilter{Owner: "tenant-a", Status: &running}, models.JobSort{}, models.Page{})
	require.NoError(t, err)
	assert.Empty(t, page)

	all, err := store.List(context.Background(), models.JobFilter{}, models.JobSort{}, models.Page{})
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestMemoryJobStore_CountActive(t *testing.T) {
	now := baseTime.Add(time.Hour)
	recent := now.Add(-10 * time.Second)
	old := now.Add(-10 * time.Minute)

	pending := newJob("pending", "g", baseTime)
	running := newJob("running", "g", baseTime)
	running.Status = models.JobStatusRunning
	justDone := newJob("just-done", "g", baseTime)
	justDone.Status = models.JobStatusCompleted
	justDone.Completed = &recent
	longDone := newJob("long-done", "g", baseTime)
	longDone.Status = models.JobStatusFailed
	longDone.Failed = &old
	elsewhere := newJob("elsewhere", "h", baseTime)

	store := withJobs(t, pending, running, justDone, longDone, elsewhere)

	n, err := store.CountActive(context.Background(), "g", time.Minute, 100, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = store.CountActive(context.Background(), "g", time.Minute, 2, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryJobStore_DeleteByGroupAndAll(t *testing.T) {
	store := withJobs(t, newJob("a", "g", baseTime), newJob("b", "g", baseTime), newJob("c", "h", baseTime))

	n, err := store.DeleteByGroup(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[models.JobStatus]int{models.JobStatusPending: 1}, counts)

	n, err = store.DeleteAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryBanStore(t *testing.T) {
	store := NewMemoryBanStore()
	ctx := context.Background()

	banned, err := store.Exists(ctx, "w1", "j1")
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, store.Put(ctx, "w1", "j1"))
	require.NoError(t, store.Put(ctx, "w1", "j1"))

	banned, err = store.Exists(ctx, "w1", "j1")
	require.NoError(t, err)
	assert.True(t, banned)

	banned, err = store.Exists(ctx, "w2", "j1")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestMemoryRuleStore(t *testing.T) {
	store := NewMemoryRuleStore()
	ctx := context.Background()
	rule := &models.ScalingRule{GroupID: "g", Owner: "tenant-a", MaxReplicas: 3, Created: baseTime}

	require.NoError(t, store.Create(ctx, rule))
	assert.True(t, errors.Is(store.Create(ctx, rule), brokererr.ErrConflict))

	update := *rule
	update.MaxReplicas = 5
	update.Created = baseTime.Add(time.Hour)
	require.NoError(t, store.Upsert(ctx, &update))

	got, err := store.Get(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxReplicas)
	assert.Equal(t, baseTime, got.Created)

	require.NoError(t, store.Create(ctx, &models.ScalingRule{GroupID: "h", Owner: "tenant-b"}))
	mine, err := store.ListByOwner(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	require.NoError(t, store.Delete(ctx, "g"))
	_, err = store.Get(ctx, "g")
	assert.True(t, errors.Is(err, brokererr.ErrNotFound))

	n, err := store.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryEventStore_NewestFirst(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, models.JobEvent{JobID: "a", ToStatus: models.JobStatusPending, Reason: models.EventCreated}))
	require.NoError(t, store.Append(ctx, models.JobEvent{JobID: "b", ToStatus: models.JobStatusPending, Reason: models.EventCreated}))
	require.NoError(t, store.Append(ctx, models.JobEvent{JobID: "a", ToStatus: models.JobStatusRunning, Reason: models.EventLeased}))

	events, err := store.ListByJob(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventLeased, events[0].Reason)
	assert.Equal(t, models.EventCreated, events[1].Reason)
}
