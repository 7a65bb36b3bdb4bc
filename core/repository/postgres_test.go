package repository

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-broker/core/brokererr"
	"job-broker/core/models"
)

// testDatabaseEnv names a postgres:// URL of a server the tests may create
// databases on. The postgres tests are skipped when it is unset.
const testDatabaseEnv = "BROKER_TEST_DATABASE_URL"

// withTestDB runs action against a freshly migrated database that is dropped
// afterwards
func withTestDB(t *testing.T, action func(db *DB)) {
	t.Helper()
	base := os.Getenv(testDatabaseEnv)
	if base == "" {
		t.Skipf("%s not set", testDatabaseEnv)
	}
	ctx := context.Background()

	admin, err := NewDB(ctx, base, 1)
	require.NoError(t, err)
	defer admin.Close()

	name := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.ExecContext(ctx, "CREATE DATABASE "+name)
	require.NoError(t, err)
	defer func() {
		if _, err := admin.ExecContext(ctx, "DROP DATABASE "+name+" WITH (FORCE)"); err != nil {
			t.Logf("failed to drop %s: %v", name, err)
		}
	}()

	u, err := url.Parse(base)
	require.NoError(t, err)
	u.Path = "/" + name
	db, err := NewDB(ctx, u.String(), 4)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate(ctx))
	action(db)
}

func pgJob(owner, group string, created time.Time) *models.Job {
	job := newJob(uuid.NewString(), group, created)
	job.Owner = owner
	return job
}

func TestJobRepository_LeaseLifecycle(t *testing.T) {
	withTestDB(t, func(db *DB) {
		ctx := context.Background()
		repo := NewJobRepository(db)
		first := pgJob("tenant-a", "g", baseTime)
		second := pgJob("tenant-a", "g", baseTime.Add(time.Second))
		foreign := pgJob("tenant-b", "g", baseTime.Add(-time.Hour))
		require.NoError(t, repo.Insert(ctx, first, second, foreign))

		candidate, err := repo.FindCandidate(ctx, CandidateQuery{Owner: "tenant-a", GroupID: "g", Status: models.JobStatusPending})
		require.NoError(t, err)
		require.NotNil(t, candidate)
		assert.Equal(t, first.ID, candidate.ID)

		running := models.JobStatusRunning
		leaseAt := baseTime.Add(time.Minute)
		workerA := "worker-a"
		leased, err := repo.CASUpdate(ctx, first.ID,
			Preconditions{Statuses: []models.JobStatus{models.JobStatusPending}},
			JobUpdate{At: leaseAt, Status: &running, SetOwningWorker: &workerA, Heartbeat: true})
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, leased.Status)
		assert.Equal(t, workerA, *leased.OwningWorker)
		assert.True(t, leased.Started.Equal(leaseAt))

		// A second grant from pending loses
		workerB := "worker-b"
		_, err = repo.CASUpdate(ctx, first.ID,
			Preconditions{Statuses: []models.JobStatus{models.JobStatusPending}},
			JobUpdate{At: leaseAt, Status: &running, SetOwningWorker: &workerB, Heartbeat: true})
		assert.True(t, errors.Is(err, brokererr.ErrConflict))

		// Fresh lease: not a stale candidate and cannot be reclaimed
		fresh := leaseAt.Add(59 * time.Second)
		none, err := repo.FindCandidate(ctx, CandidateQuery{GroupID: "g", Status: models.JobStatusRunning, StaleAsOf: fresh, StaleMultiplier: 2})
		require.NoError(t, err)
		assert.Nil(t, none)
		_, err = repo.CASUpdate(ctx, first.ID,
			Preconditions{Statuses: []models.JobStatus{models.JobStatusRunning}, LeaseStaleAsOf: &fresh, StaleMultiplier: 2},
			JobUpdate{At: fresh, Status: &running, SetOwningWorker: &workerB, Heartbeat: true})
		assert.True(t, errors.Is(err, brokererr.ErrConflict))

		// Two missed heartbeats later it is reclaimed, keeping the first start
		stale := leaseAt.Add(60 * time.Second)
		candidate, err = repo.FindCandidate(ctx, CandidateQuery{GroupID: "g", Status: models.JobStatusRunning, StaleAsOf: stale, StaleMultiplier: 2})
		require.NoError(t, err)
		require.NotNil(t, candidate)
		assert.Equal(t, first.ID, candidate.ID)
		reclaimed, err := repo.CASUpdate(ctx, first.ID,
			Preconditions{Statuses: []models.JobStatus{models.JobStatusRunning}, LeaseStaleAsOf: &stale, StaleMultiplier: 2},
			JobUpdate{At: stale, Status: &running, SetOwningWorker: &workerB, Heartbeat: true})
		require.NoError(t, err)
		assert.Equal(t, workerB, *reclaimed.OwningWorker)
		assert.True(t, reclaimed.Started.Equal(leaseAt))

		// The superseded worker can no longer heartbeat
		_, err = repo.CASUpdate(ctx, first.ID,
			Preconditions{Statuses: []models.JobStatus{models.JobStatusRunning}, WorkerMayHold: &workerA},
			JobUpdate{At: stale, SetOwningWorker: &workerA, Heartbeat: true, BumpHeartbeats: true})
		assert.True(t, errors.Is(err, brokererr.ErrConflict))

		_, err = repo.CASUpdate(ctx, uuid.NewString(), Preconditions{}, JobUpdate{At: stale, Heartbeat: true})
		assert.True(t, errors.Is(err, brokererr.ErrNotFound))
	})
}

func TestJobRepository_CountsAndDeletes(t *testing.T) {
	withTestDB(t, func(db *DB) {
		ctx := context.Background()
		repo := NewJobRepository(db)
		for i := 0; i < 4; i++ {
			require.NoError(t, repo.Insert(ctx, pgJob("tenant-a", "g", baseTime.Add(time.Duration(i)*time.Second))))
		}
		done := pgJob("tenant-a", "g", baseTime)
		require.NoError(t, repo.Insert(ctx, done, pgJob("tenant-a", "h", baseTime)))
		completed := models.JobStatusCompleted
		_, err := repo.CASUpdate(ctx, done.ID, Preconditions{}, JobUpdate{At: baseTime, Status: &completed, ClearLease: true})
		require.NoError(t, err)

		n, err := repo.CountActive(ctx, "g", time.Minute, 100, baseTime.Add(30*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		n, err = repo.CountActive(ctx, "g", time.Minute, 3, baseTime.Add(30*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		n, err = repo.CountActive(ctx, "g", time.Minute, 100, baseTime.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		failures, err := repo.IncrementFailures(ctx, done.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, failures)

		counts, err := repo.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[models.JobStatus]int{models.JobStatusPending: 5, models.JobStatusCompleted: 1}, counts)

		deleted, err := repo.DeleteByGroup(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)
		deleted, err = repo.DeleteAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, deleted)
	})
}

func TestBanRepository(t *testing.T) {
	withTestDB(t, func(db *DB) {
		ctx := context.Background()
		bans, err := NewBanRepository(db, 10)
		require.NoError(t, err)

		banned, err := bans.Exists(ctx, "worker-a", "job-1")
		require.NoError(t, err)
		assert.False(t, banned)

		require.NoError(t, bans.Put(ctx, "worker-a", "job-1"))
		// Writing it again is a no-op
		require.NoError(t, bans.Put(ctx, "worker-a", "job-1"))

		// A second replica with a cold cache reads it from postgres
		other, err := NewBanRepository(db, 10)
		require.NoError(t, err)
		banned, err = other.Exists(ctx, "worker-a", "job-1")
		require.NoError(t, err)
		assert.True(t, banned)

		banned, err = other.Exists(ctx, "worker-b", "job-1")
		require.NoError(t, err)
		assert.False(t, banned)
	})
}

func TestRuleRepository(t *testing.T) {
	withTestDB(t, func(db *DB) {
		ctx := context.Background()
		rules := NewRuleRepository(db)
		rule := &models.ScalingRule{GroupID: "g", Owner: "tenant-a", MaxReplicas: 5, Created: baseTime, Updated: baseTime}
		require.NoError(t, rules.Create(ctx, rule))
		assert.True(t, errors.Is(rules.Create(ctx, rule), brokererr.ErrConflict))

		changed := *rule
		changed.MinReplicas = 2
		changed.Created = baseTime.Add(time.Hour)
		changed.Updated = baseTime.Add(time.Hour)
		require.NoError(t, rules.Upsert(ctx, &changed))

		got, err := rules.Get(ctx, "g")
		require.NoError(t, err)
		assert.Equal(t, 2, got.MinReplicas)
		assert.True(t, got.Created.Equal(baseTime))
		assert.True(t, got.Updated.Equal(baseTime.Add(time.Hour)))

		require.NoError(t, rules.Create(ctx, &models.ScalingRule{GroupID: "h", Owner: "tenant-b", MaxReplicas: 1, Created: baseTime, Updated: baseTime}))
		owned, err := rules.ListByOwner(ctx, "tenant-b")
		require.NoError(t, err)
		require.Len(t, owned, 1)
		assert.Equal(t, "h", owned[0].GroupID)

		require.NoError(t, rules.Delete(ctx, "g"))
		_, err = rules.Get(ctx, "g")
		assert.True(t, errors.Is(err, brokererr.ErrNotFound))

		n, err := rules.DeleteAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestEventRepository_NewestFirst(t *testing.T) {
	withTestDB(t, func(db *DB) {
		ctx := context.Background()
		events := NewEventRepository(db)
		jobID := uuid.NewString()
		pending := models.JobStatusPending
		require.NoError(t, events.Append(ctx, models.JobEvent{JobID: jobID, At: baseTime, ToStatus: models.JobStatusPending, Reason: models.EventCreated}))
		require.NoError(t, events.Append(ctx, models.JobEvent{JobID: jobID, At: baseTime.Add(time.Second), FromStatus: &pending, ToStatus: models.JobStatusRunning, Reason: models.EventLeased, WorkerID: "worker-a"}))

		got, err := events.ListByJob(ctx, jobID, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, models.EventLeased, got[0].Reason)
		assert.Equal(t, "worker-a", got[0].WorkerID)
		assert.Equal(t, models.JobStatusPending, *got[0].FromStatus)
		assert.Nil(t, got[1].FromStatus)
	})
}
