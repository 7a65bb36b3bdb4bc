package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"

	"job-broker/core/brokererr"
	"job-broker/core/models"
)

var (
	jobsTable = goqu.T("jobs")

	job_id           = goqu.C("id")
	job_owner        = goqu.C("owner")
	job_groupID      = goqu.C("group_id")
	job_status       = goqu.C("status")
	job_owningWorker = goqu.C("owning_worker")
	job_created      = goqu.C("created")
	job_completed    = goqu.C("completed")
	job_failed       = goqu.C("failed")
	job_canceled     = goqu.C("canceled")
)

type jobRow struct {
	ID                string         `db:"id"`
	Owner             string         `db:"owner"`
	GroupID           string         `db:"group_id"`
	Status            string         `db:"status"`
	Payload           string         `db:"payload"`
	Webhook           sql.NullString `db:"webhook"`
	HeartbeatInterval int            `db:"heartbeat_interval"`
	MaxFailures       int            `db:"max_failures"`
	NumFailures       int            `db:"num_failures"`
	NumHeartbeats     int            `db:"num_heartbeats"`
	OwningWorker      sql.NullString `db:"owning_worker"`
	Heartbeat         sql.NullTime   `db:"heartbeat"`
	Created           time.Time      `db:"created"`
	Started           sql.NullTime   `db:"started"`
	Completed         sql.NullTime   `db:"completed"`
	Failed            sql.NullTime   `db:"failed"`
	Canceled          sql.NullTime   `db:"canceled"`
}

// JobRepository is the postgres JobStore
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// Insert writes all jobs in a single statement so a batch lands atomically
func (r *JobRepository) Insert(ctx context.Context, jobs ...*models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(jobs))
	for _, job := range jobs {
		row, err := toJobRow(job)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	_, err := r.db.goqu.Insert(jobsTable).Prepared(true).Rows(rows...).Executor().ExecContext(ctx)
	if isUniqueViolation(err) {
		return brokererr.Conflict("job already exists")
	}
	return storageError(err, "insert jobs")
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	return r.getOne(ctx, job_id.Eq(id))
}

func (r *JobRepository) GetByOwnerAndID(ctx context.Context, owner, id string) (*models.Job, error) {
	return r.getOne(ctx, job_id.Eq(id), job_owner.Eq(owner))
}

func (r *JobRepository) getOne(ctx context.Context, where ...exp.Expression) (*models.Job, error) {
	var row jobRow
	found, err := r.db.goqu.From(jobsTable).Prepared(true).Where(where...).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, storageError(err, "get job")
	}
	if !found {
		return nil, brokererr.NotFound("job not found")
	}
	return row.toModel()
}

func (r *JobRepository) FindCandidate(ctx context.Context, q CandidateQuery) (*models.Job, error) {
	var row jobRow
	found, err := r.candidateQuery(q).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, storageError(err, "find lease candidate")
	}
	if !found {
		return nil, nil
	}
	return row.toModel()
}

func (r *JobRepository) candidateQuery(q CandidateQuery) *goqu.SelectDataset {
	var where []exp.Expression
	if q.Owner != "" {
		where = append(where, job_owner.Eq(q.Owner))
	}
	where = append(where, job_groupID.Eq(q.GroupID), job_status.Eq(string(q.Status)))
	if q.Status == models.JobStatusRunning {
		where = append(where, staleLease(q.StaleAsOf, q.StaleMultiplier))
	}

	return r.db.goqu.From(jobsTable).Prepared(true).
		Where(where...).
		Order(job_created.Asc(), job_id.Asc()).
		Limit(1).
		Offset(uint(q.Offset))
}

// CASUpdate is a single UPDATE ... WHERE <preconditions> RETURNING *, so the
// check and the write happen atomically in postgres.
func (r *JobRepository) CASUpdate(ctx context.Context, id string, pre Preconditions, upd JobUpdate) (*models.Job, error) {
	record := updateRecord(upd)
	if len(record) == 0 {
		return nil, brokererr.Internal(errors.New("empty update"), "update job %s", id)
	}

	var row jobRow
	found, err := r.casQuery(id, pre, record).Executor().ScanStructContext(ctx, &row)
	if err != nil {
		return nil, storageError(err, "update job")
	}
	if !found {
		if _, err := r.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, brokererr.Conflict("job %s changed concurrently", id)
	}
	return row.toModel()
}

func (r *JobRepository) casQuery(id string, pre Preconditions, record goqu.Record) *goqu.UpdateDataset {
	where := []exp.Expression{job_id.Eq(id)}
	if pre.Owner != "" {
		where = append(where, job_owner.Eq(pre.Owner))
	}
	if len(pre.Statuses) > 0 {
		statuses := make([]string, 0, len(pre.Statuses))
		for _, s := range pre.Statuses {
			statuses = append(statuses, string(s))
		}
		where = append(where, job_status.In(statuses))
	}
	if pre.LeaseStaleAsOf != nil {
		where = append(where, goqu.Or(
			job_status.Neq(string(models.JobStatusRunning)),
			staleLease(*pre.LeaseStaleAsOf, pre.StaleMultiplier),
		))
	}
	if pre.WorkerMayHold != nil {
		where = append(where, goqu.Or(job_owningWorker.IsNull(), job_owningWorker.Eq(*pre.WorkerMayHold)))
	}

	return r.db.goqu.Update(jobsTable).Prepared(true).
		Set(record).
		Where(where...).
		Returning(goqu.Star())
}

func (r *JobRepository) IncrementFailures(ctx context.Context, id string) (int, error) {
	var failures int
	found, err := r.db.goqu.Update(jobsTable).Prepared(true).
		Set(goqu.Record{"num_failures": goqu.L("num_failures + 1")}).
		Where(job_id.Eq(id)).
		Returning(goqu.C("num_failures")).
		Executor().
		ScanValContext(ctx, &failures)
	if err != nil {
		return 0, storageError(err, "increment failures")
	}
	if !found {
		return 0, brokererr.NotFound("job %s not found", id)
	}
	return failures, nil
}

func (r *JobRepository) List(ctx context.Context, filter models.JobFilter, order models.JobSort, page models.Page) ([]*models.Job, error) {
	var where []exp.Expression
	if filter.Owner != "" {
		where = append(where, job_owner.Eq(filter.Owner))
	}
	if filter.Status != nil {
		where = append(where, job_status.Eq(string(*filter.Status)))
	}
	if filter.GroupID != "" {
		where = append(where, job_groupID.Eq(filter.GroupID))
	}

	ordering := []exp.OrderedExpression{job_created.Desc(), job_id.Desc()}
	if order.Ascending {
		ordering = []exp.OrderedExpression{job_created.Asc(), job_id.Asc()}
	}

	page = page.Normalize()
	var rows []jobRow
	err := r.db.goqu.From(jobsTable).Prepared(true).
		Where(where...).
		Order(ordering...).
		Limit(uint(page.Size)).
		Offset(uint(page.Offset())).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, storageError(err, "list jobs")
	}

	jobs := make([]*models.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *JobRepository) CountActive(ctx context.Context, groupID string, idle time.Duration, limit int, now time.Time) (int, error) {
	var count int
	_, err := r.countActiveQuery(groupID, idle, limit, now).ScanValContext(ctx, &count)
	if err != nil {
		return 0, storageError(err, "count active jobs")
	}
	return count, nil
}

// countActiveQuery counts through a LIMITed sub-select so a deep backlog is
// never scanned past limit
func (r *JobRepository) countActiveQuery(groupID string, idle time.Duration, limit int, now time.Time) *goqu.SelectDataset {
	cutoff := now.Add(-idle)
	active := r.db.goqu.From(jobsTable).
		Select(goqu.L("1")).
		Where(
			job_groupID.Eq(groupID),
			goqu.Or(
				job_status.In(string(models.JobStatusPending), string(models.JobStatusRunning)),
				job_completed.Gte(cutoff),
				job_failed.Gte(cutoff),
				job_canceled.Gte(cutoff),
			),
		).
		Limit(uint(limit))

	return r.db.goqu.From(active.As("active")).Prepared(true).
		Select(goqu.COUNT(goqu.Star()))
}

func (r *JobRepository) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	err := r.db.goqu.From(jobsTable).Prepared(true).
		Select(job_status, goqu.COUNT(goqu.Star()).As("count")).
		GroupBy(job_status).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, storageError(err, "count jobs by status")
	}

	counts := make(map[models.JobStatus]int, len(rows))
	for _, row := range rows {
		counts[models.JobStatus(row.Status)] = row.Count
	}
	return counts, nil
}

func (r *JobRepository) DeleteByGroup(ctx context.Context, groupID string) (int, error) {
	return r.delete(ctx, job_groupID.Eq(groupID))
}

func (r *JobRepository) DeleteAll(ctx context.Context) (int, error) {
	return r.delete(ctx)
}

func (r *JobRepository) delete(ctx context.Context, where ...exp.Expression) (int, error) {
	res, err := r.db.goqu.Delete(jobsTable).Prepared(true).Where(where...).Executor().ExecContext(ctx)
	if err != nil {
		return 0, storageError(err, "delete jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageError(err, "delete jobs")
	}
	return int(n), nil
}

// staleLease matches running jobs whose lease expired at asOf. A job that
// never heartbeated is measured from its creation time.
func staleLease(asOf time.Time, multiplier int) exp.Expression {
	return goqu.L(
		"COALESCE(heartbeat, created) <= ?::timestamptz - (? * heartbeat_interval) * INTERVAL '1 second'",
		asOf, multiplier,
	)
}

func updateRecord(upd JobUpdate) goqu.Record {
	record := goqu.Record{}
	if upd.Status != nil {
		record["status"] = string(*upd.Status)
		switch *upd.Status {
		case models.JobStatusRunning:
			record["started"] = goqu.L("COALESCE(started, ?::timestamptz)", upd.At)
		case models.JobStatusCompleted:
			record["completed"] = upd.At
		case models.JobStatusFailed:
			record["failed"] = upd.At
		case models.JobStatusCanceled:
			record["canceled"] = upd.At
		}
	}
	if upd.SetOwningWorker != nil {
		record["owning_worker"] = *upd.SetOwningWorker
	}
	if upd.ClearLease {
		record["owning_worker"] = nil
	}
	if upd.Heartbeat {
		record["heartbeat"] = upd.At
	}
	if upd.BumpHeartbeats {
		record["num_heartbeats"] = goqu.L("num_heartbeats + 1")
	}
	return record
}

func toJobRow(job *models.Job) (*jobRow, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, brokererr.Internal(err, "encode payload for job %s", job.ID)
	}
	return &jobRow{
		ID:                job.ID,
		Owner:             job.Owner,
		GroupID:           job.GroupID,
		Status:            string(job.Status),
		Payload:           string(payload),
		Webhook:           nullString(job.Webhook),
		HeartbeatInterval: job.HeartbeatInterval,
		MaxFailures:       job.MaxFailures,
		NumFailures:       job.NumFailures,
		NumHeartbeats:     job.NumHeartbeats,
		OwningWorker:      nullStringPtr(job.OwningWorker),
		Heartbeat:         nullTime(job.Heartbeat),
		Created:           job.Created,
		Started:           nullTime(job.Started),
		Completed:         nullTime(job.Completed),
		Failed:            nullTime(job.Failed),
		Canceled:          nullTime(job.Canceled),
	}, nil
}

func (row *jobRow) toModel() (*models.Job, error) {
	job := &models.Job{
		ID:                row.ID,
		Owner:             row.Owner,
		GroupID:           row.GroupID,
		Status:            models.JobStatus(row.Status),
		HeartbeatInterval: row.HeartbeatInterval,
		MaxFailures:       row.MaxFailures,
		NumFailures:       row.NumFailures,
		NumHeartbeats:     row.NumHeartbeats,
		Created:           row.Created,
	}
	if err := json.Unmarshal([]byte(row.Payload), &job.Payload); err != nil {
		return nil, brokererr.Internal(err, "decode payload for job %s", row.ID)
	}
	if row.Webhook.Valid {
		job.Webhook = row.Webhook.String
	}
	if row.OwningWorker.Valid {
		worker := row.OwningWorker.String
		job.OwningWorker = &worker
	}
	job.Heartbeat = timePtr(row.Heartbeat)
	job.Started = timePtr(row.Started)
	job.Completed = timePtr(row.Completed)
	job.Failed = timePtr(row.Failed)
	job.Canceled = timePtr(row.Canceled)
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
