package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"

	"job-broker/core/models"
)

var jobEventsTable = goqu.T("job_events")

type jobEventRow struct {
	ID         int64          `db:"id" goqu:"skipinsert"`
	JobID      string         `db:"job_id"`
	At         time.Time      `db:"at"`
	FromStatus sql.NullString `db:"from_status"`
	ToStatus   string         `db:"to_status"`
	Reason     string         `db:"reason"`
	WorkerID   sql.NullString `db:"worker_id"`
}

// EventRepository handles database operations for job events
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append records a single job transition
func (r *EventRepository) Append(ctx context.Context, event models.JobEvent) error {
	row := jobEventRow{
		JobID:    event.JobID,
		At:       event.At,
		ToStatus: string(event.ToStatus),
		Reason:   string(event.Reason),
		WorkerID: nullString(event.WorkerID),
	}
	if event.FromStatus != nil {
		row.FromStatus = sql.NullString{String: string(*event.FromStatus), Valid: true}
	}

	_, err := r.db.goqu.Insert(jobEventsTable).Prepared(true).Rows(row).Executor().ExecContext(ctx)
	return storageError(err, "append job event")
}

// ListByJob retrieves the newest events for a job
func (r *EventRepository) ListByJob(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	var rows []jobEventRow
	err := r.listQuery(jobID, limit).ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, storageError(err, "list job events")
	}

	events := make([]models.JobEvent, 0, len(rows))
	for _, row := range rows {
		event := models.JobEvent{
			ID:       row.ID,
			JobID:    row.JobID,
			At:       row.At,
			ToStatus: models.JobStatus(row.ToStatus),
			Reason:   models.EventReason(row.Reason),
			WorkerID: row.WorkerID.String,
		}
		if row.FromStatus.Valid {
			status := models.JobStatus(row.FromStatus.String)
			event.FromStatus = &status
		}
		events = append(events, event)
	}
	return events, nil
}

func (r *EventRepository) listQuery(jobID string, limit int) *goqu.SelectDataset {
	return r.db.goqu.From(jobEventsTable).Prepared(true).
		Where(goqu.C("job_id").Eq(jobID)).
		Order(goqu.C("at").Desc(), goqu.C("id").Desc()).
		Limit(uint(limit))
}
