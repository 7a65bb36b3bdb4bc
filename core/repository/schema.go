package repository

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                 UUID PRIMARY KEY,
		owner              TEXT NOT NULL,
		group_id           TEXT NOT NULL,
		status             TEXT NOT NULL,
		payload            JSONB NOT NULL,
		webhook            TEXT,
		heartbeat_interval INTEGER NOT NULL,
		max_failures       INTEGER NOT NULL,
		num_failures       INTEGER NOT NULL DEFAULT 0,
		num_heartbeats     INTEGER NOT NULL DEFAULT 0,
		owning_worker      TEXT,
		heartbeat          TIMESTAMPTZ,
		created            TIMESTAMPTZ NOT NULL,
		started            TIMESTAMPTZ,
		completed          TIMESTAMPTZ,
		failed             TIMESTAMPTZ,
		canceled           TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_group_status_created_idx ON jobs (group_id, status, created)`,
	`CREATE INDEX IF NOT EXISTS jobs_owner_created_idx ON jobs (owner, created)`,
	`CREATE TABLE IF NOT EXISTS job_bans (
		key      TEXT PRIMARY KEY,
		inserted TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS scaling_rules (
		group_id               TEXT PRIMARY KEY,
		owner                  TEXT NOT NULL,
		min_replicas           INTEGER NOT NULL,
		max_replicas           INTEGER NOT NULL,
		idle_threshold_seconds INTEGER NOT NULL,
		created                TIMESTAMPTZ NOT NULL,
		updated                TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_events (
		id          BIGSERIAL PRIMARY KEY,
		job_id      UUID NOT NULL,
		at          TIMESTAMPTZ NOT NULL,
		from_status TEXT,
		to_status   TEXT NOT NULL,
		reason      TEXT NOT NULL,
		worker_id   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS job_events_job_idx ON job_events (job_id, at DESC)`,
}

// Migrate creates the broker tables if they do not exist yet
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "apply schema statement %d", i)
		}
	}
	log.Infof("Applied %d schema statements", len(schema))
	return nil
}
