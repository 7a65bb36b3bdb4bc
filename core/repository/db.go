package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"job-broker/core/brokererr"
)

// DB wraps the postgres connection pool shared by all repositories
type DB struct {
	*sql.DB
	goqu *goqu.Database
}

// NewDB opens a postgres connection pool and verifies it is reachable
func NewDB(ctx context.Context, url string, maxOpenConns int) (*DB, error) {
	sqlDB, err := sql.Open("postgres", url)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetMaxIdleConns(maxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return &DB{DB: sqlDB, goqu: goqu.New("postgres", sqlDB)}, nil
}

// isUniqueViolation reports whether err is a postgres unique_violation
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// storageError classifies a driver error for callers above the repository
func storageError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return brokererr.Upstream(err, "%s", op)
	}
	return brokererr.Internal(err, "%s", op)
}
