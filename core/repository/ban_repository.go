package repository

import (
	"context"

	"github.com/doug-martin/goqu/v9"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var bansTable = goqu.T("job_bans")

// BanRepository is a write-once postgres BanStore fronted by a local LRU.
// Bans are never lifted, so a cached positive answer never goes stale.
type BanRepository struct {
	db    *DB
	cache *lru.Cache
}

// NewBanRepository creates a ban store caching up to cacheSize keys
func NewBanRepository(db *DB, cacheSize int) (*BanRepository, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &BanRepository{db: db, cache: cache}, nil
}

// Put records the ban. Writing an existing ban is a no-op.
func (r *BanRepository) Put(ctx context.Context, workerID, jobID string) error {
	key := banKey(workerID, jobID)
	if r.cache.Contains(key) {
		return nil
	}

	_, err := r.db.goqu.Insert(bansTable).Prepared(true).
		Rows(goqu.Record{"key": key}).
		OnConflict(goqu.DoNothing()).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return storageError(err, "put ban")
	}

	// Only cache after the write is durable
	r.cache.Add(key, struct{}{})
	return nil
}

func (r *BanRepository) Exists(ctx context.Context, workerID, jobID string) (bool, error) {
	key := banKey(workerID, jobID)
	if r.cache.Contains(key) {
		return true, nil
	}

	var exists bool
	_, err := r.existsQuery(key).ScanValContext(ctx, &exists)
	if err != nil {
		return false, storageError(err, "check ban")
	}
	if exists {
		r.cache.Add(key, struct{}{})
	}
	return exists, nil
}

func (r *BanRepository) existsQuery(key string) *goqu.SelectDataset {
	return r.db.goqu.Select(goqu.L("EXISTS(SELECT 1 FROM job_bans WHERE key = ?)", key)).Prepared(true)
}

// RedisBanStore keeps bans as plain keys in redis, shared across broker replicas
type RedisBanStore struct {
	db     redis.UniversalClient
	prefix string
}

// NewRedisBanStore creates a redis backed ban store
func NewRedisBanStore(db redis.UniversalClient, keyPrefix string) *RedisBanStore {
	return &RedisBanStore{db: db, prefix: keyPrefix}
}

func (s *RedisBanStore) Put(ctx context.Context, workerID, jobID string) error {
	if err := s.db.SetNX(ctx, s.key(workerID, jobID), 1, 0).Err(); err != nil {
		return storageError(errors.Wrap(err, "error writing ban to redis"), "put ban")
	}
	return nil
}

func (s *RedisBanStore) Exists(ctx context.Context, workerID, jobID string) (bool, error) {
	n, err := s.db.Exists(ctx, s.key(workerID, jobID)).Result()
	if err != nil {
		return false, storageError(errors.Wrap(err, "error reading ban from redis"), "check ban")
	}
	return n > 0, nil
}

func (s *RedisBanStore) key(workerID, jobID string) string {
	return s.prefix + "ban:" + banKey(workerID, jobID)
}
