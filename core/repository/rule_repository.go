package repository

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"job-broker/core/brokererr"
	"job-broker/core/models"
)

var (
	rulesTable = goqu.T("scaling_rules")

	rule_groupID = goqu.C("group_id")
	rule_owner   = goqu.C("owner")
)

// RuleRepository is the postgres RuleStore
type RuleRepository struct {
	db *DB
}

type ruleRow struct {
	GroupID              string    `db:"group_id"`
	Owner                string    `db:"owner"`
	MinReplicas          int       `db:"min_replicas"`
	MaxReplicas          int       `db:"max_replicas"`
	IdleThresholdSeconds int       `db:"idle_threshold_seconds"`
	Created              time.Time `db:"created"`
	Updated              time.Time `db:"updated"`
}

// NewRuleRepository creates a new scaling rule repository
func NewRuleRepository(db *DB) *RuleRepository {
	return &RuleRepository{db: db}
}

func (r *RuleRepository) List(ctx context.Context) ([]*models.ScalingRule, error) {
	return r.list(ctx)
}

func (r *RuleRepository) ListByOwner(ctx context.Context, owner string) ([]*models.ScalingRule, error) {
	return r.list(ctx, rule_owner.Eq(owner))
}

func (r *RuleRepository) list(ctx context.Context, where ...exp.Expression) ([]*models.ScalingRule, error) {
	var rows []ruleRow
	err := r.db.goqu.From(rulesTable).Prepared(true).
		Where(where...).
		Order(rule_groupID.Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, storageError(err, "list scaling rules")
	}

	rules := make([]*models.ScalingRule, 0, len(rows))
	for i := range rows {
		rules = append(rules, rows[i].toModel())
	}
	return rules, nil
}

func (r *RuleRepository) Get(ctx context.Context, groupID string) (*models.ScalingRule, error) {
	var row ruleRow
	found, err := r.db.goqu.From(rulesTable).Prepared(true).
		Where(rule_groupID.Eq(groupID)).
		ScanStructContext(ctx, &row)
	if err != nil {
		return nil, storageError(err, "get scaling rule")
	}
	if !found {
		return nil, brokererr.NotFound("scaling rule for group %s not found", groupID)
	}
	return row.toModel(), nil
}

func (r *RuleRepository) Create(ctx context.Context, rule *models.ScalingRule) error {
	_, err := r.db.goqu.Insert(rulesTable).Prepared(true).Rows(toRuleRow(rule)).Executor().ExecContext(ctx)
	if isUniqueViolation(err) {
		return brokererr.Conflict("scaling rule for group %s already exists", rule.GroupID)
	}
	return storageError(err, "create scaling rule")
}

// Upsert writes the rule, keeping the original created timestamp
func (r *RuleRepository) Upsert(ctx context.Context, rule *models.ScalingRule) error {
	_, err := r.upsertQuery(rule).Executor().ExecContext(ctx)
	return storageError(err, "upsert scaling rule")
}

func (r *RuleRepository) upsertQuery(rule *models.ScalingRule) *goqu.InsertDataset {
	return r.db.goqu.Insert(rulesTable).Prepared(true).
		Rows(toRuleRow(rule)).
		OnConflict(goqu.DoUpdate("group_id", goqu.Record{
			"owner":                  goqu.L("EXCLUDED.owner"),
			"min_replicas":           goqu.L("EXCLUDED.min_replicas"),
			"max_replicas":           goqu.L("EXCLUDED.max_replicas"),
			"idle_threshold_seconds": goqu.L("EXCLUDED.idle_threshold_seconds"),
			"updated":                goqu.L("EXCLUDED.updated"),
		}))
}

func (r *RuleRepository) Delete(ctx context.Context, groupID string) error {
	_, err := r.db.goqu.Delete(rulesTable).Prepared(true).
		Where(rule_groupID.Eq(groupID)).
		Executor().
		ExecContext(ctx)
	return storageError(err, "delete scaling rule")
}

func (r *RuleRepository) DeleteAll(ctx context.Context) (int, error) {
	res, err := r.db.goqu.Delete(rulesTable).Prepared(true).Executor().ExecContext(ctx)
	if err != nil {
		return 0, storageError(err, "delete scaling rules")
	}
	n, err := res.RowsAffected()
	return int(n), storageError(err, "delete scaling rules")
}

func toRuleRow(rule *models.ScalingRule) ruleRow {
	return ruleRow{
		GroupID:              rule.GroupID,
		Owner:                rule.Owner,
		MinReplicas:          rule.MinReplicas,
		MaxReplicas:          rule.MaxReplicas,
		IdleThresholdSeconds: rule.IdleThresholdSeconds,
		Created:              rule.Created,
		Updated:              rule.Updated,
	}
}

func (row *ruleRow) toModel() *models.ScalingRule {
	return &models.ScalingRule{
		GroupID:              row.GroupID,
		Owner:                row.Owner,
		MinReplicas:          row.MinReplicas,
		MaxReplicas:          row.MaxReplicas,
		IdleThresholdSeconds: row.IdleThresholdSeconds,
		Created:              row.Created,
		Updated:              row.Updated,
	}
}
