package scheduler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"job-broker/core/brokererr"
	"job-broker/core/models"
	"job-broker/core/repository"
)

// DefaultMaxReplicasCeiling is the largest max_replicas a rule may ask for
const DefaultMaxReplicasCeiling = 250

// RuleService manages scaling rules on behalf of tenants. Tenants see and
// change only their own rules; the admin owner sees and changes all of them.
type RuleService struct {
	rules      repository.RuleStore
	ceiling    int
	adminOwner string
	now        func() time.Time
}

// NewRuleService creates a rule service. now may be nil.
func NewRuleService(rules repository.RuleStore, ceiling int, adminOwner string, now func() time.Time) *RuleService {
	if ceiling < 1 {
		ceiling = DefaultMaxReplicasCeiling
	}
	if now == nil {
		now = time.Now
	}
	return &RuleService{rules: rules, ceiling: ceiling, adminOwner: adminOwner, now: now}
}

func (s *RuleService) isAdmin(owner string) bool {
	return s.adminOwner != "" && owner == s.adminOwner
}

func (s *RuleService) validate(rule *models.ScalingRule) error {
	switch {
	case rule.GroupID == "":
		return brokererr.InvalidRequest("group_id is required")
	case rule.MinReplicas < 0:
		return brokererr.InvalidRequest("min_replicas must not be negative")
	case rule.MaxReplicas < rule.MinReplicas:
		return brokererr.InvalidRequest("max_replicas (%d) must not be less than min_replicas (%d)", rule.MaxReplicas, rule.MinReplicas)
	case rule.MaxReplicas > s.ceiling:
		return brokererr.InvalidRequest("max_replicas must not exceed %d", s.ceiling)
	case rule.IdleThresholdSeconds < 0:
		return brokererr.InvalidRequest("idle_threshold_seconds must not be negative")
	}
	return nil
}

// CreateRule stores a new rule owned by owner. A group has at most one rule.
func (s *RuleService) CreateRule(ctx context.Context, owner string, rule models.ScalingRule) (*models.ScalingRule, error) {
	if owner == "" {
		return nil, brokererr.InvalidRequest("owner is required")
	}
	if err := s.validate(&rule); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rule.Owner = owner
	rule.Created = now
	rule.Updated = now

	if err := s.rules.Create(ctx, &rule); err != nil {
		return nil, brokererr.Internal(err, "create rule for group %s", rule.GroupID)
	}
	log.WithFields(log.Fields{"group_id": rule.GroupID, "owner": owner}).
		Infof("Scaling rule created (min %d, max %d)", rule.MinReplicas, rule.MaxReplicas)
	return &rule, nil
}

// GetRule returns the rule of groupID if owner may see it
func (s *RuleService) GetRule(ctx context.Context, owner, groupID string) (*models.ScalingRule, error) {
	rule, err := s.rules.Get(ctx, groupID)
	if err != nil {
		return nil, brokererr.Internal(err, "get rule for group %s", groupID)
	}
	if !s.isAdmin(owner) && rule.Owner != owner {
		return nil, brokererr.NotFound("scaling rule for group %s not found", groupID)
	}
	return rule, nil
}

// UpdateRule changes the fields set in upd and re-validates the result
func (s *RuleService) UpdateRule(ctx context.Context, owner, groupID string, upd models.ScalingRuleUpdate) (*models.ScalingRule, error) {
	if upd.Empty() {
		return nil, brokererr.InvalidRequest("no fields to update")
	}
	current, err := s.GetRule(ctx, owner, groupID)
	if err != nil {
		return nil, err
	}

	updated := upd.Apply(*current)
	if err := s.validate(&updated); err != nil {
		return nil, err
	}
	updated.Updated = s.now().UTC()
	if err := s.rules.Upsert(ctx, &updated); err != nil {
		return nil, brokererr.Internal(err, "update rule for group %s", groupID)
	}
	return &updated, nil
}

// DeleteRule removes the rule of groupID if owner may see it
func (s *RuleService) DeleteRule(ctx context.Context, owner, groupID string) error {
	if _, err := s.GetRule(ctx, owner, groupID); err != nil {
		return err
	}
	if err := s.rules.Delete(ctx, groupID); err != nil {
		return brokererr.Internal(err, "delete rule for group %s", groupID)
	}
	log.WithField("group_id", groupID).Info("Scaling rule deleted")
	return nil
}

// ListRules lists owner's rules, or every rule for the admin
func (s *RuleService) ListRules(ctx context.Context, owner string) ([]*models.ScalingRule, error) {
	var (
		rules []*models.ScalingRule
		err   error
	)
	if s.isAdmin(owner) {
		rules, err = s.rules.List(ctx)
	} else {
		rules, err = s.rules.ListByOwner(ctx, owner)
	}
	if err != nil {
		return nil, brokererr.Internal(err, "list rules")
	}
	return rules, nil
}

// ClearRules deletes every rule. Only the admin may call it.
func (s *RuleService) ClearRules(ctx context.Context, owner string) (int, error) {
	if !s.isAdmin(owner) {
		return 0, brokererr.Forbidden("only the admin may clear rules")
	}
	n, err := s.rules.DeleteAll(ctx)
	if err != nil {
		return 0, brokererr.Internal(err, "clear rules")
	}
	log.Warnf("Cleared %d scaling rules", n)
	return n, nil
}
