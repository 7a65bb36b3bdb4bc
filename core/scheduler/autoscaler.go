// Package scheduler sizes workload groups from their job load and asks the
// fleet to replace defective worker instances.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"job-broker/core/brokererr"
	"job-broker/core/fleet"
	"job-broker/core/models"
	"job-broker/core/monitoring"
	"job-broker/core/repository"
)

// DefaultBatchSize is how many rules are evaluated concurrently
const DefaultBatchSize = 5

// Evaluator applies one scaling rule to its workload group
type Evaluator struct {
	jobs    repository.JobStore
	rules   repository.RuleStore
	fleet   fleet.Controller
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewEvaluator creates an evaluator. now may be nil.
func NewEvaluator(jobs repository.JobStore, rules repository.RuleStore, controller fleet.Controller, metrics *monitoring.Metrics, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{jobs: jobs, rules: rules, fleet: controller, metrics: metrics, now: now}
}

// Evaluate sizes the rule's group to its active job count, clamped to the
// rule's bounds. A group that no longer exists has its rule deleted. A zero
// target stops the group instead of scaling it to zero replicas. Evaluate is
// idempotent.
func (e *Evaluator) Evaluate(ctx context.Context, rule *models.ScalingRule) error {
	logger := log.WithField("group_id", rule.GroupID)

	active, err := e.jobs.CountActive(ctx, rule.GroupID, rule.IdleThreshold(), rule.MaxReplicas, e.now().UTC())
	if err != nil {
		return brokererr.Internal(err, "count active jobs of group %s", rule.GroupID)
	}
	target := rule.Clamp(active)

	group, err := e.fleet.GetGroup(ctx, rule.GroupID)
	if errors.Is(err, brokererr.ErrNotFound) {
		logger.Warn("Workload group no longer exists, deleting its scaling rule")
		if err := e.rules.Delete(ctx, rule.GroupID); err != nil {
			return brokererr.Internal(err, "delete orphaned rule %s", rule.GroupID)
		}
		e.metrics.TargetReplicas.DeleteLabelValues(rule.GroupID)
		e.metrics.ScalingActions.WithLabelValues("delete_rule").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	e.metrics.TargetReplicas.WithLabelValues(rule.GroupID).Set(float64(target))

	if target == 0 {
		if group.Status != models.GroupStatusRunning {
			return nil
		}
		logger.Infof("No active jobs, stopping group")
		if err := e.fleet.Stop(ctx, rule.GroupID); err != nil {
			return err
		}
		e.metrics.ScalingActions.WithLabelValues("stop").Inc()
		return nil
	}

	if group.Status == models.GroupStatusStopped {
		logger.Infof("%d active jobs, starting group", active)
		if err := e.fleet.Start(ctx, rule.GroupID); err != nil {
			return err
		}
		e.metrics.ScalingActions.WithLabelValues("start").Inc()
	}

	if err := e.fleet.SetReplicas(ctx, rule.GroupID, target); err != nil {
		return err
	}
	e.metrics.ScalingActions.WithLabelValues("set_replicas").Inc()
	logger.Debugf("Replicas set to %d (was %d, %d active jobs)", target, group.Replicas, active)
	return nil
}

// AutoScaler periodically evaluates every scaling rule
type AutoScaler struct {
	rules     repository.RuleStore
	evaluator *Evaluator
	metrics   *monitoring.Metrics
	batchSize int
	interval  time.Duration
}

// NewAutoScaler creates an autoscaler that evaluates batchSize rules at a
// time, once per interval
func NewAutoScaler(rules repository.RuleStore, evaluator *Evaluator, metrics *monitoring.Metrics, batchSize int, interval time.Duration) *AutoScaler {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &AutoScaler{
		rules:     rules,
		evaluator: evaluator,
		metrics:   metrics,
		batchSize: batchSize,
		interval:  interval,
	}
}

// Start runs EvaluateAll every interval until ctx is done
func (as *AutoScaler) Start(ctx context.Context) {
	ticker := time.NewTicker(as.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := as.EvaluateAll(ctx); err != nil {
				log.WithError(err).Error("Scaling evaluation finished with errors")
			}
		}
	}
}

// EvaluateAll evaluates every rule. Rules within a batch run concurrently and
// each batch completes before the next begins. A failing rule never stops the
// others from being evaluated; the returned error collects every failure.
func (as *AutoScaler) EvaluateAll(ctx context.Context) error {
	rules, err := as.rules.List(ctx)
	if err != nil {
		return brokererr.Internal(err, "list scaling rules")
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	for start := 0; start < len(rules); start += as.batchSize {
		end := start + as.batchSize
		if end > len(rules) {
			end = len(rules)
		}

		// Rule failures go to result instead of the group so one failing rule
		// never cancels its siblings. Only cancellation of ctx ends the pass.
		g, gctx := errgroup.WithContext(ctx)
		for _, rule := range rules[start:end] {
			rule := rule
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				err := as.evaluator.Evaluate(gctx, rule)
				if err == nil {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				as.metrics.EvaluationErrors.Inc()
				log.WithError(err).WithField("group_id", rule.GroupID).Error("Failed to evaluate scaling rule")
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			log.WithError(err).Warnf("Scaling pass interrupted after %d of %d rules", start, len(rules))
			return multierror.Append(result, err).ErrorOrNil()
		}
	}

	log.Debugf("Evaluated %d scaling rules", len(rules))
	return result.ErrorOrNil()
}
