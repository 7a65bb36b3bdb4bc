package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"job-broker/core/brokererr"
	"job-broker/core/models"
)

// RetryPolicy bounds the retries made around each fleet call
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
}

// Retrying wraps a Controller so that transient failures are retried with
// exponential backoff. NotFound and InvalidRequest are returned at once.
// Errors left after the budget is spent are reported as UpstreamUnavailable.
type Retrying struct {
	next   Controller
	policy RetryPolicy
}

// WithRetry decorates next with policy
func WithRetry(next Controller, policy RetryPolicy) *Retrying {
	if policy.Attempts == 0 {
		policy.Attempts = 1
	}
	return &Retrying{next: next, policy: policy}
}

func (r *Retrying) GetGroup(ctx context.Context, groupID string) (*models.WorkloadGroupState, error) {
	var state *models.WorkloadGroupState
	err := r.do(ctx, "get group", groupID, func() error {
		var err error
		state, err = r.next.GetGroup(ctx, groupID)
		return err
	})
	return state, err
}

func (r *Retrying) Start(ctx context.Context, groupID string) error {
	return r.do(ctx, "start group", groupID, func() error {
		return r.next.Start(ctx, groupID)
	})
}

func (r *Retrying) Stop(ctx context.Context, groupID string) error {
	return r.do(ctx, "stop group", groupID, func() error {
		return r.next.Stop(ctx, groupID)
	})
}

func (r *Retrying) SetReplicas(ctx context.Context, groupID string, replicas int) error {
	return r.do(ctx, "set replicas", groupID, func() error {
		return r.next.SetReplicas(ctx, groupID, replicas)
	})
}

func (r *Retrying) ReallocateInstance(ctx context.Context, groupID, workerID string) error {
	return r.do(ctx, "reallocate instance", groupID, func() error {
		return r.next.ReallocateInstance(ctx, groupID, workerID)
	})
}

func (r *Retrying) do(ctx context.Context, op, groupID string, fn func() error) error {
	err := retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(r.policy.Attempts),
		retry.Delay(r.policy.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).WithField("group_id", groupID).Debugf("Retrying %s (attempt %d)", op, n+1)
		}),
	)
	if err == nil || !retryable(err) {
		return err
	}
	return brokererr.Upstream(err, "%s %s", op, groupID)
}

func retryable(err error) bool {
	return !errors.Is(err, brokererr.ErrNotFound) &&
		!errors.Is(err, brokererr.ErrInvalidRequest) &&
		!errors.Is(err, context.Canceled)
}
