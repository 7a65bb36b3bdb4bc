package scheduler

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"job-broker/core/fleet"
	"job-broker/core/monitoring"
)

const defaultReallocateTimeout = 2 * time.Minute

// Reallocator replaces worker instances that were banned from every job
// offered to them. Requests run in the background; a request for an instance
// that is already being replaced is dropped.
type Reallocator struct {
	fleet   fleet.Controller
	metrics *monitoring.Metrics
	timeout time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// NewReallocator creates a reallocator. A zero timeout uses the default.
func NewReallocator(controller fleet.Controller, metrics *monitoring.Metrics, timeout time.Duration) *Reallocator {
	if timeout <= 0 {
		timeout = defaultReallocateTimeout
	}
	return &Reallocator{
		fleet:    controller,
		metrics:  metrics,
		timeout:  timeout,
		inFlight: make(map[string]struct{}),
	}
}

// Request asks the fleet to replace workerID's instance without blocking
func (r *Reallocator) Request(groupID, workerID string) {
	key := groupID + "/" + workerID
	r.mu.Lock()
	if _, ok := r.inFlight[key]; ok {
		r.mu.Unlock()
		return
	}
	r.inFlight[key] = struct{}{}
	r.mu.Unlock()

	r.metrics.Reallocations.WithLabelValues("requested").Inc()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, key)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		logger := log.WithFields(log.Fields{"group_id": groupID, "worker_id": workerID})
		if err := r.fleet.ReallocateInstance(ctx, groupID, workerID); err != nil {
			r.metrics.Reallocations.WithLabelValues("error").Inc()
			logger.WithError(err).Error("Failed to reallocate worker instance")
			return
		}
		logger.Info("Worker instance reallocated")
	}()
}

// Wait blocks until every pending request has finished
func (r *Reallocator) Wait() {
	r.wg.Wait()
}
