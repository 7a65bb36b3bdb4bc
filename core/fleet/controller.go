// Package fleet is the boundary between the broker and whatever runs the
// worker instances of a workload group.
package fleet

import (
	"context"

	"job-broker/core/models"
)

// Controller drives the replica count and run state of workload groups.
// GetGroup returns a brokererr.ErrNotFound error for unknown groups.
type Controller interface {
	GetGroup(ctx context.Context, groupID string) (*models.WorkloadGroupState, error)
	Start(ctx context.Context, groupID string) error
	Stop(ctx context.Context, groupID string) error
	SetReplicas(ctx context.Context, groupID string, replicas int) error
	// ReallocateInstance replaces the instance running workerID with a fresh one
	ReallocateInstance(ctx context.Context, groupID, workerID string) error
}
