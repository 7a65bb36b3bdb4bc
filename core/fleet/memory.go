package fleet

import (
	"context"
	"fmt"
	"sync"

	"job-broker/core/brokererr"
	"job-broker/core/models"
)

// Call is one recorded operation against a MemoryController
type Call struct {
	Op       string
	GroupID  string
	Replicas int
	WorkerID string
}

func (c Call) String() string {
	switch c.Op {
	case "set_replicas":
		return fmt.Sprintf("%s(%s,%d)", c.Op, c.GroupID, c.Replicas)
	case "reallocate":
		return fmt.Sprintf("%s(%s,%s)", c.Op, c.GroupID, c.WorkerID)
	}
	return fmt.Sprintf("%s(%s)", c.Op, c.GroupID)
}

// MemoryController is an in-process fleet of workload groups. It backs the
// memory fleet provider and stands in for real fleets in tests.
type MemoryController struct {
	mu     sync.Mutex
	groups map[string]*models.WorkloadGroupState
	calls  []Call
	// failures maps an op name to the errors returned by its next calls
	failures map[string][]error
}

// NewMemoryController creates an empty in-memory fleet
func NewMemoryController() *MemoryController {
	return &MemoryController{
		groups:   make(map[string]*models.WorkloadGroupState),
		failures: make(map[string][]error),
	}
}

// AddGroup registers a group in the given state
func (m *MemoryController) AddGroup(groupID string, status models.GroupStatus, replicas int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[groupID] = &models.WorkloadGroupState{ID: groupID, Name: groupID, Status: status, Replicas: replicas}
}

// RemoveGroup deletes a group out of band
func (m *MemoryController) RemoveGroup(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, groupID)
}

// FailNext makes the next len(errs) calls of op return errs in order
func (m *MemoryController) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Calls returns the mutating operations issued so far
func (m *MemoryController) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *MemoryController) GetGroup(_ context.Context, groupID string) (*models.WorkloadGroupState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.popFailure("get"); err != nil {
		return nil, err
	}
	group, ok := m.groups[groupID]
	if !ok {
		return nil, brokererr.NotFound("workload group %s not found", groupID)
	}
	c := *group
	return &c, nil
}

func (m *MemoryController) Start(_ context.Context, groupID string) error {
	return m.mutate(Call{Op: "start", GroupID: groupID}, func(g *models.WorkloadGroupState) {
		g.Status = models.GroupStatusRunning
	})
}

func (m *MemoryController) Stop(_ context.Context, groupID string) error {
	return m.mutate(Call{Op: "stop", GroupID: groupID}, func(g *models.WorkloadGroupState) {
		g.Status = models.GroupStatusStopped
	})
}

func (m *MemoryController) SetReplicas(_ context.Context, groupID string, replicas int) error {
	return m.mutate(Call{Op: "set_replicas", GroupID: groupID, Replicas: replicas}, func(g *models.WorkloadGroupState) {
		g.Replicas = replicas
	})
}

func (m *MemoryController) ReallocateInstance(_ context.Context, groupID, workerID string) error {
	return m.mutate(Call{Op: "reallocate", GroupID: groupID, WorkerID: workerID}, func(*models.WorkloadGroupState) {})
}

func (m *MemoryController) mutate(call Call, apply func(*models.WorkloadGroupState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.popFailure(call.Op); err != nil {
		return err
	}
	group, ok := m.groups[call.GroupID]
	if !ok {
		return brokererr.NotFound("workload group %s not found", call.GroupID)
	}
	m.calls = append(m.calls, call)
	apply(group)
	return nil
}

func (m *MemoryController) popFailure(op string) error {
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	m.failures[op] = queue[1:]
	return queue[0]
}
