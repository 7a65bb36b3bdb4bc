package models

// GroupStatus is the state of a workload group as reported by the fleet
type GroupStatus string

const (
	GroupStatusRunning  GroupStatus = "running"
	GroupStatusStopped  GroupStatus = "stopped"
	GroupStatusPending  GroupStatus = "pending"
	GroupStatusStarting GroupStatus = "deploying"
	GroupStatusStopping GroupStatus = "stopping"
	GroupStatusFailed   GroupStatus = "failed"
)

// WorkloadGroupState is a read-only snapshot of a workload group
type WorkloadGroupState struct {
	ID       string
	Name     string
	Status   GroupStatus
	Replicas int
}
