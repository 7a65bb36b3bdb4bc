package models

import "time"

// ScalingRule controls the replica count of one workload group
type ScalingRule struct {
	GroupID              string    `json:"group_id"`
	Owner                string    `json:"owner"`
	MinReplicas          int       `json:"min_replicas"`
	MaxReplicas          int       `json:"max_replicas"`
	IdleThresholdSeconds int       `json:"idle_threshold_seconds"`
	Created              time.Time `json:"created"`
	Updated              time.Time `json:"updated"`
}

// IdleThreshold returns the window after a terminal status during which a
// job still counts toward the group's load
func (r *ScalingRule) IdleThreshold() time.Duration {
	return time.Duration(r.IdleThresholdSeconds) * time.Second
}

// Clamp bounds n to [MinReplicas, MaxReplicas]
func (r *ScalingRule) Clamp(n int) int {
	if n < r.MinReplicas {
		n = r.MinReplicas
	}
	if n > r.MaxReplicas {
		n = r.MaxReplicas
	}
	return n
}

// ScalingRuleUpdate carries the fields of a partial rule update
type ScalingRuleUpdate struct {
	MinReplicas          *int `json:"min_replicas,omitempty"`
	MaxReplicas          *int `json:"max_replicas,omitempty"`
	IdleThresholdSeconds *int `json:"idle_threshold_seconds,omitempty"`
}

// Empty reports whether the update changes nothing
func (u ScalingRuleUpdate) Empty() bool {
	return u.MinReplicas == nil && u.MaxReplicas == nil && u.IdleThresholdSeconds == nil
}

// Apply returns a copy of r with the update applied
func (u ScalingRuleUpdate) Apply(r ScalingRule) ScalingRule {
	if u.MinReplicas != nil {
		r.MinReplicas = *u.MinReplicas
	}
	if u.MaxReplicas != nil {
		r.MaxReplicas = *u.MaxReplicas
	}
	if u.IdleThresholdSeconds != nil {
		r.IdleThresholdSeconds = *u.IdleThresholdSeconds
	}
	return r
}
