package salad

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"job-broker/core/brokererr"
	"job-broker/core/models"
)

type containerState struct {
	Status string `json:"status"`
}

type containerGroup struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Replicas     int            `json:"replicas"`
	CurrentState containerState `json:"current_state"`
}

type containerGroupList struct {
	Items []containerGroup `json:"items"`
}

func (g containerGroup) state() *models.WorkloadGroupState {
	return &models.WorkloadGroupState{
		ID:       g.ID,
		Name:     g.Name,
		Status:   models.GroupStatus(g.CurrentState.Status),
		Replicas: g.Replicas,
	}
}

// resolveName returns the name of container group id, listing the project's
// groups on a cache miss
func (c *Client) resolveName(ctx context.Context, groupID string) (string, error) {
	if name, ok := c.names.Get(groupID); ok {
		return name.(string), nil
	}

	req, err := c.request(ctx)
	if err != nil {
		return "", err
	}
	var list containerGroupList
	resp, err := req.SetResult(&list).Get(c.containersPath())
	if err := classify(resp, err, "list container groups"); err != nil {
		return "", err
	}

	name := ""
	for _, group := range list.Items {
		c.names.Add(group.ID, group.Name)
		if group.ID == groupID {
			name = group.Name
		}
	}
	if name == "" {
		return "", brokererr.NotFound("workload group %s not found", groupID)
	}
	return name, nil
}

// GetGroup fetches the current state of the container group
func (c *Client) GetGroup(ctx context.Context, groupID string) (*models.WorkloadGroupState, error) {
	name, err := c.resolveName(ctx, groupID)
	if err != nil {
		return nil, err
	}
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var group containerGroup
	resp, err := req.SetResult(&group).Get(c.containersPath() + "/" + name)
	if err := c.checkGroup(groupID, classify(resp, err, "get container group")); err != nil {
		return nil, err
	}
	return group.state(), nil
}

func (c *Client) Start(ctx context.Context, groupID string) error {
	return c.checkGroup(groupID, c.post(ctx, groupID, "start", "/start"))
}

func (c *Client) Stop(ctx context.Context, groupID string) error {
	return c.checkGroup(groupID, c.post(ctx, groupID, "stop", "/stop"))
}

// SetReplicas patches the container group's replica count
func (c *Client) SetReplicas(ctx context.Context, groupID string, replicas int) error {
	name, err := c.resolveName(ctx, groupID)
	if err != nil {
		return err
	}
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetHeader("Content-Type", "application/merge-patch+json").
		SetBody(map[string]int{"replicas": replicas}).
		Patch(c.containersPath() + "/" + name)
	if err := c.checkGroup(groupID, classify(resp, err, "set replicas")); err != nil {
		return err
	}
	log.WithField("group_id", groupID).Debugf("Replicas of container group %s set to %d", name, replicas)
	return nil
}

// ReallocateInstance moves the worker's instance to a different machine.
// Worker ids are Salad machine ids. A 404 here names an unknown instance, so
// the group's cached name is kept.
func (c *Client) ReallocateInstance(ctx context.Context, groupID, workerID string) error {
	return c.post(ctx, groupID, "reallocate instance", "/instances/"+workerID+"/reallocate")
}

func (c *Client) post(ctx context.Context, groupID, op, suffix string) error {
	name, err := c.resolveName(ctx, groupID)
	if err != nil {
		return err
	}
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.Post(c.containersPath() + "/" + name + suffix)
	if err := classify(resp, err, op); err != nil {
		return err
	}
	log.WithField("group_id", groupID).Infof("Container group %s: %s", name, op)
	return nil
}

// checkGroup drops the cached name of a group the API no longer knows. Only
// group-level calls go through it.
func (c *Client) checkGroup(groupID string, err error) error {
	if errors.Is(err, brokererr.ErrNotFound) {
		c.names.Remove(groupID)
	}
	return err
}
