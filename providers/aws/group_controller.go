package aws

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	log "github.com/sirupsen/logrus"

	"job-broker/core/brokererr"
	"job-broker/core/models"
)

// A workload group is the set of live instances carrying the group tag. Worker
// ids are instance ids. A group with no live instances does not exist.

type groupInstance struct {
	ID       string
	State    types.InstanceStateName
	Launched time.Time
}

// GetGroup summarises the group's instances
func (c *Client) GetGroup(ctx context.Context, groupID string) (*models.WorkloadGroupState, error) {
	instances, err := c.describeGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, brokererr.NotFound("workload group %s not found", groupID)
	}

	counts := make(map[types.InstanceStateName]int)
	for _, inst := range instances {
		counts[inst.State]++
	}

	status := models.GroupStatusStopped
	switch {
	case counts[types.InstanceStateNameRunning] > 0:
		status = models.GroupStatusRunning
	case counts[types.InstanceStateNamePending] > 0:
		status = models.GroupStatusStarting
	case counts[types.InstanceStateNameStopping] > 0:
		status = models.GroupStatusStopping
	}

	return &models.WorkloadGroupState{
		ID:       groupID,
		Name:     groupID,
		Status:   status,
		Replicas: len(instances),
	}, nil
}

// Start starts every stopped instance in the group
func (c *Client) Start(ctx context.Context, groupID string) error {
	ids, err := c.instancesIn(ctx, groupID, types.InstanceStateNameStopped)
	if err != nil || len(ids) == 0 {
		return err
	}
	if _, err := c.ec2Client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids}); err != nil {
		return fmt.Errorf("failed to start instances of group %s: %w", groupID, err)
	}
	log.WithField("group_id", groupID).Infof("Started %d instances", len(ids))
	return nil
}

// Stop stops every running or pending instance in the group
func (c *Client) Stop(ctx context.Context, groupID string) error {
	ids, err := c.instancesIn(ctx, groupID, types.InstanceStateNameRunning, types.InstanceStateNamePending)
	if err != nil || len(ids) == 0 {
		return err
	}
	if _, err := c.ec2Client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids}); err != nil {
		return fmt.Errorf("failed to stop instances of group %s: %w", groupID, err)
	}
	log.WithField("group_id", groupID).Infof("Stopped %d instances", len(ids))
	return nil
}

// SetReplicas launches or terminates instances until the group has replicas
// live instances. The newest instances are terminated first.
func (c *Client) SetReplicas(ctx context.Context, groupID string, replicas int) error {
	instances, err := c.describeGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return brokererr.NotFound("workload group %s not found", groupID)
	}

	switch diff := replicas - len(instances); {
	case diff > 0:
		ids, err := c.launchInstances(ctx, groupID, diff)
		if err != nil {
			return err
		}
		log.WithField("group_id", groupID).Infof("Launched instances %v", ids)
	case diff < 0:
		sort.Slice(instances, func(i, j int) bool { return instances[i].Launched.After(instances[j].Launched) })
		var ids []string
		for _, inst := range instances[:-diff] {
			ids = append(ids, inst.ID)
		}
		if err := c.terminateInstances(ctx, ids); err != nil {
			return err
		}
		log.WithField("group_id", groupID).Infof("Terminated instances %v", ids)
	}
	return nil
}

// ReallocateInstance replaces the instance workerID with a new one
func (c *Client) ReallocateInstance(ctx context.Context, groupID, workerID string) error {
	instances, err := c.describeGroup(ctx, groupID)
	if err != nil {
		return err
	}

	found := false
	for _, inst := range instances {
		if inst.ID == workerID {
			found = true
			break
		}
	}
	if !found {
		return brokererr.NotFound("instance %s not found in group %s", workerID, groupID)
	}

	if err := c.terminateInstances(ctx, []string{workerID}); err != nil {
		return err
	}
	if _, err := c.launchInstances(ctx, groupID, 1); err != nil {
		return err
	}
	return nil
}

func (c *Client) instancesIn(ctx context.Context, groupID string, states ...types.InstanceStateName) ([]string, error) {
	instances, err := c.describeGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, brokererr.NotFound("workload group %s not found", groupID)
	}

	var ids []string
	for _, inst := range instances {
		for _, s := range states {
			if inst.State == s {
				ids = append(ids, inst.ID)
				break
			}
		}
	}
	return ids, nil
}

func (c *Client) describeGroup(ctx context.Context, groupID string) ([]groupInstance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("tag:" + c.settings.GroupTag),
				Values: []string{groupID},
			},
			{
				Name:   aws.String("instance-state-name"),
				Values: []string{"pending", "running", "stopping", "stopped"},
			},
		},
	}

	var instances []groupInstance
	paginator := ec2.NewDescribeInstancesPaginator(c.ec2Client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances of group %s: %w", groupID, err)
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				gi := groupInstance{ID: aws.ToString(inst.InstanceId)}
				if inst.State != nil {
					gi.State = inst.State.Name
				}
				if inst.LaunchTime != nil {
					gi.Launched = *inst.LaunchTime
				}
				instances = append(instances, gi)
			}
		}
	}
	return instances, nil
}
