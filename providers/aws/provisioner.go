package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// launchInstances starts count new worker instances tagged into groupID
func (c *Client) launchInstances(ctx context.Context, groupID string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}

	amiID, err := c.workerAMI(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get worker AMI: %w", err)
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(amiID),
		InstanceType: types.InstanceType(c.settings.InstanceType),
		MinCount:     aws.Int32(int32(count)),
		MaxCount:     aws.Int32(int32(count)),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{
						Key:   aws.String("Name"),
						Value: aws.String(fmt.Sprintf("worker-%s", groupID)),
					},
					{
						Key:   aws.String(c.settings.GroupTag),
						Value: aws.String(groupID),
					},
					{
						Key:   aws.String("ManagedBy"),
						Value: aws.String("job-broker"),
					},
				},
			},
		},
	}

	result, err := c.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to launch instances: %w", err)
	}

	instanceIDs := make([]string, len(result.Instances))
	for i, instance := range result.Instances {
		instanceIDs[i] = aws.ToString(instance.InstanceId)
	}

	return instanceIDs, nil
}

// terminateInstances permanently removes instances from their group
func (c *Client) terminateInstances(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	_, err := c.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: instanceIDs})
	if err != nil {
		return fmt.Errorf("failed to terminate instances: %w", err)
	}
	return nil
}
