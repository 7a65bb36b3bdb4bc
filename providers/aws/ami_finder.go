package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// workerAMI returns the configured worker image after checking it is available
func (c *Client) workerAMI(ctx context.Context) (string, error) {
	if c.settings.AMIID == "" {
		return "", fmt.Errorf("no worker AMI configured for region %s", c.settings.Region)
	}

	ok, err := c.verifyAMI(ctx, c.settings.AMIID)
	if err != nil {
		return "", fmt.Errorf("failed to verify AMI %s: %w", c.settings.AMIID, err)
	}
	if !ok {
		return "", fmt.Errorf("AMI %s not available in region %s", c.settings.AMIID, c.settings.Region)
	}
	return c.settings.AMIID, nil
}

// verifyAMI verifies that an AMI exists and is available
func (c *Client) verifyAMI(ctx context.Context, amiID string) (bool, error) {
	input := &ec2.DescribeImagesInput{
		ImageIds: []string{amiID},
		Filters: []types.Filter{
			{
				Name:   aws.String("state"),
				Values: []string{"available"},
			},
		},
	}

	result, err := c.ec2Client.DescribeImages(ctx, input)
	if err != nil {
		return false, err
	}

	return len(result.Images) > 0, nil
}
