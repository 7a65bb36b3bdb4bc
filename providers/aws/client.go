package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// EC2API is the subset of the EC2 client the group controller uses
type EC2API interface {
	ec2.DescribeInstancesAPIClient
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Settings configures the EC2 backed fleet
type Settings struct {
	Region       string
	AMIID        string
	InstanceType string
	// GroupTag is the instance tag whose value names the workload group
	GroupTag string
}

// Client is the AWS provider client
type Client struct {
	ec2Client EC2API
	settings  Settings
}

// NewClient creates a new AWS client from the default credential chain
func NewClient(ctx context.Context, settings Settings) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(settings.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewClientWithAPI(ec2.NewFromConfig(cfg), settings), nil
}

// NewClientWithAPI creates a client over an existing EC2 API implementation
func NewClientWithAPI(api EC2API, settings Settings) *Client {
	if settings.GroupTag == "" {
		settings.GroupTag = "broker-group"
	}
	return &Client{ec2Client: api, settings: settings}
}
