package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// API is the subset of the EC2 API used by this package.
type API interface {
	ec2.DescribeInstancesAPIClient
	KeyPairAPI
	SecurityGroupAPI
}

var _ API = (*ec2.Client)(nil)

var ErrConfigLoad = fmt.Errorf("failed to load AWS configuration")

// NewClient builds an EC2 client from the default credential chain. An empty
// 'region' keeps the region of the environment.
func NewClient(ctx context.Context, region string) (*ec2.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigLoad, err)
	}
	return ec2.NewFromConfig(cfg), nil
}
