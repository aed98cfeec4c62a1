package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

// defaultInstanceWait bounds InstanceAddress when 'ctx' carries no deadline.
const defaultInstanceWait = 15 * time.Minute

var (
	ErrInstanceWait      = fmt.Errorf("failed waiting for EC2 instance to run")
	ErrInstanceNotFound  = fmt.Errorf("describe instances call produced no errors, but returned no instances")
	ErrInstanceNoAddress = fmt.Errorf("instance has neither a public IP nor a public DNS name")
)

// InstanceAddress waits for 'instanceID' to reach the running state and
// returns its public IP, or its public DNS name when it has no public IP.
//
// 'opts' tune the underlying SDK waiter.
func InstanceAddress(
	ctx context.Context,
	client ec2.DescribeInstancesAPIClient,
	instanceID string,
	opts ...func(*ec2.InstanceRunningWaiterOptions),
) (string, error) {
	log := clog.FromContext(ctx).With("instance_id", instanceID)

	maxWait := defaultInstanceWait
	if deadline, ok := ctx.Deadline(); ok {
		maxWait = time.Until(deadline)
	}

	log.InfoContext(ctx, "waiting for instance to enter running state")
	waiter := ec2.NewInstanceRunningWaiter(client, opts...)
	out, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, maxWait)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInstanceWait, instanceID, err)
	}

	inst, err := firstInstance(out)
	if err != nil {
		return "", err
	}
	addr, err := instanceAddress(inst)
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, instanceID)
	}
	log.InfoContext(ctx, "instance running", "address", addr)
	return addr, nil
}

func firstInstance(out *ec2.DescribeInstancesOutput) (types.Instance, error) {
	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			return r.Instances[0], nil
		}
	}
	return types.Instance{}, ErrInstanceNotFound
}

func instanceAddress(inst types.Instance) (string, error) {
	if ip := aws.ToString(inst.PublicIpAddress); ip != "" {
		return ip, nil
	}
	if dns := aws.ToString(inst.PublicDnsName); dns != "" {
		return dns, nil
	}
	return "", ErrInstanceNoAddress
}
