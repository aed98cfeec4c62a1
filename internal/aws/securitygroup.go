package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

type SecurityGroupAPI interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
}

var (
	ErrSecurityGroupDescribe = fmt.Errorf("failed to describe security group")
	ErrSecurityGroupNotFound = fmt.Errorf("security group not found")
)

// CheckSSHIngress reports whether security group 'groupID' admits inbound
// TCP traffic on 'port' from any source.
func CheckSSHIngress(ctx context.Context, client SecurityGroupAPI, groupID string, port int32) (bool, error) {
	out, err := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{groupID},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidGroup.NotFound" {
			return false, fmt.Errorf("%w: %s", ErrSecurityGroupNotFound, groupID)
		}
		return false, fmt.Errorf("%w: %w", ErrSecurityGroupDescribe, err)
	}
	if len(out.SecurityGroups) == 0 {
		return false, fmt.Errorf("%w: %s", ErrSecurityGroupNotFound, groupID)
	}
	for _, perm := range out.SecurityGroups[0].IpPermissions {
		if permitsTCP(perm, port) && hasSource(perm) {
			return true, nil
		}
	}
	return false, nil
}

// permitsTCP reports whether 'perm' covers TCP 'port'. Protocol "-1" means
// every protocol and port.
func permitsTCP(perm types.IpPermission, port int32) bool {
	switch aws.ToString(perm.IpProtocol) {
	case "-1":
		return true
	case "tcp", "6":
		from, to := aws.ToInt32(perm.FromPort), aws.ToInt32(perm.ToPort)
		return from <= port && port <= to
	default:
		return false
	}
}

func hasSource(perm types.IpPermission) bool {
	return len(perm.IpRanges) > 0 ||
		len(perm.Ipv6Ranges) > 0 ||
		len(perm.UserIdGroupPairs) > 0 ||
		len(perm.PrefixListIds) > 0
}
