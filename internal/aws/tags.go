package aws

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	// 'Name' is well-known within AWS itself, 'ManagedBy' marks resources this
	// project created so they can be found again.
	tagKeyName      = "Name"
	tagKeyManagedBy = "ManagedBy"

	tagDefaultManagedBy = "terraform-provider-provisioner"
)

// tagSpecificationWithDefaults produces a tag specification for 'rt' where
// the default tags are appended to 'withTags'.
func tagSpecificationWithDefaults(rt types.ResourceType, withTags ...types.Tag) []types.TagSpecification {
	return []types.TagSpecification{
		{
			ResourceType: rt,
			Tags:         append(withTags, tagsDefault()...),
		},
	}
}

func tagsDefault() []types.Tag {
	return []types.Tag{
		{
			Key:   aws.String(tagKeyManagedBy),
			Value: aws.String(tagDefaultManagedBy),
		},
	}
}

func tagName(name string) types.Tag {
	return types.Tag{Key: aws.String(tagKeyName), Value: aws.String(name)}
}
