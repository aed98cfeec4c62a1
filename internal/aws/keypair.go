package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
)

type KeyPairAPI interface {
	ImportKeyPair(ctx context.Context, params *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
}

var (
	ErrKeypairImport = fmt.Errorf("failed to import keypair")
	ErrNoKeyMaterial = fmt.Errorf("no key pair name and no public key to import")
)

const errCodeKeyDuplicate = "InvalidKeyPair.Duplicate"

// keyPairNamespace seeds the key pair names derived from public keys.
var keyPairNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/chainguard-dev/terraform-provider-provisioner"))

// KeyPairName returns the name EnsureKeyPair imports 'publicKey' under. The
// same key always maps to the same name.
func KeyPairName(publicKey []byte) string {
	return "provisioner-" + uuid.NewSHA1(keyPairNamespace, publicKey).String()
}

// EnsureKeyPair returns 'name' when one is configured. Otherwise it imports
// 'publicKey' (OpenSSH authorized_keys format) under KeyPairName and returns
// that name. Importing a key that already exists is not an error.
func EnsureKeyPair(ctx context.Context, client KeyPairAPI, name string, publicKey []byte) (string, error) {
	if name != "" {
		return name, nil
	}
	if len(publicKey) == 0 {
		return "", ErrNoKeyMaterial
	}
	name = KeyPairName(publicKey)
	log := clog.FromContext(ctx).With("name", name)

	_, err := client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: publicKey,
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeKeyPair, tagName(name)),
	})
	var apiErr smithy.APIError
	switch {
	case err == nil:
		log.InfoContext(ctx, "imported key pair")
	case errors.As(err, &apiErr) && apiErr.ErrorCode() == errCodeKeyDuplicate:
		log.DebugContext(ctx, "key pair already imported")
	default:
		return "", fmt.Errorf("%w: %w", ErrKeypairImport, err)
	}
	return name, nil
}
