package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/aws"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh"
	"github.com/spf13/cobra"
)

type keypairOptions struct {
	region        string
	publicKeyFile string
	out           string
	passphrase    string
}

func newKeypairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keypair",
		Short: "Manage the EC2 key pairs instances are launched with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		SilenceUsage: true,
	}
	cmd.AddCommand(newKeypairImportCmd())
	return cmd
}

func newKeypairImportCmd() *cobra.Command {
	o := keypairOptions{}
	v := newViper()

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a public key as an EC2 key pair and print its name",
		Long: `Import a public key as an EC2 key pair and print its name. The name is
derived from the key, so importing the same key again is a no-op.

Without --public-key-file a new ed25519 key is generated: the private key is
written to --out and the public key next to it with a .pub suffix. The
private key is encrypted with PROVISIONER_PRIVATE_KEY_PASSPHRASE when set.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o.passphrase = v.GetString("private_key_passphrase")
			name, err := o.run(cmd.Context(), ec2Factory)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}

	cmd.Flags().StringVar(&o.region, "region", "", "the AWS region, defaults to the SDK's resolution")
	cmd.Flags().StringVar(&o.publicKeyFile, "public-key-file", "", "an existing public key in authorized_keys format")
	cmd.Flags().StringVar(&o.out, "out", "", "where to write a generated private key")
	cmd.MarkFlagsMutuallyExclusive("public-key-file", "out")
	cmd.MarkFlagsOneRequired("public-key-file", "out")
	_ = v.BindEnv("private_key_passphrase")

	return cmd
}

func (o keypairOptions) run(ctx context.Context, newClient clientFactory) (string, error) {
	pub, err := o.publicKey()
	if err != nil {
		return "", err
	}
	client, err := newClient(ctx, o.region)
	if err != nil {
		return "", err
	}
	name, err := aws.EnsureKeyPair(ctx, client, "", pub)
	if err != nil {
		return "", err
	}
	clog.InfoContext(ctx, "key pair ready", "name", name)
	return name, nil
}

// publicKey reads the configured public key, or generates a key pair and
// writes it out.
func (o keypairOptions) publicKey() ([]byte, error) {
	if o.publicKeyFile != "" {
		return os.ReadFile(expandHome(o.publicKeyFile))
	}
	if o.out == "" {
		return nil, errors.New("one of --public-key-file or --out is required")
	}

	keys, err := ssh.NewED25519KeyPair()
	if err != nil {
		return nil, err
	}
	priv, err := keys.Private.MarshalOpenSSH("provision", []byte(o.passphrase))
	if err != nil {
		return nil, err
	}
	pub, err := keys.Public.MarshalAuthorizedKey()
	if err != nil {
		return nil, err
	}
	out := expandHome(o.out)
	if err := os.WriteFile(out, priv, 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(out+".pub", pub, 0o644); err != nil {
		return nil, err
	}
	return pub, nil
}
