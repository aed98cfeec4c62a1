package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/aws"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/graph"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/log"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/provision"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEC2 serves a single running instance and an empty security group.
type fakeEC2 struct {
	address  string
	imported []string
}

var _ aws.API = (*fakeEC2)(nil)

func (f *fakeEC2) DescribeInstances(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: []types.Instance{{
		InstanceId:      awssdk.String(params.InstanceIds[0]),
		State:           &types.InstanceState{Name: types.InstanceStateNameRunning},
		PublicIpAddress: awssdk.String(f.address),
	}}}}}, nil
}

func (f *fakeEC2) ImportKeyPair(_ context.Context, params *ec2.ImportKeyPairInput, _ ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	f.imported = append(f.imported, awssdk.ToString(params.KeyName))
	return &ec2.ImportKeyPairOutput{KeyName: params.KeyName}, nil
}

func (f *fakeEC2) DescribeSecurityGroups(_ context.Context, params *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []types.SecurityGroup{{GroupId: awssdk.String(params.GroupIds[0])}}}, nil
}

func (f *fakeEC2) factory(context.Context, string) (aws.API, error) { return f, nil }

func TestApply(t *testing.T) {
	target := sshtest.Start(t)
	local := t.TempDir()
	remote := t.TempDir()
	script := filepath.Join(local, "node-install.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo installed > "+filepath.Join(remote, "log.txt")+"\n"), 0o600))

	plan := fmt.Sprintf(`
connection:
  host: %s
  port: %d
  user: %s
  retry:
    attempts: 3
    delay: 10ms
steps:
  - name: copy_cmd
    copy_file:
      source: %s
      destination: %s
  - name: run_shell_cmd
    depends_on: [copy_cmd]
    remote_exec:
      env:
        NODE_VERSION: "22"
      commands:
        - sh %s
        - cat %s
        - echo "node $NODE_VERSION"
`, target.Host, target.Port, sshtest.User, script, filepath.Join(remote, "node-install.sh"),
		filepath.Join(remote, "node-install.sh"), filepath.Join(remote, "log.txt"))

	logs := t.TempDir()
	t.Setenv("PROVISIONER_PASSWORD", sshtest.Password)
	t.Setenv("PROVISIONER_LOG_DIR", logs)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"apply", "-f", writePlan(t, plan), "--parallelism", "2"})
	require.NoError(t, cmd.ExecuteContext(context.Background()), out.String())

	assert.Contains(t, out.String(), "run_shell_cmd")
	got, err := os.ReadFile(filepath.Join(remote, "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "installed\n", string(got))

	stepLog, err := os.ReadFile(log.StepFiles{Directory: logs}.Path("run_shell_cmd"))
	require.NoError(t, err)
	assert.Contains(t, string(stepLog), "installed")
	assert.Contains(t, string(stepLog), "node 22\n")
}

func TestApplyFailure(t *testing.T) {
	target := sshtest.Start(t)
	plan := fmt.Sprintf(`
connection:
  host: %s
  port: %d
  user: %s
steps:
  - name: fails
    remote_exec:
      commands: ["exit 4"]
  - name: after
    depends_on: [fails]
    remote_exec:
      commands: ["true"]
  - name: independent
    remote_exec:
      commands: ["true"]
`, target.Host, target.Port, sshtest.User)
	t.Setenv("PROVISIONER_PASSWORD", sshtest.Password)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"apply", "-f", writePlan(t, plan)})
	err := cmd.ExecuteContext(context.Background())
	require.ErrorIs(t, err, provision.ErrCommand)
	assert.Contains(t, out.String(), "skipped")
}

func TestApplyInstance(t *testing.T) {
	target := sshtest.Start(t)
	client := &fakeEC2{address: target.Host}
	plan := &Plan{
		Connection: ConnectionConfig{
			InstanceID:      "i-0123456789abcdef0",
			SecurityGroupID: "sg-0123",
			Port:            target.Port,
			User:            sshtest.User,
			Retry:           &RetryConfig{Attempts: 3, Delay: 10 * time.Millisecond},
		},
		Steps: []StepConfig{{Name: "hello", RemoteExec: &RemoteExecConfig{Commands: []string{"echo hello"}}}},
	}
	require.NoError(t, plan.Validate())

	report, err := applyOptions{parallelism: 1}.run(context.Background(), plan, Secrets{Password: sshtest.Password}, client.factory)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(graph.StatusSucceeded))
	res, ok := report.Get(instanceNode)
	require.True(t, ok)
	assert.Equal(t, graph.StatusSucceeded, res.Status)
}

func TestKeypairImport(t *testing.T) {
	client := &fakeEC2{}
	out := filepath.Join(t.TempDir(), "id_ed25519")

	name, err := keypairOptions{out: out}.run(context.Background(), client.factory)
	require.NoError(t, err)
	assert.Equal(t, []string{name}, client.imported)

	pub, err := os.ReadFile(out + ".pub")
	require.NoError(t, err)
	assert.Equal(t, aws.KeyPairName(pub), name)

	again, err := keypairOptions{publicKeyFile: out + ".pub"}.run(context.Background(), client.factory)
	require.NoError(t, err)
	assert.Equal(t, name, again)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
