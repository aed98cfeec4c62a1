package graph_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chainguard-dev/terraform-provider-provisioner/internal/graph"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/provision"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

// transitions records every provisioner state change, across steps, in the
// order they happened.
type transitions struct {
	mu  sync.Mutex
	all []provision.Transition
}

func (r *transitions) observe(tr provision.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, tr)
}

func (r *transitions) first(step string, to provision.State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, tr := range r.all {
		if tr.Step == step && tr.To == to {
			return i
		}
	}
	return -1
}

// TestCopyThenExec wires the copy-then-run pattern: a host that resolves
// late, a file copy, and a command depending on the copy.
func TestCopyThenExec(t *testing.T) {
	target := sshtest.Start(t)
	rec := new(transitions)
	p := provision.New(provision.WithObserver(rec.observe))

	conn := provision.Connection{
		Host:     provision.NewDeferred[string](),
		Port:     target.Port,
		User:     sshtest.User,
		Auth:     provision.NewKeyAuth(string(target.PrivateKey), ""),
		Retry:    ssh.RetryPolicy{Attempts: 3, Delay: time.Millisecond},
		HostKeys: []gossh.PublicKey{target.HostKey},
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "node-install.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo installed > "+filepath.Join(dir, "log.txt")+"\n"), 0o600))
	remote := filepath.Join(t.TempDir(), "node-install.sh")

	g := graph.New()
	require.NoError(t, g.Add(graph.Node{
		Name: "instance",
		Run: func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			conn.Host.Resolve(target.Host)
			return nil
		},
	}))
	require.NoError(t, g.Add(graph.Node{
		Name:      "copy_cmd",
		DependsOn: []string{"instance"},
		Run: func(ctx context.Context) error {
			_, err := p.Copy(ctx, provision.CopyFile{Name: "copy_cmd", Conn: conn, Source: script, Destination: remote})
			return err
		},
	}))
	var outputs []provision.CommandOutput
	require.NoError(t, g.Add(graph.Node{
		Name:      "run_shell_cmd",
		DependsOn: []string{"copy_cmd"},
		Run: func(ctx context.Context) error {
			res, err := p.Exec(ctx, provision.RemoteExec{
				Name:     "run_shell_cmd",
				Conn:     conn,
				Commands: []string{"sh " + remote, "cat " + filepath.Join(dir, "log.txt")},
			})
			outputs = res.Outputs
			return err
		},
	}))

	report, err := g.Apply(t.Context(), graph.Options{Parallelism: 4})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(graph.StatusSucceeded))
	require.Len(t, outputs, 2)
	assert.Equal(t, "installed\n", outputs[1].Output)

	copyDone := rec.first("copy_cmd", provision.StateDone)
	execConnecting := rec.first("run_shell_cmd", provision.StateConnecting)
	require.NotEqual(t, -1, copyDone)
	require.NotEqual(t, -1, execConnecting)
	assert.Less(t, copyDone, execConnecting)
}

// TestFailedCopySkipsExec checks a RemoteExec depending on a failed copy
// never leaves PENDING.
func TestFailedCopySkipsExec(t *testing.T) {
	target := sshtest.Start(t)
	rec := new(transitions)
	p := provision.New(provision.WithObserver(rec.observe))
	conn := provision.Connection{
		Host: provision.Known(target.Host),
		Port: target.Port,
		User: sshtest.User,
		Auth: provision.Auth{Password: sshtest.Password},
	}

	g := graph.New()
	require.NoError(t, g.Add(graph.Node{
		Name: "copy_cmd",
		Run: func(ctx context.Context) error {
			_, err := p.Copy(ctx, provision.CopyFile{
				Name:        "copy_cmd",
				Conn:        conn,
				Source:      filepath.Join(t.TempDir(), "missing.sh"),
				Destination: filepath.Join(t.TempDir(), "missing.sh"),
			})
			return err
		},
	}))
	require.NoError(t, g.Add(graph.Node{
		Name:      "run_shell_cmd",
		DependsOn: []string{"copy_cmd"},
		Run: func(ctx context.Context) error {
			_, err := p.Exec(ctx, provision.RemoteExec{Name: "run_shell_cmd", Conn: conn, Commands: []string{"true"}})
			return err
		},
	}))

	report, err := g.Apply(t.Context(), graph.Options{})
	require.ErrorIs(t, err, provision.ErrTransfer)
	res, _ := report.Get("run_shell_cmd")
	assert.Equal(t, graph.StatusSkipped, res.Status)
	assert.Equal(t, -1, rec.first("run_shell_cmd", provision.StateConnecting))
	assert.NotEqual(t, -1, rec.first("copy_cmd", provision.StateFailed))
}
