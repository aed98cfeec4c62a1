package provision

import (
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

var fastRetry = ssh.RetryPolicy{Attempts: 3, Delay: time.Millisecond, Factor: 1}

// recorder is an Observer collecting every transition, across steps.
type recorder struct {
	mu  sync.Mutex
	all []Transition
}

func (r *recorder) observe(tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, tr)
}

func (r *recorder) states(step string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, tr := range r.all {
		if tr.Step == step {
			out = append(out, tr.To)
		}
	}
	return out
}

func connectionTo(target *sshtest.Target) Connection {
	return Connection{
		Host:     Known(target.Host),
		Port:     target.Port,
		User:     sshtest.User,
		Auth:     NewKeyAuth(base64.StdEncoding.EncodeToString(target.PrivateKey), ""),
		Retry:    fastRetry,
		HostKeys: []gossh.PublicKey{target.HostKey},
	}
}

func TestExec(t *testing.T) {
	target := sshtest.Start(t)
	conn := connectionTo(target)

	t.Run("echo-a-echo-b", func(t *testing.T) {
		rec := new(recorder)
		p := New(WithObserver(rec.observe))
		res, err := p.Exec(t.Context(), RemoteExec{
			Name:     "run",
			Conn:     conn,
			Commands: []string{"echo a", "echo b"},
		})
		require.NoError(t, err)
		assert.Equal(t, StateDone, res.State)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, []CommandOutput{
			{Index: 0, Command: "echo a", Output: "a\n"},
			{Index: 1, Command: "echo b", Output: "b\n"},
		}, res.Outputs)
		assert.Equal(t, []State{StateConnecting, StateConnected, StateExecuting, StateDone}, rec.states("run"))
	})
	t.Run("first-failure-stops-sequence", func(t *testing.T) {
		marker := filepath.Join(t.TempDir(), "unreached")
		res, err := New().Exec(t.Context(), RemoteExec{
			Name:     "run",
			Conn:     conn,
			Commands: []string{"true", "false", "touch " + marker},
		})
		var cmdErr *CommandError
		require.ErrorAs(t, err, &cmdErr)
		require.ErrorIs(t, err, ErrCommand)
		assert.Equal(t, "CommandError", Kind(err))
		assert.Equal(t, 1, cmdErr.Index)
		assert.Equal(t, "false", cmdErr.Command)
		assert.Equal(t, 1, cmdErr.ExitStatus)
		assert.Equal(t, StateFailed, res.State)
		assert.Len(t, res.Outputs, 2)
		assert.NoFileExists(t, marker)
	})
	t.Run("failure-output-is-carried", func(t *testing.T) {
		_, err := New().Exec(t.Context(), RemoteExec{
			Name:     "run",
			Conn:     conn,
			Commands: []string{"echo boom >&2; exit 4"},
			Shell:    ssh.ShellSh,
		})
		var cmdErr *CommandError
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, 0, cmdErr.Index)
		assert.Equal(t, 4, cmdErr.ExitStatus)
		assert.Equal(t, "boom\n", cmdErr.Output)
	})
	t.Run("env", func(t *testing.T) {
		res, err := New().Exec(t.Context(), RemoteExec{
			Name:     "run",
			Conn:     conn,
			Commands: []string{`echo "$APP_ENV"`},
			Env:      map[string]string{"APP_ENV": "staging"},
		})
		require.NoError(t, err)
		assert.Equal(t, "staging\n", res.Outputs[0].Output)
	})
	t.Run("output-log", func(t *testing.T) {
		var (
			mu   sync.Mutex
			logs = map[string]*strings.Builder{}
		)
		p := New(WithOutput(func(step string) (io.WriteCloser, error) {
			mu.Lock()
			defer mu.Unlock()
			b := new(strings.Builder)
			logs[step] = b
			return nopCloser{b}, nil
		}))
		_, err := p.Exec(t.Context(), RemoteExec{Name: "logged", Conn: conn, Commands: []string{"echo x", "echo y"}})
		require.NoError(t, err)
		assert.Equal(t, "x\ny\n", logs["logged"].String())
	})
	t.Run("no-commands", func(t *testing.T) {
		res, err := New().Exec(t.Context(), RemoteExec{Name: "run", Conn: conn})
		require.ErrorIs(t, err, ErrConfig)
		assert.Equal(t, StateFailed, res.State)
	})
	t.Run("invalid-env-name", func(t *testing.T) {
		rec := new(recorder)
		res, err := New(WithObserver(rec.observe)).Exec(t.Context(), RemoteExec{
			Name:     "run",
			Conn:     conn,
			Commands: []string{"true"},
			Env:      map[string]string{"BAD-NAME": "1"},
		})
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		require.ErrorIs(t, err, ssh.ErrInvalidEnv)
		assert.Equal(t, "ConfigError", Kind(err))
		assert.Equal(t, "env", cfgErr.Field)
		assert.Equal(t, StateFailed, res.State)
		assert.Zero(t, res.Attempts)
		assert.Equal(t, []State{StateFailed}, rec.states("run"))
	})
	t.Run("unsupported-shell", func(t *testing.T) {
		res, err := New().Exec(t.Context(), RemoteExec{
			Name:     "run",
			Conn:     conn,
			Commands: []string{"true"},
			Shell:    "fish",
		})
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		require.ErrorIs(t, err, ssh.ErrUnsupportedShell)
		assert.Equal(t, "shell", cfgErr.Field)
		assert.Equal(t, StateFailed, res.State)
		assert.Zero(t, res.Attempts)
	})
	t.Run("password-auth", func(t *testing.T) {
		c := conn
		c.Auth = Auth{Password: sshtest.Password}
		res, err := New().Exec(t.Context(), RemoteExec{Name: "run", Conn: c, Commands: []string{"true"}})
		require.NoError(t, err)
		assert.Equal(t, StateDone, res.State)
	})
	t.Run("auth-rejected", func(t *testing.T) {
		c := conn
		c.Auth = Auth{Password: "wrong"}
		res, err := New().Exec(t.Context(), RemoteExec{Name: "run", Conn: c, Commands: []string{"true"}})
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		require.ErrorIs(t, err, ssh.ErrAuthRejected)
		assert.Equal(t, 1, connErr.Attempts)
		assert.Equal(t, StateFailed, res.State)
	})
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestCopy(t *testing.T) {
	target := sshtest.Start(t)
	conn := connectionTo(target)

	t.Run("copies", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "node-install.sh")
		require.NoError(t, os.WriteFile(src, []byte("echo install\n"), 0o600))
		dst := filepath.Join(t.TempDir(), "node-install.sh")
		rec := new(recorder)
		res, err := New(WithObserver(rec.observe)).Copy(t.Context(), CopyFile{
			Name:        "copy",
			Conn:        conn,
			Source:      src,
			Destination: dst,
			Mode:        0o700,
		})
		require.NoError(t, err)
		assert.Equal(t, StateDone, res.State)
		assert.EqualValues(t, len("echo install\n"), res.BytesCopied)
		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "echo install\n", string(got))
		assert.Equal(t, []State{StateConnecting, StateConnected, StateExecuting, StateDone}, rec.states("copy"))
	})
	t.Run("missing-source", func(t *testing.T) {
		rec := new(recorder)
		res, err := New(WithObserver(rec.observe)).Copy(t.Context(), CopyFile{
			Name:        "copy",
			Conn:        conn,
			Source:      filepath.Join(t.TempDir(), "does-not-exist"),
			Destination: filepath.Join(t.TempDir(), "dst"),
		})
		var trErr *TransferError
		require.ErrorAs(t, err, &trErr)
		require.ErrorIs(t, err, ErrTransfer)
		require.ErrorIs(t, err, ssh.ErrLocalSource)
		assert.Equal(t, "TransferError", Kind(err))
		assert.Equal(t, StateFailed, res.State)
		// The session was opened before the local read failed.
		assert.Equal(t, []State{StateConnecting, StateConnected, StateExecuting, StateFailed}, rec.states("copy"))
	})
	t.Run("missing-paths", func(t *testing.T) {
		res, err := New().Copy(t.Context(), CopyFile{Name: "copy", Conn: conn})
		require.ErrorIs(t, err, ErrConfig)
		assert.Equal(t, StateFailed, res.State)
	})
}

func TestConnectionFailures(t *testing.T) {
	t.Run("refused-every-attempt", func(t *testing.T) {
		target := sshtest.Start(t)
		conn := connectionTo(target)
		conn.Port = closedPort(t)
		conn.Retry = ssh.RetryPolicy{Attempts: 4, Delay: time.Millisecond, Factor: 2}

		rec := new(recorder)
		ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
		defer cancel()
		res, err := New(WithObserver(rec.observe)).Exec(ctx, RemoteExec{Name: "run", Conn: conn, Commands: []string{"true"}})

		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		require.ErrorIs(t, err, ErrConnection)
		require.ErrorIs(t, err, ssh.ErrRetriesExhausted)
		assert.Equal(t, "ConnectionError", Kind(err))
		assert.Equal(t, 4, connErr.Attempts)
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, []State{
			StateConnecting, StateRetrying,
			StateConnecting, StateRetrying,
			StateConnecting, StateRetrying,
			StateConnecting, StateFailed,
		}, rec.states("run"))
	})
	t.Run("host-never-resolves", func(t *testing.T) {
		target := sshtest.Start(t)
		conn := connectionTo(target)
		conn.Host = NewDeferred[string]()

		rec := new(recorder)
		ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
		defer cancel()
		res, err := New(WithObserver(rec.observe)).Exec(ctx, RemoteExec{Name: "run", Conn: conn, Commands: []string{"true"}})
		require.ErrorIs(t, err, ErrConnection)
		require.ErrorIs(t, err, ErrNotYetAvailable)
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, []State{StateFailed}, rec.states("run"))
	})
	t.Run("host-upstream-failed", func(t *testing.T) {
		target := sshtest.Start(t)
		conn := connectionTo(target)
		conn.Host = NewDeferred[string]()
		conn.Host.Fail(io.ErrUnexpectedEOF)
		_, err := New().Exec(t.Context(), RemoteExec{Name: "run", Conn: conn, Commands: []string{"true"}})
		require.ErrorIs(t, err, ErrConnection)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
	t.Run("host-resolves-later", func(t *testing.T) {
		target := sshtest.Start(t)
		conn := connectionTo(target)
		conn.Host = NewDeferred[string]()

		rec := new(recorder)
		done := make(chan error, 1)
		go func() {
			_, err := New(WithObserver(rec.observe)).Exec(t.Context(), RemoteExec{Name: "run", Conn: conn, Commands: []string{"true"}})
			done <- err
		}()
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, rec.states("run"), "must stay PENDING until the host is known")
		conn.Host.Resolve(target.Host)
		require.NoError(t, <-done)
		assert.Equal(t, StateDone, rec.states("run")[len(rec.states("run"))-1])
	})
	t.Run("bad-key", func(t *testing.T) {
		target := sshtest.Start(t)
		conn := connectionTo(target)
		conn.Auth = NewKeyAuth("not a key", "")
		_, err := New().Exec(t.Context(), RemoteExec{Name: "run", Conn: conn, Commands: []string{"true"}})
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "private_key", cfgErr.Field)
		assert.Equal(t, "ConfigError", Kind(err))
	})
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]os.FileMode{
		"":     0,
		"0755": 0o755,
		"644":  0o644,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"rwx", "0999", "4755"} {
		_, err := ParseMode(in)
		assert.Error(t, err, in)
	}
}
