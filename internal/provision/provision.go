package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/o11y"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh"
	gossh "golang.org/x/crypto/ssh"
)

// CopyFile uploads Source to Destination on the host described by Conn.
type CopyFile struct {
	Name        string
	Conn        Connection
	Source      string
	Destination string
	// Mode, if non-zero, is applied to Destination after the upload.
	Mode os.FileMode
}

// ParseMode parses octal permissions such as "0755". An empty string is the
// zero mode, leaving the permissions to the host.
func ParseMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0, nil
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("mode must be octal permissions such as \"0644\", got %q", s)
	}
	return os.FileMode(m), nil
}

// RemoteExec runs Commands, in order, in one shell on the host described by
// Conn. The first command exiting non-zero stops the sequence.
type RemoteExec struct {
	Name     string
	Conn     Connection
	Commands []string
	// Shell defaults to ssh.ShellSh.
	Shell ssh.Shell
	// Env is exported before the first command.
	Env map[string]string
}

// CommandOutput is the captured, combined stdout and stderr of one command.
type CommandOutput struct {
	Index      int
	Command    string
	Output     string
	ExitStatus int
}

// Result is the outcome of a single Copy or Exec.
type Result struct {
	State    State
	Attempts int
	Duration time.Duration
	// BytesCopied is set by Copy.
	BytesCopied int64
	// Outputs is set by Exec, one entry per command that ran.
	Outputs []CommandOutput
}

// Provisioner runs CopyFile and RemoteExec steps. It holds no per-step state:
// every call opens, uses and closes its own session, so a single Provisioner
// may serve any number of concurrent steps.
type Provisioner struct {
	observer Observer
	output   func(step string) (io.WriteCloser, error)
}

type Option func(*Provisioner)

// WithObserver reports every state transition of every step to 'o'. 'o' is
// called from the step's goroutine and must be safe for concurrent use.
func WithObserver(o Observer) Option {
	return func(p *Provisioner) { p.observer = o }
}

// WithOutput tees the output of each RemoteExec command into the writer
// 'open' returns for the step. The writer is closed when the step ends.
func WithOutput(open func(step string) (io.WriteCloser, error)) Option {
	return func(p *Provisioner) { p.output = open }
}

func New(opts ...Option) *Provisioner {
	p := &Provisioner{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Copy runs a CopyFile step.
//
// Failures are *ConfigError, *ConnectionError or *TransferError.
func (p *Provisioner) Copy(ctx context.Context, step CopyFile) (res Result, err error) {
	ctx = clog.WithValues(ctx, o11y.AttrStep, step.Name, o11y.AttrKind, "copy_file")
	ctx, span := o11y.StartStep(ctx, "copy_file", step.Name)
	defer func() { o11y.EndStep(span, res.Attempts, err) }()
	tr := NewTracker(step.Name, p.observer)
	start := time.Now()

	if step.Source == "" || step.Destination == "" {
		err = tr.fail(&ConfigError{Field: "source/destination", Err: errors.New("source and destination are required")})
		return p.finish(res, tr, start), err
	}

	var teardown stack
	defer func() {
		if err := teardown.Destroy(ctx); err != nil {
			clog.FromContext(ctx).WarnContext(ctx, "failed to close session", "error", err)
		}
	}()

	client, attempts, err := p.connect(ctx, step.Conn, tr)
	res.Attempts = attempts
	if err != nil {
		return p.finish(res, tr, start), err
	}
	teardown.PushCloser(client)

	if err := tr.To(StateExecuting, nil); err != nil {
		return p.finish(res, tr, start), err
	}
	clog.FromContext(ctx).InfoContext(ctx, "copying file", "source", step.Source, "destination", step.Destination)
	n, err := ssh.Upload(ctx, client, step.Source, step.Destination, step.Mode)
	res.BytesCopied = n
	if err != nil {
		err = tr.fail(&TransferError{
			Source:      step.Source,
			Destination: step.Destination,
			Err:         err,
		})
		return p.finish(res, tr, start), err
	}
	if err := tr.To(StateDone, nil); err != nil {
		return p.finish(res, tr, start), err
	}
	clog.FromContext(ctx).InfoContext(ctx, "file copied", "bytes", n)
	return p.finish(res, tr, start), nil
}

// Exec runs a RemoteExec step.
//
// Failures are *ConfigError, *ConnectionError or *CommandError. On a
// *CommandError the Result still holds the output of every command that ran.
func (p *Provisioner) Exec(ctx context.Context, step RemoteExec) (res Result, err error) {
	ctx = clog.WithValues(ctx, o11y.AttrStep, step.Name, o11y.AttrKind, "remote_exec")
	ctx, span := o11y.StartStep(ctx, "remote_exec", step.Name)
	defer func() { o11y.EndStep(span, res.Attempts, err) }()
	tr := NewTracker(step.Name, p.observer)
	start := time.Now()

	if len(step.Commands) == 0 {
		err = tr.fail(&ConfigError{Field: "commands", Err: errors.New("at least one command is required")})
		return p.finish(res, tr, start), err
	}
	opts := ssh.ShellOptions{Shell: step.Shell, Env: step.Env}
	if err = opts.Validate(); err != nil {
		field := "env"
		if errors.Is(err, ssh.ErrUnsupportedShell) {
			field = "shell"
		}
		err = tr.fail(&ConfigError{Field: field, Err: err})
		return p.finish(res, tr, start), err
	}

	var teardown stack
	defer func() {
		if err := teardown.Destroy(ctx); err != nil {
			clog.FromContext(ctx).WarnContext(ctx, "failed to close session", "error", err)
		}
	}()

	if p.output != nil {
		w, err := p.output(step.Name)
		if err != nil {
			clog.FromContext(ctx).WarnContext(ctx, "failed to open output log, continuing without it", "error", err)
		} else {
			teardown.PushCloser(w)
			opts.Output = w
		}
	}

	client, attempts, err := p.connect(ctx, step.Conn, tr)
	res.Attempts = attempts
	if err != nil {
		return p.finish(res, tr, start), err
	}
	teardown.PushCloser(client)

	if err := tr.To(StateExecuting, nil); err != nil {
		return p.finish(res, tr, start), err
	}
	clog.FromContext(ctx).InfoContext(ctx, "running commands", "count", len(step.Commands), "shell", step.Shell)
	results, err := ssh.ExecIn(ctx, client, opts, step.Commands...)
	for _, r := range results {
		res.Outputs = append(res.Outputs, CommandOutput(r))
	}
	if err != nil {
		cmdErr := &CommandError{Index: len(results), Err: err}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.Index = exitErr.Index
			cmdErr.ExitStatus = exitErr.ExitStatus
			cmdErr.Output = exitErr.Output
		} else {
			// The session broke before 'Index' produced a status.
			cmdErr.ExitStatus = -1
			if n := len(results); n > 0 && results[n-1].ExitStatus == 0 && errors.Is(err, ssh.ErrShellExited) {
				cmdErr.Index = n - 1
			}
		}
		if cmdErr.Index < len(step.Commands) {
			cmdErr.Command = step.Commands[cmdErr.Index]
		}
		err = tr.fail(cmdErr)
		return p.finish(res, tr, start), err
	}
	if err := tr.To(StateDone, nil); err != nil {
		return p.finish(res, tr, start), err
	}
	clog.FromContext(ctx).InfoContext(ctx, "commands completed", "count", len(results))
	return p.finish(res, tr, start), nil
}

// connect waits for the host, then dials it, driving 'tr' through
// CONNECTING, RETRYING and CONNECTED.
func (p *Provisioner) connect(ctx context.Context, conn Connection, tr *Tracker) (*gossh.Client, int, error) {
	log := clog.FromContext(ctx)
	if err := conn.Validate(); err != nil {
		return nil, 0, tr.fail(err)
	}
	log.DebugContext(ctx, "waiting for host address")
	opts, err := conn.dialOptions(ctx)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			return nil, 0, tr.fail(err)
		}
		return nil, 0, tr.fail(&ConnectionError{Err: err})
	}
	o11y.SetHost(ctx, opts.Host)

	var attempts int
	opts.OnAttempt = func(attempt int) {
		attempts = attempt
		// The first attempt moves out of PENDING, later ones out of RETRYING.
		_ = tr.To(StateConnecting, nil)
	}
	opts.OnRetry = func(attempt int, err error, next time.Duration) {
		_ = tr.To(StateRetrying, err)
		log.InfoContext(ctx, "host not reachable yet, retrying",
			"host", opts.Host,
			"attempt", attempt,
			"next", next,
			"error", err,
		)
	}
	client, err := ssh.Dial(ctx, opts)
	if err != nil {
		return nil, attempts, tr.fail(&ConnectionError{
			Host:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
			Attempts: attempts,
			Err:      err,
		})
	}
	if err := tr.To(StateConnected, nil); err != nil {
		_ = client.Close()
		return nil, attempts, err
	}
	log.DebugContext(ctx, "connected", "host", opts.Host, "attempts", attempts)
	return client, attempts, nil
}

func (p *Provisioner) finish(res Result, tr *Tracker, start time.Time) Result {
	res.State = tr.State()
	res.Duration = time.Since(start)
	return res
}
