package ssh

// shell.go runs a sequence of commands inside one persistent remote shell.
//
// The shell is started once and fed commands via stdin. Each command is
// wrapped so that the shell prints a per-session marker followed by the
// command's exit status once it completes:
//
//	eval '<command>' </dev/null 2>&1; printf '%s %d\n' '<marker>' "$?"
//
// 'eval' keeps directory and environment changes in the shell for the next
// command, '2>&1' folds stderr into the captured output, and '</dev/null'
// keeps a command from swallowing the rest of our stdin.

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
)

type Shell = string

const (
	ShellSh   Shell = "sh"
	ShellBash Shell = "bash"
	ShellZSH  Shell = "zsh"
)

// Shells lists every shell ExecIn accepts.
var Shells = []Shell{ShellSh, ShellBash, ShellZSH}

var (
	ErrSessionInit      = fmt.Errorf("failed to begin SSH session")
	ErrCMDExec          = fmt.Errorf("failed to execute SSH command")
	ErrCommandFailed    = fmt.Errorf("remote command exited non-zero")
	ErrInWait           = fmt.Errorf("SSH command did not exit cleanly")
	ErrStdinWrite       = fmt.Errorf("failed to write command to stdin")
	ErrShellExited      = fmt.Errorf("remote shell exited before all commands ran")
	ErrUnsupportedShell = fmt.Errorf("unsupported shell")
	ErrInvalidEnv       = fmt.Errorf("invalid environment variable name")
)

var envNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ShellOptions configures the persistent shell used by ExecIn.
type ShellOptions struct {
	// Shell defaults to ShellSh.
	Shell Shell
	// Env is exported in the shell before the first command runs.
	Env map[string]string
	// Output, if set, receives each command's output as soon as the command
	// completes.
	Output io.Writer
}

// Validate reports an unsupported Shell as ErrUnsupportedShell and an Env
// key that is not a shell identifier as ErrInvalidEnv.
func (o ShellOptions) Validate() error {
	if o.Shell != "" && !slices.Contains(Shells, o.Shell) {
		return fmt.Errorf("%w: %q", ErrUnsupportedShell, o.Shell)
	}
	for k := range o.Env {
		if !envNameRE.MatchString(k) {
			return fmt.Errorf("%w: %q", ErrInvalidEnv, k)
		}
	}
	return nil
}

// CommandResult is the outcome of one command run by ExecIn.
type CommandResult struct {
	Index      int
	Command    string
	Output     string
	ExitStatus int
}

// ExitError is returned by ExecIn when a command exits non-zero. Commands
// after Index were not run.
type ExitError struct {
	CommandResult
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: command %d (%q) exited with status %d", ErrCommandFailed, e.Index, e.Command, e.ExitStatus)
}

func (e *ExitError) Is(target error) bool {
	return target == ErrCommandFailed
}

// ExecIn executes all provided commands, in order, within a single session
// of the provided shell.
//
// Execution stops at the first command exiting non-zero, which is reported as
// an *ExitError. The returned results cover every command that ran, the
// failing one included.
func ExecIn(ctx context.Context, client *ssh.Client, opts ShellOptions, cmds ...string) ([]CommandResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	shell := opts.Shell
	if shell == "" {
		shell = ShellSh
	}
	prelude, err := exports(opts.Env)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()
	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	// Commands have their stderr folded into stdout, so anything arriving
	// here comes from the shell itself.
	stderr := new(bytes.Buffer)
	session.Stderr = stderr

	if err := session.Start("/usr/bin/env " + shell + " -s"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCMDExec, err)
	}
	if prelude != "" {
		if _, err := io.WriteString(stdin, prelude); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStdinWrite, err)
		}
	}

	marker := "__provisioner_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
	reader := bufio.NewReader(stdout)
	results := make([]CommandResult, 0, len(cmds))

	for i, cmd := range cmds {
		line := fmt.Sprintf("eval %s </dev/null 2>&1; printf '%%s %%d\\n' '%s' \"$?\"\n", shellquote.Join(cmd), marker)
		if _, err := io.WriteString(stdin, line); err != nil {
			if ctx.Err() != nil {
				return results, fmt.Errorf("%w: %w", ErrCMDExec, ctx.Err())
			}
			return results, fmt.Errorf("%w: command %d: %w", ErrStdinWrite, i, err)
		}

		out, status, found, err := readUntilMarker(reader, marker)
		if err != nil && !errors.Is(err, io.EOF) {
			return results, fmt.Errorf("%w: command %d: %w", ErrCMDExec, i, err)
		}
		if !found {
			// The shell went away mid-command, e.g. the command was 'exit 3'
			// or the session was torn down.
			if ctx.Err() != nil {
				return results, fmt.Errorf("%w: %w", ErrCMDExec, ctx.Err())
			}
			_ = stdin.Close()
			status = exitStatus(session.Wait())
			if status == 0 && i < len(cmds)-1 {
				res := CommandResult{Index: i, Command: cmd, Output: out}
				results = append(results, res)
				return results, fmt.Errorf("%w: after command %d (%q): %s", ErrShellExited, i, cmd, strings.TrimSpace(stderr.String()))
			}
		}

		res := CommandResult{Index: i, Command: cmd, Output: out, ExitStatus: status}
		results = append(results, res)
		if opts.Output != nil {
			_, _ = io.WriteString(opts.Output, out)
		}
		if status != 0 {
			return results, &ExitError{CommandResult: res}
		}
		if !found {
			// The final command exited the shell cleanly.
			return results, nil
		}
	}

	if err := stdin.Close(); err != nil {
		return results, fmt.Errorf("%w: %w", ErrInWait, err)
	}
	if err := session.Wait(); err != nil {
		if ctx.Err() != nil {
			return results, fmt.Errorf("%w: %w", ErrInWait, ctx.Err())
		}
		return results, fmt.Errorf("%w: %w: %s", ErrInWait, err, strings.TrimSpace(stderr.String()))
	}
	return results, nil
}

// exports renders 'env' as 'export' statements in a stable order.
func exports(env map[string]string) (string, error) {
	if len(env) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		if !envNameRE.MatchString(k) {
			return "", fmt.Errorf("%w: %q", ErrInvalidEnv, k)
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellquote.Join(env[k]))
	}
	return b.String(), nil
}

// readUntilMarker consumes 'r' up to and including the line carrying
// 'marker', returning everything before the marker and the status printed
// after it. 'found' is false if the stream ended first.
func readUntilMarker(r *bufio.Reader, marker string) (out string, status int, found bool, err error) {
	var buf strings.Builder
	for {
		line, err := r.ReadString('\n')
		if idx := strings.Index(line, marker+" "); idx >= 0 {
			buf.WriteString(line[:idx])
			code := strings.TrimSpace(line[idx+len(marker)+1:])
			status, convErr := strconv.Atoi(code)
			if convErr != nil {
				return buf.String(), -1, true, fmt.Errorf("malformed exit status %q: %w", code, convErr)
			}
			return buf.String(), status, true, nil
		}
		buf.WriteString(line)
		if err != nil {
			return buf.String(), 0, false, err
		}
	}
}

// exitStatus extracts the remote exit status from a 'session.Wait' error.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}
