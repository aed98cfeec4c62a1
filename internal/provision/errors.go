package provision

import (
	"errors"
	"fmt"

	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh"
)

// Every failure returned by a Provisioner is one of four kinds. Each kind is
// a sentinel (for 'errors.Is') and a typed error (for 'errors.As') carrying
// the details.
var (
	ErrConfig     = fmt.Errorf("invalid provisioner configuration")
	ErrConnection = fmt.Errorf("failed to connect to host")
	ErrTransfer   = fmt.Errorf("failed to copy file to host")
	ErrCommand    = fmt.Errorf("remote command failed")
)

// ConfigError reports malformed or missing connection settings, key material
// included.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", ErrConfig, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrConfig, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() []error { return []error{ErrConfig, e.Err} }

// ConnectionError reports a host that never became reachable, rejected our
// credentials or presented the wrong host key.
type ConnectionError struct {
	Host     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", ErrConnection, e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// TransferError reports a failed file copy.
type TransferError struct {
	Source      string
	Destination string
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s (%s -> %s): %v", ErrTransfer, e.Source, e.Destination, e.Err)
}

func (e *TransferError) Unwrap() []error { return []error{ErrTransfer, e.Err} }

// CommandError reports the remote command that stopped a RemoteExec. Index
// is the command's position in RemoteExec.Commands.
type CommandError struct {
	Index      int
	Command    string
	ExitStatus int
	Output     string
	Err        error
}

func (e *CommandError) Error() string {
	if e.Err != nil && !errors.Is(e.Err, ssh.ErrCommandFailed) {
		return fmt.Sprintf("%s: command %d (%q): %v", ErrCommand, e.Index, e.Command, e.Err)
	}
	return fmt.Sprintf("%s: command %d (%q) exited with status %d", ErrCommand, e.Index, e.Command, e.ExitStatus)
}

func (e *CommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCommand}
	}
	return []error{ErrCommand, e.Err}
}

// Kind names the kind of a provisioner error, or returns "" for anything
// else.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrConfig):
		return "ConfigError"
	case errors.Is(err, ErrConnection):
		return "ConnectionError"
	case errors.Is(err, ErrTransfer):
		return "TransferError"
	case errors.Is(err, ErrCommand):
		return "CommandError"
	default:
		return ""
	}
}
