package provision

import (
	"errors"
	"fmt"
	"testing"

	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("cause")
	for _, tc := range []struct {
		err      error
		sentinel error
		kind     string
		msg      string
	}{
		{&ConfigError{Field: "user", Err: cause}, ErrConfig, "ConfigError", "invalid provisioner configuration: user: cause"},
		{&ConnectionError{Host: "10.0.0.1:22", Err: cause}, ErrConnection, "ConnectionError", "failed to connect to host 10.0.0.1:22: cause"},
		{&TransferError{Source: "a", Destination: "b", Err: cause}, ErrTransfer, "TransferError", "failed to copy file to host (a -> b): cause"},
		{&CommandError{Index: 1, Command: "false", ExitStatus: 1, Err: &ssh.ExitError{}}, ErrCommand, "CommandError", `remote command failed: command 1 ("false") exited with status 1`},
	} {
		t.Run(tc.kind, func(t *testing.T) {
			wrapped := fmt.Errorf("apply: %w", tc.err)
			require.ErrorIs(t, wrapped, tc.sentinel)
			assert.Equal(t, tc.kind, Kind(wrapped))
			assert.Equal(t, tc.msg, tc.err.Error())
		})
	}
	assert.Equal(t, "", Kind(cause))
	require.ErrorIs(t, &ConfigError{Err: cause}, cause)
}
