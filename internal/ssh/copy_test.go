package ssh

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpload(t *testing.T) {
	target := newTestTarget(t)
	client := target.connect(t)

	writeLocal := func(t *testing.T, content string) string {
		t.Helper()
		p := filepath.Join(t.TempDir(), "node-install.sh")
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
		return p
	}

	t.Run("creates", func(t *testing.T) {
		const content = "#!/bin/sh\necho hi\n"
		src := writeLocal(t, content)
		dst := filepath.Join(t.TempDir(), "node-install.sh")
		n, err := Upload(t.Context(), client, src, dst, 0)
		require.NoError(t, err)
		assert.EqualValues(t, len(content), n)
		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "#!/bin/sh\necho hi\n", string(got))
	})
	t.Run("overwrites-from-byte-zero", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "f")
		require.NoError(t, os.WriteFile(dst, []byte("a much longer previous content"), 0o644))
		_, err := Upload(t.Context(), client, writeLocal(t, "short"), dst, 0)
		require.NoError(t, err)
		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "short", string(got))
	})
	t.Run("empty-file", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "empty")
		n, err := Upload(t.Context(), client, writeLocal(t, ""), dst, 0)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.FileExists(t, dst)
	})
	t.Run("mode", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "exe")
		_, err := Upload(t.Context(), client, writeLocal(t, "x"), dst, 0o750)
		require.NoError(t, err)
		info, err := os.Stat(dst)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())
	})
	t.Run("missing-source", func(t *testing.T) {
		_, err := Upload(t.Context(), client, filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "dst"), 0)
		require.ErrorIs(t, err, ErrTransfer)
		require.ErrorIs(t, err, ErrLocalSource)
	})
	t.Run("source-is-directory", func(t *testing.T) {
		_, err := Upload(t.Context(), client, t.TempDir(), filepath.Join(t.TempDir(), "dst"), 0)
		require.ErrorIs(t, err, ErrLocalSource)
	})
	t.Run("unwritable-destination", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "missing-dir", "dst")
		_, err := Upload(t.Context(), client, writeLocal(t, "x"), dst, 0)
		require.ErrorIs(t, err, ErrTransfer)
		require.ErrorIs(t, err, ErrRemoteDestination)
	})
	t.Run("client-still-usable", func(t *testing.T) {
		results, err := ExecIn(t.Context(), client, ShellOptions{}, "echo ok")
		require.NoError(t, err)
		assert.Equal(t, "ok\n", results[0].Output)
	})
}
