package ssh

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var (
	ErrTransfer          = fmt.Errorf("file transfer failed")
	ErrLocalSource       = fmt.Errorf("local source is unreadable")
	ErrRemoteDestination = fmt.Errorf("remote destination is not writable")
	ErrSFTPInit          = fmt.Errorf("failed to start SFTP subsystem")
)

// Upload copies the local file 'src' to 'dst' on the remote host over the
// SFTP subsystem, creating or truncating 'dst'. If 'mode' is non-zero the
// remote file's permissions are set to it; no other metadata is carried
// over.
//
// The number of bytes written is returned. All errors match ErrTransfer.
// There is no resumption: a retried upload starts again from byte zero.
func Upload(ctx context.Context, client *ssh.Client, src, dst string, mode os.FileMode) (int64, error) {
	local, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: %w: %w", ErrTransfer, ErrLocalSource, err)
	}
	defer local.Close()
	if info, err := local.Stat(); err != nil {
		return 0, fmt.Errorf("%w: %w: %w", ErrTransfer, ErrLocalSource, err)
	} else if info.IsDir() {
		return 0, fmt.Errorf("%w: %w: %s is a directory", ErrTransfer, ErrLocalSource, src)
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("%w: %w: %w", ErrTransfer, ErrSFTPInit, err)
	}
	defer sc.Close()
	stop := context.AfterFunc(ctx, func() { _ = sc.Close() })
	defer stop()

	remote, err := sc.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, fmt.Errorf("%w: %w: %s: %w", ErrTransfer, ErrRemoteDestination, dst, err)
	}
	n, err := io.Copy(remote, local)
	if err != nil {
		_ = remote.Close()
		if ctx.Err() != nil {
			return n, fmt.Errorf("%w: %w", ErrTransfer, ctx.Err())
		}
		// io.Copy can't tell us which side failed; ask the local file.
		if _, statErr := local.Stat(); statErr != nil {
			return n, fmt.Errorf("%w: %w: %w", ErrTransfer, ErrLocalSource, err)
		}
		return n, fmt.Errorf("%w: %w: %s: %w", ErrTransfer, ErrRemoteDestination, dst, err)
	}
	if err := remote.Close(); err != nil {
		return n, fmt.Errorf("%w: %w: %s: %w", ErrTransfer, ErrRemoteDestination, dst, err)
	}
	if mode != 0 {
		if err := sc.Chmod(dst, mode.Perm()); err != nil {
			return n, fmt.Errorf("%w: %w: chmod %s: %w", ErrTransfer, ErrRemoteDestination, dst, err)
		}
	}
	return n, nil
}
