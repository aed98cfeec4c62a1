package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// StepFiles keeps one log file per provisioning step under Directory. The
// file receives the step's log records and the output of its commands.
//
// The zero value, with no Directory, disables file logging: Attach is a no-op
// and Open discards.
type StepFiles struct {
	Directory string
}

// Path returns the file for 'step'. Step names are slugged into safe file
// names.
func (s StepFiles) Path(step string) string {
	return filepath.Join(s.Directory, fmt.Sprintf("%s.log", slug.Make(step)))
}

// Open opens the step's file for appending, for use with
// provision.WithOutput.
func (s StepFiles) Open(step string) (io.WriteCloser, error) {
	if s.Directory == "" {
		return nopWriteCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(s.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(s.Path(step), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening step log: %w", err)
	}
	return f, nil
}

// Attach tees the log records of 'ctx' into the step's file, next to
// whatever handler the context logger already has. The returned func closes
// the file.
func (s StepFiles) Attach(ctx context.Context, step string) (context.Context, func()) {
	if s.Directory == "" {
		return ctx, func() {}
	}
	w, err := s.Open(step)
	if err != nil {
		clog.WarnContext(ctx, "failed to open step log", "step", step, "error", err)
		return ctx, func() {}
	}

	handler := slogmulti.Fanout(
		clog.FromContext(ctx).Handler(),
		slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	clog.InfoContext(ctx, "logging step output to file", "path", s.Path(step))
	ctx = clog.WithLogger(ctx, clog.New(handler))

	return ctx, func() {
		if err := w.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close step log", "path", s.Path(step), "error", err)
		}
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
