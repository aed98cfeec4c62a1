package log

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// TFHandler forwards slog records to terraform's log stream through tflog,
// under the "provisioner" subsystem.
type TFHandler struct {
	attrs  []slog.Attr
	groups []string
}

const subsystem = "provisioner"

func NewTFHandler() slog.Handler {
	return &TFHandler{}
}

// Enabled implements slog.Handler.
func (h *TFHandler) Enabled(_ context.Context, _ slog.Level) bool {
	// tflog filters by TF_LOG_PROVIDER_PROVISIONER, it has no public API to
	// ask for the level.
	return true
}

// Handle implements slog.Handler.
func (h *TFHandler) Handle(ctx context.Context, record slog.Record) error {
	ctx = tflog.NewSubsystem(ctx, subsystem, tflog.WithAdditionalLocationOffset(3))

	fields := make(map[string]any, len(h.attrs)+record.NumAttrs())
	for _, attr := range h.attrs {
		fields[attr.Key] = attr.Value.Any()
	}
	// record level attrs take precedence over handler attrs
	prefix := h.prefix()
	record.Attrs(func(a slog.Attr) bool {
		fields[prefix+a.Key] = a.Value.Any()
		return true
	})

	switch {
	case record.Level >= slog.LevelError:
		tflog.SubsystemError(ctx, subsystem, record.Message, fields)
	case record.Level >= slog.LevelWarn:
		tflog.SubsystemWarn(ctx, subsystem, record.Message, fields)
	case record.Level >= slog.LevelInfo:
		tflog.SubsystemInfo(ctx, subsystem, record.Message, fields)
	default:
		tflog.SubsystemDebug(ctx, subsystem, record.Message, fields)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *TFHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := h.prefix()
	next := &TFHandler{groups: h.groups, attrs: append([]slog.Attr{}, h.attrs...)}
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return next
}

// WithGroup implements slog.Handler.
func (h *TFHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TFHandler{
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

func (h *TFHandler) prefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}
