// Package correlation carries a request-scoped ID through contexts and
// stamps it on every log record written with that context.
package correlation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
)

// Header carries a caller-supplied correlation ID on HTTP requests and
// WebSocket handshakes.
const Header = "X-Correlation-ID"

const (
	logKey      = "correlation_id"
	maxIDLength = 64
)

type ctxKey struct{}

// NewID returns a ULID, so IDs sort by creation time in log searches.
func NewID() string {
	return ulid.Make().String()
}

func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// ID reports the correlation ID carried by ctx. An empty ID counts as absent.
func ID(ctx context.Context) (string, bool) {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id, id != ""
}

// Ensure returns ctx with a correlation ID, keeping candidate (typically an
// inbound header value) when it is usable and generating one otherwise.
func Ensure(ctx context.Context, candidate string) (context.Context, string) {
	if !usable(candidate) {
		candidate = NewID()
	}
	return WithID(ctx, candidate), candidate
}

// usable accepts short, visible ASCII so the value is safe to echo back in
// a header and to log.
func usable(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '!' || id[i] > '~' {
			return false
		}
	}
	return true
}

// Handler decorates another slog.Handler with the context's correlation ID.
type Handler struct {
	next slog.Handler
}

func NewHandler(next slog.Handler) *Handler {
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ID(ctx); ok {
		r = r.Clone()
		r.AddAttrs(slog.String(logKey, id))
	}
	if err := h.next.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewHandler(h.next.WithAttrs(attrs))
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return NewHandler(h.next.WithGroup(name))
}
