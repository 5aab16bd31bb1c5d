package trap

import (
	"context"
	"log/slog"
	"sync/atomic"
)

var loggerPtr atomic.Pointer[slog.Logger]

// nopHandler discards all log records. Enabled returns false so disabled
// logging costs nothing.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func init() {
	loggerPtr.Store(slog.New(nopHandler{}))
}

// SetLogger configures the logger for the trap package.
// Pass nil to disable logging (the default).
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
}

func logger() *slog.Logger {
	return loggerPtr.Load()
}
