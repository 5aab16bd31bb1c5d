package emubuf

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/emubuf/trap"
)

// nopHandler discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

var pkgLogger atomic.Pointer[slog.Logger]

func init() {
	pkgLogger.Store(slog.New(nopHandler{}))
}

// SetLogger sets the logger used by this package and its subpackages.
// Passing nil restores the default no-op logger. Safe for concurrent use.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	pkgLogger.Store(l)
	trap.SetLogger(l)
}

// Logger returns the current package logger.
func Logger() *slog.Logger {
	return pkgLogger.Load()
}

func logger() *slog.Logger {
	return pkgLogger.Load()
}
