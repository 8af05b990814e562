// Package logging holds the slog plumbing shared by rapidlog's components.
//
// Loggers are passed in through constructors. A component scopes the logger
// it receives once, with a "component" attribute and whatever identifies the
// instance (repository name, writer id), and never touches slog's default.
// main builds the root handler: output format plus per-component levels.
//
// Components log at lifecycle points (start, stop, config changes, failed
// deliveries). The per-message paths in the parser and writer stay quiet
// unless a field error policy asks for a warning.
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger, or a discarding logger when it is nil. Constructors
// call it on their optional Logger dependency before scoping:
//
//	logger: logging.Default(deps.Logger).With("component", "repository", "repository", name)
func Default(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}
