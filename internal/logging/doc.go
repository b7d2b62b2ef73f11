// Package logging provides slog-based structured logging for the worker,
// with console and JSON handlers and context-carried job/lane/stage
// attributes.
package logging
