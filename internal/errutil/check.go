package errutil

import (
	"io"
	"log/slog"
)

// LogMsg logs the error with a custom message if it is not nil.
func LogMsg(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Warn(msg, allArgs...)
	}
}

// ReportError logs an unexpected error.
// Failures that leave the engine degraded (lost writes, failed installs)
// go through here so they stand out from routine offline noise.
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Error(msg, allArgs...)
	}
}

// Close closes c and logs a warning when that fails.
func Close(c io.Closer, msg string, args ...any) {
	if c == nil {
		return
	}
	LogMsg(c.Close(), msg, args...)
}
