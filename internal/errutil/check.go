package errutil

import (
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
// Best-effort cache paths (persist, index sync, eviction deletes) funnel through here
// so a failure never reaches the caller of the primary operation.
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Error(msg, allArgs...)
	}
}

// Close calls c.Close and logs a failure.
func Close(c interface{ Close() error }, msg string, args ...any) {
	LogMsg(c.Close(), msg, args...)
}
