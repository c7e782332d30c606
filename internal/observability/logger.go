package observability

import (
	"log/slog"
	"time"
)

// LogUploadSuccess logs an accepted batch.
func LogUploadSuccess(logger *slog.Logger, path string, bytes int, duration time.Duration) {
	if logger == nil {
		return
	}
	logger.Debug("batch delivered",
		slog.String("path", path),
		slog.Int("bytes", bytes),
		slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
	)
}

// LogUploadRejected logs a failure that retrying will not fix.
func LogUploadRejected(logger *slog.Logger, path string, statusCode int, err error, discarded bool) {
	if logger == nil {
		return
	}
	logger.Error("batch rejected by collector",
		slog.String("path", path),
		slog.Int("status", statusCode),
		slog.Any("error", err),
		slog.Bool("discarded", discarded),
	)
}

// LogEventDropped logs an event that will never be delivered.
func LogEventDropped(logger *slog.Logger, messageID, reason string, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("message_id", messageID),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	logger.Error("event dropped", attrs...)
}
