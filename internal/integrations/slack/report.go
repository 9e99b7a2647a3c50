package slack

import (
	"context"
	"errors"

	"chatarchive/internal/logging"
	"chatarchive/internal/metrics"
)

// Reporter receives failures that the importer isolates and moves past. A
// reporter must be safe for concurrent use.
type Reporter interface {
	Report(ctx context.Context, err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, err error)

func (f ReporterFunc) Report(ctx context.Context, err error) {
	f(ctx, err)
}

// SlogReporter logs failures through the context logger and counts them.
type SlogReporter struct{}

func (SlogReporter) Report(ctx context.Context, err error) {
	kind := failureKind(err)
	metrics.IngestFailures.WithLabelValues(kind).Inc()
	logging.LoggerFromContext(ctx).Error("Ingestion failure", "kind", kind, "error", err)
}

func failureKind(err error) string {
	var record *RecordError
	switch {
	case errors.Is(err, ErrMalformedTimestamp):
		return "malformed_timestamp"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &record):
		return "record"
	default:
		return "remote"
	}
}
