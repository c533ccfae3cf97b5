package logger

import (
	"context"
)

// Logger is the structured logging contract used throughout the library.
// Log methods take a message followed by key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger whose entries always carry the given
	// key-value pairs.
	With(args ...any) Logger

	// WithContext returns a child logger annotated with the worker identity
	// carried by the context, when present.
	WithContext(ctx context.Context) Logger
}

type contextKey string

// WorkerIDKey is the context key WithContext reads the worker identity from.
const WorkerIDKey contextKey = "worker_id"

// ContextWithWorkerID attaches a worker identity to the context for log
// correlation.
func ContextWithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, WorkerIDKey, workerID)
}

func workerIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if workerID, ok := ctx.Value(WorkerIDKey).(string); ok {
		return workerID
	}
	return ""
}
