package log

// Logger is the structured logger used across lotusrpc.
// Every method takes a message followed by alternating keys and values.
type Logger interface {
	// Debug logs verbose diagnostics, e.g. individual frames on the wire.
	Debug(msg string, keysAndValues ...any)
	// Info logs lifecycle changes such as a connection being established.
	Info(msg string, keysAndValues ...any)
	// Warn logs conditions that are tolerated but unexpected, e.g. a malformed frame.
	Warn(msg string, keysAndValues ...any)
	// Error logs failures that abort an operation.
	Error(msg string, keysAndValues ...any)
	// Fatal logs an unrecoverable failure. The zap backend exits the process.
	Fatal(msg string, keysAndValues ...any)
	// WithKV returns a child logger that attaches key=value to every entry.
	WithKV(key string, value any) Logger
	// GetAllKV returns the pairs attached through WithKV.
	GetAllKV() []any
	// WithName returns a child logger whose name is extended with name.
	WithName(name string) Logger
	// Name returns the dotted logger name.
	Name() string
	// AddCallerSkip returns a logger reporting the caller skip frames further up the stack.
	AddCallerSkip(skip int) Logger
}

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// SpanEventRecorder records log entries on a tracing span.
type SpanEventRecorder interface {
	TraceID() string
	SpanID() string

	// RecordEvent adds an event named name with keysAndValues as attributes.
	RecordEvent(name string, keysAndValues ...any)
	// RecordError adds an event like RecordEvent and marks the span as failed.
	RecordError(name string, keysAndValues ...any)
}
