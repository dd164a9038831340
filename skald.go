package skald

import (
	"context"
	"strings"
)

// Level is the severity of a log record. Values are ordered and spaced so
// that new levels can be inserted without renumbering.
type Level int

const (
	LevelTrace Level = 10
	LevelDebug Level = 20
	LevelInfo  Level = 30
	LevelWarn  Level = 40
	LevelError Level = 50
	LevelFatal Level = 60
)

var levelLabels = map[Level]string{
	LevelTrace: "trace",
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
	LevelFatal: "fatal",
}

// Label returns the lowercase name of the level, or "unknown".
func (l Level) Label() string {
	if s, ok := levelLabels[l]; ok {
		return s
	}
	return "unknown"
}

// ParseLevel maps a level name (case-insensitive) to its Level value.
func ParseLevel(name string) (Level, bool) {
	for l, s := range levelLabels {
		if strings.EqualFold(s, name) {
			return l, true
		}
	}
	return 0, false
}

// Metadata is the per-process and per-request identity attached to records.
// Host identity is populated once per process; request baggage is merged at
// log time from the ambient context.
type Metadata struct {
	Hostname  string
	PID       int
	Name      string
	TraceID   string
	SpanID    string
	RequestID string
	UserID    string
}

// ErrorShape is the serializable form of an error, with optional cause chain.
type ErrorShape struct {
	Type    string      `json:"type"`
	Message string      `json:"message"`
	Stack   string      `json:"stack,omitempty"`
	Cause   *ErrorShape `json:"cause,omitempty"`
}

// Record represents a log record in flight. A record is logically immutable
// after redaction completes; sinks observe a snapshot.
type Record interface {
	ID() string
	Level() Level
	Time() int64 // epoch milliseconds
	Message() string
	Fields() map[string]interface{}
	Meta() Metadata
	Err() *ErrorShape
	Clone() Record
}

// Stats is the per-sink runtime counter snapshot.
type Stats struct {
	QueueDepth     int
	InFlight       bool
	Delivered      uint64
	Dropped        uint64
	DroppedBatches uint64
	LastError      string
}

// Sink defines the interface every log destination implements. A sink owns
// its own batching and never blocks the dispatcher beyond an enqueue.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
	WriteBatch(ctx context.Context, recs []Record) error
	Healthy() bool
	Stats() Stats
	Close() error
}

// Flusher is implemented by sinks that buffer writes internally.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Formatter defines the interface for encoding records before they are
// written to a sink.
type Formatter interface {
	Format(rec Record) ([]byte, error)
}

// Redactor masks secret and PII values in a record before serialization.
// It returns the number of detections.
type Redactor interface {
	Redact(rec Record) int
}

// Logger is the pipeline's own diagnostics interface. Record-level failures
// are reported here and never propagate to Log callers.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ErrorHook receives sink-level fatal errors (init failure, retry budget
// exhausted, batch dropped).
type ErrorHook func(sink string, err error)
