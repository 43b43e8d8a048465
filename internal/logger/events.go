package logger

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

func init() {
	// The structured event log names its timestamp field "timestamp"; consumers
	// key on it together with "event" and "logger_name".
	zerolog.TimestampFieldName = "timestamp"
}

// EventLogger appends newline-delimited JSON events to a shared sink. It is
// safe for concurrent use; zerolog serializes each line and the mutex keeps
// appends whole under concurrent workers.
type EventLogger struct {
	mu   sync.Mutex
	base zerolog.Logger
}

// NewEventLogger creates an event logger writing to w under the given logger
// name.
func NewEventLogger(w io.Writer, name string) *EventLogger {
	base := zerolog.New(w).With().Timestamp().Str("logger_name", name).Logger()
	return &EventLogger{base: base}
}

// Emit writes one event line with the supplied fields.
func (e *EventLogger) Emit(event string, fields map[string]any) {
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry := e.base.Log().Str("event", event)
	for key, value := range fields {
		entry = entry.Interface(key, value)
	}
	entry.Send()
}
