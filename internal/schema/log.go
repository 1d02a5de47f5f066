package schema

import "time"

// LogLevel grades a sync log entry.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one line of the user-visible sync history.
type LogEntry struct {
	Time    time.Time `json:"timestamp"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
	TaskID  string    `json:"taskId,omitempty"`
}
