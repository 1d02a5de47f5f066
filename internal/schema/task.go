// Package schema defines the records exchanged between the scanner, the
// reconciliation engine, the change-set builder and the persisted
// sync-state store.
package schema

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timePattern = regexp.MustCompile(`^\d{2}:\d{2}$`)
)

// AllDay is the identity component used in place of a time for all-day tasks.
const AllDay = "allday"

// TaskRecord is a task extracted from a source document in the current
// cycle. It is read and classified, never mutated.
type TaskRecord struct {
	Title       string   `json:"title" yaml:"title"`
	Date        string   `json:"date" yaml:"date"`                     // YYYY-MM-DD
	Time        string   `json:"time,omitempty" yaml:"time,omitempty"` // HH:MM, empty for all-day
	RawText     string   `json:"rawText" yaml:"raw_text"`
	FilePath    string   `json:"filePath" yaml:"file_path"`
	LineNumber  int      `json:"lineNumber" yaml:"line_number"`
	IsCompleted bool     `json:"isCompleted" yaml:"is_completed"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	IsAllDay    bool     `json:"isAllDay" yaml:"is_all_day"`

	// ===== Optional per-task overrides =====
	ReminderOverrides []int  `json:"reminderOverrides,omitempty" yaml:"reminder_overrides,omitempty"` // minutes before start
	DurationOverride  int    `json:"durationOverride,omitempty" yaml:"duration_override,omitempty"`   // minutes, 0 = default
	Recurrence        string `json:"recurrence,omitempty" yaml:"recurrence,omitempty"`                // RRULE body
}

// Validate checks the fields identity and routing depend on.
func (r *TaskRecord) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if !datePattern.MatchString(r.Date) {
		return fmt.Errorf("date must be YYYY-MM-DD (got %q)", r.Date)
	}
	if r.Time != "" && !timePattern.MatchString(r.Time) {
		return fmt.Errorf("time must be HH:MM (got %q)", r.Time)
	}
	if r.FilePath == "" {
		return fmt.Errorf("file path is required")
	}
	if r.LineNumber < 0 {
		return fmt.Errorf("line number must be non-negative (got %d)", r.LineNumber)
	}
	return nil
}

// TimeOrAllDay returns the time component used for identity.
func (r *TaskRecord) TimeOrAllDay() string {
	if r.Time == "" || r.IsAllDay {
		return AllDay
	}
	return r.Time
}

// HasTag reports whether the record carries tag (without the leading '#').
func (r *TaskRecord) HasTag(tag string) bool {
	tag = strings.TrimPrefix(tag, "#")
	for _, t := range r.Tags {
		if strings.EqualFold(strings.TrimPrefix(t, "#"), tag) {
			return true
		}
	}
	return false
}

// Location renders "path:line" for log messages.
func (r *TaskRecord) Location() string {
	return fmt.Sprintf("%s:%d", r.FilePath, r.LineNumber)
}
