package calendar

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tasksync/tasksync/internal/schema"
)

// CompletedPrefix marks the title of a completed event.
const CompletedPrefix = "✅ "

// EventOptions controls how task records become events.
type EventOptions struct {
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	Reminders       []int         `mapstructure:"reminders"`
	TimeZone        string        `mapstructure:"time_zone"`
}

// DefaultEventOptions returns one-hour events with a 30 minute reminder.
func DefaultEventOptions() EventOptions {
	return EventOptions{
		DefaultDuration: time.Hour,
		Reminders:       []int{30},
		TimeZone:        "UTC",
	}
}

// EventTime is either an all-day date or a zoned date-time.
type EventTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Reminder overrides the calendar's default notification.
type Reminder struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

// Reminders is the reminder block of an event.
type Reminders struct {
	UseDefault bool       `json:"useDefault"`
	Overrides  []Reminder `json:"overrides,omitempty"`
}

// Event is the subset of the remote event resource this system owns.
type Event struct {
	ID          string    `json:"id,omitempty"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       EventTime `json:"start"`
	End         EventTime `json:"end"`
	Reminders   Reminders `json:"reminders"`
	Recurrence  []string  `json:"recurrence,omitempty"`
}

// BuildEvent renders rec as an event.
func BuildEvent(rec *schema.TaskRecord, opts EventOptions) (*Event, error) {
	ev := &Event{
		Summary:     rec.Title,
		Description: fmt.Sprintf("Synced from %s", rec.Location()),
	}

	if rec.TimeOrAllDay() == schema.AllDay {
		day, err := time.Parse("2006-01-02", rec.Date)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", rec.Date, err)
		}
		ev.Start = EventTime{Date: rec.Date}
		ev.End = EventTime{Date: day.AddDate(0, 0, 1).Format("2006-01-02")}
	} else {
		loc := time.UTC
		if opts.TimeZone != "" {
			l, err := time.LoadLocation(opts.TimeZone)
			if err != nil {
				return nil, fmt.Errorf("invalid time zone %q: %w", opts.TimeZone, err)
			}
			loc = l
		}
		start, err := time.ParseInLocation("2006-01-02 15:04", rec.Date+" "+rec.Time, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid date/time %q %q: %w", rec.Date, rec.Time, err)
		}
		dur := opts.DefaultDuration
		if rec.DurationOverride > 0 {
			dur = time.Duration(rec.DurationOverride) * time.Minute
		}
		if dur <= 0 {
			dur = time.Hour
		}
		ev.Start = EventTime{DateTime: start.Format(time.RFC3339), TimeZone: loc.String()}
		ev.End = EventTime{DateTime: start.Add(dur).Format(time.RFC3339), TimeZone: loc.String()}
	}

	minutes := opts.Reminders
	if len(rec.ReminderOverrides) > 0 {
		minutes = rec.ReminderOverrides
	}
	for _, m := range minutes {
		ev.Reminders.Overrides = append(ev.Reminders.Overrides, Reminder{Method: "popup", Minutes: m})
	}
	ev.Reminders.UseDefault = len(ev.Reminders.Overrides) == 0

	if rec.Recurrence != "" {
		rule := rec.Recurrence
		if !strings.HasPrefix(rule, "RRULE:") {
			rule = "RRULE:" + rule
		}
		ev.Recurrence = []string{rule}
	}
	return ev, nil
}

// MarkCompleted prefixes the summary, once.
func MarkCompleted(summary string) string {
	if strings.HasPrefix(summary, CompletedPrefix) {
		return summary
	}
	return CompletedPrefix + summary
}

// seeded lists the fields written on create only. Once the event exists the
// user may edit them and the fetched value wins.
var seeded = map[string]bool{"description": true}

// Merge overlays the fields of ev onto a fetched event so fields this system
// does not own (attendees, location, conference data) survive. Seeded fields
// are only filled in when the fetched event lacks them. A nil or empty
// fetched document yields ev alone.
func Merge(fetched json.RawMessage, ev *Event) ([]byte, error) {
	ours, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	if len(fetched) == 0 {
		return ours, nil
	}

	var base map[string]json.RawMessage
	if err := json.Unmarshal(fetched, &base); err != nil {
		return nil, fmt.Errorf("failed to decode fetched event: %w", err)
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(ours, &overlay); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	for k, v := range overlay {
		if _, ok := base[k]; ok && seeded[k] {
			continue
		}
		base[k] = v
	}
	out, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged event: %w", err)
	}
	return out, nil
}

// CompleteFetched marks a fetched event complete without touching any other
// field.
func CompleteFetched(fetched json.RawMessage, fallbackTitle string) ([]byte, error) {
	base := map[string]json.RawMessage{}
	if len(fetched) > 0 {
		if err := json.Unmarshal(fetched, &base); err != nil {
			return nil, fmt.Errorf("failed to decode fetched event: %w", err)
		}
	}
	summary := fallbackTitle
	if raw, ok := base["summary"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			summary = s
		}
	}
	encoded, err := json.Marshal(MarkCompleted(summary))
	if err != nil {
		return nil, err
	}
	base["summary"] = encoded
	return json.Marshal(base)
}

// EventIDFromBody extracts the event ID from a create or move response.
func EventIDFromBody(body []byte) (string, error) {
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("failed to decode event response: %w", err)
	}
	if v.ID == "" {
		return "", fmt.Errorf("event response has no id")
	}
	return v.ID, nil
}
