package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeletionReason explains why a deletion was diverted.
type DeletionReason string

const (
	ReasonOrphaned DeletionReason = "orphaned"
	ReasonReroute  DeletionReason = "reroute"
)

// LinkedCreate is the create half of a freshStart reroute. It runs only when
// the diverted delete it is attached to is approved.
type LinkedCreate struct {
	TaskID       string     `json:"taskId"`
	CollectionID string     `json:"calendarId"`
	Record       TaskRecord `json:"record"`
}

// DivertedDeletion is a deletion withheld pending explicit approval.
type DivertedDeletion struct {
	TaskID       string         `json:"taskId"`
	EventID      string         `json:"eventId"`
	CollectionID string         `json:"calendarId"`
	Title        string         `json:"title"`
	Date         string         `json:"date"`
	Time         string         `json:"time,omitempty"`
	SourceFile   string         `json:"sourceFile"`
	Reason       DeletionReason `json:"reason"`
	OriginalLine string         `json:"originalLine,omitempty"`
	LinkedCreate *LinkedCreate  `json:"linkedCreate,omitempty"`
	DivertedAt   time.Time      `json:"divertedAt"`
}

// RestoreText renders the task as a line that can be pasted back into its
// source document.
func (d *DivertedDeletion) RestoreText() string {
	if strings.TrimSpace(d.OriginalLine) != "" {
		return d.OriginalLine
	}
	return FormatTaskLine(d.Title, d.Date, d.Time)
}

// ArchiveEntry is a confirmed deletion kept for recovery until ExpiresAt.
type ArchiveEntry struct {
	TaskID         string          `json:"taskId"`
	Title          string          `json:"title"`
	Date           string          `json:"date"`
	Time           string          `json:"time,omitempty"`
	CollectionName string          `json:"calendarName"`
	CollectionID   string          `json:"calendarId"`
	DeletedAt      time.Time       `json:"deletedAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
}

// Expired reports whether the entry is past its retention window.
func (a *ArchiveEntry) Expired(now time.Time) bool {
	return !a.ExpiresAt.After(now)
}

// ExternalRemoval is a tracked event found missing on the remote side,
// waiting for the user to choose between recreating and severing.
type ExternalRemoval struct {
	TaskID       string    `json:"taskId"`
	EventID      string    `json:"eventId"`
	CollectionID string    `json:"calendarId"`
	Title        string    `json:"title"`
	Date         string    `json:"date"`
	DetectedAt   time.Time `json:"detectedAt"`
}

// FormatTaskLine renders a task in the checkbox syntax the scanner reads.
func FormatTaskLine(title, date, tm string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- [ ] %s", title)
	if date != "" {
		fmt.Fprintf(&b, " 📅 %s", date)
	}
	if tm != "" && tm != AllDay {
		fmt.Fprintf(&b, " ⏰ %s", tm)
	}
	return b.String()
}
