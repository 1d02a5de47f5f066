package schema

import (
	"encoding/json"
	"time"
)

// SyncRecord is the persisted link between a task and its remote event.
// One record exists per tracked stable task ID.
type SyncRecord struct {
	EventID            string    `json:"eventId"`
	ContentFingerprint string    `json:"contentHash"`
	CollectionID       string    `json:"calendarId"`
	LastSyncedAt       time.Time `json:"lastSyncedAt"`

	// ===== Provenance (used by reconciliation passes) =====
	FilePath   string `json:"filePath"`
	LineNumber int    `json:"lineNumber"`
	Title      string `json:"title"`
	Date       string `json:"date"`
	Time       string `json:"time,omitempty"`

	// ===== Multi-writer bookkeeping =====
	Version        int       `json:"version"`
	LastModifiedBy string    `json:"lastModifiedBy,omitempty"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`

	RecurrenceRule string `json:"recurrenceRule,omitempty"`

	// IsSevered keeps the record for identity purposes but suppresses all
	// remote operations for it.
	IsSevered bool `json:"isSevered,omitempty"`

	// KeepRemote is set when a diverted deletion was kept; the orphan is not
	// diverted again until the task is seen again.
	KeepRemote bool `json:"keepRemote,omitempty"`

	// Completed is set once the remote event was marked complete.
	Completed bool `json:"completed,omitempty"`
}

// NewSyncRecord builds the record stored after rec was written to eventID.
func NewSyncRecord(rec *TaskRecord, eventID, collectionID, fingerprint string) SyncRecord {
	return SyncRecord{
		EventID:            eventID,
		ContentFingerprint: fingerprint,
		CollectionID:       collectionID,
		FilePath:           rec.FilePath,
		LineNumber:         rec.LineNumber,
		Title:              rec.Title,
		Date:               rec.Date,
		Time:               rec.Time,
		RecurrenceRule:     rec.Recurrence,
	}
}

// OpKind names a change-set operation type.
type OpKind string

const (
	OpCreate   OpKind = "create"
	OpUpdate   OpKind = "update"
	OpDelete   OpKind = "delete"
	OpMove     OpKind = "move"
	OpComplete OpKind = "complete"
	OpGet      OpKind = "get"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete, OpMove, OpComplete, OpGet:
		return true
	}
	return false
}

// PendingOperation is a failed operation waiting to be retried. There is at
// most one per (TaskID, Type).
type PendingOperation struct {
	Type         OpKind          `json:"type"`
	TaskID       string          `json:"taskId"`
	Payload      json.RawMessage `json:"payload"`
	CollectionID string          `json:"calendarId"`
	QueuedAt     time.Time       `json:"queuedAt"`
	RetryCount   int             `json:"retryCount"`
	LastError    string          `json:"lastError,omitempty"`
}

// Key returns the queue key of the operation.
func (p *PendingOperation) Key() PendingKey {
	return PendingKey{TaskID: p.TaskID, Type: p.Type}
}

// PendingKey identifies a queue slot.
type PendingKey struct {
	TaskID string
	Type   OpKind
}
