package changeset

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tasksync/tasksync/internal/schema"
)

// Header is carried by every operation.
type Header struct {
	CorrelationID string `json:"correlationId"`
	TaskID        string `json:"taskId"`
	CollectionID  string `json:"calendarId"`
}

// Head returns the operation header.
func (h Header) Head() Header { return h }

func newHeader(taskID, collectionID string) Header {
	return Header{CorrelationID: uuid.NewString(), TaskID: taskID, CollectionID: collectionID}
}

// Operation is one remote mutation or read. The concrete types are
// *CreateOp, *UpdateOp, *DeleteOp, *MoveOp, *CompleteOp and *GetOp.
type Operation interface {
	Head() Header
	Kind() schema.OpKind
	isOperation()
}

// CreateOp inserts a new event for Record.
type CreateOp struct {
	Header
	Record      schema.TaskRecord `json:"record"`
	Fingerprint string            `json:"fingerprint"`
}

// UpdateOp rewrites the event from Record, merged over the fetched event.
type UpdateOp struct {
	Header
	EventID     string            `json:"eventId"`
	Record      schema.TaskRecord `json:"record"`
	Fingerprint string            `json:"fingerprint"`
}

// DeleteReason records why a delete was emitted, which decides how its
// success is applied to the state document.
type DeleteReason string

const (
	DeleteOrphan    DeleteReason = "orphaned"
	DeleteCompleted DeleteReason = "completed"
	DeleteReroute   DeleteReason = "reroute"
)

// DeleteOp removes an event.
type DeleteOp struct {
	Header
	EventID string       `json:"eventId"`
	Reason  DeleteReason `json:"reason"`
	Title   string       `json:"title,omitempty"`
	Date    string       `json:"date,omitempty"`
	Time    string       `json:"time,omitempty"`
}

// MoveOp moves an event between calendars. CollectionID is the source.
type MoveOp struct {
	Header
	EventID     string            `json:"eventId"`
	To          string            `json:"destination"`
	Record      schema.TaskRecord `json:"record"`
	Fingerprint string            `json:"fingerprint"`
}

// CompleteOp marks the event title complete, merged over the fetched event.
type CompleteOp struct {
	Header
	EventID     string            `json:"eventId"`
	Record      schema.TaskRecord `json:"record"`
	Fingerprint string            `json:"fingerprint"`
}

// GetOp fetches an event. For names the correlation ID of the mutation the
// fetch serves, if any.
type GetOp struct {
	Header
	EventID string `json:"eventId"`
	For     string `json:"for,omitempty"`
}

func (*CreateOp) Kind() schema.OpKind   { return schema.OpCreate }
func (*UpdateOp) Kind() schema.OpKind   { return schema.OpUpdate }
func (*DeleteOp) Kind() schema.OpKind   { return schema.OpDelete }
func (*MoveOp) Kind() schema.OpKind     { return schema.OpMove }
func (*CompleteOp) Kind() schema.OpKind { return schema.OpComplete }
func (*GetOp) Kind() schema.OpKind      { return schema.OpGet }

func (*CreateOp) isOperation()   {}
func (*UpdateOp) isOperation()   {}
func (*DeleteOp) isOperation()   {}
func (*MoveOp) isOperation()     {}
func (*CompleteOp) isOperation() {}
func (*GetOp) isOperation()      {}

// EventID returns the remote event an operation targets, or "" for creates.
func EventID(op Operation) string {
	switch o := op.(type) {
	case *CreateOp:
		return ""
	case *UpdateOp:
		return o.EventID
	case *DeleteOp:
		return o.EventID
	case *MoveOp:
		return o.EventID
	case *CompleteOp:
		return o.EventID
	case *GetOp:
		return o.EventID
	default:
		panic(fmt.Sprintf("changeset: unknown operation %T", op))
	}
}

// NeedsFetch reports whether op must be merged over the current remote event.
func NeedsFetch(op Operation) bool {
	switch op.(type) {
	case *UpdateOp, *CompleteOp:
		return true
	}
	return false
}

// Fetch returns the read that must precede op.
func Fetch(op Operation) *GetOp {
	h := op.Head()
	return &GetOp{
		Header:  newHeader(h.TaskID, h.CollectionID),
		EventID: EventID(op),
		For:     h.CorrelationID,
	}
}

// Marshal encodes op for the pending queue. The caller fills in QueuedAt and
// LastError.
func Marshal(op Operation) (schema.PendingOperation, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return schema.PendingOperation{}, fmt.Errorf("failed to encode %s operation: %w", op.Kind(), err)
	}
	h := op.Head()
	return schema.PendingOperation{
		Type:         op.Kind(),
		TaskID:       h.TaskID,
		Payload:      payload,
		CollectionID: h.CollectionID,
	}, nil
}

// Unmarshal decodes a queued operation. Replayed operations get a fresh
// correlation ID.
func Unmarshal(p schema.PendingOperation) (Operation, error) {
	var op Operation
	switch p.Type {
	case schema.OpCreate:
		op = &CreateOp{}
	case schema.OpUpdate:
		op = &UpdateOp{}
	case schema.OpDelete:
		op = &DeleteOp{}
	case schema.OpMove:
		op = &MoveOp{}
	case schema.OpComplete:
		op = &CompleteOp{}
	case schema.OpGet:
		op = &GetOp{}
	default:
		return nil, fmt.Errorf("unknown queued operation type %q", p.Type)
	}
	if err := json.Unmarshal(p.Payload, op); err != nil {
		return nil, fmt.Errorf("failed to decode queued %s for %s: %w", p.Type, p.TaskID, err)
	}
	setCorrelation(op, uuid.NewString())
	return op, nil
}

func setCorrelation(op Operation, id string) {
	switch o := op.(type) {
	case *CreateOp:
		o.CorrelationID = id
	case *UpdateOp:
		o.CorrelationID = id
	case *DeleteOp:
		o.CorrelationID = id
	case *MoveOp:
		o.CorrelationID = id
	case *CompleteOp:
		o.CorrelationID = id
	case *GetOp:
		o.CorrelationID = id
	}
}
