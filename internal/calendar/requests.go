package calendar

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tasksync/tasksync/internal/batchcodec"
	"github.com/tasksync/tasksync/internal/changeset"
)

// Encoder turns operations into batch sub-requests.
type Encoder struct {
	// BasePath prefixes every sub-request path, e.g. "/calendar/v3".
	BasePath string
	Options  EventOptions

	// Fetched holds prefetched events keyed by the correlation ID of the
	// operation they serve.
	Fetched map[string]json.RawMessage
}

func (e *Encoder) eventsPath(collectionID string) string {
	return fmt.Sprintf("%s/calendars/%s/events", e.BasePath, url.PathEscape(collectionID))
}

func (e *Encoder) eventPath(collectionID, eventID string) string {
	return e.eventsPath(collectionID) + "/" + url.PathEscape(eventID)
}

// Encode builds the sub-request for op.
func (e *Encoder) Encode(op changeset.Operation) (batchcodec.Request, error) {
	h := op.Head()
	req := batchcodec.Request{ContentID: h.CorrelationID}

	switch o := op.(type) {
	case *changeset.CreateOp:
		ev, err := BuildEvent(&o.Record, e.Options)
		if err != nil {
			return req, err
		}
		body, err := json.Marshal(ev)
		if err != nil {
			return req, fmt.Errorf("failed to encode event: %w", err)
		}
		req.Method, req.Path, req.Body = http.MethodPost, e.eventsPath(h.CollectionID), body

	case *changeset.UpdateOp:
		ev, err := BuildEvent(&o.Record, e.Options)
		if err != nil {
			return req, err
		}
		body, err := Merge(e.Fetched[h.CorrelationID], ev)
		if err != nil {
			return req, err
		}
		req.Method, req.Path, req.Body = http.MethodPut, e.eventPath(h.CollectionID, o.EventID), body

	case *changeset.CompleteOp:
		body, err := CompleteFetched(e.Fetched[h.CorrelationID], o.Record.Title)
		if err != nil {
			return req, err
		}
		req.Method, req.Path, req.Body = http.MethodPut, e.eventPath(h.CollectionID, o.EventID), body

	case *changeset.DeleteOp:
		req.Method, req.Path = http.MethodDelete, e.eventPath(h.CollectionID, o.EventID)

	case *changeset.MoveOp:
		req.Method = http.MethodPost
		req.Path = e.eventPath(h.CollectionID, o.EventID) + "/move?destination=" + url.QueryEscape(o.To)

	case *changeset.GetOp:
		req.Method, req.Path = http.MethodGet, e.eventPath(h.CollectionID, o.EventID)

	default:
		return req, fmt.Errorf("unsupported operation %T", op)
	}
	return req, nil
}
