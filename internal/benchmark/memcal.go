package benchmark

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tasksync/tasksync/internal/batchcodec"
	"github.com/tasksync/tasksync/internal/routing"
)

const memBasePath = "/calendar/v3"

// memCalendar is an in-memory calendar that answers batch envelopes.
type memCalendar struct {
	mu      sync.Mutex
	events  map[string]json.RawMessage
	next    int
	latency time.Duration

	envelopes int
	requests  int
}

func newMemCalendar(latency time.Duration) *memCalendar {
	return &memCalendar{events: make(map[string]json.RawMessage), latency: latency}
}

func (m *memCalendar) ListCollections(ctx context.Context) ([]routing.Collection, error) {
	return []routing.Collection{{ID: "primary", Name: "Benchmark", Primary: true}}, nil
}

func (m *memCalendar) BasePath() string { return memBasePath }

func (m *memCalendar) Do(ctx context.Context, reqs []batchcodec.Request) ([]batchcodec.Response, error) {
	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopes++
	m.requests += len(reqs)

	out := make([]batchcodec.Response, len(reqs))
	for i, req := range reqs {
		status, body := m.handle(req)
		out[i] = batchcodec.Response{ContentID: req.ContentID, Status: status, Body: body}
	}
	return out, nil
}

// handle serves one sub-request. Paths look like
// /calendar/v3/calendars/{cal}/events[/{id}[/move]].
func (m *memCalendar) handle(req batchcodec.Request) (int, []byte) {
	parts := strings.Split(strings.TrimPrefix(req.Path, memBasePath+"/calendars/"), "/")
	if len(parts) == 2 && req.Method == http.MethodPost {
		m.next++
		id := fmt.Sprintf("ev%06d", m.next)
		m.events[id] = stamp(req.Body, id)
		return http.StatusOK, m.events[id]
	}
	if len(parts) < 3 {
		return http.StatusBadRequest, nil
	}

	id := parts[2]
	body, ok := m.events[id]
	if !ok {
		return http.StatusNotFound, []byte(`{"error":{"code":404,"message":"Not Found"}}`)
	}
	switch req.Method {
	case http.MethodGet:
		return http.StatusOK, body
	case http.MethodPut:
		m.events[id] = stamp(req.Body, id)
		return http.StatusOK, m.events[id]
	case http.MethodDelete:
		delete(m.events, id)
		return http.StatusNoContent, nil
	case http.MethodPost:
		// move keeps the event as is
		return http.StatusOK, body
	}
	return http.StatusMethodNotAllowed, nil
}

// counters returns and resets the envelope and request counts.
func (m *memCalendar) counters() (envelopes, requests int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	envelopes, requests = m.envelopes, m.requests
	m.envelopes, m.requests = 0, 0
	return envelopes, requests
}

func (m *memCalendar) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func stamp(body []byte, id string) json.RawMessage {
	doc := map[string]any{}
	_ = json.Unmarshal(body, &doc)
	doc["id"] = id
	out, _ := json.Marshal(doc)
	return out
}
