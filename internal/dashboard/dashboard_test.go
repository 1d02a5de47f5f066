package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/tasksync/tasksync/internal/engine"
	"github.com/tasksync/tasksync/internal/safety"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/state"
)

// fakeAPI holds pending deletions in memory.
type fakeAPI struct {
	mu      sync.Mutex
	st      *state.State
	busy    bool
	cleared []string
}

func newFakeAPI(ids ...string) *fakeAPI {
	st := state.New()
	for _, id := range ids {
		st.PendingDeletions = append(st.PendingDeletions, schema.DivertedDeletion{
			TaskID: id,
			Title:  "Task " + id,
			Date:   "2025-03-01",
		})
	}
	return &fakeAPI{st: st}
}

func (f *fakeAPI) State(ctx context.Context) (*state.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st, nil
}

func (f *fakeAPI) take(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return engine.ErrCycleInProgress
	}
	for i, d := range f.st.PendingDeletions {
		if d.TaskID == id {
			f.st.PendingDeletions = append(f.st.PendingDeletions[:i], f.st.PendingDeletions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("approve %s: %w", id, safety.ErrNoPendingDeletion)
}

func (f *fakeAPI) Approve(ctx context.Context, id string) error { return f.take(id) }
func (f *fakeAPI) Keep(ctx context.Context, id string) error    { return f.take(id) }

func (f *fakeAPI) Restore(ctx context.Context, id string) (string, error) {
	if err := f.take(id); err != nil {
		return "", err
	}
	return "- [ ] Task " + id + " 📅 2025-03-01", nil
}

func (f *fakeAPI) ApproveAll(ctx context.Context) ([]safety.Resolution, error) {
	f.mu.Lock()
	pending := f.st.PendingDeletions
	f.st.PendingDeletions = nil
	f.mu.Unlock()

	out := make([]safety.Resolution, 0, len(pending))
	for _, d := range pending {
		out = append(out, safety.Resolution{TaskID: d.TaskID, Title: d.Title})
	}
	return out, nil
}

func (f *fakeAPI) KeepAll(ctx context.Context) (int, error) {
	res, err := f.ApproveAll(ctx)
	return len(res), err
}

func (f *fakeAPI) ClearLog(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, "log")
	return nil
}

func (f *fakeAPI) ClearQueue(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, "queue")
	return nil
}

func newTestServer(t *testing.T, api API, trigger func()) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(api, Config{Trigger: trigger}, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Stop()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	if msg := readMessage(t, conn); msg.Type != MessageTypeHello {
		t.Fatalf("Expected hello message, got %s", msg.Type)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func post(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(newFakeAPI(), Config{Port: 0}, nil)

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	_, port, err := net.SplitHostPort(server.Addr())
	if err != nil || port == "0" {
		t.Fatalf("Unexpected listen address %q", server.Addr())
	}

	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from /health, got %d", resp.StatusCode)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketConnection(t *testing.T) {
	server, ts := newTestServer(t, newFakeAPI(), nil)

	dial(t, ts)

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestGetState(t *testing.T) {
	_, ts := newTestServer(t, newFakeAPI("a", "b"), nil)

	resp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatalf("GET /api/state: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var view StateView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	if len(view.PendingDeletions) != 2 {
		t.Errorf("Expected 2 pending deletions, got %d", len(view.PendingDeletions))
	}
	if view.SyncLog == nil || view.RecentlyDeleted == nil {
		t.Error("Empty lists should encode as [] not null")
	}
}

func TestApproveBroadcastsResolution(t *testing.T) {
	_, ts := newTestServer(t, newFakeAPI("a"), nil)
	conn := dial(t, ts)

	resp := post(t, ts.URL+"/api/deletions/a/approve")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeDeletionResolved {
		t.Fatalf("Expected %s, got %s", MessageTypeDeletionResolved, msg.Type)
	}
	var data ResolvedData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal data: %v", err)
	}
	if data.TaskID != "a" || data.Action != "approved" {
		t.Errorf("Unexpected resolution %+v", data)
	}
}

func TestRestoreReturnsLine(t *testing.T) {
	_, ts := newTestServer(t, newFakeAPI("a"), nil)

	resp := post(t, ts.URL+"/api/deletions/a/restore")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var data ResolvedData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if !strings.Contains(data.Line, "Task a") {
		t.Errorf("Expected restored line, got %q", data.Line)
	}
}

func TestErrorStatus(t *testing.T) {
	api := newFakeAPI("a")
	_, ts := newTestServer(t, api, nil)

	if resp := post(t, ts.URL+"/api/deletions/missing/keep"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown task, got %d", resp.StatusCode)
	}

	api.mu.Lock()
	api.busy = true
	api.mu.Unlock()
	if resp := post(t, ts.URL+"/api/deletions/a/keep"); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 while a cycle runs, got %d", resp.StatusCode)
	}
}

func TestApproveAll(t *testing.T) {
	_, ts := newTestServer(t, newFakeAPI("a", "b"), nil)

	resp := post(t, ts.URL+"/api/deletions/approve-all")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var out []ResolvedData
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("Expected 2 resolutions, got %d", len(out))
	}
}

func TestClearRoutes(t *testing.T) {
	api := newFakeAPI()
	_, ts := newTestServer(t, api, nil)
	conn := dial(t, ts)

	if resp := post(t, ts.URL+"/api/log/clear"); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/queue/clear"); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", resp.StatusCode)
	}

	for i := 0; i < 2; i++ {
		if msg := readMessage(t, conn); msg.Type != MessageTypeStateChanged {
			t.Errorf("Expected %s, got %s", MessageTypeStateChanged, msg.Type)
		}
	}
	if got := strings.Join(api.cleared, ","); got != "log,queue" {
		t.Errorf("Expected log,queue cleared, got %s", got)
	}
}

func TestSyncTrigger(t *testing.T) {
	triggered := make(chan struct{}, 1)
	_, ts := newTestServer(t, newFakeAPI(), func() { triggered <- struct{}{} })

	if resp := post(t, ts.URL+"/api/sync"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	select {
	case <-triggered:
	case <-time.After(time.Second):
		t.Fatal("Trigger was not called")
	}

	_, bare := newTestServer(t, newFakeAPI(), nil)
	if resp := post(t, bare.URL+"/api/sync"); resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("Expected 501 without a daemon, got %d", resp.StatusCode)
	}
}

func TestOnCycle(t *testing.T) {
	server, ts := newTestServer(t, newFakeAPI(), nil)
	conn := dial(t, ts)

	server.OnCycle("watch", &engine.Summary{Created: 1, Diverted: 2}, nil)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("Expected %s, got %s", MessageTypeSyncComplete, msg.Type)
	}
	var done SyncCompleteData
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatalf("Failed to unmarshal data: %v", err)
	}
	if done.Trigger != "watch" || done.Summary == nil || done.Summary.Created != 1 {
		t.Errorf("Unexpected sync data %+v", done)
	}

	msg = readMessage(t, conn)
	if msg.Type != MessageTypeDeletionsPending {
		t.Fatalf("Expected %s, got %s", MessageTypeDeletionsPending, msg.Type)
	}
	var pending PendingData
	if err := json.Unmarshal(msg.Data, &pending); err != nil {
		t.Fatalf("Failed to unmarshal data: %v", err)
	}
	if pending.Count != 2 {
		t.Errorf("Expected 2 pending, got %d", pending.Count)
	}

	server.OnCycle("interval", nil, errors.New("boom"))
	msg = readMessage(t, conn)
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatalf("Failed to unmarshal data: %v", err)
	}
	if done.Error != "boom" {
		t.Errorf("Expected error in sync data, got %+v", done)
	}
}
