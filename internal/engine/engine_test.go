package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasksync/tasksync/internal/baseline"
	"github.com/tasksync/tasksync/internal/batchcodec"
	"github.com/tasksync/tasksync/internal/changeset"
	"github.com/tasksync/tasksync/internal/identity"
	"github.com/tasksync/tasksync/internal/routing"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/state"
)

const basePath = "/calendar/v3"

// fakeCalendar is an in-memory calendar service speaking the batch
// sub-request paths the encoder produces.
type fakeCalendar struct {
	mu      sync.Mutex
	events  map[string]json.RawMessage // by event ID
	owner   map[string]string          // event ID -> calendar ID
	next    int
	calls   [][]batchcodec.Request
	listErr error

	// failMethod makes every sub-request with that method return failStatus.
	failMethod string
	failStatus int
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: map[string]json.RawMessage{}, owner: map[string]string{}}
}

func (f *fakeCalendar) ListCollections(ctx context.Context) ([]routing.Collection, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []routing.Collection{
		{ID: "primary", Name: "Personal", Primary: true},
		{ID: "work-cal", Name: "Work"},
	}, nil
}

func (f *fakeCalendar) BasePath() string { return basePath }

func (f *fakeCalendar) Do(ctx context.Context, reqs []batchcodec.Request) ([]batchcodec.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reqs)

	out := make([]batchcodec.Response, 0, len(reqs))
	for _, req := range reqs {
		resp := batchcodec.Response{ContentID: req.ContentID}
		if req.Method == f.failMethod {
			resp.Status = f.failStatus
			out = append(out, resp)
			continue
		}
		resp.Status, resp.Body = f.handle(req)
		out = append(out, resp)
	}
	return out, nil
}

func (f *fakeCalendar) handle(req batchcodec.Request) (int, []byte) {
	rest := strings.TrimPrefix(req.Path, basePath+"/calendars/")
	parts := strings.SplitN(rest, "/", 4)
	cal := parts[0]

	if len(parts) == 2 && req.Method == http.MethodPost {
		f.next++
		id := fmt.Sprintf("E%d", f.next)
		f.events[id] = withID(req.Body, id)
		f.owner[id] = cal
		return http.StatusOK, f.events[id]
	}

	id := parts[2]
	body, ok := f.events[id]
	if !ok {
		return http.StatusNotFound, []byte(`{"error":{"code":404}}`)
	}
	switch {
	case req.Method == http.MethodGet:
		return http.StatusOK, body
	case req.Method == http.MethodPut:
		f.events[id] = withID(req.Body, id)
		return http.StatusOK, f.events[id]
	case req.Method == http.MethodDelete:
		delete(f.events, id)
		delete(f.owner, id)
		return http.StatusNoContent, nil
	case len(parts) == 4 && strings.HasPrefix(parts[3], "move"):
		f.owner[id] = strings.TrimPrefix(parts[3], "move?destination=")
		return http.StatusOK, body
	}
	return http.StatusBadRequest, nil
}

func (f *fakeCalendar) summary(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ev struct {
		Summary string `json:"summary"`
	}
	_ = json.Unmarshal(f.events[id], &ev)
	return ev.Summary
}

func (f *fakeCalendar) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, chunk := range f.calls {
		for _, r := range chunk {
			out = append(out, r.Method)
		}
	}
	return out
}

func (f *fakeCalendar) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func withID(body []byte, id string) json.RawMessage {
	doc := map[string]any{}
	_ = json.Unmarshal(body, &doc)
	doc["id"] = id
	out, _ := json.Marshal(doc)
	return out
}

type staticScanner struct {
	records []schema.TaskRecord
}

func (s *staticScanner) Scan(ctx context.Context) ([]schema.TaskRecord, error) {
	return append([]schema.TaskRecord(nil), s.records...), nil
}

func task(file string, line int, title, date, tm string) schema.TaskRecord {
	rec := schema.TaskRecord{
		Title:      title,
		Date:       date,
		Time:       tm,
		FilePath:   file,
		LineNumber: line,
		IsAllDay:   tm == "",
	}
	rec.RawText = schema.FormatTaskLine(title, date, tm)
	return rec
}

type harness struct {
	eng     *Engine
	remote  *fakeCalendar
	scanner *staticScanner
	store   *state.MemoryStore
	base    *baseline.Store
	config  Config
}

func newHarness(t *testing.T, mutate func(c *Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Batch.RetryDelay = 0
	cfg.Routing = routing.Rules{Tags: map[string]string{"work": "Work"}}
	cfg.LockPath = filepath.Join(t.TempDir(), "state.sync.lock")
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		remote:  newFakeCalendar(),
		scanner: &staticScanner{},
		store:   state.NewMemoryStore(nil),
		base:    baseline.NewStore(filepath.Join(t.TempDir(), "writer.yaml")),
		config:  cfg,
	}
	eng, err := New(h.scanner, h.remote, h.store, h.base, cfg, nil)
	require.NoError(t, err)
	h.eng = eng
	return h
}

// peer returns a second writer sharing the calendar and the state store,
// with its own vault and baseline.
func (h *harness) peer(t *testing.T) *harness {
	t.Helper()
	cfg := h.config
	cfg.LockPath = filepath.Join(t.TempDir(), "peer.sync.lock")
	p := &harness{
		remote:  h.remote,
		scanner: &staticScanner{},
		store:   h.store,
		base:    baseline.NewStore(filepath.Join(t.TempDir(), "peer.yaml")),
		config:  cfg,
	}
	eng, err := New(p.scanner, p.remote, p.store, p.base, cfg, nil)
	require.NoError(t, err)
	p.eng = eng
	return p
}

func logged(st *state.State, substr string) bool {
	for _, e := range st.SyncLog {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func (h *harness) run(t *testing.T) *Summary {
	t.Helper()
	s, err := h.eng.RunCycle(context.Background(), Options{})
	require.NoError(t, err)
	return s
}

func (h *harness) state(t *testing.T) *state.State {
	t.Helper()
	st, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return st
}

func TestNew_RejectsInvalidPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.External = "ignore"
	_, err := New(&staticScanner{}, newFakeCalendar(), state.NewMemoryStore(nil), nil, cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Policy.Reroute = "teleport"
	_, err = New(&staticScanner{}, newFakeCalendar(), state.NewMemoryStore(nil), nil, cfg, nil)
	assert.Error(t, err)
}

// TestRunCycle_Lifecycle walks one task from creation through an edit and a
// removal to an approved deletion.
func TestRunCycle_Lifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	call := task("inbox.md", 3, "Call mom", "2024-03-20", "09:00")
	h.scanner.records = []schema.TaskRecord{call}

	s := h.run(t)
	assert.Equal(t, 1, s.Created)
	st := h.state(t)
	rec, ok := st.Get(identity.StableID(&call))
	require.True(t, ok)
	assert.Equal(t, "E1", rec.EventID)
	assert.Equal(t, "primary", rec.CollectionID)

	// Only the time changes, on the same line.
	h.remote.reset()
	edited := task("inbox.md", 3, "Call mom", "2024-03-20", "10:00")
	h.scanner.records = []schema.TaskRecord{edited}

	s = h.run(t)
	assert.Equal(t, 0, s.Created)
	assert.Equal(t, 1, s.Updated)
	assert.Equal(t, 0, s.Diverted)
	assert.Equal(t, []string{http.MethodGet, http.MethodPut}, h.remote.methods())
	st = h.state(t)
	_, stale := st.Get(identity.StableID(&call))
	assert.False(t, stale)
	rec, ok = st.Get(identity.StableID(&edited))
	require.True(t, ok)
	assert.Equal(t, "E1", rec.EventID)
	assert.Equal(t, "10:00", rec.Time)

	// The line is removed.
	h.remote.reset()
	h.scanner.records = nil

	s = h.run(t)
	assert.Equal(t, 1, s.Diverted)
	assert.Equal(t, 0, s.Deleted)
	assert.Empty(t, h.remote.methods())
	st = h.state(t)
	require.Len(t, st.PendingDeletions, 1)
	pending := st.PendingDeletions[0]
	assert.Equal(t, "E1", pending.EventID)
	assert.Equal(t, schema.ReasonOrphaned, pending.Reason)

	// Approval deletes and archives.
	require.NoError(t, h.eng.Approve(ctx, pending.TaskID))
	st = h.state(t)
	assert.Empty(t, st.PendingDeletions)
	assert.Empty(t, st.SyncedTasks)
	require.Len(t, st.RecentlyDeleted, 1)
	archived := st.RecentlyDeleted[0]
	assert.Equal(t, "Personal", archived.CollectionName)
	assert.Equal(t, 30*24*time.Hour, archived.ExpiresAt.Sub(archived.DeletedAt))
	assert.NotEmpty(t, archived.Snapshot)
	_, exists := h.remote.events["E1"]
	assert.False(t, exists)
}

func TestRunCycle_IdempotentSecondRun(t *testing.T) {
	h := newHarness(t, nil)
	h.scanner.records = []schema.TaskRecord{
		task("inbox.md", 1, "Buy milk", "2024-03-20", ""),
		task("inbox.md", 2, "Dentist", "2024-03-21", "14:30"),
	}
	h.run(t)

	h.remote.reset()
	s := h.run(t)
	assert.Equal(t, 0, s.Created+s.Updated+s.Deleted+s.Failed)
	assert.Equal(t, 2, s.Unchanged)
	assert.Empty(t, h.remote.methods())
}

func TestRunCycle_DryRunTouchesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.scanner.records = []schema.TaskRecord{task("inbox.md", 1, "Buy milk", "2024-03-20", "")}

	s, err := h.eng.RunCycle(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, s.DryRun)
	assert.Equal(t, 1, s.Created)
	assert.Empty(t, h.remote.methods())
	assert.Empty(t, h.state(t).SyncedTasks)
	assert.Empty(t, h.state(t).SyncLog)
}

func TestRunCycle_TransientFailureIsQueuedAndReplaced(t *testing.T) {
	h := newHarness(t, nil)
	h.scanner.records = []schema.TaskRecord{task("inbox.md", 1, "Buy milk", "2024-03-20", "")}
	h.remote.failMethod, h.remote.failStatus = http.MethodPost, http.StatusInternalServerError

	s := h.run(t)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Pending)
	st := h.state(t)
	require.Len(t, st.PendingOperations, 1)
	assert.Equal(t, schema.OpCreate, st.PendingOperations[0].Type)
	assert.Equal(t, 1, st.PendingOperations[0].RetryCount)

	s = h.run(t)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 2, h.state(t).PendingOperations[0].RetryCount)

	h.remote.failMethod = ""
	h.remote.reset()
	s = h.run(t)
	assert.Equal(t, 1, s.Created)
	assert.Equal(t, 0, s.Pending)
	// The fresh create supersedes the queued one, so only one request goes out.
	assert.Equal(t, []string{http.MethodPost}, h.remote.methods())
}

func TestRunCycle_ClientErrorIsLoggedNotQueued(t *testing.T) {
	h := newHarness(t, nil)
	h.scanner.records = []schema.TaskRecord{task("inbox.md", 1, "Buy milk", "2024-03-20", "")}
	h.remote.failMethod, h.remote.failStatus = http.MethodPost, http.StatusBadRequest

	s := h.run(t)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 0, s.Pending)
	st := h.state(t)
	var errorsLogged int
	for _, e := range st.SyncLog {
		if e.Level == schema.LevelError {
			errorsLogged++
		}
	}
	assert.Equal(t, 1, errorsLogged)
}

func TestRunCycle_FailedDeleteIsRetried(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Policy.SafeMode = false })
	milk := task("inbox.md", 1, "Buy milk", "2024-03-20", "")
	h.scanner.records = []schema.TaskRecord{milk}
	h.run(t)

	h.scanner.records = nil
	h.remote.failMethod, h.remote.failStatus = http.MethodDelete, http.StatusServiceUnavailable
	s := h.run(t)
	assert.Equal(t, 1, s.Pending)

	h.remote.failMethod = ""
	s = h.run(t)
	assert.Equal(t, 1, s.Deleted)
	assert.Equal(t, 0, s.Pending)
	assert.Empty(t, h.state(t).SyncedTasks)
	assert.Empty(t, h.remote.events)
}

func TestRunCycle_StaleQueuedOperationIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	milk := task("inbox.md", 1, "Buy milk", "2024-03-20", "")

	seed := state.New()
	op := &changeset.CreateOp{
		Header: changeset.Header{CorrelationID: "c1", TaskID: identity.StableID(&milk), CollectionID: "primary"},
		Record: milk,
	}
	p, err := changeset.Marshal(op)
	require.NoError(t, err)
	seed.QueueOperation(p)
	require.NoError(t, h.store.Save(context.Background(), seed))

	// The task is gone from the vault, so the queued create must not run.
	s := h.run(t)
	assert.Equal(t, 0, s.Created)
	assert.Equal(t, 0, s.Pending)
	assert.Empty(t, h.remote.methods())
}

func TestRunCycle_UnsafeModeDeletesOrphanImmediately(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Policy.SafeMode = false })
	h.scanner.records = []schema.TaskRecord{task("inbox.md", 1, "Buy milk", "2024-03-20", "")}
	h.run(t)

	h.scanner.records = nil
	h.remote.reset()
	s := h.run(t)
	assert.Equal(t, 1, s.Deleted)
	assert.Equal(t, 0, s.Diverted)
	assert.Equal(t, []string{http.MethodDelete}, h.remote.methods())
	assert.Empty(t, h.state(t).SyncedTasks)
	assert.Empty(t, h.state(t).RecentlyDeleted)
}

func TestRunCycle_DivertedAtSurvivesRediversion(t *testing.T) {
	h := newHarness(t, nil)
	h.scanner.records = []schema.TaskRecord{task("inbox.md", 1, "Buy milk", "2024-03-20", "")}
	h.run(t)

	first := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	h.eng.now = func() time.Time { return first }
	h.scanner.records = nil
	h.run(t)

	h.eng.now = func() time.Time { return first.Add(time.Hour) }
	h.run(t)

	st := h.state(t)
	require.Len(t, st.PendingDeletions, 1)
	assert.True(t, st.PendingDeletions[0].DivertedAt.Equal(first))
}

func TestRunCycle_CompletedTaskIsMarkedOnce(t *testing.T) {
	h := newHarness(t, nil)
	milk := task("inbox.md", 1, "Buy milk", "2024-03-20", "")
	h.scanner.records = []schema.TaskRecord{milk}
	h.run(t)

	done := milk
	done.IsCompleted = true
	done.RawText = strings.Replace(milk.RawText, "[ ]", "[x]", 1)
	h.scanner.records = []schema.TaskRecord{done}

	s := h.run(t)
	assert.Equal(t, 1, s.Updated)
	assert.Equal(t, "✅ Buy milk", h.remote.summary("E1"))
	rec, ok := h.state(t).Get(identity.StableID(&milk))
	require.True(t, ok)
	assert.True(t, rec.Completed)

	h.remote.reset()
	s = h.run(t)
	assert.Equal(t, 0, s.Updated)
	assert.Empty(t, h.remote.methods())
}

func TestRunCycle_CompletedDeletePolicy(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Policy.Completed = changeset.CompletedDelete })
	milk := task("inbox.md", 1, "Buy milk", "2024-03-20", "")
	h.scanner.records = []schema.TaskRecord{milk}
	h.run(t)

	done := milk
	done.IsCompleted = true
	h.scanner.records = []schema.TaskRecord{done}

	s := h.run(t)
	assert.Equal(t, 1, s.Deleted)
	assert.Equal(t, 0, s.Diverted)
	assert.Empty(t, h.state(t).SyncedTasks)
}

func TestRunCycle_RerouteMovesEvent(t *testing.T) {
	h := newHarness(t, nil)
	standup := task("daily.md", 1, "Standup", "2024-03-20", "09:00")
	h.scanner.records = []schema.TaskRecord{standup}
	h.run(t)

	tagged := standup
	tagged.Tags = []string{"work"}
	h.scanner.records = []schema.TaskRecord{tagged}
	h.remote.reset()

	s := h.run(t)
	assert.Equal(t, 1, s.Updated)
	assert.Equal(t, []string{http.MethodPost}, h.remote.methods())
	assert.Equal(t, "work-cal", h.remote.owner["E1"])

	rec, ok := h.state(t).Get(identity.StableID(&standup))
	require.True(t, ok)
	assert.Equal(t, "work-cal", rec.CollectionID)
	assert.Equal(t, "E1", rec.EventID)
}

func TestRunCycle_ExternalRemovalAskThenRecreate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	call := task("inbox.md", 3, "Call mom", "2024-03-20", "")
	h.scanner.records = []schema.TaskRecord{call}
	h.run(t)

	// Someone deletes the event in the calendar, then the task is edited.
	delete(h.remote.events, "E1")
	edited := call
	edited.RawText += " #family"
	h.scanner.records = []schema.TaskRecord{edited}

	s := h.run(t)
	assert.Equal(t, 0, s.Updated)
	assert.Equal(t, 0, s.Failed)
	st := h.state(t)
	require.Len(t, st.ExternalRemovals, 1)
	id := identity.StableID(&call)
	assert.Equal(t, id, st.ExternalRemovals[0].TaskID)
	rec, ok := st.Get(id)
	require.True(t, ok)
	assert.True(t, rec.IsSevered)

	// Severed records stay quiet until resolved.
	h.remote.reset()
	h.run(t)
	assert.Empty(t, h.remote.methods())

	require.NoError(t, h.eng.ResolveExternal(ctx, id, ActionRecreate))
	assert.Empty(t, h.state(t).ExternalRemovals)

	s = h.run(t)
	assert.Equal(t, 1, s.Created)
	rec, ok = h.state(t).Get(id)
	require.True(t, ok)
	assert.Equal(t, "E2", rec.EventID)
	assert.False(t, rec.IsSevered)
}

func TestRunCycle_ExternalRemovalRecreatePolicy(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.External = ExternalRecreate })
	call := task("inbox.md", 3, "Call mom", "2024-03-20", "")
	h.scanner.records = []schema.TaskRecord{call}
	h.run(t)

	delete(h.remote.events, "E1")
	edited := call
	edited.RawText += " #family"
	h.scanner.records = []schema.TaskRecord{edited}
	h.run(t)
	assert.Empty(t, h.state(t).SyncedTasks)

	// The base entry was dropped with the record, so the next cycle does not
	// mistake the missing record for another writer's deletion.
	s := h.run(t)
	assert.Equal(t, 1, s.Created)
	rec, ok := h.state(t).Get(identity.StableID(&call))
	require.True(t, ok)
	assert.False(t, rec.IsSevered)
}

func TestResolveExternal_Unknown(t *testing.T) {
	h := newHarness(t, nil)
	err := h.eng.ResolveExternal(context.Background(), "task-missing", ActionSever)
	assert.ErrorIs(t, err, ErrNoExternalRemoval)

	err = h.eng.ResolveExternal(context.Background(), "task-missing", "shrug")
	assert.Error(t, err)
}

func TestRunCycle_ListFailureAbortsWithoutSaving(t *testing.T) {
	h := newHarness(t, nil)
	h.scanner.records = []schema.TaskRecord{task("inbox.md", 1, "Buy milk", "2024-03-20", "")}
	h.remote.listErr = errors.New("offline")

	_, err := h.eng.RunCycle(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline")
	assert.Empty(t, h.remote.methods())
	assert.True(t, h.state(t).LastSyncAt.IsZero())
}

func TestRunCycle_SaveFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.scanner.records = []schema.TaskRecord{task("inbox.md", 1, "Buy milk", "2024-03-20", "")}
	h.store.FailSave = errors.New("disk full")

	_, err := h.eng.RunCycle(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save sync state")
}

func TestRunCycle_ConcurrentCycleRejected(t *testing.T) {
	h := newHarness(t, nil)
	unlock, err := h.eng.acquire()
	require.NoError(t, err)
	defer unlock()

	_, err = h.eng.RunCycle(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.ErrorIs(t, h.eng.ClearLog(context.Background()), ErrCycleInProgress)
}

func TestRunCycle_WarningsSurface(t *testing.T) {
	h := newHarness(t, nil)
	milk := task("inbox.md", 1, "Buy milk", "2024-03-20", "")
	dup := milk
	dup.LineNumber = 7
	h.scanner.records = []schema.TaskRecord{milk, dup}

	s := h.run(t)
	assert.Equal(t, 1, s.Created)
	require.Len(t, s.Warnings, 1)
	assert.Contains(t, s.Warnings[0], "duplicate")
}

func TestKeepAndRestore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	milk := task("inbox.md", 1, "Buy milk", "2024-03-20", "")
	bread := task("inbox.md", 2, "Buy bread", "2024-03-20", "")
	h.scanner.records = []schema.TaskRecord{milk, bread}
	h.run(t)

	h.scanner.records = nil
	h.run(t)
	require.Len(t, h.state(t).PendingDeletions, 2)

	require.NoError(t, h.eng.Keep(ctx, identity.StableID(&milk)))
	line, err := h.eng.Restore(ctx, identity.StableID(&bread))
	require.NoError(t, err)
	assert.Equal(t, bread.RawText, line)

	st := h.state(t)
	assert.Empty(t, st.PendingDeletions)
	assert.Len(t, st.SyncedTasks, 2)

	// The kept orphan is not diverted again.
	h.run(t)
	pending := h.state(t).PendingDeletions
	require.Len(t, pending, 1)
	assert.Equal(t, identity.StableID(&bread), pending[0].TaskID)
}

func TestClearQueueAndLog(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.scanner.records = []schema.TaskRecord{task("inbox.md", 1, "Buy milk", "2024-03-20", "")}
	h.remote.failMethod, h.remote.failStatus = http.MethodPost, http.StatusServiceUnavailable
	h.run(t)
	require.NotEmpty(t, h.state(t).PendingOperations)

	require.NoError(t, h.eng.ClearQueue(ctx))
	require.NoError(t, h.eng.ClearLog(ctx))
	st := h.state(t)
	assert.Empty(t, st.PendingOperations)
	assert.Empty(t, st.SyncLog)
}

func TestRunCycle_UpdateKeepsEditedDescription(t *testing.T) {
	h := newHarness(t, nil)
	call := task("inbox.md", 3, "Call mom", "2024-03-20", "09:00")
	h.scanner.records = []schema.TaskRecord{call}
	h.run(t)

	doc := map[string]any{}
	require.NoError(t, json.Unmarshal(h.remote.events["E1"], &doc))
	doc["description"] = "Dial-in: 555-0100"
	doc["location"] = "Home"
	h.remote.events["E1"], _ = json.Marshal(doc)

	edited := call
	edited.RawText += " #family"
	h.scanner.records = []schema.TaskRecord{edited}
	s := h.run(t)
	require.Equal(t, 1, s.Updated)

	got := map[string]any{}
	require.NoError(t, json.Unmarshal(h.remote.events["E1"], &got))
	assert.Equal(t, "Dial-in: 555-0100", got["description"])
	assert.Equal(t, "Home", got["location"])
}

// TestApprove_FreshStartCreateRetriedNextCycle covers a fresh-start reroute
// whose delete succeeds on approval while the linked create fails.
func TestApprove_FreshStartCreateRetriedNextCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.Policy.Reroute = changeset.RerouteFreshStart })
	standup := task("daily.md", 1, "Standup", "2024-03-20", "09:00")
	h.scanner.records = []schema.TaskRecord{standup}
	h.run(t)

	tagged := standup
	tagged.Tags = []string{"work"}
	h.scanner.records = []schema.TaskRecord{tagged}
	s := h.run(t)
	require.Equal(t, 1, s.Diverted)
	id := identity.StableID(&standup)

	h.remote.failMethod, h.remote.failStatus = http.MethodPost, http.StatusServiceUnavailable
	require.NoError(t, h.eng.Approve(ctx, id))
	assert.Empty(t, h.remote.events)
	require.Len(t, h.state(t).PendingOperations, 1)

	h.remote.failMethod = ""
	s = h.run(t)
	assert.Equal(t, 1, s.Created)
	assert.Equal(t, 0, s.Pending)

	rec, ok := h.state(t).Get(id)
	require.True(t, ok)
	assert.False(t, rec.IsSevered)
	assert.Equal(t, "work-cal", rec.CollectionID)
	require.Len(t, h.remote.events, 1)
	assert.Equal(t, "work-cal", h.remote.owner[rec.EventID])
}

func TestApprove_RecoveredLineSyncsAgain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	milk := task("inbox.md", 1, "Buy milk", "2024-03-20", "")
	h.scanner.records = []schema.TaskRecord{milk}
	h.run(t)

	h.scanner.records = nil
	h.run(t)
	require.NoError(t, h.eng.Approve(ctx, identity.StableID(&milk)))

	line, err := h.eng.RecoverText(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, milk.RawText, line)

	h.scanner.records = []schema.TaskRecord{milk}
	h.remote.reset()
	s := h.run(t)
	assert.Equal(t, 1, s.Created)
	assert.Equal(t, []string{http.MethodPost}, h.remote.methods())

	rec, ok := h.state(t).Get(identity.StableID(&milk))
	require.True(t, ok)
	assert.False(t, rec.IsSevered)
	assert.Equal(t, "E2", rec.EventID)
	assert.False(t, logged(h.state(t), "another writer"))
}

// TestRunCycle_RenameRevertedAfterFailedUpdate renames a task in a cycle
// whose update fails, then restores the old title.
func TestRunCycle_RenameRevertedAfterFailedUpdate(t *testing.T) {
	h := newHarness(t, nil)
	mom := task("inbox.md", 3, "Call mom", "2024-03-20", "")
	h.scanner.records = []schema.TaskRecord{mom}
	h.run(t)

	mother := task("inbox.md", 3, "Call mother", "2024-03-20", "")
	h.scanner.records = []schema.TaskRecord{mother}
	h.remote.failMethod, h.remote.failStatus = http.MethodPut, http.StatusServiceUnavailable
	s := h.run(t)
	require.Equal(t, 1, s.Pending)

	h.remote.failMethod = ""
	h.remote.reset()
	h.scanner.records = []schema.TaskRecord{mom}
	s = h.run(t)
	assert.Equal(t, 0, s.Created)
	assert.Equal(t, 1, s.Unchanged)
	assert.Equal(t, 0, s.Pending)
	assert.Empty(t, h.remote.methods())

	st := h.state(t)
	assert.Len(t, st.SyncedTasks, 1)
	rec, ok := st.Get(identity.StableID(&mom))
	require.True(t, ok)
	assert.False(t, rec.IsSevered)
	assert.Equal(t, "E1", rec.EventID)

	// Nothing is left to divert.
	s = h.run(t)
	assert.Equal(t, 0, s.Diverted)
}

// TestRunCycle_OwnWritesDoNotConflictAfterFailedCycle keeps one create
// failing so every cycle is unclean, and checks that a task this writer
// updated meanwhile is not reported as a conflict.
func TestRunCycle_OwnWritesDoNotConflictAfterFailedCycle(t *testing.T) {
	h := newHarness(t, nil)
	milk := task("inbox.md", 1, "Buy milk", "2024-03-20", "")
	h.scanner.records = []schema.TaskRecord{milk}
	h.run(t)

	edited := milk
	edited.RawText += " #family"
	dentist := task("inbox.md", 2, "Dentist", "2024-03-21", "14:30")
	h.scanner.records = []schema.TaskRecord{edited, dentist}
	h.remote.failMethod, h.remote.failStatus = http.MethodPost, http.StatusServiceUnavailable

	s := h.run(t)
	assert.Equal(t, 1, s.Updated)
	assert.Equal(t, 1, s.Pending)

	h.run(t)
	h.run(t)
	assert.False(t, logged(h.state(t), "Conflict"))
}

func TestRunCycle_PeerAdoptsRemoteChange(t *testing.T) {
	a := newHarness(t, nil)
	b := a.peer(t)

	milk := task("inbox.md", 1, "Buy milk", "2024-03-20", "")
	a.scanner.records = []schema.TaskRecord{milk}
	b.scanner.records = []schema.TaskRecord{milk}
	a.run(t)
	b.run(t)

	edited := milk
	edited.RawText += " #family"
	a.scanner.records = []schema.TaskRecord{edited}
	require.Equal(t, 1, a.run(t).Updated)

	// b has not seen the edit yet and must not push its old copy back.
	a.remote.reset()
	s := b.run(t)
	assert.Equal(t, 0, s.Updated)
	assert.Empty(t, a.remote.methods())
	rec, ok := a.state(t).Get(identity.StableID(&milk))
	require.True(t, ok)
	assert.Equal(t, 2, rec.Version)
	assert.Equal(t, identity.Fingerprint(&edited), rec.ContentFingerprint)

	// The edit reaches b's vault; the next cycle is quiet.
	b.scanner.records = []schema.TaskRecord{edited}
	s = b.run(t)
	assert.Equal(t, 1, s.Unchanged)
	assert.Empty(t, a.remote.methods())
	assert.False(t, logged(a.state(t), "Conflict"))
}

func TestRunCycle_PeerDeletionIsTombstoned(t *testing.T) {
	a := newHarness(t, func(c *Config) { c.Policy.SafeMode = false })
	b := a.peer(t)

	milk := task("inbox.md", 1, "Buy milk", "2024-03-20", "")
	a.scanner.records = []schema.TaskRecord{milk}
	b.scanner.records = []schema.TaskRecord{milk}
	a.run(t)
	b.run(t)

	a.scanner.records = nil
	require.Equal(t, 1, a.run(t).Deleted)

	// b still has the task locally but another writer removed it.
	a.remote.reset()
	s := b.run(t)
	assert.Equal(t, 0, s.Created)
	assert.Empty(t, a.remote.methods())

	st := a.state(t)
	rec, ok := st.Get(identity.StableID(&milk))
	require.True(t, ok)
	assert.True(t, rec.IsSevered)
	assert.True(t, logged(st, "removed by another writer"))

	s = b.run(t)
	assert.Equal(t, 0, s.Created)
	assert.Empty(t, a.remote.methods())
}
