package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tasksync/tasksync/internal/engine"
	"github.com/tasksync/tasksync/internal/safety"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/state"
)

// API is the state access the dashboard needs. *engine.Engine implements it.
type API interface {
	State(ctx context.Context) (*state.State, error)
	Approve(ctx context.Context, taskID string) error
	ApproveAll(ctx context.Context) ([]safety.Resolution, error)
	Keep(ctx context.Context, taskID string) error
	KeepAll(ctx context.Context) (int, error)
	Restore(ctx context.Context, taskID string) (string, error)
	ClearLog(ctx context.Context) error
	ClearQueue(ctx context.Context) error
}

// StateView is the body of GET /api/state.
type StateView struct {
	Tracked           int                       `json:"tracked"`
	LastSyncAt        time.Time                 `json:"lastSyncAt"`
	PendingDeletions  []schema.DivertedDeletion `json:"pendingDeletions"`
	RecentlyDeleted   []schema.ArchiveEntry     `json:"recentlyDeleted"`
	ExternalRemovals  []schema.ExternalRemoval  `json:"externalRemovals"`
	PendingOperations []schema.PendingOperation `json:"pendingOperations"`
	SyncLog           []schema.LogEntry         `json:"syncLog"`
}

// ResolvedData is the payload of a deletion_resolved message.
type ResolvedData struct {
	TaskID string `json:"taskId"`
	Action string `json:"action"` // approved, kept, restored
	Line   string `json:"line,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PendingData is the payload of a deletions_pending message.
type PendingData struct {
	Count int `json:"count"`
}

// SyncCompleteData is the payload of a sync_complete message.
type SyncCompleteData struct {
	Trigger string          `json:"trigger"`
	Summary *engine.Summary `json:"summary,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type apiHandler struct {
	api     API
	server  *Server
	trigger func()
}

func (h *apiHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", h.getState)
	mux.HandleFunc("POST /api/deletions/approve-all", h.approveAll)
	mux.HandleFunc("POST /api/deletions/keep-all", h.keepAll)
	mux.HandleFunc("POST /api/deletions/{id}/approve", h.approve)
	mux.HandleFunc("POST /api/deletions/{id}/keep", h.keep)
	mux.HandleFunc("POST /api/deletions/{id}/restore", h.restore)
	mux.HandleFunc("POST /api/log/clear", h.clearLog)
	mux.HandleFunc("POST /api/queue/clear", h.clearQueue)
	mux.HandleFunc("POST /api/sync", h.sync)
}

func (h *apiHandler) getState(w http.ResponseWriter, r *http.Request) {
	st, err := h.api.State(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StateView{
		Tracked:           len(st.SyncedTasks),
		LastSyncAt:        st.LastSyncAt,
		PendingDeletions:  nonNil(st.PendingDeletions),
		RecentlyDeleted:   nonNil(st.RecentlyDeleted),
		ExternalRemovals:  nonNil(st.ExternalRemovals),
		PendingOperations: nonNil(st.PendingOperations),
		SyncLog:           nonNil(st.SyncLog),
	})
}

func (h *apiHandler) approve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.api.Approve(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.resolved(ResolvedData{TaskID: id, Action: "approved"})
	writeJSON(w, http.StatusOK, ResolvedData{TaskID: id, Action: "approved"})
}

func (h *apiHandler) keep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.api.Keep(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.resolved(ResolvedData{TaskID: id, Action: "kept"})
	writeJSON(w, http.StatusOK, ResolvedData{TaskID: id, Action: "kept"})
}

func (h *apiHandler) restore(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	line, err := h.api.Restore(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	data := ResolvedData{TaskID: id, Action: "restored", Line: line}
	h.resolved(data)
	writeJSON(w, http.StatusOK, data)
}

func (h *apiHandler) approveAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.api.ApproveAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]ResolvedData, 0, len(res))
	for _, rr := range res {
		d := ResolvedData{TaskID: rr.TaskID, Action: "approved"}
		if rr.Err != nil {
			d.Error = rr.Err.Error()
		} else {
			h.resolved(d)
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *apiHandler) keepAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.api.KeepAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if n > 0 {
		h.server.Publish(MessageTypeDeletionResolved, ResolvedData{Action: "kept"})
	}
	writeJSON(w, http.StatusOK, map[string]int{"kept": n})
}

func (h *apiHandler) clearLog(w http.ResponseWriter, r *http.Request) {
	if err := h.api.ClearLog(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.server.Publish(MessageTypeStateChanged, map[string]string{"cleared": "log"})
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) clearQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.api.ClearQueue(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.server.Publish(MessageTypeStateChanged, map[string]string{"cleared": "queue"})
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) sync(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no daemon attached"})
		return
	}
	h.trigger()
	w.WriteHeader(http.StatusAccepted)
}

func (h *apiHandler) resolved(d ResolvedData) {
	h.server.Publish(MessageTypeDeletionResolved, d)
}

// OnCycle broadcasts the outcome of a cycle. Its signature matches
// daemon.Config.OnCycle.
func (s *Server) OnCycle(trigger string, summary *engine.Summary, err error) {
	data := SyncCompleteData{Trigger: trigger, Summary: summary}
	if err != nil {
		data.Error = err.Error()
	}
	s.Publish(MessageTypeSyncComplete, data)
	if summary != nil && summary.Diverted > 0 {
		s.Publish(MessageTypeDeletionsPending, PendingData{Count: summary.Diverted})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, safety.ErrNoPendingDeletion), errors.Is(err, state.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrCycleInProgress):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
