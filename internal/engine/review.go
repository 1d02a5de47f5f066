package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tasksync/tasksync/internal/baseline"
	"github.com/tasksync/tasksync/internal/batch"
	"github.com/tasksync/tasksync/internal/calendar"
	"github.com/tasksync/tasksync/internal/safety"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/state"
)

// ExternalAction resolves an externally removed event.
type ExternalAction string

const (
	// ActionRecreate drops tracking so the next cycle creates a new event.
	ActionRecreate ExternalAction = "recreate"

	// ActionSever keeps the record severed for good.
	ActionSever ExternalAction = "sever"
)

// ErrNoExternalRemoval is returned for a task with no queued removal.
var ErrNoExternalRemoval = errors.New("no external removal for task")

// State loads the current document for read-only use.
func (e *Engine) State(ctx context.Context) (*state.State, error) {
	st, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return st, nil
}

// Approve runs the diverted deletion for taskID.
func (e *Engine) Approve(ctx context.Context, taskID string) error {
	return e.withGate(ctx, func(g *safety.Gate, st *state.State) error {
		return g.Approve(ctx, st, taskID)
	})
}

// ApproveAll runs every diverted deletion. Failed items stay pending and are
// reported in the resolutions, not as an error.
func (e *Engine) ApproveAll(ctx context.Context) ([]safety.Resolution, error) {
	var out []safety.Resolution
	err := e.withGate(ctx, func(g *safety.Gate, st *state.State) error {
		out = g.ApproveAll(ctx, st)
		return nil
	})
	return out, err
}

// Keep discards the diverted deletion for taskID and keeps the event.
func (e *Engine) Keep(ctx context.Context, taskID string) error {
	return e.mutate(ctx, func(st *state.State) error {
		return e.gate(nil, "", nil).Keep(st, taskID)
	})
}

// KeepAll keeps every diverted deletion.
func (e *Engine) KeepAll(ctx context.Context) (int, error) {
	var n int
	err := e.mutate(ctx, func(st *state.State) error {
		n = e.gate(nil, "", nil).KeepAll(st)
		return nil
	})
	return n, err
}

// Restore discards the diverted deletion for taskID and returns the task line
// to paste back into its document.
func (e *Engine) Restore(ctx context.Context, taskID string) (string, error) {
	var line string
	err := e.mutate(ctx, func(st *state.State) error {
		var err error
		line, err = e.gate(nil, "", nil).Restore(st, taskID)
		return err
	})
	return line, err
}

// RecoverText renders archive entry i as a task line.
func (e *Engine) RecoverText(ctx context.Context, i int) (string, error) {
	st, err := e.State(ctx)
	if err != nil {
		return "", err
	}
	return safety.RecoverText(st, i)
}

// ResolveExternal settles a queued external removal.
func (e *Engine) ResolveExternal(ctx context.Context, taskID string, action ExternalAction) error {
	switch action {
	case ActionRecreate, ActionSever:
	default:
		return fmt.Errorf("invalid action %q (want recreate or sever)", action)
	}

	var forget bool
	err := e.mutate(ctx, func(st *state.State) error {
		r, err := st.ResolveExternalRemoval(taskID)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", taskID, ErrNoExternalRemoval)
		}
		if action == ActionRecreate {
			st.RemoveSync(taskID)
			forget = true
			st.Log(schema.LevelInfo, taskID, fmt.Sprintf("%q will be recreated", r.Title), e.now())
			return nil
		}
		_ = st.Sever(taskID)
		st.Log(schema.LevelInfo, taskID, fmt.Sprintf("Stopped syncing %q", r.Title), e.now())
		return nil
	})
	if err != nil || !forget {
		return err
	}

	snap, err := e.baseline.Load()
	if err != nil {
		return fmt.Errorf("failed to load baseline: %w", err)
	}
	if snap.Forget(taskID) {
		if err := e.baseline.Save(snap); err != nil {
			return fmt.Errorf("failed to save baseline: %w", err)
		}
	}
	return nil
}

// ClearLog empties the sync log.
func (e *Engine) ClearLog(ctx context.Context) error {
	return e.mutate(ctx, func(st *state.State) error {
		st.ClearLog()
		return nil
	})
}

// ClearQueue drops every queued retry.
func (e *Engine) ClearQueue(ctx context.Context) error {
	return e.mutate(ctx, func(st *state.State) error {
		st.ClearQueue()
		return nil
	})
}

// mutate loads the document under the cycle lock, applies fn and saves.
// Nothing is saved when fn fails.
func (e *Engine) mutate(ctx context.Context, fn func(st *state.State) error) error {
	unlock, err := e.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	st, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}
	if err := fn(st); err != nil {
		return err
	}
	if err := e.store.Save(ctx, st); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// withGate is mutate for transitions that call the remote side. Base
// entries of the deletions it settles are refreshed, so a record this
// writer removed is not later read as another writer's deletion.
func (e *Engine) withGate(ctx context.Context, fn func(g *safety.Gate, st *state.State) error) error {
	names := make(map[string]string)
	collections, err := e.remote.ListCollections(ctx)
	if err != nil {
		// Names only decorate archive entries.
		e.logger.Warn("failed to list calendars for archive names", "error", err)
	}
	for _, c := range collections {
		names[c.ID] = c.Name
	}

	encoder := &calendar.Encoder{BasePath: e.remote.BasePath(), Options: e.config.Event}
	runner := batch.New(e.remote, encoder, e.config.Batch, e.logger)

	var (
		snap    *baseline.Snapshot
		after   *state.State
		settled []string
	)
	err = e.mutate(ctx, func(st *state.State) error {
		var err error
		if snap, err = e.baseline.Load(); err != nil {
			return fmt.Errorf("failed to load baseline: %w", err)
		}
		pending := make([]string, 0, len(st.PendingDeletions))
		for _, d := range st.PendingDeletions {
			pending = append(pending, d.TaskID)
		}
		if err := fn(e.gate(runner, snap.WriterID, names), st); err != nil {
			return err
		}
		for _, id := range pending {
			if _, ok := st.PendingDeletion(id); !ok {
				settled = append(settled, id)
			}
		}
		after = st
		return nil
	})
	if err != nil || len(settled) == 0 {
		return err
	}

	snap.Refresh(after, settled...)
	if err := e.baseline.Save(snap); err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	return nil
}

func (e *Engine) gate(runner safety.Runner, writerID string, names map[string]string) *safety.Gate {
	return safety.NewGate(runner, safety.Config{
		WriterID:        writerID,
		Retention:       e.config.Retention,
		CollectionNames: names,
	}, e.logger)
}
