// Package engine runs sync cycles.
//
// A cycle pushes the task records found by a Scanner to the remote
// calendar. It runs the following stages in order and never interleaves
// them:
//
//	load state ─► list calendars ─► scan ─► conflict check ─► diff
//	     ─► build change set ─► replay queue ─► prefetch ─► execute
//	     ─► apply results ─► save state ─► save baseline
//
// Loading state, listing calendars, scanning and saving state are
// cycle-level: a failure in any of them aborts the cycle and leaves the
// durable state exactly as it was. Everything after the change set is
// built is per operation. A failed operation is queued for retry, logged,
// or routed to the external-removal policy, and the cycle carries on.
//
// Only one cycle, approval or queue edit runs at a time per state file.
// A second caller gets ErrCycleInProgress instead of waiting.
//
// Usage:
//
//	client, _ := calendar.NewClient(calendar.DefaultConfig(), logger)
//	database, _ := db.Open(".tasksync/state.db")
//	defer database.Close()
//
//	eng, err := engine.New(scanner.New(scanCfg, logger), client, database,
//	    baseline.NewStore(".tasksync/writer.yaml"), engine.DefaultConfig(), logger)
//	if err != nil {
//	    return err
//	}
//	summary, err := eng.RunCycle(ctx, engine.Options{})
package engine
