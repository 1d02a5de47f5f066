// Package daemon keeps the calendar in step with the vault while running in
// the background.
//
// # Triggers
//
// A cycle runs:
//
//   - once at startup,
//   - every Config.Interval,
//   - when a watched document changed and the tree has then been quiet for
//     Config.Debounce,
//   - when Trigger is called, for example from the dashboard.
//
// All of them feed one goroutine, so cycles never overlap inside a daemon.
// A cycle started elsewhere against the same state file (a CLI `sync`, say)
// makes the engine return engine.ErrCycleInProgress, which the daemon skips
// quietly.
//
// # File Watching
//
// FileWatcher wraps fsnotify. fsnotify does not recurse, so the watcher adds
// every directory under the root on Start and adds new directories as they
// are created. Hidden directories and excluded paths are never watched.
//
//	fw, err := daemon.NewFileWatcher(daemon.Filter{Extensions: []string{".md"}})
//	if err != nil {
//	    return err
//	}
//	defer fw.Stop()
//
//	if err := fw.Start("/home/me/notes"); err != nil {
//	    return err
//	}
//	for ev := range fw.Events() {
//	    fmt.Println(ev.Op, ev.Rel)
//	}
//
// # Usage
//
//	d, err := daemon.New(eng, daemon.Config{
//	    Root:     "/home/me/notes",
//	    Filter:   daemon.Filter{Extensions: []string{".md"}, Excluded: scan.Excluded},
//	    Interval: 5 * time.Minute,
//	    Debounce: 2 * time.Second,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx)
package daemon
