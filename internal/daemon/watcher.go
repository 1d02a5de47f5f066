package daemon

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change to a task document.
type FileEvent struct {
	// Path is the absolute path of the document.
	Path string
	// Rel is Path relative to the watched root, with forward slashes.
	Rel string
	Op  EventOp
}

// Filter selects the documents a watcher reports.
type Filter struct {
	// Extensions lists accepted file extensions, with the leading dot.
	// Empty accepts every file.
	Extensions []string

	// Excluded reports whether a root-relative path must be ignored.
	Excluded func(rel string) bool
}

func (f Filter) accepts(rel string) bool {
	if f.Excluded != nil && f.Excluded(rel) {
		return false
	}
	if len(f.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(rel))
	for _, e := range f.Extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// FileWatcher watches a document tree for changes. fsnotify is not
// recursive, so every directory is watched on its own and directories
// created later are added as they appear.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	filter  Filter
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	root    string
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher(filter Filter) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		filter:  filter,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching root and every non-hidden directory below it.
func (fw *FileWatcher) Start(root string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("failed to watch %s: not a directory", root)
	}
	fw.root = abs

	if err := fw.addTree(abs); err != nil {
		return err
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// addTree watches dir and its subdirectories.
func (fw *FileWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			// A subdirectory vanished mid-walk.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != fw.root && fw.skipDir(path) {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", path, err)
		}
		return nil
	})
}

func (fw *FileWatcher) skipDir(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return true
	}
	rel := fw.rel(path)
	return fw.filter.Excluded != nil && fw.filter.Excluded(rel+"/")
}

func (fw *FileWatcher) rel(path string) string {
	rel, err := filepath.Rel(fw.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	// Closing the watcher unblocks the event loop.
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !fw.skipDir(event.Name) {
						if err := fw.addTree(event.Name); err != nil {
							fw.sendError(err)
						}
					}
					continue
				}
			}

			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.sendError(err)
		}
	}
}

func (fw *FileWatcher) sendError(err error) {
	select {
	case fw.errors <- err:
	case <-fw.done:
	default:
		// Nobody is draining errors; drop rather than block the loop.
	}
}

// convertEvent converts an fsnotify event to a FileEvent.
// Returns (FileEvent, true) if the event should be processed,
// or (FileEvent{}, false) if the event should be ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	rel := fw.rel(event.Name)
	if strings.HasPrefix(rel, "../") || !fw.filter.accepts(rel) {
		return FileEvent{}, false
	}
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return FileEvent{}, false
		}
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// The new name arrives as its own create.
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: event.Name, Rel: rel, Op: op}, true
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}
