package remote

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of document change.
type EventOp int

const (
	// OpWrite indicates a document was created or rewritten.
	OpWrite EventOp = iota
	// OpDelete indicates a document was removed.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// DocEvent is a change notification for one document in the store.
type DocEvent struct {
	// Collection the document belongs to (projects, tasks, ...).
	Collection string
	// ID of the changed document.
	ID string
	// Op is the change kind.
	Op EventOp
}

// Watcher converts filesystem events under the store root into DocEvent
// notifications. It is how writes by OTHER processes become visible;
// this process's own writes are announced directly by the Gateway.
type Watcher struct {
	watcher *fsnotify.Watcher
	root    string

	events chan DocEvent
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher for the given store. It must be started
// with Start() before it emits events.
func NewWatcher(store *DocStore) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher: fsw,
		root:    store.Root(),
		events:  make(chan DocEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching every collection directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	added := make([]string, 0, 4)
	for _, col := range []string{ColProjects, ColTasks, ColUsers, ColInvitations} {
		dir := filepath.Join(w.root, col)
		if err := w.watcher.Add(dir); err != nil {
			for _, d := range added {
				_ = w.watcher.Remove(d)
			}
			return fmt.Errorf("failed to watch collection %s: %w", col, err)
		}
		added = append(added, dir)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops the watcher and closes its channels. Safe to call when the
// watcher never started.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel emitting document change notifications.
// Closed when the watcher is stopped.
func (w *Watcher) Events() <-chan DocEvent {
	return w.events
}

// Errors returns the channel emitting watcher errors.
// Closed when the watcher is stopped.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning reports whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if docEvent, ok := w.convertEvent(event); ok {
				select {
				case w.events <- docEvent:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event onto a DocEvent. Temp files from
// atomic renames and non-JSON files are ignored.
func (w *Watcher) convertEvent(event fsnotify.Event) (DocEvent, bool) {
	if !strings.HasSuffix(event.Name, ".json") {
		return DocEvent{}, false
	}

	collection, ok := w.collectionOf(event.Name)
	if !ok {
		return DocEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		op = OpWrite
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// The rename target fires its own create event.
		op = OpDelete
	default:
		return DocEvent{}, false
	}

	id := strings.TrimSuffix(filepath.Base(event.Name), ".json")
	return DocEvent{Collection: collection, ID: id, Op: op}, true
}

func (w *Watcher) collectionOf(path string) (string, bool) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	dir := filepath.Dir(absPath)

	for _, col := range []string{ColProjects, ColTasks, ColUsers, ColInvitations} {
		absCol, _ := filepath.Abs(filepath.Join(w.root, col))
		if dir == absCol {
			return col, true
		}
	}
	return "", false
}
