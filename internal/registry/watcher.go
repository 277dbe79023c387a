package registry

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"converge/pkg/logging"
)

// ChangeOperation describes what happened to a target definition file.
type ChangeOperation string

const (
	OperationCreate ChangeOperation = "create"
	OperationUpdate ChangeOperation = "update"
	OperationDelete ChangeOperation = "delete"
)

// ChangeEvent is emitted when a target definition file changes on disk.
type ChangeEvent struct {
	Name      string
	Operation ChangeOperation
	Timestamp time.Time
	FilePath  string
}

// Watcher watches the targets directory and emits debounced change events.
//
// Editors commonly produce bursts of writes for a single save; events for
// the same target arriving within the debounce interval are merged into one.
type Watcher struct {
	mu sync.Mutex

	// dir is the targets directory being watched
	dir string

	// watcher is the fsnotify watcher instance
	watcher *fsnotify.Watcher

	// debounceInterval is how long to wait for additional changes
	debounceInterval time.Duration

	// pendingEvents tracks pending debounced events by target name
	pendingEvents map[string]*debounceEntry

	// stopCh signals shutdown
	stopCh chan struct{}

	// running indicates if the watcher is active
	running bool
}

// debounceEntry tracks a pending event for debouncing.
type debounceEntry struct {
	event ChangeEvent
	timer *time.Timer
}

// NewWatcher creates a watcher for the given targets directory.
func NewWatcher(dir string, debounceInterval time.Duration) *Watcher {
	if debounceInterval == 0 {
		debounceInterval = 500 * time.Millisecond
	}

	return &Watcher{
		dir:              dir,
		debounceInterval: debounceInterval,
		pendingEvents:    make(map[string]*debounceEntry),
		stopCh:           make(chan struct{}),
	}
}

// Start begins watching for filesystem changes.
func (w *Watcher) Start(ctx context.Context, changes chan<- ChangeEvent) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}

	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		w.mu.Unlock()
		return err
	}

	w.watcher = watcher
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	go w.processEvents(ctx, changes)

	logging.Info("Registry", "Watching %s for target changes", w.dir)
	return nil
}

// processEvents handles filesystem events and generates change events.
func (w *Watcher) processEvents(ctx context.Context, changes chan<- ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			w.cleanupPendingEvents()
			return

		case <-w.stopCh:
			w.cleanupPendingEvents()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event, changes)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("Registry", err, "Filesystem watcher error")
		}
	}
}

// handleFsEvent processes a single filesystem event.
func (w *Watcher) handleFsEvent(event fsnotify.Event, changes chan<- ChangeEvent) {
	if !isYAMLFile(event.Name) {
		return
	}

	var operation ChangeOperation
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		operation = OperationCreate
	case event.Op&fsnotify.Write == fsnotify.Write:
		operation = OperationUpdate
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		operation = OperationDelete
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		// Rename is treated as delete (the new name will trigger a create)
		operation = OperationDelete
	default:
		return
	}

	w.debounceEvent(ChangeEvent{
		Name:      targetName(filepath.Base(event.Name)),
		Operation: operation,
		Timestamp: time.Now(),
		FilePath:  event.Name,
	}, changes)
}

// debounceEvent merges rapid successive changes to the same target.
func (w *Watcher) debounceEvent(event ChangeEvent, changes chan<- ChangeEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if entry, ok := w.pendingEvents[event.Name]; ok {
		entry.timer.Stop()
		event.Operation = mergeOperations(entry.event.Operation, event.Operation)
	}

	timer := time.AfterFunc(w.debounceInterval, func() {
		w.mu.Lock()
		entry, ok := w.pendingEvents[event.Name]
		if ok {
			delete(w.pendingEvents, event.Name)
		}
		w.mu.Unlock()

		if ok {
			select {
			case changes <- entry.event:
				logging.Debug("Registry", "Emitted change event: %s %s", entry.event.Operation, entry.event.Name)
			default:
				logging.Warn("Registry", "Change event channel full, dropping event for %s", entry.event.Name)
			}
		}
	})

	w.pendingEvents[event.Name] = &debounceEntry{event: event, timer: timer}
}

// mergeOperations merges two operations into a single logical operation.
func mergeOperations(old, new ChangeOperation) ChangeOperation {
	if old == OperationCreate {
		if new == OperationDelete {
			// Create + Delete still emits Delete to clean up
			return OperationDelete
		}
		// Create + Update = Create
		return OperationCreate
	}
	if old == OperationUpdate && new == OperationDelete {
		return OperationDelete
	}
	return new
}

// cleanupPendingEvents cancels all pending debounce timers.
func (w *Watcher) cleanupPendingEvents() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, entry := range w.pendingEvents {
		entry.timer.Stop()
	}
	w.pendingEvents = make(map[string]*debounceEntry)
}

// Stop gracefully stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.stopCh)

	if w.watcher != nil {
		if err := w.watcher.Close(); err != nil {
			logging.Error("Registry", err, "Error closing filesystem watcher")
		}
		w.watcher = nil
	}

	return nil
}
