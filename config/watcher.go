package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// policyEventBuffer is the size of the policy change channel.
	policyEventBuffer = 64

	// defaultPolicyDebounce is how long to wait for more changes
	// before emitting, so editor save bursts coalesce.
	defaultPolicyDebounce = 500 * time.Millisecond
)

// PolicyWatcher watches the policy config directory and reports which
// policy kinds changed on disk. Changes are debounced so a burst of
// writes to one file yields a single event for its kind.
type PolicyWatcher struct {
	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	// Debouncing: collect changed kinds before emitting
	pendingMu sync.Mutex
	pending   map[PolicyKind]struct{}

	events chan PolicyKind
}

// NewPolicyWatcher creates a watcher for the given config directory.
func NewPolicyWatcher(dir string, debounce time.Duration, logger *slog.Logger) (*PolicyWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultPolicyDebounce
	}

	return &PolicyWatcher{
		dir:      dir,
		debounce: debounce,
		watcher:  fsw,
		logger:   logger,
		pending:  make(map[PolicyKind]struct{}),
		events:   make(chan PolicyKind, policyEventBuffer),
	}, nil
}

// Events returns the channel of changed policy kinds.
func (w *PolicyWatcher) Events() <-chan PolicyKind {
	return w.events
}

// Start begins watching the config directory for policy changes.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	// Create the config directory if it doesn't exist
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Policy watcher started",
		"dir", w.dir,
		"debounce", w.debounce)

	return nil
}

// Stop stops the watcher.
// The events channel is closed by processEvents when it exits.
func (w *PolicyWatcher) Stop() error {
	return w.watcher.Close()
}

// processEvents handles fsnotify events with debouncing.
func (w *PolicyWatcher) processEvents(ctx context.Context) {
	defer close(w.events)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Policy watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// handleFSEvent records a change against the owning policy kind.
func (w *PolicyWatcher) handleFSEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	kind, ok := KindForFile(event.Name)
	if !ok {
		return
	}

	// Accumulate pending changes
	w.pendingMu.Lock()
	w.pending[kind] = struct{}{}
	w.pendingMu.Unlock()

	w.logger.Debug("Policy change detected",
		"file", filepath.Base(event.Name),
		"op", event.Op.String())
}

// flushPending emits one event per changed kind and clears the set.
func (w *PolicyWatcher) flushPending() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	changed := w.pending
	w.pending = make(map[PolicyKind]struct{})
	w.pendingMu.Unlock()

	for _, kind := range PolicyKinds() {
		if _, ok := changed[kind]; !ok {
			continue
		}
		select {
		case w.events <- kind:
		default:
			w.logger.Warn("Policy event channel full, dropping event",
				"kind", string(kind))
		}
	}
}
