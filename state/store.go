package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/taskplane/board"
)

// Store is the production persistence layer for the task plane. It
// implements board.Store and hands out the shared lock discipline to
// the budget, recovery, and governance stores.
type Store struct {
	paths    Paths
	owner    string
	logger   *slog.Logger
	clock    func() time.Time
	lockOpts LockOptions
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the store's time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
		s.lockOpts.Clock = clock
	}
}

// WithOwner names the lock owner recorded in lock payloads.
func WithOwner(owner string) Option {
	return func(s *Store) { s.owner = owner }
}

// WithLockOptions overrides lock acquisition tuning.
func WithLockOptions(opts LockOptions) Option {
	return func(s *Store) { s.lockOpts = opts }
}

// Open prepares the state directories under root and returns a Store.
func Open(root string, opts ...Option) (*Store, error) {
	s := &Store{
		paths:  NewPaths(root),
		owner:  "taskplane",
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{s.paths.StateDir(), s.paths.LockDir(), s.paths.ConfigDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

// Paths exposes the resolved file layout.
func (s *Store) Paths() Paths { return s.paths }

// WithLock acquires the board lock, runs fn, and releases the lock.
// Only fn's error is returned; a failed release is logged, since the
// TTL reclaims the lock anyway.
func (s *Store) WithLock(ctx context.Context, fn func() error) error {
	lock, err := AcquireLock(ctx, s.paths.BoardLock(), s.owner, s.lockOpts)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			s.logger.Warn("release board lock", "error", rerr)
		}
	}()
	return fn()
}

// LoadSnapshot reads the board snapshot, returning an empty snapshot
// when the file does not exist yet.
func (s *Store) LoadSnapshot() (*board.Snapshot, error) {
	snap := board.NewSnapshot()
	err := ReadJSONFile(s.paths.Snapshot(), snap)
	if os.IsNotExist(err) {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if snap.Tasks == nil {
		snap.Tasks = make(map[string]board.Task)
	}
	return snap, nil
}

// WriteSnapshot rewrites the snapshot file in full.
func (s *Store) WriteSnapshot(snap *board.Snapshot) error {
	if err := WriteJSONFile(s.paths.Snapshot(), snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// AppendEvent appends one event to the journal.
func (s *Store) AppendEvent(evt board.Event) error {
	if err := AppendJSONL(s.paths.Journal(), evt); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// ReadJournal returns every parseable journal event in file order.
// Malformed lines are skipped with a warning rather than failing the
// read: the journal may be appended to by non-Go collaborators.
func (s *Store) ReadJournal() ([]board.Event, error) {
	f, err := os.Open(s.paths.Journal())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var events []board.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var evt board.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			s.logger.Warn("skip malformed journal line", "line", line, "error", err)
			continue
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return events, nil
}

// TaskHistory returns the most recent journal events for one task,
// oldest first, at most limit entries.
func (s *Store) TaskHistory(taskID string, limit int) ([]board.Event, error) {
	events, err := s.ReadJournal()
	if err != nil {
		return nil, err
	}
	var matched []board.Event
	for _, evt := range events {
		if evt.TaskID == taskID {
			matched = append(matched, evt)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// ReadJSONFile reads path into v.
func ReadJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteJSONFile writes v to path as indented JSON, creating parent
// directories as needed.
func WriteJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// AppendJSONL appends v to path as a single JSON line.
func AppendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s\n", data); err != nil {
		return err
	}
	return nil
}
