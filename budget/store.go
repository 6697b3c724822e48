package budget

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/c360studio/taskplane/board"
	"github.com/c360studio/taskplane/state"
)

// Locker serializes budget state writes with the rest of the board
// state.
type Locker interface {
	WithLock(ctx context.Context, fn func() error) error
}

// Entry is accumulated usage for one (task, agent) pair.
type Entry struct {
	// Tokens is total tokens spent across attempts.
	Tokens int64 `json:"tokens"`

	// WallTimeSec is total worker wall time in seconds.
	WallTimeSec int64 `json:"wallTimeSec"`

	// Retries counts dispatch attempts.
	Retries int64 `json:"retries"`

	// UpdatedAt is when the entry was last written.
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// Attempt is the usage added by one dispatch attempt.
type Attempt struct {
	// Tokens consumed by the attempt.
	Tokens int64 `json:"tokens"`

	// WallTimeSec the attempt ran for, rounded up.
	WallTimeSec int64 `json:"wallTimeSec"`
}

// Decision is a budget verdict with per-axis headroom.
type Decision struct {
	// Allowed is true when no axis is exhausted.
	Allowed bool `json:"allowed"`

	// ExceededKeys names the exhausted limit keys.
	ExceededKeys []string `json:"exceededKeys,omitempty"`

	// NextAssignee is "human" on denial.
	NextAssignee string `json:"nextAssignee,omitempty"`

	// DegradeAction is the policy action to take on denial.
	DegradeAction string `json:"degradeAction,omitempty"`

	// Headroom is the remaining allowance per axis key.
	Headroom map[string]int64 `json:"headroom"`
}

type stateFile struct {
	Entries   map[string]Entry `json:"entries"`
	UpdatedAt string           `json:"updatedAt"`
}

// Store persists usage entries and applies the budget policy.
type Store struct {
	path   string
	policy *Policy
	locker Locker
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the store's time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// NewStore creates a budget store over the given state file.
func NewStore(path string, policy *Policy, locker Locker, opts ...Option) *Store {
	if policy == nil {
		policy = DefaultPolicy()
	}
	s := &Store{
		path:   path,
		policy: policy,
		locker: locker,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Usage reads the current entry for a (task, agent) pair without
// taking the lock.
func (s *Store) Usage(taskID, agent string) (Entry, error) {
	st, err := s.load()
	if err != nil {
		return Entry{}, err
	}
	return st.Entries[entryKey(taskID, agent)], nil
}

// Precheck decides whether another attempt may start. An axis already
// at its limit denies.
func (s *Store) Precheck(ctx context.Context, taskID, agent string) (*Decision, error) {
	var decision *Decision
	err := s.locker.WithLock(ctx, func() error {
		st, err := s.load()
		if err != nil {
			return err
		}
		entry := st.Entries[entryKey(taskID, agent)]
		decision = s.decide(agent, entry, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.logger.Info("budget precheck denied",
			"task", taskID,
			"agent", agent,
			"exceeded", decision.ExceededKeys)
	}
	return decision, nil
}

// RecordAndCheck accumulates one attempt's usage, persists it, and
// rechecks the limits. An axis is exceeded only once usage passes the
// limit, so the attempt that lands exactly on it still counts.
func (s *Store) RecordAndCheck(ctx context.Context, taskID, agent string, attempt Attempt) (*Decision, error) {
	var decision *Decision
	err := s.locker.WithLock(ctx, func() error {
		st, err := s.load()
		if err != nil {
			return err
		}
		key := entryKey(taskID, agent)
		entry := st.Entries[key]
		entry.Tokens += maxInt64(attempt.Tokens, 0)
		entry.WallTimeSec += maxInt64(attempt.WallTimeSec, 0)
		entry.Retries++
		entry.UpdatedAt = board.Stamp(s.clock())
		st.Entries[key] = entry
		st.UpdatedAt = entry.UpdatedAt
		if err := state.WriteJSONFile(s.path, st); err != nil {
			return fmt.Errorf("write budget state: %w", err)
		}
		decision = s.decide(agent, entry, true)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.logger.Info("budget postcheck exceeded",
			"task", taskID,
			"agent", agent,
			"exceeded", decision.ExceededKeys)
	}
	return decision, nil
}

// decide compares entry against the agent's limits. post selects the
// strict postcheck comparison (> instead of >=).
func (s *Store) decide(agent string, entry Entry, post bool) *Decision {
	limits := s.policy.ForAgent(agent)
	exceeded := func(usage, limit int64) bool {
		if post {
			return usage > limit
		}
		return usage >= limit
	}

	decision := &Decision{
		Allowed: true,
		Headroom: map[string]int64{
			KeyTokens:   maxInt64(limits.MaxTaskTokens-entry.Tokens, 0),
			KeyWallTime: maxInt64(limits.MaxTaskWallTimeSec-entry.WallTimeSec, 0),
			KeyRetries:  maxInt64(limits.MaxTaskRetries-entry.Retries, 0),
		},
	}
	if exceeded(entry.Tokens, limits.MaxTaskTokens) {
		decision.ExceededKeys = append(decision.ExceededKeys, KeyTokens)
	}
	if exceeded(entry.WallTimeSec, limits.MaxTaskWallTimeSec) {
		decision.ExceededKeys = append(decision.ExceededKeys, KeyWallTime)
	}
	if exceeded(entry.Retries, limits.MaxTaskRetries) {
		decision.ExceededKeys = append(decision.ExceededKeys, KeyRetries)
	}
	if len(decision.ExceededKeys) > 0 {
		decision.Allowed = false
		decision.NextAssignee = "human"
		decision.DegradeAction = normalizeAction(limits.OnExceeded, limits.DegradePolicy)
	}
	return decision
}

func (s *Store) load() (*stateFile, error) {
	st := &stateFile{Entries: make(map[string]Entry)}
	err := state.ReadJSONFile(s.path, st)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read budget state: %w", err)
	}
	if st.Entries == nil {
		st.Entries = make(map[string]Entry)
	}
	return st, nil
}

func entryKey(taskID, agent string) string {
	return taskID + "|" + agent
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
