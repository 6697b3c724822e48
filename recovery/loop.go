package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/c360studio/taskplane/board"
	"github.com/c360studio/taskplane/state"
)

// Locker serializes recovery state writes with the rest of the board
// state.
type Locker interface {
	WithLock(ctx context.Context, fn func() error) error
}

// Entry is the persisted recovery state for one (task, reason) pair.
type Entry struct {
	// Attempt counts chain advances so far.
	Attempt int `json:"attempt"`

	// NextAssignee is who handles the next attempt.
	NextAssignee string `json:"nextAssignee"`

	// Action is the last decision: retry, human, or escalate.
	Action string `json:"action"`

	// State is the matching recovery state name.
	State string `json:"state"`

	// CooldownUntilTs is the epoch second the cooldown expires at.
	CooldownUntilTs int64 `json:"cooldownUntilTs"`

	// UpdatedAt is when the entry was last written.
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// Outcome is one Advance decision.
type Outcome struct {
	// Action is retry, human, or escalate.
	Action string `json:"action"`

	// State is the persisted recovery state name.
	State string `json:"state"`

	// NextAssignee is who should take the task next.
	NextAssignee string `json:"nextAssignee"`

	// Attempt is the attempt count after this decision.
	Attempt int `json:"attempt"`

	// CooldownUntilTs is when the next advance becomes possible.
	CooldownUntilTs int64 `json:"cooldownUntilTs,omitempty"`

	// Reused is true when an active cooldown returned the previous
	// decision unchanged.
	Reused bool `json:"reused,omitempty"`
}

type stateFile struct {
	Entries   map[string]Entry `json:"entries"`
	UpdatedAt string           `json:"updatedAt"`
}

// Loop drives recovery decisions over the persisted state.
type Loop struct {
	path   string
	policy *Policy
	locker Locker
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithClock overrides the loop's time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Loop) { l.clock = clock }
}

// NewLoop creates a recovery loop over the given state file.
func NewLoop(path string, policy *Policy, locker Locker, opts ...Option) *Loop {
	if policy == nil {
		policy = DefaultPolicy()
	}
	policy.Normalize()
	l := &Loop{
		path:   path,
		policy: policy,
		locker: locker,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Advance decides what happens after a failed dispatch of taskID with
// the given reason. Non-qualifying reasons escalate straight to human
// without touching the chain state.
func (l *Loop) Advance(ctx context.Context, taskID, reason, currentAssignee string) (*Outcome, error) {
	if !Qualifies(reason) {
		l.logger.Info("recovery escalating non-qualifying reason",
			"task", taskID,
			"reason", reason)
		return &Outcome{
			Action:       ActionEscalate,
			State:        StateEscalated,
			NextAssignee: TerminalAssignee,
		}, nil
	}

	var outcome *Outcome
	err := l.locker.WithLock(ctx, func() error {
		st, err := l.load()
		if err != nil {
			return err
		}

		key := taskID + "|" + reason
		entry := st.Entries[key]
		now := l.clock()

		if entry.Attempt > 0 && now.Unix() < entry.CooldownUntilTs {
			outcome = &Outcome{
				Action:          entry.Action,
				State:           entry.State,
				NextAssignee:    entry.NextAssignee,
				Attempt:         entry.Attempt,
				CooldownUntilTs: entry.CooldownUntilTs,
				Reused:          true,
			}
			return nil
		}

		caps := l.policy.capsFor(reason)
		entry.Attempt++
		next := l.policy.nextAfter(currentAssignee)

		switch {
		case entry.Attempt > caps.MaxAttempts:
			entry.Action = ActionEscalate
			entry.State = StateEscalated
			entry.NextAssignee = TerminalAssignee
		case next == TerminalAssignee:
			entry.Action = ActionHuman
			entry.State = StateHumanHandoff
			entry.NextAssignee = TerminalAssignee
		default:
			entry.Action = ActionRetry
			entry.State = StateScheduled
			entry.NextAssignee = next
		}

		entry.CooldownUntilTs = now.Unix() + caps.CooldownSec
		entry.UpdatedAt = board.Stamp(now)
		st.Entries[key] = entry
		st.UpdatedAt = entry.UpdatedAt
		if err := state.WriteJSONFile(l.path, st); err != nil {
			return fmt.Errorf("write recovery state: %w", err)
		}

		outcome = &Outcome{
			Action:          entry.Action,
			State:           entry.State,
			NextAssignee:    entry.NextAssignee,
			Attempt:         entry.Attempt,
			CooldownUntilTs: entry.CooldownUntilTs,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("recovery decision",
		"task", taskID,
		"reason", reason,
		"action", outcome.Action,
		"next", outcome.NextAssignee,
		"attempt", outcome.Attempt,
		"reused", outcome.Reused)
	return outcome, nil
}

// Peek reads the stored entry for a (task, reason) pair without
// advancing it.
func (l *Loop) Peek(taskID, reason string) (Entry, error) {
	st, err := l.load()
	if err != nil {
		return Entry{}, err
	}
	return st.Entries[taskID+"|"+reason], nil
}

func (l *Loop) load() (*stateFile, error) {
	st := &stateFile{Entries: make(map[string]Entry)}
	err := state.ReadJSONFile(l.path, st)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read recovery state: %w", err)
	}
	if st.Entries == nil {
		st.Entries = make(map[string]Entry)
	}
	return st, nil
}
