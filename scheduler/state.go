package scheduler

import (
	"fmt"
	"os"

	"github.com/c360studio/taskplane/state"
)

const (
	defaultIntervalSec = 300
	defaultMaxSteps    = 3
)

// State is the persisted scheduler pacing state.
type State struct {
	// Enabled turns timed ticks on.
	Enabled bool `json:"enabled"`

	// IntervalSec is the seconds between due runs.
	IntervalSec int `json:"intervalSec"`

	// LastRunTs is the epoch second of the last completed run.
	LastRunTs int64 `json:"lastRunTs"`

	// NextDueTs is the epoch second the next run becomes due at.
	NextDueTs int64 `json:"nextDueTs"`

	// MaxSteps bounds dispatch cycles per run.
	MaxSteps int `json:"maxSteps"`
}

// DefaultState returns a disabled scheduler with default pacing.
func DefaultState() *State {
	return &State{IntervalSec: defaultIntervalSec, MaxSteps: defaultMaxSteps}
}

// Normalize floors pacing values so a hand-edited state file cannot
// produce a hot loop.
func (s *State) Normalize() {
	if s.IntervalSec <= 0 {
		s.IntervalSec = defaultIntervalSec
	}
	if s.MaxSteps <= 0 {
		s.MaxSteps = defaultMaxSteps
	}
}

func loadState(path string) (*State, error) {
	var st State
	if err := state.ReadJSONFile(path, &st); err != nil {
		if os.IsNotExist(err) {
			return DefaultState(), nil
		}
		return nil, fmt.Errorf("read scheduler state: %w", err)
	}
	st.Normalize()
	return &st, nil
}

func saveState(path string, st *State) error {
	if err := state.WriteJSONFile(path, st); err != nil {
		return fmt.Errorf("write scheduler state: %w", err)
	}
	return nil
}
