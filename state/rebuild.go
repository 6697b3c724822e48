package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/c360studio/taskplane/board"
)

// RebuildResult reports what a journal replay produced.
type RebuildResult struct {
	// Events is the number of journal rows read.
	Events int `json:"events"`

	// Duplicates is the number of rows dropped by eventId dedup.
	Duplicates int `json:"duplicates"`

	// Applied is the number of events folded into the snapshot.
	Applied int `json:"applied"`

	// Skipped is the number of events that could not be applied.
	Skipped int `json:"skipped"`

	// Tasks is the task count in the rebuilt snapshot.
	Tasks int `json:"tasks"`

	// Compacted is true when the journal was rewritten without duplicates.
	Compacted bool `json:"compacted"`
}

// Rebuild replays the journal from empty into a fresh snapshot and
// writes it, deduplicating events by eventId. With compact set, the
// journal itself is rewritten with the deduplicated rows.
func (s *Store) Rebuild(ctx context.Context, compact bool) (*RebuildResult, error) {
	res := &RebuildResult{}

	err := s.WithLock(ctx, func() error {
		events, err := s.ReadJournal()
		if err != nil {
			return err
		}
		res.Events = len(events)

		seen := make(map[string]struct{}, len(events))
		deduped := make([]board.Event, 0, len(events))
		for _, evt := range events {
			if evt.EventID != "" {
				if _, dup := seen[evt.EventID]; dup {
					res.Duplicates++
					continue
				}
				seen[evt.EventID] = struct{}{}
			}
			deduped = append(deduped, evt)
		}

		snap := board.NewSnapshot()
		for _, evt := range deduped {
			if err := board.ApplyEvent(snap, evt); err != nil {
				s.logger.Warn("skip unappliable event",
					"event_id", evt.EventID,
					"task_id", evt.TaskID,
					"error", err)
				res.Skipped++
				continue
			}
			res.Applied++
		}

		snap.Meta.UpdatedAt = board.Stamp(s.clock())
		if err := s.WriteSnapshot(snap); err != nil {
			return err
		}
		res.Tasks = len(snap.Tasks)

		if compact {
			if err := s.rewriteJournal(deduped); err != nil {
				return fmt.Errorf("compact journal: %w", err)
			}
			res.Compacted = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("snapshot rebuilt",
		"events", res.Events,
		"duplicates", res.Duplicates,
		"applied", res.Applied,
		"skipped", res.Skipped,
		"tasks", res.Tasks,
		"compacted", res.Compacted)
	return res, nil
}

// rewriteJournal replaces the journal with the given events via a
// temp-file rename, so a crash never leaves a truncated journal.
func (s *Store) rewriteJournal(events []board.Event) error {
	path := s.paths.Journal()
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	for _, evt := range events {
		if err := writeEventLine(f, evt); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeEventLine(f *os.File, evt board.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "%s\n", data)
	return err
}
