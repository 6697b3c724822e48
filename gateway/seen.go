package gateway

import (
	"fmt"
	"os"
	"time"

	"github.com/c360studio/taskplane/board"
	"github.com/c360studio/taskplane/state"
)

const defaultSeenCap = 512

// seenFile is the persisted dedup window.
type seenFile struct {
	IDs       []string `json:"ids"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
}

// seenStore remembers recently handled message ids in arrival order,
// evicting the oldest beyond cap. Loaded once at startup; every
// Remember rewrites the file so a restart keeps the window.
type seenStore struct {
	path string
	cap  int
	ids  []string
	set  map[string]struct{}
}

func newSeenStore(path string, cap int) (*seenStore, error) {
	if cap <= 0 {
		cap = defaultSeenCap
	}
	s := &seenStore{path: path, cap: cap, set: make(map[string]struct{})}

	var file seenFile
	if err := state.ReadJSONFile(path, &file); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read seen ids: %w", err)
		}
		return s, nil
	}
	for _, id := range file.IDs {
		if _, ok := s.set[id]; ok {
			continue
		}
		s.ids = append(s.ids, id)
		s.set[id] = struct{}{}
	}
	s.trim()
	return s, nil
}

func (s *seenStore) Seen(id string) bool {
	_, ok := s.set[id]
	return ok
}

func (s *seenStore) Remember(id string, now time.Time) error {
	if id == "" {
		return nil
	}
	if _, ok := s.set[id]; ok {
		return nil
	}
	s.ids = append(s.ids, id)
	s.set[id] = struct{}{}
	s.trim()

	file := seenFile{IDs: s.ids, UpdatedAt: board.Stamp(now)}
	if err := state.WriteJSONFile(s.path, file); err != nil {
		return fmt.Errorf("write seen ids: %w", err)
	}
	return nil
}

func (s *seenStore) trim() {
	for len(s.ids) > s.cap {
		delete(s.set, s.ids[0])
		s.ids = s.ids[1:]
	}
}
