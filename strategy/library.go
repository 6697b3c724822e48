// Package strategy selects role strategy text for worker prompts,
// gated per task by a deterministic rollout bucket.
package strategy

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/c360studio/taskplane/state"
)

// Library is the role strategy configuration.
type Library struct {
	// Enabled turns strategy injection on.
	Enabled bool `json:"enabled"`

	// RolloutPercent is the share of task buckets the strategy applies
	// to, 0 to 100.
	RolloutPercent int `json:"rolloutPercent"`

	// TaskKinds maps a task kind to its strategy text.
	TaskKinds map[string]string `json:"taskKinds,omitempty"`

	// Agents maps an agent role to its strategy text.
	Agents map[string]string `json:"agents,omitempty"`

	// Default is the fallback strategy text.
	Default string `json:"default,omitempty"`
}

// DefaultLibrary returns a disabled library.
func DefaultLibrary() *Library {
	return &Library{RolloutPercent: 100}
}

// LoadLibrary reads the strategy library, falling back to the disabled
// default when the file does not exist.
func LoadLibrary(path string) (*Library, error) {
	lib := &Library{}
	err := state.ReadJSONFile(path, lib)
	if os.IsNotExist(err) {
		return DefaultLibrary(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read strategy library: %w", err)
	}
	if lib.RolloutPercent < 0 {
		lib.RolloutPercent = 0
	}
	if lib.RolloutPercent > 100 {
		lib.RolloutPercent = 100
	}
	return lib, nil
}

// Bucket maps a task id onto a stable 0..99 rollout bucket: the first
// four bytes of the SHA-256 digest read as a big-endian u32, mod 100.
func Bucket(taskID string) uint32 {
	sum := sha256.Sum256([]byte(taskID))
	return binary.BigEndian.Uint32(sum[:4]) % 100
}

// Active reports whether the rollout covers this task.
func (l *Library) Active(taskID string) bool {
	return l.Enabled && Bucket(taskID) < uint32(l.RolloutPercent)
}

// ForTask resolves the strategy text for a task. Task-kind entries win
// over agent entries, which win over the default. The second return is
// false when the rollout excludes the task or no text matches.
func (l *Library) ForTask(taskID, kind, agent string) (string, bool) {
	if !l.Active(taskID) {
		return "", false
	}
	if kind != "" {
		if text := l.TaskKinds[kind]; text != "" {
			return text, true
		}
	}
	if agent != "" {
		if text := l.Agents[agent]; text != "" {
			return text, true
		}
	}
	if l.Default != "" {
		return l.Default, true
	}
	return "", false
}

var kindPattern = regexp.MustCompile(`^([A-Za-z\p{Han}]+)\s*[:：]`)

// TaskKind derives a task kind from its title: a single leading word
// before a colon, lowercased. Titles without that shape have no kind.
func TaskKind(title string) string {
	m := kindPattern.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}
