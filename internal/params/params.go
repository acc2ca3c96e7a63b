// Package params exposes the sampling knobs that may be retuned between
// turns without restarting the loop. The engine re-reads the file at the top
// of every turn; a malformed or invalid file keeps the previous good
// snapshot in effect.
package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

const (
	DefaultTemperature = 0.3
	DefaultTopP        = 0.95
	DefaultMaxTokens   = 300
)

// Snapshot is one immutable set of sampling parameters.
type Snapshot struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

func Default() Snapshot {
	return Snapshot{
		Temperature: DefaultTemperature,
		TopP:        DefaultTopP,
		MaxTokens:   DefaultMaxTokens,
	}
}

func (s Snapshot) Validate() error {
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("params: temperature %v out of range [0, 2]", s.Temperature)
	}
	if s.TopP <= 0 || s.TopP > 1 {
		return fmt.Errorf("params: top_p %v out of range (0, 1]", s.TopP)
	}
	if s.MaxTokens <= 0 {
		return fmt.Errorf("params: max_tokens %d must be positive", s.MaxTokens)
	}
	return nil
}

// Watcher hands out the current snapshot, falling back to the last good one
// when the file is missing, malformed or out of range. A missing file is the
// normal case and silently yields the defaults.
type Watcher struct {
	path string

	mu   sync.Mutex
	last Snapshot
}

func NewWatcher(path string) *Watcher {
	return &Watcher{path: strings.TrimSpace(path), last: Default()}
}

// Current re-reads the file and returns the snapshot to use this turn. The
// returned error is advisory: the snapshot is always usable.
func (w *Watcher) Current() (Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.path == "" {
		return w.last, nil
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return w.last, nil
		}
		return w.last, fmt.Errorf("params: read %s: %w", w.path, err)
	}

	snap := w.last
	if err := json.Unmarshal(data, &snap); err != nil {
		return w.last, fmt.Errorf("params: parse %s: %w", w.path, err)
	}
	if err := snap.Validate(); err != nil {
		return w.last, err
	}
	w.last = snap
	return snap, nil
}

// Save writes a snapshot to the watcher's file.
func (w *Watcher) Save(snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(w.path, append(data, '\n'), 0o600)
}
