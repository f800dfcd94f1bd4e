package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Generations is the number of retained snapshots, current included.
const Generations = 5

// ErrEmpty is returned by LoadLatest when no current snapshot exists.
var ErrEmpty = errors.New("no autosave")

// Ring keeps the last Generations conversation snapshots in dir as
// autosave.json (current) and autosave_1.json .. autosave_4.json (older).
//
// Each step of a rotation is a single rename or an atomic write; the
// rotation as a whole is not atomic. A crash mid-rotation loses at most
// one generation.
type Ring struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewRing creates a ring rooted at dir.
func NewRing(dir string, logger *zap.Logger) *Ring {
	return &Ring{dir: dir, logger: logger}
}

// SlotName returns the file name of generation gen (0 = current).
func SlotName(gen int) string {
	if gen == 0 {
		return "autosave.json"
	}
	return fmt.Sprintf("autosave_%d.json", gen)
}

// IsAutosaveSlot reports whether file is one of the ring's slot file names.
func IsAutosaveSlot(file string) bool {
	for gen := 0; gen < Generations; gen++ {
		if file == SlotName(gen) {
			return true
		}
	}
	return false
}

func (r *Ring) slot(gen int) string {
	return filepath.Join(r.dir, SlotName(gen))
}

// Snapshot rotates the ring and writes doc as the new current generation.
func (r *Ring) Snapshot(doc ChatDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: r.dir, Err: err}
	}

	oldest := r.slot(Generations - 1)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return &IOError{Op: "remove", Path: oldest, Err: err}
	}
	for gen := Generations - 2; gen >= 0; gen-- {
		from, to := r.slot(gen), r.slot(gen+1)
		if err := os.Rename(from, to); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return &IOError{Op: "rotate", Path: from, Err: err}
		}
	}

	if err := WriteJSON(r.slot(0), doc); err != nil {
		return err
	}
	r.logger.Debug("autosave written",
		zap.String("dir", r.dir),
		zap.Int("messages", len(doc.ChatHistory)))
	return nil
}

// LoadLatest reads the current generation only. Older generations are
// left for manual recovery.
func (r *Ring) LoadLatest() (*ChatDocument, error) {
	return r.Load(0)
}

// Load reads generation gen.
func (r *Ring) Load(gen int) (*ChatDocument, error) {
	if gen < 0 || gen >= Generations {
		return nil, fmt.Errorf("generation %d out of range", gen)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var doc ChatDocument
	if err := ReadJSON(r.slot(gen), &doc); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrEmpty
		}
		return nil, err
	}
	return &doc, nil
}
