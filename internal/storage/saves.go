package storage

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Saves manages user-named conversation saves. It shares its directory
// with the autosave ring, so older autosave generations show up in the
// listing and can be loaded by name. Autosave slots are read-only here;
// only the ring writes, renames or removes them.
type Saves struct {
	dir string
	mu  sync.Mutex
}

// NewSaves creates a save catalog rooted at dir.
func NewSaves(dir string) *Saves {
	return &Saves{dir: dir}
}

func (s *Saves) path(name string) (string, error) {
	file, err := DocumentFile(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, file), nil
}

// writablePath is path for operations that modify the directory.
func (s *Saves) writablePath(name string) (string, error) {
	p, err := s.path(name)
	if err != nil {
		return "", err
	}
	if IsAutosaveSlot(filepath.Base(p)) {
		return "", fmt.Errorf("%w: %q is an autosave slot", ErrInvalidName, name)
	}
	return p, nil
}

// List returns save names, autosave slots included.
func (s *Saves) List() ([]string, error) {
	return ListDocuments(s.dir)
}

// Save writes doc under name. Without overwrite an existing save yields ErrExists.
func (s *Saves) Save(name string, doc ChatDocument, overwrite bool) error {
	p, err := s.writablePath(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !overwrite && Exists(p) {
		return fmt.Errorf("save %q: %w", name, ErrExists)
	}
	return WriteJSON(p, doc)
}

// Load reads the named save.
func (s *Saves) Load(name string) (*ChatDocument, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc ChatDocument
	if err := ReadJSON(p, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Delete removes the named save.
func (s *Saves) Delete(name string) error {
	p, err := s.writablePath(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return RemoveFile(p)
}

// Rename moves a save to a new name that must not already exist.
func (s *Saves) Rename(oldName, newName string) error {
	from, err := s.writablePath(oldName)
	if err != nil {
		return err
	}
	to, err := s.writablePath(newName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return RenameFile(from, to)
}
