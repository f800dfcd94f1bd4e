package persona

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nidhogg/persona-chat/internal/storage"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when neither the requested nor the default persona can be loaded.
	ErrNotFound = errors.New("persona not found")
	// ErrConflict is returned when a rename target already exists.
	ErrConflict = errors.New("persona already exists")
	// ErrInvalidName is returned for names that are not plain file stems.
	ErrInvalidName = storage.ErrInvalidName
)

// ConfigError reports a persona document that exists but cannot be decoded.
type ConfigError struct {
	Name string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("persona %q: %v", e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Store is a directory of persona documents, one JSON file per name.
type Store struct {
	dir         string
	defaultName string
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewStore creates a persona store rooted at dir. defaultName is the
// fallback persona used by Load.
func NewStore(dir, defaultName string, logger *zap.Logger) *Store {
	return &Store{
		dir:         dir,
		defaultName: Normalize(defaultName),
		logger:      logger,
	}
}

// Normalize strips surrounding space and a ".json" suffix from a name.
func Normalize(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), ".json")
}

// DefaultName returns the fallback persona name.
func (s *Store) DefaultName() string { return s.defaultName }

func (s *Store) path(name string) (string, error) {
	file, err := storage.DocumentFile(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, file), nil
}

// Document reads the raw persona document.
func (s *Store) Document(name string) (*Document, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc Document
	if err := storage.ReadJSON(p, &doc); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, Normalize(name))
		}
		return nil, &ConfigError{Name: Normalize(name), Err: err}
	}
	return &doc, nil
}

// Load compiles the named persona. A missing or corrupt persona falls
// back once to the default persona; the returned Persona's Name tells
// the caller which one was loaded.
func (s *Store) Load(name string) (*Persona, error) {
	name = Normalize(name)
	p, err := s.load(name)
	if err == nil {
		return p, nil
	}
	if name == s.defaultName {
		return nil, err
	}
	s.logger.Warn("persona unavailable, falling back to default",
		zap.String("persona", name),
		zap.String("default", s.defaultName),
		zap.Error(err))
	p, defErr := s.load(s.defaultName)
	if defErr != nil {
		return nil, fmt.Errorf("%w: %q and default %q: %v", ErrNotFound, name, s.defaultName, defErr)
	}
	return p, nil
}

func (s *Store) load(name string) (*Persona, error) {
	doc, err := s.Document(name)
	if err != nil {
		return nil, err
	}
	p, err := doc.Compile(name)
	if err != nil {
		s.logger.Warn("persona has malformed triggers",
			zap.String("persona", name), zap.Error(err))
	}
	return p, nil
}

// Save writes doc under name, replacing any existing persona.
func (s *Store) Save(name string, doc *Document) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := storage.WriteJSON(p, doc); err != nil {
		return err
	}
	s.logger.Info("persona saved", zap.String("persona", Normalize(name)))
	return nil
}

// Delete removes the named persona.
func (s *Store) Delete(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := storage.RemoveFile(p); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, Normalize(name))
		}
		return err
	}
	return nil
}

// Rename moves a persona to a new, unused name.
func (s *Store) Rename(oldName, newName string) error {
	from, err := s.path(oldName)
	if err != nil {
		return err
	}
	to, err := s.path(newName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch err := storage.RenameFile(from, to); {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, Normalize(oldName))
	case errors.Is(err, storage.ErrExists):
		return fmt.Errorf("%w: %s", ErrConflict, Normalize(newName))
	default:
		return err
	}
}

// List returns all persona names in sorted order.
func (s *Store) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return storage.ListDocuments(s.dir)
}
