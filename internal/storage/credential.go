package storage

import (
	"errors"
	"path/filepath"
	"sync"
)

type credentialDocument struct {
	APIKey string `json:"api_key"`
}

// Credentials persists the upstream API key as {"api_key": "..."}.
type Credentials struct {
	path string
	mu   sync.Mutex
}

// NewCredentials stores the key at <dir>/api_key.json.
func NewCredentials(dir string) *Credentials {
	return &Credentials{path: filepath.Join(dir, "api_key.json")}
}

// Load returns the stored key. A missing document is an empty key.
func (c *Credentials) Load() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doc credentialDocument
	if err := ReadJSON(c.path, &doc); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return doc.APIKey, nil
}

// Save replaces the stored key.
func (c *Credentials) Save(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteJSON(c.path, credentialDocument{APIKey: key})
}
