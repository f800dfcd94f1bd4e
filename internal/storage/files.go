package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a named document or file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when a create or rename would overwrite an existing entry.
	ErrExists = errors.New("already exists")
	// ErrInvalidName is returned for names that are not plain file names.
	ErrInvalidName = errors.New("invalid name")
)

// IOError records a failed local filesystem operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

const jsonExt = ".json"

// DocumentFile maps a catalog name to its file name. A trailing ".json"
// on the input is accepted, so "default_prompt" and "default_prompt.json"
// address the same document.
func DocumentFile(name string) (string, error) {
	stem := strings.TrimSuffix(strings.TrimSpace(name), jsonExt)
	if err := ValidateName(stem); err != nil {
		return "", err
	}
	return stem + jsonExt, nil
}

// ValidateName rejects names that would escape their directory.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ReadJSON decodes the JSON document at path into v.
// A missing file yields an error wrapping ErrNotFound.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return &IOError{Op: "read", Path: path, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// WriteJSON writes v as indented JSON. The document is written to a
// temporary sibling and renamed into place.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &IOError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// RemoveFile deletes path, reporting ErrNotFound if it is absent.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return &IOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// RenameFile moves oldPath to newPath without replacing an existing file.
func RenameFile(oldPath, newPath string) error {
	if _, err := os.Stat(oldPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", oldPath, ErrNotFound)
		}
		return &IOError{Op: "stat", Path: oldPath, Err: err}
	}
	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("%s: %w", newPath, ErrExists)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return &IOError{Op: "rename", Path: oldPath, Err: err}
	}
	return nil
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ListFiles returns the sorted names of regular files in dir, optionally
// filtered by extension. A missing directory is an empty listing.
func ListFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, &IOError{Op: "list", Path: dir, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if ext != "" && !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ListDocuments lists JSON documents in dir by catalog name (extension stripped).
func ListDocuments(dir string) ([]string, error) {
	files, err := ListFiles(dir, jsonExt)
	if err != nil {
		return nil, err
	}
	for i, f := range files {
		files[i] = strings.TrimSuffix(f, jsonExt)
	}
	return files, nil
}
