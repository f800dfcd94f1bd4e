package storage

import (
	"io"
	"os"
	"path/filepath"
)

// Resources is the directory of CG image files referenced by CG triggers.
type Resources struct {
	dir string
}

// NewResources creates a resource catalog rooted at dir.
func NewResources(dir string) *Resources {
	return &Resources{dir: dir}
}

// Dir returns the root directory, for static serving.
func (r *Resources) Dir() string { return r.dir }

// List returns all resource file names.
func (r *Resources) List() ([]string, error) {
	return ListFiles(r.dir, "")
}

// Path resolves a resource name to its file path.
func (r *Resources) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(r.dir, name), nil
}

// Import copies src into the catalog as name, replacing any existing file.
func (r *Resources) Import(name string, src io.Reader) error {
	dst, err := r.Path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: r.dir, Err: err}
	}

	tmp, err := os.CreateTemp(r.dir, "."+name+".*.tmp")
	if err != nil {
		return &IOError{Op: "create", Path: dst, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &IOError{Op: "copy", Path: dst, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "rename", Path: dst, Err: err}
	}
	return nil
}

// Delete removes a resource file.
func (r *Resources) Delete(name string) error {
	p, err := r.Path(name)
	if err != nil {
		return err
	}
	return RemoveFile(p)
}

// Rename moves a resource without replacing an existing one.
func (r *Resources) Rename(oldName, newName string) error {
	from, err := r.Path(oldName)
	if err != nil {
		return err
	}
	to, err := r.Path(newName)
	if err != nil {
		return err
	}
	return RenameFile(from, to)
}
