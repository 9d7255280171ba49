// Package workspace confines file access to a project root.
//
// Every path handed to a Workspace is relative to its root and uses forward
// slashes. Paths that resolve outside the root are rejected, so plugin packs
// and capability matrices cannot reach files elsewhere on disk.
//
// Directory layout (defaults, see config.Layout):
//
//	<root>/
//	    .specforge/settings.yaml
//	    spec/frontend/...        # frontend specification documents
//	    spec/backend/...         # backend specification documents
//	    spec/invariants.json
//	    harness/...              # plugin registry, state, capability matrix
//	    web/src/                 # generated bundle
//	    backend_dist/            # generated server
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrOutsideRoot is returned for paths that escape the workspace root.
var ErrOutsideRoot = errors.New("path escapes workspace root")

// Workspace represents a project directory.
type Workspace struct {
	Root string
}

// Open opens an existing project directory. Returns an error if not found.
func Open(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("project root %q not found", root)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %q is not a directory", root)
	}
	return &Workspace{Root: abs}, nil
}

// Init creates root (and parents) and errors if it already exists and is not
// empty.
func Init(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err == nil && len(entries) > 0 {
		return nil, fmt.Errorf("directory %q already exists and is not empty", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return &Workspace{Root: abs}, nil
}

// Abs resolves rel inside the workspace.
func (w *Workspace) Abs(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	slashed := filepath.ToSlash(rel)
	if path.IsAbs(slashed) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%s: %w", rel, ErrOutsideRoot)
	}
	clean := path.Clean(slashed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%s: %w", rel, ErrOutsideRoot)
	}
	return filepath.Join(w.Root, filepath.FromSlash(clean)), nil
}

// Rel converts an absolute path under the root to its forward-slash relative
// form.
func (w *Workspace) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(w.Root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s: %w", abs, ErrOutsideRoot)
	}
	return rel, nil
}

// Exists reports whether rel exists. Paths outside the root never exist.
func (w *Workspace) Exists(rel string) bool {
	abs, err := w.Abs(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// Stat returns file info for rel.
func (w *Workspace) Stat(rel string) (fs.FileInfo, error) {
	abs, err := w.Abs(rel)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}

// ReadFile reads rel.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	abs, err := w.Abs(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// WriteFile replaces rel with data, creating parent directories. The content
// is written to a temporary sibling and renamed into place.
func (w *Workspace) WriteFile(rel string, data []byte) error {
	abs, err := w.Abs(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(rel), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), "."+filepath.Base(abs)+".tmp*")
	if err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// Remove deletes rel. A missing file is not an error.
func (w *Workspace) Remove(rel string) error {
	abs, err := w.Abs(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", rel, err)
	}
	return nil
}

// CopyFile copies src to dst (both relative), creating parent directories of
// dst and preserving src's permissions.
func (w *Workspace) CopyFile(src, dst string) error {
	from, err := w.Abs(src)
	if err != nil {
		return err
	}
	to, err := w.Abs(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(dst), err)
	}
	if err := copyFile(from, to); err != nil {
		return fmt.Errorf("copy %s → %s: %w", src, dst, err)
	}
	return nil
}

// ListFiles returns the relative paths of regular files with the given
// extension under dir, recursively, in sorted order. A missing dir yields no
// files.
func (w *Workspace) ListFiles(dir, ext string) ([]string, error) {
	abs, err := w.Abs(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == abs {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ext) {
			return nil
		}
		rel, err := w.Rel(p)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(out)
	return out, nil
}

// ReadDir returns the relative paths of regular files with the given
// extension directly inside dir, sorted by name.
func (w *Workspace) ReadDir(dir, ext string) ([]string, error) {
	abs, err := w.Abs(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		out = append(out, path.Join(path.Clean(filepath.ToSlash(dir)), e.Name()))
	}
	return out, nil
}

// copyFile copies a single file from src to dst, preserving permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
