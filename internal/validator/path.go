package validator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrTraversal is returned for paths containing a ".." segment, encoded or not.
	ErrTraversal = errors.New("path traversal detected")
	// ErrOutsideWorkspace is returned when the resolved path leaves the workspace.
	ErrOutsideWorkspace = errors.New("path outside workspace")
	// ErrInvalidPath is returned for empty paths or paths with NUL bytes.
	ErrInvalidPath = errors.New("invalid path")
)

// Workspace is the single filesystem root path-accepting tools are confined to.
type Workspace struct {
	root string
}

// NewWorkspace resolves dir (following symlinks) and returns a Workspace rooted there.
func NewWorkspace(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace %q: %w", dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace %q: %w", dir, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %q is not a directory", dir)
	}
	return &Workspace{root: resolved}, nil
}

// Root returns the resolved workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Resolve validates path and returns its canonical, symlink-free absolute form.
// Relative paths are interpreted against the workspace root.
func (w *Workspace) Resolve(path string) (string, error) {
	if path == "" || strings.ContainsRune(path, 0) {
		return "", ErrInvalidPath
	}
	normalized := Normalize(path)
	if strings.ContainsRune(normalized, 0) {
		return "", ErrInvalidPath
	}
	if hasDotDot(path) || hasDotDot(normalized) {
		return "", fmt.Errorf("%w: %s", ErrTraversal, path)
	}
	path = normalized

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.root, abs)
	}
	abs = filepath.Clean(abs)

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !w.contains(resolved) {
		return "", fmt.Errorf("%w: %s (resolved: %s)", ErrOutsideWorkspace, path, resolved)
	}
	return resolved, nil
}

// Contains reports whether path resolves inside the workspace.
func (w *Workspace) Contains(path string) bool {
	_, err := w.Resolve(path)
	return err == nil
}

// Rel returns abs relative to the workspace root, or abs unchanged if it is outside.
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || isParentRel(rel) {
		return abs
	}
	return rel
}

func (w *Workspace) contains(resolved string) bool {
	rel, err := filepath.Rel(w.root, resolved)
	if err != nil {
		return false
	}
	return !isParentRel(rel)
}

func isParentRel(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// hasDotDot reports whether any path segment is exactly "..".
func hasDotDot(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// resolveExisting follows symlinks through the longest existing prefix of abs and
// re-appends the components that do not exist yet.
func resolveExisting(abs string) (string, error) {
	var missing []string
	cur := abs
	for {
		if _, err := os.Lstat(cur); err == nil {
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		missing = append([]string{filepath.Base(cur)}, missing...)
		cur = parent
	}
	resolved, err := filepath.EvalSymlinks(cur)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, missing...)...), nil
}
