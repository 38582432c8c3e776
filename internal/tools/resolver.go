package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves and validates paths against a session working directory.
// Every filesystem tool input must resolve under the working directory after
// canonicalization; violations fail with ErrAccessDenied.
type Resolver struct {
	Root string
}

// ErrAccessDenied marks a workspace boundary violation.
type accessDeniedError struct {
	path string
}

func (e *accessDeniedError) Error() string {
	return fmt.Sprintf("access_denied: path escapes working directory: %s", e.path)
}

// IsAccessDenied reports whether err is a workspace boundary violation.
func IsAccessDenied(err error) bool {
	_, ok := err.(*accessDeniedError)
	return ok
}

// Resolve returns an absolute, symlink-resolved path inside the root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		return "", fmt.Errorf("working directory is required")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(rootAbs); err == nil {
		rootAbs = resolved
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	// Canonicalize through the deepest existing ancestor so symlinked
	// escapes are caught even for paths being created.
	canonical := canonicalize(targetAbs)

	rel, err := filepath.Rel(rootAbs, canonical)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", &accessDeniedError{path: path}
	}
	return canonical, nil
}

func canonicalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	dir, base := filepath.Split(filepath.Clean(path))
	dir = filepath.Clean(dir)
	if dir == path {
		return path
	}
	return filepath.Join(canonicalize(dir), base)
}
