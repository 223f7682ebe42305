package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace owns per-build checkout directories under a common root.
type Workspace struct {
	root string
}

// NewWorkspace ensures the workspace root exists and is accessible.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspace{root: root}, nil
}

// Prepare creates an empty isolated directory for the identifier,
// removing any leftovers from a previous build of the same preview.
func (w *Workspace) Prepare(identifier string) (string, error) {
	if identifier == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	dir := filepath.Join(w.root, identifier)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a checkout directory. Paths outside the configured
// root are refused.
func (w *Workspace) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}
