package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace owns build-scoped checkout directories under a common root.
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

// Prepare returns an empty directory for buildID, destroying any previous
// checkout at that path.
func (w *Workspace) Prepare(buildID string) (string, error) {
	if buildID == "" || strings.ContainsAny(buildID, `/\`) || buildID == "." || buildID == ".." {
		return "", fmt.Errorf("invalid workspace identifier %q", buildID)
	}
	dir := filepath.Join(w.root, buildID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a directory returned by Prepare.
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

// Subdir resolves a project root directory inside a checkout.
func Subdir(checkout, rootDirectory string) (string, error) {
	rootDirectory = strings.TrimSpace(rootDirectory)
	if rootDirectory == "" || rootDirectory == "." || rootDirectory == "./" {
		return checkout, nil
	}
	dir := filepath.Join(checkout, filepath.Clean("/"+rootDirectory))
	rel, err := filepath.Rel(checkout, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("root directory %q escapes the checkout", rootDirectory)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("root directory %q: %w", rootDirectory, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("root directory %q is not a directory", rootDirectory)
	}
	return dir, nil
}
