// Package workspace manages per-build working directories under a shared
// work root ({work_root}/build-{id}) and centralizes path validation for
// patch targets.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager hands out and removes per-build checkout directories.
type Manager struct {
	workRoot string
}

// NewManager creates a manager rooted at workRoot.
func NewManager(workRoot string) *Manager {
	if workRoot == "" {
		workRoot = os.TempDir()
	}
	return &Manager{workRoot: workRoot}
}

// Root returns the configured work root.
func (m *Manager) Root() string { return m.workRoot }

// BuildDir returns the working directory path for a build without creating it.
func (m *Manager) BuildDir(buildID int64) string {
	return filepath.Join(m.workRoot, fmt.Sprintf("build-%d", buildID))
}

// Prepare removes any stale directory for the build and creates a fresh one.
// Called by the clone stage, including after a lease-timeout re-lease where a
// crashed worker may have left a partial checkout behind.
func (m *Manager) Prepare(buildID int64) (string, error) {
	dir := m.BuildDir(buildID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("remove stale working directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}
	return dir, nil
}

// Remove deletes the working directory for a build.
func (m *Manager) Remove(buildID int64) error {
	return os.RemoveAll(m.BuildDir(buildID))
}

// BuildIDFromDir parses a build id out of a directory name under the work
// root, returning false for names that do not follow the build-{id} layout.
func BuildIDFromDir(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, "build-")
	if !ok || rest == "" {
		return 0, false
	}
	var id int64
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
		id = id*10 + int64(r-'0')
	}
	return id, true
}

// allowedPrefixes and allowedFiles list the only paths a patch may touch.
var allowedPrefixes = []string{"src/main/java/", "src/test/java/"}
var allowedFiles = []string{"pom.xml", "build.gradle"}

// ValidatePatchPath rejects paths outside the allowed roots, path-escape
// attempts, and shell-metacharacter tricks. This is the single choke point
// for patch target validation; all diff application goes through it.
func ValidatePatchPath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("path contains null byte")
	}
	if strings.ContainsAny(p, "~$") {
		return fmt.Errorf("path contains forbidden character: %q", p)
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return fmt.Errorf("absolute path not allowed: %q", p)
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed: %q", p)
		}
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	for _, f := range allowedFiles {
		if clean == f {
			return nil
		}
	}
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(clean, prefix) && clean != strings.TrimSuffix(prefix, "/") {
			return nil
		}
	}
	return fmt.Errorf("path outside allowed roots: %q", p)
}
