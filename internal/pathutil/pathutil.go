// Package pathutil builds the PATH handed to worker processes. Daemons
// started by an init system often run with a minimal PATH, while agents
// launched through /bin/sh expect the usual local tool directories.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// CommonPaths returns local tool directories that are often missing from a
// service environment.
func CommonPaths() []string {
	paths := []string{
		"/usr/local/bin",
		"/usr/local/sbin",
		"/opt/homebrew/bin",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, "go", "bin"),
		)
	}
	return paths
}

// MergePaths combines two PATH strings, preserving order and removing duplicates.
// Primary paths come first, then secondary paths that aren't already present.
func MergePaths(primary, secondary string) string {
	seen := make(map[string]bool)
	var merged []string

	for _, pathList := range []string{primary, secondary} {
		for _, part := range strings.Split(pathList, ":") {
			if part != "" && !seen[part] {
				seen[part] = true
				merged = append(merged, part)
			}
		}
	}
	return strings.Join(merged, ":")
}

// AddExistingPaths appends the paths that exist on disk to currentPath.
func AddExistingPaths(currentPath string, paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			currentPath = MergePaths(currentPath, p)
		}
	}
	return currentPath
}

// WorkerPath returns the PATH for a worker: the daemon's own PATH, the
// directory holding the worker binary, then any existing extra and common
// tool directories.
func WorkerPath(currentPath, binary string, extra []string) string {
	var dirs []string
	if filepath.IsAbs(binary) {
		dirs = append(dirs, filepath.Dir(binary))
	}
	dirs = append(dirs, extra...)
	dirs = append(dirs, CommonPaths()...)
	return AddExistingPaths(currentPath, dirs)
}

// WithPath returns env with its PATH entry replaced by path.
func WithPath(env []string, path string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, "PATH=") {
			out = append(out, kv)
		}
	}
	return append(out, "PATH="+path)
}
