// Package core implements the functionality shared across all envprov components.
package core

import (
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
)

// IsExecutable checks if a file mode has any executable bits set.
// It checks the executable bits for owner, group, and others (0111).
func IsExecutable(info fs.FileInfo) bool {
	permissions := info.Mode().Perm()
	return permissions&0111 != 0
}

// ResolveExecutable finds an executable by name. When binDir is set the
// executable must live there; otherwise PATH is searched.
func ResolveExecutable(binDir, name string) (string, error) {
	if binDir == "" {
		path, err := exec.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("failed to find %s on PATH: %w", name, err)
		}
		return path, nil
	}

	root, err := os.OpenRoot(binDir)
	if err != nil {
		return "", fmt.Errorf("failed to open bin directory: %w", err)
	}
	defer LogDeferredError(root.Close)

	info, err := root.Stat(name)
	if err != nil {
		return "", fmt.Errorf("failed to find %s in %s: %w", name, binDir, err)
	}
	if info.IsDir() || !IsExecutable(info) {
		return "", fmt.Errorf("%s in %s is not an executable file", name, binDir)
	}

	return filepath.Join(binDir, name), nil
}
