package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

const defaultStateDirName = ".shula"

// ExpandHomePath expands a leading "~" or "~/" to the current user's home
// directory. Paths without a leading tilde are returned unchanged.
func ExpandHomePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// ResolveStateDir returns the configured state directory, falling back to
// ~/.shula when unset.
func ResolveStateDir(configured string) string {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		return ExpandHomePath(configured)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, defaultStateDirName)
	}
	return defaultStateDirName
}

// ResolveStateChildDir resolves a child directory under the state dir. An
// absolute childName wins; a relative one joins the state dir; empty falls
// back to defaultName.
func ResolveStateChildDir(configuredStateDir, childName, defaultName string) string {
	childName = strings.TrimSpace(childName)
	if childName == "" {
		childName = defaultName
	}
	childName = ExpandHomePath(childName)
	if filepath.IsAbs(childName) {
		return childName
	}
	return filepath.Join(ResolveStateDir(configuredStateDir), childName)
}

// ResolveStateFile resolves a file name under the state dir.
func ResolveStateFile(configuredStateDir, fileName string) string {
	return filepath.Join(ResolveStateDir(configuredStateDir), fileName)
}
