// Package pathutil edits PATH-style environment variables.
package pathutil

import (
	"os"
	"strings"
)

const sep = string(os.PathListSeparator)

// MergePaths combines two PATH strings, preserving order and removing duplicates.
// Primary paths come first, then secondary paths that aren't already present.
func MergePaths(primary, secondary string) string {
	seen := make(map[string]bool)
	var merged []string

	for _, pathList := range []string{primary, secondary} {
		for _, part := range strings.Split(pathList, sep) {
			if part != "" && !seen[part] {
				seen[part] = true
				merged = append(merged, part)
			}
		}
	}
	return strings.Join(merged, sep)
}

// Prepend puts dirs in front of the list held by env var name.
func Prepend(name string, dirs []string) error {
	if len(dirs) == 0 {
		return nil
	}
	return os.Setenv(name, MergePaths(strings.Join(dirs, sep), os.Getenv(name)))
}
