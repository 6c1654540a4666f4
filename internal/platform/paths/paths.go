// Package paths resolves the on-disk locations the service reads and
// writes: the data root (queue store, audit journal, audit spool, API
// key store) and the config file, with environment overrides and a
// traversal-safe join helper for request-adjacent path composition.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDataRoot is used when COT_RELAY_DATA_ROOT is unset.
const DefaultDataRoot = "./data"

// ResolveDataRoot returns the path to the service's data directory as
// given (COT_RELAY_DATA_ROOT or DefaultDataRoot); it is not made
// absolute.
func ResolveDataRoot() string {
	root := os.Getenv("COT_RELAY_DATA_ROOT")
	if root == "" {
		root = DefaultDataRoot
	}
	return root
}

// ResolveConfigPath returns the path to the configuration file, not
// made absolute: customPath if given, else CONFIG_PATH, else a default under
// the data root.
func ResolveConfigPath(customPath string) string {
	if customPath != "" {
		return customPath
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return filepath.Join(ResolveDataRoot(), "config", "default.yaml")
}

// EnsureDirs creates the standard data subdirectories if absent:
// queue, audit, audit-spool, and keys.
func EnsureDirs(dataRoot string) error {
	subdirs := []string{"queue", "audit", "audit-spool", "keys"}
	for _, sub := range subdirs {
		path := filepath.Join(dataRoot, sub)
		if err := os.MkdirAll(path, 0o750); err != nil {
			return fmt.Errorf("paths: create directory %s: %w", path, err)
		}
	}
	return nil
}

// SafeJoin joins path elements onto base and rejects any element that
// is absolute or would resolve outside base, guarding against path
// traversal when composing paths from request-derived input (e.g. a
// detection or camera identifier used as a filename component).
func SafeJoin(base string, elements ...string) (string, error) {
	for _, el := range elements {
		if filepath.IsAbs(el) || strings.HasPrefix(el, `\\`) {
			return "", fmt.Errorf("paths: traversal attempt: absolute or UNC element %q", el)
		}
	}
	joined := filepath.Join(append([]string{base}, elements...)...)

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if absJoined != absBase && !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("paths: traversal attempt: %s is outside %s", absJoined, absBase)
	}
	return absJoined, nil
}
