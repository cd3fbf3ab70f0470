package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for paths that would escape the base directory.
var ErrUnsafePath = errors.New("unsafe file path")

// ConfinePath resolves a relative path inside baseDir and returns the
// absolute result. Absolute paths, parent-directory segments, and null bytes
// are rejected.
func ConfinePath(path, baseDir string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if strings.Contains(path, "\x00") {
		return "", fmt.Errorf("%w: null byte in path", ErrUnsafePath)
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") || strings.HasPrefix(path, `\`) {
		return "", fmt.Errorf("%w: absolute paths are not allowed", ErrUnsafePath)
	}

	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", fmt.Errorf("%w: path traversal detected", ErrUnsafePath)
		}
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("invalid base directory: %w", err)
	}
	absPath := filepath.Join(absBase, filepath.Clean(path))

	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path is outside allowed directory", ErrUnsafePath)
	}
	return absPath, nil
}
