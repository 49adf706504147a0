package remotefs

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidPath indicates a virtual path that cannot be mapped into the
// workspace.
var ErrInvalidPath = errors.New("remotefs: invalid virtual path")

// CleanVirtual normalizes a slash-separated virtual path. The workspace root
// is the empty string; leading and trailing slashes are stripped. Paths that
// escape the root or smuggle platform separators are rejected.
func CleanVirtual(virtual string) (string, error) {
	if strings.Contains(virtual, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, virtual)
	}
	cleaned := path.Clean("/" + virtual)
	if cleaned == "/" {
		return "", nil
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, virtual)
	}
	return cleaned, nil
}

// Resolve maps a virtual path onto the host workspace root. Translation to a
// real path happens only here, on the host side.
func Resolve(root, virtual string) (string, error) {
	cleaned, err := CleanVirtual(virtual)
	if err != nil {
		return "", err
	}
	if cleaned == "" {
		return filepath.Clean(root), nil
	}
	return filepath.Join(root, filepath.FromSlash(cleaned)), nil
}

// ToVirtual converts a real path under root back into its virtual form.
func ToVirtual(root, real string) (string, error) {
	relative, err := filepath.Rel(root, real)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, real)
	}
	if relative == "." {
		return "", nil
	}
	if strings.HasPrefix(relative, "..") {
		return "", fmt.Errorf("%w: %q outside workspace", ErrInvalidPath, real)
	}
	return filepath.ToSlash(relative), nil
}
