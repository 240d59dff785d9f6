// Package safety holds the containment checks applied to untrusted input:
// archive member names and HTTP responses.
package safety

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// CleanMember normalizes a slash-separated archive member name. It rejects
// empty names, absolute names and any name that climbs out of its root.
func CleanMember(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("member name is empty")
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("member name contains NUL: %q", name)
	}
	slashed := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute member name not allowed: %q", name)
	}
	clean := path.Clean(slashed)
	if clean == "." {
		return "", fmt.Errorf("member name resolves to the root: %q", name)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("member name escapes the archive root: %q", name)
	}
	return clean, nil
}

// StripRoot removes the leading directory component root from a cleaned
// member name. ok is false when the member does not live under root. The
// root entry itself yields "" and ok.
func StripRoot(member, root string) (rest string, ok bool) {
	if member == root {
		return "", true
	}
	if strings.HasPrefix(member, root+"/") {
		return member[len(root)+1:], true
	}
	return "", false
}

// JoinUnder places the slash-separated relative name under dir and verifies
// the result stays inside dir.
func JoinUnder(dir, rel string) (string, error) {
	clean, err := CleanMember(rel)
	if err != nil {
		return "", err
	}
	return Within(dir, filepath.Join(dir, filepath.FromSlash(clean)))
}

// Within returns candidate as an absolute path if it resolves inside dir.
func Within(dir, candidate string) (string, error) {
	dirAbs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", candidate, err)
	}
	rel, err := filepath.Rel(dirAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q is outside %q", candidate, dir)
	}
	return candAbs, nil
}
