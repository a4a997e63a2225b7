package share

import (
	"path/filepath"
	"strings"
)

// canonicalPath normalizes an OS path relative to root into the
// manifest's primary-key form: forward slashes, relative to root
// (spec.md §3: "canonicalized with forward slashes").
func canonicalPath(root, full string) (string, error) {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// joinClean joins a share root with a manifest-relative (forward-slash)
// path into an OS-native absolute path.
func joinClean(root, relative string) string {
	return filepath.Join(root, filepath.FromSlash(relative))
}

func sanitizeConflictExt(path string) (stem, ext string) {
	ext = filepath.Ext(path)
	stem = strings.TrimSuffix(path, ext)
	return stem, ext
}
