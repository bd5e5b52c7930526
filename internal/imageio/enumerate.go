package imageio

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
)

// Enumerate walks root and returns the slash-separated relative paths of
// every file whose extension is in exts (case-insensitive), sorted. An empty
// exts uses DefaultExtensions. Subdirectories that cannot be read
// are skipped; an unreadable root is an error.
func Enumerate(root string, exts []string) ([]string, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	var ids []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !HasExtension(d.Name(), exts) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		ids = append(ids, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", root, err)
	}

	slices.Sort(ids)
	return ids, nil
}
