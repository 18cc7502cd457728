package fs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ContainsFiles returns true if dir within fsys holds any files, and false
// otherwise. A missing dir holds no files.
func ContainsFiles(fsys fs.FS, dir string) (bool, error) {
	// errFound is a sentinel error used to stop the walk when a file is found.
	errFound := os.ErrExist

	err := fs.WalkDir(fsys, Clean(dir), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return errFound
		}
		return nil
	})
	if err == errFound {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, err
}

// Split turns a possibly absolute or parent-relative OS path pattern into a
// directory to open as an fs.FS and a slash-separated pattern inside it.
func Split(cwd, pattern string) (root, rel string) {
	if filepath.IsAbs(pattern) {
		if r, err := filepath.Rel(cwd, pattern); err == nil {
			pattern = r
		} else {
			vol := filepath.VolumeName(pattern)
			return vol + string(filepath.Separator), Clean(filepath.ToSlash(pattern[len(vol):]))
		}
	}
	rel = Clean(filepath.ToSlash(pattern))

	root = cwd
	for {
		if rel == ".." {
			return filepath.Dir(root), "."
		}
		rest, ok := strings.CutPrefix(rel, "../")
		if !ok {
			return root, rel
		}
		root, rel = filepath.Dir(root), rest
	}
}
