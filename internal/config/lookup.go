package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrConfigNotFound is returned when a named config file does not exist, or
// when no config file is named and none of FileNames exists.
var ErrConfigNotFound = errors.New("config file not found")

// FileNames are searched, in order, when no config file is named.
var FileNames = []string{
	".bundlesrc",
	".bundlesrc.yaml",
	".bundlesrc.yml",
	".bundlesrc.json",
	"bundles.config.yaml",
	"bundles.config.yml",
	"bundles.config.json",
}

// SplitRunFilter splits a "path:id1,id2" config reference into the path and
// the run filter. The filter is nil when the reference carries none.
func SplitRunFilter(ref string) (string, *Selector, error) {
	if _, err := os.Stat(ref); err == nil {
		return ref, nil, nil
	}
	i := strings.LastIndex(ref, ":")
	if i <= 1 { // no filter, or a Windows drive letter
		return ref, nil, nil
	}
	sel, err := ParseSelector(ref[i+1:])
	if err != nil {
		return "", nil, err
	}
	return ref[:i], sel, nil
}

// Find returns the absolute path of the config file named by path, relative
// to cwd. An empty path searches cwd for FileNames.
func Find(cwd, path string) (string, error) {
	if path == "" {
		for _, name := range FileNames {
			candidate := filepath.Join(cwd, name)
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
				return candidate, nil
			}
		}
		return "", fmt.Errorf("%w in %s", ErrConfigNotFound, cwd)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return "", err
	}
	return path, nil
}

// Loaded is a parsed configuration together with the files it was read from.
type Loaded struct {
	Root  *Root
	Files []string
}

// Load finds, merges and parses the referenced config files. A run filter
// suffix on any reference overrides options.run. The global cwd option
// defaults to the directory of the first config file, and a relative cwd is
// resolved against it.
func Load(cwd string, refs ...string) (*Loaded, error) {
	if len(refs) == 0 {
		refs = []string{""}
	}

	var files []string
	var run *Selector
	for _, ref := range refs {
		path, sel, err := SplitRunFilter(ref)
		if err != nil {
			return nil, err
		}
		file, err := Find(cwd, path)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
		if sel != nil {
			run = sel
		}
	}

	var root *Root
	var err error
	if len(files) == 1 {
		root, err = ParseFile(files[0])
	} else {
		var bs []byte
		bs, err = Merge(files, false)
		if err == nil {
			root, err = Parse(bs)
		}
	}
	if err != nil {
		return nil, err
	}

	if root.Options == nil {
		root.Options = &Options{}
	}
	dir := filepath.Dir(files[0])
	switch {
	case root.Options.Cwd == "":
		root.Options.Cwd = dir
	case !filepath.IsAbs(root.Options.Cwd):
		root.Options.Cwd = filepath.Join(dir, root.Options.Cwd)
	}
	if run != nil {
		root.Options.Run = run
	}

	return &Loaded{Root: root, Files: files}, nil
}
