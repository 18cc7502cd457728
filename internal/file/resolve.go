package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/bundlesdev/bundles/internal/config"
	bfs "github.com/bundlesdev/bundles/internal/fs"
)

// RemoteResolver makes a remote input available locally. It returns the
// absolute directory of the checkout and the glob to expand within it.
type RemoteResolver interface {
	Resolve(ctx context.Context, in config.Input, cwd string) (dir string, pattern string, err error)
}

// DataFunc returns the data layered over a file's own front matter. It is
// called once the front matter has been parsed.
type DataFunc func(*File) map[string]any

// Options carry the bundle context needed to resolve inputs.
type Options struct {
	// Cwd is the directory file paths are made relative to.
	Cwd string
	// GlobCwd is the directory path patterns are expanded against. It
	// defaults to Cwd.
	GlobCwd     string
	Glob        bfs.GlobOptions
	FrontMatter FrontMatter
	Data        DataFunc
	Remote      RemoteResolver
}

func (o Options) globCwd() string {
	if o.GlobCwd != "" {
		return o.GlobCwd
	}
	return o.Cwd
}

// Resolve turns one input into files, in path order. Patterns that match
// nothing and invalid inline inputs produce no files.
func Resolve(ctx context.Context, in config.Input, opts Options) ([]*File, error) {
	switch in.Kind {
	case config.InputPath:
		paths, err := Expand(in.Path, opts)
		if err != nil {
			return nil, err
		}
		return readAll(paths, opts)

	case config.InputInline:
		f, err := New(bfs.Clean(in.Path), []byte(in.Content), in.Data, opts)
		if err != nil {
			return nil, err
		}
		return []*File{f}, nil

	case config.InputRemote:
		if opts.Remote == nil {
			return nil, fmt.Errorf("remote input %s: no remote resolver configured", in.Remote)
		}
		dir, pattern, err := opts.Remote.Resolve(ctx, in, opts.Cwd)
		if err != nil {
			return nil, err
		}
		glob := opts.Glob
		glob.Ignore = append(slices.Clone(glob.Ignore), ".git/**", "**/.git/**")
		matches, err := bfs.Glob(os.DirFS(dir), pattern, glob)
		if err != nil {
			return nil, fmt.Errorf("remote input %s: %w", in.Remote, err)
		}
		paths := make([]string, 0, len(matches))
		for _, m := range matches {
			paths = append(paths, relative(opts.Cwd, filepath.Join(dir, filepath.FromSlash(m))))
		}
		return readAll(paths, opts)
	}

	return nil, nil
}

// Expand returns the paths, relative to opts.Cwd, of the files matching
// pattern.
func Expand(pattern string, opts Options) ([]string, error) {
	root, rel := bfs.Split(opts.globCwd(), pattern)
	matches, err := bfs.Glob(os.DirFS(root), rel, opts.Glob)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", pattern, err)
	}
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, relative(opts.Cwd, filepath.Join(root, filepath.FromSlash(m))))
	}
	return paths, nil
}

func readAll(paths []string, opts Options) ([]*File, error) {
	files := make([]*File, 0, len(paths))
	for _, p := range paths {
		f, err := Read(p, opts)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// Read reads the file at path, relative to opts.Cwd, and parses it. A
// missing file is an error.
func Read(path string, opts Options) (*File, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(opts.Cwd, filepath.FromSlash(path))
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return New(relative(opts.Cwd, abs), content, nil, opts)
}

// New builds a File from raw content. Text content has its front matter
// parsed; the file data is the front matter, then own, then the data
// returned by opts.Data, later layers winning on key conflicts.
func New(path string, content []byte, own map[string]any, opts Options) (*File, error) {
	f := &File{
		Path:     path,
		Encoding: EncodingText,
		Source:   Source{Path: path, Content: content, Cwd: opts.Cwd},
	}

	body := content
	var matter map[string]any
	if IsBinary(content) {
		f.Encoding = EncodingBinary
	} else {
		var err error
		matter, body, err = ParseFrontMatter(content, opts.FrontMatter)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	f.Source.Data = config.MergeData(matter, own)
	f.Content = slices.Clone(body)
	f.Data = cloneData(f.Source.Data)
	if opts.Data != nil {
		f.Data = config.MergeData(f.Data, opts.Data(f))
	}

	return f, nil
}

// relative returns abs relative to cwd in slash form, or abs itself when it
// does not live under cwd's volume.
func relative(cwd, abs string) string {
	if cwd == "" {
		return filepath.ToSlash(abs)
	}
	rel, err := filepath.Rel(cwd, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}
