package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// GlobOptions control how patterns are expanded.
type GlobOptions struct {
	// Dot makes wildcards match files and directories whose name starts
	// with a dot.
	Dot bool
	// Ignore lists patterns of paths to leave out.
	Ignore []string
}

// Pattern is a compiled path glob. "**" matches across directories, "*"
// does not cross a "/". A leading "**/" also matches paths at the root.
type Pattern struct {
	raw      string
	globs    []glob.Glob
	hasMagic bool
}

func CompilePattern(pattern string) (*Pattern, error) {
	pattern = Clean(pattern)
	p := &Pattern{raw: pattern, hasMagic: HasMagic(pattern)}

	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	p.globs = append(p.globs, g)

	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		g, err := glob.Compile(rest, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		p.globs = append(p.globs, g)
	}

	return p, nil
}

func (p *Pattern) Match(name string) bool {
	name = Clean(name)
	for _, g := range p.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func (p *Pattern) String() string {
	return p.raw
}

// CompilePatterns compiles every pattern, failing on the first bad one.
func CompilePatterns(patterns []string) ([]*Pattern, error) {
	out := make([]*Pattern, 0, len(patterns))
	for _, s := range patterns {
		p, err := CompilePattern(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// MatchAny reports whether name matches at least one pattern.
func MatchAny(patterns []*Pattern, name string) bool {
	return slices.ContainsFunc(patterns, func(p *Pattern) bool { return p.Match(name) })
}

// HasMagic reports whether s contains glob meta characters.
func HasMagic(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// Clean normalizes a slash-separated relative path: "./" prefixes and
// duplicate separators are removed.
func Clean(name string) string {
	if name == "" {
		return "."
	}
	trailing := strings.HasSuffix(name, "/")
	name = path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if trailing && name != "/" && name != "." {
		name += "/"
	}
	return strings.TrimPrefix(name, "./")
}

// Base returns the longest leading directory of pattern without meta
// characters. Walking starts there.
func Base(pattern string) string {
	segments := strings.Split(pattern, "/")
	for i, s := range segments {
		if HasMagic(s) {
			if i == 0 {
				return "."
			}
			return path.Join(segments[:i]...)
		}
	}
	return pattern
}

// Glob returns the sorted paths of the files in fsys matching pattern. A
// pattern naming a directory matches every file beneath it. Patterns that
// match nothing, including missing literal paths, yield no paths and no
// error.
func Glob(fsys fs.FS, pattern string, opts GlobOptions) ([]string, error) {
	pattern = strings.TrimSuffix(Clean(pattern), "/")

	ignore, err := CompilePatterns(opts.Ignore)
	if err != nil {
		return nil, err
	}

	root := Base(pattern)
	fi, err := fs.Stat(fsys, root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	if !HasMagic(pattern) {
		if !fi.IsDir() {
			if MatchAny(ignore, pattern) {
				return nil, nil
			}
			return []string{pattern}, nil
		}
		// Literal directories expand to everything beneath them.
		pattern = path.Join(pattern, "**")
	}

	match, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	explicitDot := strings.HasPrefix(pattern, ".") || strings.Contains(pattern, "/.")

	var paths []string
	err = fs.WalkDir(fsys, root, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if name != root && !opts.Dot && !explicitDot && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if match.Match(name) && !MatchAny(ignore, name) {
			paths = append(paths, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(paths)
	return paths, nil
}
