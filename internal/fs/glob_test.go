package fs_test

import (
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	bfs "github.com/bundlesdev/bundles/internal/fs"
)

func TestGlob(t *testing.T) {
	fsys := fstest.MapFS{
		"a.md":             {Data: []byte("a")},
		"b.txt":            {Data: []byte("b")},
		".hidden.md":       {Data: []byte("h")},
		"docs/c.md":        {Data: []byte("c")},
		"docs/deep/d.md":   {Data: []byte("d")},
		"docs/.draft/e.md": {Data: []byte("e")},
	}

	tests := []struct {
		note    string
		pattern string
		opts    bfs.GlobOptions
		exp     []string
	}{
		{
			note:    "literal file",
			pattern: "a.md",
			opts:    bfs.GlobOptions{Dot: true},
			exp:     []string{"a.md"},
		},
		{
			note:    "literal file with dot prefix",
			pattern: "./a.md",
			opts:    bfs.GlobOptions{Dot: true},
			exp:     []string{"a.md"},
		},
		{
			note:    "missing literal file",
			pattern: "missing.md",
			opts:    bfs.GlobOptions{Dot: true},
			exp:     nil,
		},
		{
			note:    "single star does not cross directories",
			pattern: "*.md",
			opts:    bfs.GlobOptions{Dot: true},
			exp:     []string{".hidden.md", "a.md"},
		},
		{
			note:    "double star matches root files too",
			pattern: "**/*.md",
			opts:    bfs.GlobOptions{Dot: true},
			exp:     []string{".hidden.md", "a.md", "docs/.draft/e.md", "docs/c.md", "docs/deep/d.md"},
		},
		{
			note:    "dot files excluded",
			pattern: "**/*.md",
			exp:     []string{"a.md", "docs/c.md", "docs/deep/d.md"},
		},
		{
			note:    "directory expands to its files",
			pattern: "docs",
			opts:    bfs.GlobOptions{Dot: true},
			exp:     []string{"docs/.draft/e.md", "docs/c.md", "docs/deep/d.md"},
		},
		{
			note:    "ignore",
			pattern: "docs/**",
			opts:    bfs.GlobOptions{Dot: true, Ignore: []string{"docs/deep/**", "**/.draft/**"}},
			exp:     []string{"docs/c.md"},
		},
		{
			note:    "alternatives",
			pattern: "{a.md,b.txt}",
			opts:    bfs.GlobOptions{Dot: true},
			exp:     []string{"a.md", "b.txt"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			got, err := bfs.Glob(fsys, tc.pattern, tc.opts)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.exp, got); diff != "" {
				t.Fatalf("unexpected paths (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	root, rel := bfs.Split("/work/site", "../shared/*.md")
	if root != "/work" || rel != "shared/*.md" {
		t.Fatalf("got %q %q", root, rel)
	}

	root, rel = bfs.Split("/work/site", "/work/site/docs/*.md")
	if root != "/work/site" || rel != "docs/*.md" {
		t.Fatalf("got %q %q", root, rel)
	}
}

func TestContainsFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"docs/a.md": {Data: []byte("a")},
	}

	for dir, exp := range map[string]bool{"docs": true, ".": true, "missing": false} {
		ok, err := bfs.ContainsFiles(fsys, dir)
		if err != nil {
			t.Fatal(err)
		}
		if ok != exp {
			t.Errorf("%s: expected %v, got %v", dir, exp, ok)
		}
	}
}
