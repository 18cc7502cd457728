package bundler_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bundlesdev/bundles/internal/bundler"
	"github.com/bundlesdev/bundles/internal/config"
	"github.com/bundlesdev/bundles/internal/file"
	"github.com/bundlesdev/bundles/internal/test/tempfs"
)

func newState(files map[string]string) *bundler.State {
	fs := file.NewFiles()
	for _, p := range []string{"a.md", "b.md", "c.txt"} {
		if content, ok := files[p]; ok {
			fs.Set(&file.File{Path: p, Content: []byte(content), Data: map[string]any{}, Encoding: file.EncodingText})
		}
	}
	return &bundler.State{ID: "test", Output: fs, Data: map[string]any{}}
}

func contents(s *bundler.State) map[string]string {
	out := map[string]string{}
	for p, f := range s.Output.All() {
		out[p] = f.Text()
	}
	return out
}

func TestBuiltins(t *testing.T) {
	reg := bundler.NewRegistry()

	tests := []struct {
		note   string
		name   string
		config map[string]any
		exp    map[string]string
		expErr bool
	}{
		{
			note:   "append",
			name:   "append",
			config: map[string]any{"text": "\n"},
			exp:    map[string]string{"a.md": "A\n", "b.md": "B\n", "c.txt": "C\n"},
		},
		{
			note:   "filter include",
			name:   "filter",
			config: map[string]any{"include": []any{"*.md"}},
			exp:    map[string]string{"a.md": "A", "b.md": "B"},
		},
		{
			note:   "filter exclude",
			name:   "filter",
			config: map[string]any{"exclude": "b.md"},
			exp:    map[string]string{"a.md": "A", "c.txt": "C"},
		},
		{
			note:   "prop without name",
			name:   "prop",
			config: map[string]any{"value": 1},
			expErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			b := bundler.New(bundler.Module(tc.name, tc.config), reg, t.TempDir())
			if !b.Valid() {
				t.Fatalf("expected valid bundler, got %v", b.Err())
			}

			in := newState(map[string]string{"a.md": "A", "b.md": "B", "c.txt": "C"})
			out, err := b.Run(t.Context(), in)
			if tc.expErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if b.Status() != bundler.StatusFailed {
					t.Fatalf("expected failed status, got %v", b.Status())
				}
				if out != in {
					t.Fatal("expected input state to be passed through")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.exp, contents(out)); diff != "" {
				t.Fatalf("unexpected output (-want, +got):\n%s", diff)
			}
			if diff := cmp.Diff(map[string]string{"a.md": "A", "b.md": "B", "c.txt": "C"}, contents(in)); diff != "" {
				t.Fatalf("input state was mutated (-want, +got):\n%s", diff)
			}
			if b.Status() != bundler.StatusSuccess {
				t.Fatalf("expected success status, got %v", b.Status())
			}
		})
	}
}

func TestPropAndPatch(t *testing.T) {
	reg := bundler.NewRegistry()
	s := newState(map[string]string{"a.md": "A", "c.txt": "C"})

	chain := []*bundler.Bundler{
		bundler.New(bundler.Module("prop", map[string]any{"prop": "test", "value": 42, "files": "*.md"}), reg, ""),
		bundler.New(bundler.Module("prop", map[string]any{"prop": "test", "value": 42}), reg, ""),
		bundler.New(bundler.Module("patch", map[string]any{"ops": []any{
			map[string]any{"op": "add", "path": "/meta/title", "value": "T"},
		}}), reg, ""),
		bundler.New(bundler.Module("patch", map[string]any{"target": "bundle", "ops": []any{
			map[string]any{"op": "add", "path": "/version", "value": "1"},
		}}), reg, ""),
	}
	for _, b := range chain {
		var err error
		if s, err = b.Run(t.Context(), s); err != nil {
			t.Fatal(err)
		}
	}

	a, _ := s.Output.Get("a.md")
	exp := map[string]any{"test": float64(42), "meta": map[string]any{"title": "T"}}
	if diff := cmp.Diff(exp, a.Data); diff != "" {
		t.Fatalf("unexpected data (-want, +got):\n%s", diff)
	}
	c, _ := s.Output.Get("c.txt")
	if _, ok := c.Data["test"]; ok {
		t.Fatal("prop must only apply to matching files")
	}
	if diff := cmp.Diff(map[string]any{"test": float64(42), "version": "1"}, s.Data); diff != "" {
		t.Fatalf("unexpected bundle data (-want, +got):\n%s", diff)
	}
}

func TestPatchUnsupportedOp(t *testing.T) {
	b := bundler.New(bundler.Module("patch", map[string]any{"ops": []any{
		map[string]any{"op": "test", "path": "/a", "value": 1},
	}}), bundler.NewRegistry(), "")
	if _, err := b.Run(t.Context(), newState(map[string]string{"a.md": "A"})); err == nil {
		t.Fatal("expected error")
	}
}

func TestInvalid(t *testing.T) {
	reg := bundler.NewRegistry()

	tests := []struct {
		note string
		spec bundler.Spec
	}{
		{note: "invalid config", spec: bundler.FromConfig(config.BundlerSpec{Invalid: 42})},
		{note: "missing module", spec: bundler.Module("./missing.rego", nil)},
		{note: "unknown extension", spec: bundler.Module("bundles.config.yaml", nil)},
		{note: "empty", spec: bundler.Spec{}},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			tempfs.WithTempFS(t, map[string]string{"bundles.config.yaml": "bundles: []"}, func(t *testing.T, root string) {
				b := bundler.New(tc.spec, reg, root)
				if b.Valid() {
					t.Fatal("expected invalid bundler")
				}
				if b.Err() == nil {
					t.Fatal("expected resolution error")
				}
				in := newState(map[string]string{"a.md": "A"})
				out, err := b.Run(t.Context(), in)
				if err == nil || out != in {
					t.Fatal("invalid bundler must not run")
				}
				if b.Status() != bundler.StatusNotRun {
					t.Fatalf("expected not-run status, got %v", b.Status())
				}
			})
		})
	}
}

func TestCallable(t *testing.T) {
	boom := errors.New("boom")

	t.Run("failure passes input through", func(t *testing.T) {
		b := bundler.New(bundler.Callable(func(_ context.Context, s *bundler.State, _ *bundler.Bundler) (*bundler.State, error) {
			s.Output.Delete("a.md")
			return nil, boom
		}, nil), nil, "")

		in := newState(map[string]string{"a.md": "A"})
		out, err := b.Run(t.Context(), in)
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if out != in || !in.Output.Has("a.md") {
			t.Fatal("failed transform leaked its changes")
		}
		if !errors.Is(b.Err(), boom) {
			t.Fatalf("expected last error to be recorded, got %v", b.Err())
		}
	})

	t.Run("panic is recovered", func(t *testing.T) {
		b := bundler.New(bundler.Callable(func(context.Context, *bundler.State, *bundler.Bundler) (*bundler.State, error) {
			panic("oops")
		}, nil), nil, "")

		if _, err := b.Run(t.Context(), newState(nil)); err == nil {
			t.Fatal("expected error")
		}
		if b.Status() != bundler.StatusFailed {
			t.Fatalf("expected failed status, got %v", b.Status())
		}
	})

	t.Run("config is available", func(t *testing.T) {
		var got any
		b := bundler.New(bundler.Callable(func(_ context.Context, s *bundler.State, b *bundler.Bundler) (*bundler.State, error) {
			got, _ = b.Get("key")
			return s, nil
		}, map[string]any{"key": "value"}), nil, "")

		if _, err := b.Run(t.Context(), newState(nil)); err != nil {
			t.Fatal(err)
		}
		if got != "value" {
			t.Fatalf("expected config value, got %v", got)
		}
	})
}

func TestRegoReload(t *testing.T) {
	module := func(version int) string {
		return "package bundler\n\ntransform := {\"data\": {\"version\": " + string(rune('0'+version)) + "}}\n"
	}

	tempfs.WithTempFS(t, map[string]string{"version.rego": module(1)}, func(t *testing.T, root string) {
		reg := bundler.NewRegistry()
		b := bundler.New(bundler.Module("./version.rego", nil), reg, root)
		if !b.Valid() {
			t.Fatal(b.Err())
		}
		if diff := cmp.Diff([]string{filepath.Join(root, "version.rego")}, b.DataFiles()); diff != "" {
			t.Fatalf("unexpected data files (-want, +got):\n%s", diff)
		}

		s, err := b.Run(t.Context(), newState(nil))
		if err != nil {
			t.Fatal(err)
		}
		if s.Data["version"] != int64(1) {
			t.Fatalf("expected version 1, got %v", s.Data["version"])
		}

		if err := os.WriteFile(filepath.Join(root, "version.rego"), []byte(module(2)), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := b.Reload(); err != nil {
			t.Fatal(err)
		}
		if b.Generation() != 1 {
			t.Fatalf("expected generation 1, got %d", b.Generation())
		}

		s, err = b.Run(t.Context(), newState(nil))
		if err != nil {
			t.Fatal(err)
		}
		if s.Data["version"] != int64(2) {
			t.Fatalf("expected version 2, got %v", s.Data["version"])
		}
	})
}

func TestRegoFiles(t *testing.T) {
	module := `package bundler

import data.lib

transform := {"files": object.union(
	{f.path: {"content": upper(f.content), "data": {"seen": lib.mark}} | some f in input.files; f.path != "b.md"},
	{"b.md": null, "new.md": {"content": input.bundler.greeting}},
)}
`
	lib := "package lib\n\nmark := true\n"

	tempfs.WithTempFS(t, map[string]string{"t.rego": module, "lib/lib.rego": lib}, func(t *testing.T, root string) {
		b := bundler.New(bundler.Module("t.rego", map[string]any{
			"include":  []any{"lib/lib.rego"},
			"greeting": "hi",
		}), bundler.NewRegistry(), root)
		if !b.Valid() {
			t.Fatal(b.Err())
		}
		if len(b.DataFiles()) != 2 {
			t.Fatalf("expected module and include as data files, got %v", b.DataFiles())
		}

		s, err := b.Run(t.Context(), newState(map[string]string{"a.md": "a", "b.md": "b"}))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(map[string]string{"a.md": "A", "new.md": "hi"}, contents(s)); diff != "" {
			t.Fatalf("unexpected output (-want, +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"b.md"}, s.Removed); diff != "" {
			t.Fatalf("unexpected removed (-want, +got):\n%s", diff)
		}
		a, _ := s.Output.Get("a.md")
		if a.Data["seen"] != true {
			t.Fatalf("expected merged data, got %v", a.Data)
		}
	})
}

func TestOutput(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"dist/stale.md": "old", "dist/b.md": "B"}, func(t *testing.T, root string) {
		b := bundler.New(bundler.Module("output", map[string]any{"dir": "dist"}), bundler.NewRegistry(), root)

		s := newState(map[string]string{"a.md": "A", "b.md": "B2"})
		if _, err := b.Run(t.Context(), s); err != nil {
			t.Fatal(err)
		}
		for p, exp := range map[string]string{"a.md": "A", "b.md": "B2", "stale.md": "old"} {
			bs, err := os.ReadFile(filepath.Join(root, "dist", p))
			if err != nil {
				t.Fatal(err)
			}
			if string(bs) != exp {
				t.Fatalf("%s: expected %q, got %q", p, exp, bs)
			}
		}

		s = newState(map[string]string{"a.md": "A3", "b.md": "B3"})
		s.Changed = []string{"a.md"}
		s.Removed = []string{"stale.md"}
		if _, err := b.Run(t.Context(), s); err != nil {
			t.Fatal(err)
		}
		if bs, _ := os.ReadFile(filepath.Join(root, "dist", "a.md")); string(bs) != "A3" {
			t.Fatalf("changed file not written, got %q", bs)
		}
		if bs, _ := os.ReadFile(filepath.Join(root, "dist", "b.md")); string(bs) != "B2" {
			t.Fatalf("unchanged file rewritten, got %q", bs)
		}
		if _, err := os.Stat(filepath.Join(root, "dist", "stale.md")); !os.IsNotExist(err) {
			t.Fatal("removed file not deleted")
		}
	})
}

func TestFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Add("content-type", "application/json")
		_, _ = w.Write([]byte(`{"users": [{"id": "alice"}, {"id": "bob"}]}`))
	})
	mux.HandleFunc("GET /page", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("remote page"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	reg := bundler.NewRegistry()

	t.Run("prop", func(t *testing.T) {
		b := bundler.New(bundler.Module("fetch", map[string]any{"url": srv.URL + "/users", "prop": "team"}), reg, t.TempDir())
		s, err := b.Run(t.Context(), newState(nil))
		if err != nil {
			t.Fatal(err)
		}
		exp := map[string]any{"users": []any{map[string]any{"id": "alice"}, map[string]any{"id": "bob"}}}
		if diff := cmp.Diff(exp, s.Data["team"]); diff != "" {
			t.Fatalf("unexpected data (-want, +got):\n%s", diff)
		}
	})

	t.Run("path", func(t *testing.T) {
		b := bundler.New(bundler.Module("fetch", map[string]any{"url": srv.URL + "/page", "path": "remote.md"}), reg, t.TempDir())
		in := newState(map[string]string{"a.md": "A"})
		in.Changed = []string{"a.md"}
		s, err := b.Run(t.Context(), in)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(map[string]string{"a.md": "A", "remote.md": "remote page"}, contents(s)); diff != "" {
			t.Fatalf("unexpected output (-want, +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"a.md", "remote.md"}, s.Changed); diff != "" {
			t.Fatalf("unexpected changes (-want, +got):\n%s", diff)
		}
	})

	for note, cfg := range map[string]map[string]any{
		"missing url":    {"prop": "x"},
		"missing target": {"url": srv.URL + "/page"},
		"bad status":     {"url": srv.URL + "/missing", "prop": "x"},
	} {
		t.Run(note, func(t *testing.T) {
			b := bundler.New(bundler.Module("fetch", cfg), reg, t.TempDir())
			if _, err := b.Run(t.Context(), newState(nil)); err == nil {
				t.Fatal("expected error")
			}
			if b.Status() != bundler.StatusFailed {
				t.Fatalf("expected failed status, got %v", b.Status())
			}
		})
	}
}
