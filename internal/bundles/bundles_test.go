package bundles_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bundlesdev/bundles/internal/bundle"
	"github.com/bundlesdev/bundles/internal/bundler"
	"github.com/bundlesdev/bundles/internal/bundles"
	"github.com/bundlesdev/bundles/internal/config"
	"github.com/bundlesdev/bundles/internal/test/tempfs"
)

func newRegistry(t *testing.T) *bundles.Registry {
	t.Helper()
	r := bundles.New()
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func load(t *testing.T, r *bundles.Registry, root string) {
	t.Helper()
	if _, err := r.Load(t.Context(), root); err != nil {
		t.Fatal(err)
	}
}

func output(t *testing.T, b *bundle.Bundle, path string) string {
	t.Helper()
	if b == nil {
		t.Fatal("no such bundle")
	}
	f, ok := b.Output().Get(path)
	if !ok {
		t.Fatalf("bundle %s has no output %s", b.ID, path)
	}
	return f.Text()
}

const twoBundles = `
bundles:
  one:
    input: a.md
    bundlers:
      - run: append
        text: "1"
  two:
    input: a.md
    bundlers:
      - run: append
        text: "2"
`

func TestRun(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"bundles.config.yaml": twoBundles, "a.md": "A"}, func(t *testing.T, root string) {
		r := newRegistry(t)
		load(t, r, root)

		res := r.Run(t.Context())
		if !res.Success {
			t.Fatalf("expected success, got %v", res.Errors)
		}
		if got := output(t, res.Bundle("one"), "a.md"); got != "A1" {
			t.Fatalf("expected A1, got %q", got)
		}
		if got := output(t, res.Bundle("two"), "a.md"); got != "A2" {
			t.Fatalf("expected A2, got %q", got)
		}
	})
}

func TestRunFilter(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"bundles.config.yaml": twoBundles, "a.md": "A"}, func(t *testing.T, root string) {
		run, err := config.ParseSelector("two")
		if err != nil {
			t.Fatal(err)
		}
		r := newRegistry(t).WithOptions(&config.Options{Run: run})
		load(t, r, root)

		res := r.Run(t.Context())
		if !res.Success {
			t.Fatalf("expected success, got %v", res.Errors)
		}
		if s := res.Bundle("one").Status(); s != bundler.StatusSkipped {
			t.Fatalf("expected one to be skipped, got %v", s)
		}
		if s := res.Bundle("two").Status(); s != bundler.StatusSuccess {
			t.Fatalf("expected two to succeed, got %v", s)
		}
	})
}

func TestRunIDs(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"bundles.config.yaml": twoBundles, "a.md": "A"}, func(t *testing.T, root string) {
		r := newRegistry(t)
		load(t, r, root)

		res := r.Run(t.Context(), "one")
		if len(res.Bundles) != 1 || res.Bundles[0].ID != "one" {
			t.Fatalf("expected only bundle one to run, got %d bundles", len(res.Bundles))
		}
		if s := r.Bundle("two").Status(); s != bundler.StatusNotRun {
			t.Fatalf("expected two to keep its state, got %v", s)
		}
	})
}

func TestAggregateSuccess(t *testing.T) {
	tests := []struct {
		note    string
		config  string
		success bool
		errors  int
	}{
		{
			note: "all succeed",
			config: `
- input: a.md
  bundlers: [append]
- input: "*.md"
  bundlers: [append]
`,
			success: true,
		},
		{
			note: "invalid bundler",
			config: `
- input: a.md
  bundlers: [append]
- input: a.md
  bundlers: [append, ./missing.rego]
`,
			errors: 1,
		},
		{
			note: "no input files",
			config: `
- input: a.md
  bundlers: [append]
- input: "*.html"
  bundlers: [append]
`,
			errors: 1,
		},
		{
			note: "unknown plugin",
			config: `
input: a.md
bundlers: [nope]
`,
			errors: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			tempfs.WithTempFS(t, map[string]string{"bundles.config.yaml": tc.config, "a.md": "A"}, func(t *testing.T, root string) {
				r := newRegistry(t)
				load(t, r, root)

				res := r.Run(t.Context())
				if res.Success != tc.success {
					t.Fatalf("expected success=%v, errors: %v", tc.success, res.Errors)
				}
				if len(res.Errors) != tc.errors {
					t.Fatalf("expected %d errors, got %v", tc.errors, res.Errors)
				}
			})
		})
	}
}

func TestFatalErrors(t *testing.T) {
	tests := []struct {
		note  string
		files map[string]string
		refs  []string
		err   error
	}{
		{
			note: "no config file",
			err:  config.ErrConfigNotFound,
		},
		{
			note:  "named config file missing",
			files: map[string]string{"a.md": "A"},
			refs:  []string{"missing.yaml:one"},
			err:   config.ErrConfigNotFound,
		},
		{
			note:  "global data file missing",
			files: map[string]string{"bundles.config.yaml": "bundles: []\ndata: missing.yaml\n"},
		},
		{
			note:  "bundle data file missing",
			files: map[string]string{"bundles.config.yaml": "- input: a.md\n  bundlers: [append]\n  data: missing.yaml\n"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			tempfs.WithTempFS(t, tc.files, func(t *testing.T, root string) {
				_, err := newRegistry(t).Load(t.Context(), root, tc.refs...)
				if err == nil {
					t.Fatal("expected error")
				}
				if tc.err != nil && !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
			})
		})
	}
}

func TestAdd(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"a.md": "A", "data.yaml": "who: file\nkeep: file\n"}, func(t *testing.T, root string) {
		var seen map[string]any
		record := bundler.Callable(func(_ context.Context, s *bundler.State, _ *bundler.Bundler) (*bundler.State, error) {
			seen = s.Data
			return s, nil
		}, nil)

		r := newRegistry(t).WithData(map[string]any{"who": "go"})
		if _, err := r.Create(t.Context(), &config.Root{
			Options: &config.Options{Cwd: root},
			Data:    &config.Data{File: "data.yaml"},
		}); err != nil {
			t.Fatal(err)
		}

		added := r.Add(t.Context(), bundle.Spec{
			Input:    config.Inputs{config.PathInput("a.md")},
			Bundlers: []bundler.Spec{record},
			Data:     map[string]any{"local": true},
		})
		if len(added) != 1 || added[0].ID != "0" {
			t.Fatalf("expected one bundle named after its position, got %v", added)
		}

		if res := r.Run(t.Context()); !res.Success {
			t.Fatalf("expected success, got %v", res.Errors)
		}

		exp := map[string]any{"who": "go", "keep": "file", "local": true}
		if diff := cmp.Diff(exp, seen); diff != "" {
			t.Fatalf("unexpected data (-want, +got):\n%s", diff)
		}
	})
}

func TestReset(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"bundles.config.yaml": twoBundles, "a.md": "A"}, func(t *testing.T, root string) {
		r := newRegistry(t)
		load(t, r, root)
		r.Run(t.Context())

		if err := r.Reset(); err != nil {
			t.Fatal(err)
		}
		if n := len(r.Bundles()); n != 0 {
			t.Fatalf("expected no bundles after reset, got %d", n)
		}

		load(t, r, root)
		if res := r.Run(t.Context()); !res.Success || len(res.Bundles) != 2 {
			t.Fatalf("expected the registry to be reusable, got %v", res.Errors)
		}
	})
}

func TestRefresh(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"bundles.config.yaml": twoBundles, "a.md": "A"}, func(t *testing.T, root string) {
		r := newRegistry(t)
		load(t, r, root)
		r.Run(t.Context())

		one, two := r.Bundle("one"), r.Bundle("two")

		tempfs.Write(t, root, map[string]string{"bundles.config.yaml": `
bundles:
  one:
    input: a.md
    bundlers:
      - run: append
        text: "1"
  two:
    input: a.md
    bundlers:
      - run: append
        text: "3"
  three:
    input: a.md
    bundlers: [append]
`})

		if err := r.Refresh(t.Context()); err != nil {
			t.Fatal(err)
		}

		if r.Bundle("one") != one {
			t.Fatal("expected unchanged bundle to be kept")
		}
		if r.Bundle("two") == two {
			t.Fatal("expected changed bundle to be recreated")
		}
		if got := output(t, r.Bundle("two"), "a.md"); got != "A3" {
			t.Fatalf("expected recreated bundle to run, got %q", got)
		}
		if r.Bundle("three") == nil {
			t.Fatal("expected new bundle")
		}
		if res := r.Result(); !res.Success || len(res.Bundles) != 3 {
			t.Fatalf("unexpected result: %v", res.Errors)
		}
	})
}

func TestRefreshData(t *testing.T) {
	files := map[string]string{
		"bundles.config.yaml": `
bundles:
  - id: greet
    input: a.md
    bundlers: [./greet.rego]
data: data.yaml
`,
		"greet.rego": "package bundler\n\ntransform := {\"data\": {\"seen\": input.data.greeting}}\n",
		"data.yaml":  "greeting: hi\n",
		"a.md":       "A",
	}

	tempfs.WithTempFS(t, files, func(t *testing.T, root string) {
		r := newRegistry(t)
		load(t, r, root)
		if res := r.Run(t.Context()); !res.Success {
			t.Fatalf("expected success, got %v", res.Errors)
		}
		if got := r.Bundle("greet").Props()["seen"]; got != "hi" {
			t.Fatalf("expected hi, got %v", got)
		}

		tempfs.Write(t, root, map[string]string{"data.yaml": "greeting: hello\n"})
		if err := r.Refresh(t.Context()); err != nil {
			t.Fatal(err)
		}
		if got := r.Bundle("greet").Props()["seen"]; got != "hello" {
			t.Fatalf("expected hello, got %v", got)
		}
	})
}

func TestWatchedDataFilePullsRefreshForward(t *testing.T) {
	files := map[string]string{
		"bundles.config.yaml": `
bundles:
  - id: greet
    input: "*.md"
    bundlers: [./greet.rego]
data: data.yaml
`,
		"greet.rego": "package bundler\n\ntransform := {\"data\": {\"seen\": input.data.greeting}}\n",
		"data.yaml":  "greeting: hi\n",
		"a.md":       "A",
	}

	tempfs.WithTempFS(t, files, func(t *testing.T, root string) {
		r := newRegistry(t).
			WithSettle(time.Minute).
			WithOptions(&config.Options{Watch: config.AllSelector()})
		load(t, r, root)
		if res := r.Run(t.Context()); !res.Success {
			t.Fatalf("expected success, got %v", res.Errors)
		}

		// Queued for a minute from now.
		tempfs.Write(t, root, map[string]string{"bundles.config.yaml": `
bundles:
  - id: greet
    input: "*.md"
    bundlers: [./greet.rego]
  - id: extra
    input: a.md
    bundlers: [append]
data: data.yaml
`})
		time.Sleep(200 * time.Millisecond)

		tempfs.Write(t, root, map[string]string{"data.yaml": "greeting: hello\n"})

		deadline := time.Now().Add(5 * time.Second)
		for {
			greet := r.Bundle("greet")
			if r.Bundle("extra") != nil && greet != nil && greet.Props()["seen"] == "hello" {
				return
			}
			if time.Now().After(deadline) {
				t.Fatal("expected the data file change to refresh the configuration right away")
			}
			time.Sleep(20 * time.Millisecond)
		}
	})
}

func TestWaitForRefresh(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"bundles.config.yaml": twoBundles, "a.md": "A"}, func(t *testing.T, root string) {
		r := newRegistry(t).
			WithSettle(time.Second).
			WithOptions(&config.Options{Watch: config.AllSelector()})
		load(t, r, root)
		r.Run(t.Context())

		tempfs.Write(t, root, map[string]string{"bundles.config.yaml": twoBundles + `
  three:
    input: a.md
    bundlers: [append]
`})
		// Let the change reach the registry; the refresh itself waits a second.
		time.Sleep(400 * time.Millisecond)
		r.Wait()

		if r.Bundle("three") == nil {
			t.Fatal("expected Wait to return after the refresh")
		}
	})
}

func TestHooks(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"bundles.config.yaml": twoBundles, "a.md": "A"}, func(t *testing.T, root string) {
		var after, watching atomic.Int32
		r := newRegistry(t).
			WithOptions(&config.Options{Watch: config.AllSelector()}).
			WithHooks(bundles.Hooks{
				Watching:    func(*bundle.Bundle) { watching.Add(1) },
				AfterBundle: func(*bundles.Registry) { after.Add(1) },
			})
		load(t, r, root)
		r.Run(t.Context())

		if n := watching.Load(); n != 2 {
			t.Fatalf("expected both bundles to watch, got %d", n)
		}
		if n := after.Load(); n != 1 {
			t.Fatalf("expected one AfterBundle call, got %d", n)
		}
		for _, b := range r.Bundles() {
			if !b.Watching() {
				t.Fatalf("bundle %s is not watching", b.ID)
			}
		}

		if err := r.Reset(); err != nil {
			t.Fatal(err)
		}
		if watching.Load() != 2 {
			t.Fatal("unexpected watch after reset")
		}
	})
}
