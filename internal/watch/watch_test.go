package watch_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bundlesdev/bundles/internal/test/tempfs"
	"github.com/bundlesdev/bundles/internal/watch"
)

func next(t *testing.T, w *watch.Watcher) watch.Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return watch.Event{}
	}
}

func expect(t *testing.T, w *watch.Watcher, op watch.Op, path string) {
	t.Helper()
	ev := next(t, w)
	if ev.Op != op || ev.Path != path {
		t.Fatalf("expected %s %s, got %s %s (%v)", op, path, ev.Op, ev.Path, ev.Err)
	}
}

func quiet(t *testing.T, w *watch.Watcher, d time.Duration) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %s %s", ev.Op, ev.Path)
	case <-time.After(d):
	}
}

func TestWatchDirectory(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"src/a.md": "A"}, func(t *testing.T, root string) {
		src := filepath.Join(root, "src")
		w, err := watch.New([]string{src}, watch.Options{Debounce: 20 * time.Millisecond})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = w.Close() })

		expect(t, w, watch.OpReady, "")

		a := filepath.Join(src, "a.md")
		if err := os.WriteFile(a, []byte("AZ"), 0o644); err != nil {
			t.Fatal(err)
		}
		expect(t, w, watch.OpChange, a)

		b := filepath.Join(src, "nested", "b.md")
		tempfs.Write(t, src, map[string]string{"nested/b.md": "B"})
		expect(t, w, watch.OpAdd, b)

		if err := os.Remove(a); err != nil {
			t.Fatal(err)
		}
		expect(t, w, watch.OpUnlink, a)
	})
}

func TestWatchDebounce(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"a.md": "A"}, func(t *testing.T, root string) {
		w, err := watch.New([]string{root}, watch.Options{Debounce: 100 * time.Millisecond})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = w.Close() })
		expect(t, w, watch.OpReady, "")

		a := filepath.Join(root, "a.md")
		for i := range 5 {
			if err := os.WriteFile(a, []byte{byte('0' + i)}, 0o644); err != nil {
				t.Fatal(err)
			}
		}
		expect(t, w, watch.OpChange, a)
		quiet(t, w, 300*time.Millisecond)
	})
}

func TestWatchSingleFile(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"data.yaml": "a: 1", "other.yaml": "b: 1"}, func(t *testing.T, root string) {
		data := filepath.Join(root, "data.yaml")
		w, err := watch.New([]string{data}, watch.Options{Debounce: 20 * time.Millisecond})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = w.Close() })
		expect(t, w, watch.OpReady, "")

		if err := os.WriteFile(filepath.Join(root, "other.yaml"), []byte("b: 2"), 0o644); err != nil {
			t.Fatal(err)
		}
		quiet(t, w, 200*time.Millisecond)

		if err := os.WriteFile(data, []byte("a: 2"), 0o644); err != nil {
			t.Fatal(err)
		}
		expect(t, w, watch.OpChange, data)
	})
}

func TestWatchIgnore(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"a.md": "A", "skip/b.md": "B"}, func(t *testing.T, root string) {
		w, err := watch.New([]string{root}, watch.Options{Debounce: 20 * time.Millisecond, Ignore: []string{"**/skip/**"}})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = w.Close() })
		expect(t, w, watch.OpReady, "")

		tempfs.Write(t, root, map[string]string{"skip/b.md": "B2"})
		quiet(t, w, 200*time.Millisecond)
	})
}

func TestWatchFileInMissingDirectory(t *testing.T) {
	tempfs.WithTempFS(t, map[string]string{"a.md": "A"}, func(t *testing.T, root string) {
		data := filepath.Join(root, "conf", "site", "data.yaml")
		w, err := watch.New([]string{data}, watch.Options{Debounce: 20 * time.Millisecond})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = w.Close() })
		expect(t, w, watch.OpReady, "")

		if err := os.MkdirAll(filepath.Join(root, "conf", "site"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(data, []byte("a: 1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		expect(t, w, watch.OpAdd, data)

		if err := os.WriteFile(data, []byte("a: 2\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		expect(t, w, watch.OpChange, data)
	})
}
