package bundles

import (
	"context"
	"testing"
	"time"

	"github.com/bundlesdev/bundles/internal/config"
	"github.com/bundlesdev/bundles/internal/test/tempfs"
)

func TestConfigWatcherClosedOnCancel(t *testing.T) {
	files := map[string]string{
		"bundles.config.yaml": "bundles:\n  one:\n    input: a.md\n    bundlers: [append]\n",
		"a.md":                "A",
	}

	tempfs.WithTempFS(t, files, func(t *testing.T, root string) {
		r := New().WithOptions(&config.Options{Watch: config.AllSelector()})
		t.Cleanup(func() { _ = r.Close() })

		ctx, cancel := context.WithCancel(t.Context())
		if _, err := r.Load(ctx, root); err != nil {
			t.Fatal(err)
		}
		r.Run(ctx)

		watching := func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.watcher != nil
		}
		if !watching() {
			t.Fatal("expected the configuration to be watched")
		}

		cancel()

		deadline := time.Now().Add(5 * time.Second)
		for watching() {
			if time.Now().After(deadline) {
				t.Fatal("expected the configuration watcher to close after cancel")
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
}
