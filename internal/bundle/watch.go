package bundle

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bundlesdev/bundles/internal/config"
	bfs "github.com/bundlesdev/bundles/internal/fs"
	"github.com/bundlesdev/bundles/internal/metrics"
	"github.com/bundlesdev/bundles/internal/pool"
	"github.com/bundlesdev/bundles/internal/watch"
)

// SourceType is the group a watched path belongs to. It decides how a
// change to the path is applied.
type SourceType int

const (
	SourceNone SourceType = iota
	SourceInput
	SourceDependency
	SourceBundler
)

func (t SourceType) String() string {
	switch t {
	case SourceInput:
		return "input"
	case SourceDependency:
		return "dependencies"
	case SourceBundler:
		return "bundlers"
	default:
		return "none"
	}
}

// matcher matches absolute paths against a pattern rooted at a directory.
type matcher struct {
	input   string
	root    string
	rel     string
	pattern *bfs.Pattern
}

func newMatcher(input, cwd, pattern string) (matcher, error) {
	root, rel := bfs.Split(cwd, pattern)
	rel = strings.TrimSuffix(rel, "/")
	glob := rel
	if !bfs.HasMagic(rel) {
		if fi, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err == nil && fi.IsDir() {
			glob = rel + "/**"
		}
	}
	p, err := bfs.CompilePattern(glob)
	if err != nil {
		return matcher{}, err
	}
	return matcher{input: input, root: root, rel: rel, pattern: p}, nil
}

func (m matcher) match(abs string) bool {
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return m.pattern.Match(filepath.ToSlash(rel))
}

// watchPath is the file or directory to watch for the pattern.
func (m matcher) watchPath() string {
	return filepath.Join(m.root, filepath.FromSlash(bfs.Base(m.rel)))
}

func compileMatchers(cwd string, patterns []string) ([]matcher, error) {
	out := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		m, err := newMatcher(p, cwd, p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *Bundle) inputMatchers() ([]matcher, error) {
	var out []matcher
	for _, in := range b.inputs {
		if in.Kind != config.InputPath {
			continue
		}
		m, err := newMatcher(in.String(), b.Options.GlobCwd(), in.Path)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// classify reports which source group abs belongs to. Groups are tested in
// order: inputs, dependencies, bundler files.
func (b *Bundle) classify(abs string) SourceType {
	for _, m := range b.matchers {
		if m.match(abs) && !b.ignored(abs) {
			return SourceInput
		}
	}
	if abs == b.dataFile {
		return SourceDependency
	}
	for _, m := range b.deps {
		if m.match(abs) {
			return SourceDependency
		}
	}
	if slices.Contains(b.env.DataFiles, abs) {
		return SourceBundler
	}
	for _, bl := range b.Bundlers {
		if bl.ID == abs || slices.Contains(bl.DataFiles(), abs) {
			return SourceBundler
		}
	}
	return SourceNone
}

// ignored applies the glob ignore and dot options to an input path.
func (b *Bundle) ignored(abs string) bool {
	rel := b.rel(abs)
	if !b.Options.Dot() {
		for _, seg := range strings.Split(rel, "/") {
			if seg != ".." && strings.HasPrefix(seg, ".") {
				return true
			}
		}
	}
	if b.Options.Glob == nil || len(b.Options.Glob.Ignore) == 0 {
		return false
	}
	ignore, err := bfs.CompilePatterns(b.Options.Glob.Ignore)
	return err == nil && bfs.MatchAny(ignore, rel)
}

// watchPaths lists the files and directories covering every source group.
func (b *Bundle) watchPaths() []string {
	var paths []string
	for _, m := range slices.Concat(b.matchers, b.deps) {
		paths = append(paths, m.watchPath())
	}
	if b.dataFile != "" {
		paths = append(paths, b.dataFile)
	}
	for _, bl := range b.Bundlers {
		if filepath.IsAbs(bl.ID) {
			paths = append(paths, bl.ID)
		}
		paths = append(paths, bl.DataFiles()...)
	}
	slices.Sort(paths)
	return slices.Compact(paths)
}

// Watch starts watching the bundle sources when the watch option selects
// the bundle, and stops watching otherwise. Watching an already watched
// bundle is a no-op. It returns once the watcher is ready, or with the
// watcher's error.
func (b *Bundle) Watch(ctx context.Context) error {
	if !b.Options.ShouldWatch(b.ID) {
		return b.Unwatch()
	}

	b.mu.Lock()
	if b.watcher != nil {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	opts := watch.Options{Debounce: b.Options.Debounce(), Log: b.log}
	if b.Options.Watcher != nil {
		opts.Ignore = b.Options.Watcher.Ignore
	}
	w, err := watch.New(b.watchPaths(), opts)
	if err != nil {
		return err
	}

	// Events before ready belong to the initial scan.
	for ready := false; !ready; {
		select {
		case ev := <-w.Events():
			switch ev.Op {
			case watch.OpReady:
				ready = true
			case watch.OpError:
				_ = w.Close()
				return ev.Err
			}
		case <-ctx.Done():
			_ = w.Close()
			return ctx.Err()
		}
	}

	b.mu.Lock()
	if b.watcher != nil {
		b.mu.Unlock()
		return w.Close()
	}
	stop := make(chan struct{})
	b.watcher, b.watching, b.stop = w, true, stop
	if b.pool == nil {
		b.pool = b.env.Pool
		if b.pool == nil {
			b.pool = pool.New(ctx, 1)
		}
	}
	b.mu.Unlock()

	go b.listen(ctx, w, stop)

	b.log.Infof("Watching [%s]...", b.ID)
	if b.hooks.Watching != nil {
		b.hooks.Watching(b)
	}
	return nil
}

// Unwatch stops watching. Pending rebuilds still run.
func (b *Bundle) Unwatch() error {
	b.mu.Lock()
	w, stop := b.watcher, b.stop
	b.watcher, b.watching, b.stop = nil, false, nil
	b.mu.Unlock()

	if w == nil {
		return nil
	}
	close(stop)
	return w.Close()
}

func (b *Bundle) listen(ctx context.Context, w *watch.Watcher, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			_ = b.Unwatch()
			return
		case <-stop:
			return
		case ev := <-w.Events():
			switch ev.Op {
			case watch.OpError:
				b.log.Errorf("Watcher error [%s]: %v", b.ID, ev.Err)
			case watch.OpReady:
			default:
				if b.classify(ev.Path) == SourceNone {
					continue
				}
				b.enqueue(ev)
			}
		}
	}
}

// enqueue queues ev and schedules the bundle's rebuild. Events arriving
// while a rebuild runs are applied by one follow-up rebuild.
func (b *Bundle) enqueue(ev watch.Event) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	p := b.pool
	b.mu.Unlock()

	metrics.WatchEvent(b.ID, string(ev.Op))
	p.Add("bundle/"+b.ID, b.drain)
}

func (b *Bundle) drain(ctx context.Context) {
	b.mu.Lock()
	events := b.queue
	b.queue = nil
	b.mu.Unlock()

	rebuild := false
	for _, ev := range events {
		if b.handle(ctx, ev) {
			rebuild = true
		}
	}
	if rebuild {
		b.run(ctx, triggerWatch)
	}
}

// handle applies one watch event and reports whether the bundle must be
// rebuilt.
func (b *Bundle) handle(ctx context.Context, ev watch.Event) bool {
	typ := b.classify(ev.Path)
	rel := b.rel(ev.Path)
	b.log.Debugf("%s %s (%s)", ev.Op, rel, typ)

	if typ == SourceNone && ev.Op != watch.OpChange {
		return false
	}

	var op mutation
	switch ev.Op {
	case watch.OpAdd:
		op = mutationAdd
		if typ == SourceInput {
			b.log.Infof("File added: %s", rel)
		}
	case watch.OpChange:
		b.log.Infof("File changed: %s", rel)
		op = mutationUpdate
		if typ == SourceInput && !b.Sources().Has(rel) {
			op = mutationAdd
		}
	case watch.OpUnlink:
		op = mutationRemove
		if typ == SourceInput {
			b.log.Infof("File removed: %s", rel)
		}
	default:
		return false
	}

	rebuild, err := b.apply(ctx, op, typ, []string{ev.Path})
	if err != nil {
		b.log.Errorf("Cannot read %s: %v", rel, err)
		return false
	}
	return rebuild
}

// dependencyChanged marks every file changed. A change to the bundle data
// file reloads the data and the files it is merged into.
func (b *Bundle) dependencyChanged(ctx context.Context, path string) bool {
	if path == b.dataFile {
		data, _, err := (&config.Data{File: path}).Load("")
		if err != nil {
			b.log.Errorf("Cannot reload data: %v", err)
			return false
		}
		b.mu.Lock()
		b.data = data
		b.mu.Unlock()
		if err := b.resolve(ctx); err != nil {
			b.log.Errorf("Cannot refresh [%s]: %v", b.ID, err)
			return false
		}
		b.mu.Lock()
		b.validate()
		b.mu.Unlock()
	}
	b.touchAll()
	return true
}

// bundlerChanged reloads the bundlers loaded from path. Global data files
// are handed to the registry instead.
func (b *Bundle) bundlerChanged(path string) bool {
	if slices.Contains(b.env.DataFiles, path) {
		if b.env.OnDataFile != nil {
			b.env.OnDataFile(path)
		}
		return false
	}

	for i, bl := range b.Bundlers {
		if !slices.Contains(bl.DataFiles(), path) && bl.ID != path {
			continue
		}
		if err := bl.Reload(); err != nil {
			b.log.Errorf("Cannot reload bundler [%s|%d]: %v", b.ID, i, err)
		}
	}

	b.mu.Lock()
	b.validate()
	b.mu.Unlock()
	b.touchAll()
	return true
}
