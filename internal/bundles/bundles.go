// Package bundles implements the registry that creates bundles from
// configuration, runs them concurrently and keeps watched bundles in sync with
// their configuration files.
package bundles

import (
	"context"
	"errors"
	"os"
	"reflect"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bundlesdev/bundles/internal/bundle"
	"github.com/bundlesdev/bundles/internal/bundler"
	"github.com/bundlesdev/bundles/internal/config"
	"github.com/bundlesdev/bundles/internal/file"
	"github.com/bundlesdev/bundles/internal/logging"
	"github.com/bundlesdev/bundles/internal/metrics"
	"github.com/bundlesdev/bundles/internal/pool"
	"github.com/bundlesdev/bundles/internal/remote"
	"github.com/bundlesdev/bundles/internal/watch"
)

const refreshTask = "registry/refresh"

// defaultSettle is the delay between a configuration change and the refresh
// it causes.
const defaultSettle = 250 * time.Millisecond

// Hooks are called synchronously; they must not block.
type Hooks struct {
	// Watching is called when a bundle starts watching.
	Watching func(*bundle.Bundle)
	// AfterRun is called after each bundle run.
	AfterRun func(*bundle.Bundle)
	// AfterBundle is called after Run and after every watch triggered
	// rebuild.
	AfterBundle func(*Registry)
}

type entry struct {
	id     string
	spec   bundle.Spec
	config *config.Bundle // nil for bundles added from Go
	bundle *bundle.Bundle
	err    error
}

// Registry holds the configured bundles and the defaults they share. The zero
// value is not usable; use New.
type Registry struct {
	log      *logging.Logger
	bundlers *bundler.Registry
	remote   file.RemoteResolver
	hooks    Hooks
	override *config.Options
	data     map[string]any
	dataFunc file.DataFunc
	workers  int
	settle   time.Duration

	mu       sync.Mutex
	cwd      string
	refs     []string
	files    []string
	root     *config.Root
	options  *config.Options
	global   map[string]any
	dataFile string
	entries  []*entry
	pool     *pool.Pool
	cancel   context.CancelFunc
	watcher  *watch.Watcher
	stop     chan struct{}
}

func New() *Registry {
	return &Registry{
		log:      logging.NewNop(),
		bundlers: bundler.NewRegistry(),
		remote:   remote.NewResolver(remote.DefaultCacheSize),
		workers:  runtime.NumCPU(),
		settle:   defaultSettle,
		options:  &config.Options{},
	}
}

func (r *Registry) WithLogger(log *logging.Logger) *Registry {
	r.log = log
	r.bundlers.WithLogger(log)
	if res, ok := r.remote.(*remote.Resolver); ok {
		res.WithLogger(log)
	}
	return r
}

func (r *Registry) WithHooks(h Hooks) *Registry {
	r.hooks = h
	return r
}

// WithOptions sets options that take precedence over the global options of
// the configuration, such as command line flags.
func (r *Registry) WithOptions(o *config.Options) *Registry {
	r.override = o
	return r
}

// WithData sets global data layered over the configuration's data.
func (r *Registry) WithData(data map[string]any) *Registry {
	r.data = data
	return r
}

// WithDataFunc sets a function returning global data per file.
func (r *Registry) WithDataFunc(fn file.DataFunc) *Registry {
	r.dataFunc = fn
	return r
}

// WithBundlers replaces the bundler plugin registry.
func (r *Registry) WithBundlers(reg *bundler.Registry) *Registry {
	r.bundlers = reg
	return r
}

func (r *Registry) WithRemote(res file.RemoteResolver) *Registry {
	r.remote = res
	return r
}

// WithWorkers bounds the number of concurrent watch triggered rebuilds.
func (r *Registry) WithWorkers(n int) *Registry {
	r.workers = max(n, 1)
	return r
}

// WithSettle sets how long a configuration change waits for further changes
// before the registry refreshes.
func (r *Registry) WithSettle(d time.Duration) *Registry {
	r.settle = d
	return r
}

// Bundlers returns the bundler plugin registry.
func (r *Registry) Bundlers() *bundler.Registry {
	return r.bundlers
}

// Load reads the referenced config files, relative to cwd, and creates their
// bundles. A missing config file is an error.
func (r *Registry) Load(ctx context.Context, cwd string, refs ...string) ([]*bundle.Bundle, error) {
	loaded, err := config.Load(cwd, refs...)
	if err != nil {
		return nil, err
	}
	for _, f := range loaded.Files {
		r.log.Debugf("Found config file: %s", f)
	}

	r.mu.Lock()
	r.cwd, r.refs, r.files = cwd, slices.Clone(refs), loaded.Files
	r.mu.Unlock()

	return r.Create(ctx, loaded.Root)
}

// Create sets the global options and data of root and registers a bundle per
// configured bundle. A data file that cannot be read is an error; bundles
// whose inputs cannot be read are reported by Run instead.
func (r *Registry) Create(ctx context.Context, root *config.Root) ([]*bundle.Bundle, error) {
	if root == nil {
		root = &config.Root{}
	}
	if err := r.setGlobals(root); err != nil {
		return nil, err
	}
	r.ensurePool(ctx)

	r.mu.Lock()
	offset := len(r.entries)
	r.mu.Unlock()

	entries := make([]*entry, 0, len(root.Bundles))
	for i, cb := range root.Bundles {
		e, err := r.fromConfig(ctx, offset+i, cb)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	r.mu.Lock()
	r.root = root
	r.entries = append(r.entries, entries...)
	r.mu.Unlock()

	return created(entries), nil
}

// Add registers bundles defined in Go. Bundles whose inputs cannot be read
// are logged and reported by Run.
func (r *Registry) Add(ctx context.Context, specs ...bundle.Spec) []*bundle.Bundle {
	r.ensurePool(ctx)

	r.mu.Lock()
	offset := len(r.entries)
	r.mu.Unlock()

	entries := make([]*entry, 0, len(specs))
	for i, spec := range specs {
		if spec.ID == "" {
			spec.ID = strconv.Itoa(offset + i)
		}
		e := &entry{id: spec.ID, spec: spec}
		r.build(ctx, e)
		entries = append(entries, e)
	}

	r.mu.Lock()
	r.entries = append(r.entries, entries...)
	r.mu.Unlock()

	return created(entries)
}

func created(entries []*entry) []*bundle.Bundle {
	out := make([]*bundle.Bundle, 0, len(entries))
	for _, e := range entries {
		if e.bundle != nil {
			out = append(out, e.bundle)
		}
	}
	return out
}

func (r *Registry) setGlobals(root *config.Root) error {
	opts := config.MergeOptions(root.Options, r.override)
	if opts.Cwd == "" {
		r.mu.Lock()
		opts.Cwd = r.cwd
		r.mu.Unlock()
	}
	if opts.Cwd == "" {
		opts.Cwd, _ = os.Getwd()
	}

	data, path, err := root.Data.Load(opts.Cwd)
	if err != nil {
		return err
	}

	if opts.LogLevel != "" {
		r.log.SetLevel(logging.ParseLevel(opts.LogLevel))
	}

	r.mu.Lock()
	r.options = opts
	r.global = config.MergeData(data, r.data)
	r.dataFile = path
	r.mu.Unlock()
	return nil
}

func (r *Registry) ensurePool(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.pool = pool.New(ctx, r.workers)
}

// fromConfig converts a configured bundle. Bundles without an id are named
// after their position.
func (r *Registry) fromConfig(ctx context.Context, i int, cb *config.Bundle) (*entry, error) {
	r.mu.Lock()
	cwd := r.options.Cwd
	r.mu.Unlock()

	spec, err := bundle.FromConfig(cb, cwd)
	if err != nil {
		return nil, err
	}
	if spec.ID == "" {
		spec.ID = strconv.Itoa(i)
	}

	e := &entry{id: spec.ID, spec: spec, config: cb}
	r.build(ctx, e)
	return e, nil
}

func (r *Registry) build(ctx context.Context, e *entry) {
	spec := e.spec
	spec.Hooks = r.hooksFor(e.spec.Hooks)

	b, err := bundle.New(ctx, spec, r.env())
	if err != nil {
		r.log.Errorf("Bundle [%s] was not added: %v", e.id, err)
		e.bundle, e.err = nil, err
		return
	}
	e.bundle, e.err = b, nil
}

func (r *Registry) hooksFor(h bundle.Hooks) bundle.Hooks {
	return bundle.Hooks{
		Watching: func(b *bundle.Bundle) {
			if h.Watching != nil {
				h.Watching(b)
			}
			if r.hooks.Watching != nil {
				r.hooks.Watching(b)
			}
		},
		AfterRun: func(b *bundle.Bundle) {
			if h.AfterRun != nil {
				h.AfterRun(b)
			}
			if r.hooks.AfterRun != nil {
				r.hooks.AfterRun(b)
			}
		},
		Rebuilt: func(b *bundle.Bundle) {
			if h.Rebuilt != nil {
				h.Rebuilt(b)
			}
			r.afterBundle()
		},
	}
}

func (r *Registry) env() bundle.Env {
	r.mu.Lock()
	defer r.mu.Unlock()

	dataFiles := slices.Clone(r.files)
	if r.dataFile != "" {
		dataFiles = append(dataFiles, r.dataFile)
	}

	return bundle.Env{
		Options:    r.options,
		Data:       r.global,
		DataFunc:   r.dataFunc,
		DataFiles:  dataFiles,
		OnDataFile: r.dataFileChanged,
		Registry:   r.bundlers,
		Remote:     r.remote,
		Pool:       r.pool,
		Log:        r.log,
	}
}

// Options returns the global options shared by the bundles.
func (r *Registry) Options() *config.Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.options
}

// Bundles returns the registered bundles in registration order.
func (r *Registry) Bundles() []*bundle.Bundle {
	return created(r.snapshot(nil))
}

// Bundle returns the bundle registered under id, if any.
func (r *Registry) Bundle(id string) *bundle.Bundle {
	for _, e := range r.snapshot([]string{id}) {
		if e.bundle != nil {
			return e.bundle
		}
	}
	return nil
}

// snapshot copies the entries whose id is in ids, or every entry when ids is
// empty.
func (r *Registry) snapshot(ids []string) []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if len(ids) > 0 && !slices.Contains(ids, e.id) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Run runs the bundles named by ids, or every bundle when ids is empty,
// concurrently. Bundles not named keep their state. Once every run settled,
// the configuration files are watched if any bundle is.
func (r *Registry) Run(ctx context.Context, ids ...string) *Result {
	start := time.Now()
	entries := r.snapshot(ids)

	runAll(ctx, created(entries))

	res := newResult(entries)
	metrics.RegistryRun(res.Success, start)

	if r.watchingAny() {
		if err := r.watchConfig(ctx); err != nil {
			r.log.Errorf("Cannot watch configuration: %v", err)
		}
	}
	r.afterBundle()
	return res
}

func runAll(ctx context.Context, bundles []*bundle.Bundle) {
	var g errgroup.Group
	for _, b := range bundles {
		g.Go(func() error {
			b.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

// Result aggregates the registered bundles as of their last run.
func (r *Registry) Result() *Result {
	return newResult(r.snapshot(nil))
}

func (r *Registry) afterBundle() {
	if r.hooks.AfterBundle != nil {
		r.hooks.AfterBundle(r)
	}
}

func (r *Registry) watchingAny() bool {
	return slices.ContainsFunc(r.Bundles(), (*bundle.Bundle).Watching)
}

// Wait blocks until no watch triggered rebuild or configuration refresh is
// queued or running. It must not be called after the context the bundles
// were created with is done.
func (r *Registry) Wait() {
	r.mu.Lock()
	p := r.pool
	r.mu.Unlock()
	if p != nil {
		p.Wait()
	}
}

// Reset closes every watcher and forgets the registered bundles and global
// defaults. The registry can be reused afterwards.
func (r *Registry) Reset() error {
	r.mu.Lock()
	entries := r.entries
	cancel := r.cancel
	r.entries = nil
	r.cwd, r.refs, r.files, r.root = "", nil, nil, nil
	r.options, r.global, r.dataFile = &config.Options{}, nil, ""
	r.pool, r.cancel = nil, nil
	r.mu.Unlock()

	errs := []error{r.unwatchConfig()}
	for _, e := range entries {
		if e.bundle != nil {
			errs = append(errs, e.bundle.Close())
		}
	}
	if cancel != nil {
		cancel()
	}
	return errors.Join(errs...)
}

// Close stops every watcher. It is the same as Reset.
func (r *Registry) Close() error {
	return r.Reset()
}

// Refresh reloads the configuration and the global data file. Bundles whose
// configuration and shared defaults are unchanged are kept; the others are
// recreated and run, which restores their watchers.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	cwd, refs, files, root := r.cwd, r.refs, r.files, r.root
	oldOpts, oldData := r.options, r.global
	old := slices.Clone(r.entries)
	r.mu.Unlock()

	if len(files) > 0 {
		loaded, err := config.Load(cwd, refs...)
		if err != nil {
			return err
		}
		root = loaded.Root
		r.mu.Lock()
		r.files = loaded.Files
		r.mu.Unlock()
	}
	if root == nil {
		root = &config.Root{}
	}
	if err := r.setGlobals(root); err != nil {
		return err
	}

	r.mu.Lock()
	same := r.options.Equal(oldOpts) && reflect.DeepEqual(r.global, oldData)
	r.mu.Unlock()

	taken := map[*entry]bool{}
	kept := map[*entry]bool{}
	take := func(id string) *entry {
		for _, e := range old {
			if !taken[e] && e.config != nil && e.id == id {
				taken[e] = true
				return e
			}
		}
		return nil
	}

	var next []*entry
	var rebuilt []*bundle.Bundle
	for i, cb := range root.Bundles {
		id := string(cb.ID)
		if id == "" {
			id = strconv.Itoa(i)
		}
		if prev := take(id); same && prev != nil && prev.err == nil && prev.config.Equal(cb) {
			kept[prev] = true
			next = append(next, prev)
			continue
		}
		e, err := r.fromConfig(ctx, i, cb)
		if err != nil {
			return err
		}
		next = append(next, e)
		rebuilt = append(rebuilt, created([]*entry{e})...)
	}

	// Bundles added from Go are only recreated when the defaults changed.
	for _, prev := range old {
		if prev.config != nil {
			continue
		}
		if same {
			kept[prev] = true
			next = append(next, prev)
			continue
		}
		e := &entry{id: prev.id, spec: prev.spec}
		r.build(ctx, e)
		next = append(next, e)
		rebuilt = append(rebuilt, created([]*entry{e})...)
	}

	r.mu.Lock()
	r.root = root
	r.entries = next
	r.mu.Unlock()

	var errs []error
	for _, prev := range old {
		if !kept[prev] && prev.bundle != nil {
			errs = append(errs, prev.bundle.Close())
		}
	}

	r.log.Infof("Configuration refreshed, rebuilding %d bundle(s)", len(rebuilt))
	runAll(ctx, rebuilt)

	errs = append(errs, r.unwatchConfig())
	if r.watchingAny() {
		errs = append(errs, r.watchConfig(ctx))
	}
	r.afterBundle()
	return errors.Join(errs...)
}

func (r *Registry) dataFileChanged(path string) {
	r.log.Infof("Data file changed: %s", path)
	r.scheduleRefresh(0)
}

// scheduleRefresh queues a refresh after delay. A refresh without delay
// pulls a queued one forward instead of adding another.
func (r *Registry) scheduleRefresh(delay time.Duration) {
	r.mu.Lock()
	p := r.pool
	r.mu.Unlock()
	if p == nil {
		return
	}
	if delay == 0 && p.Trigger(refreshTask) == nil {
		return
	}
	p.Schedule(refreshTask, delay, func(ctx context.Context) {
		if err := r.Refresh(ctx); err != nil {
			r.log.Errorf("Cannot refresh configuration: %v", err)
		}
	})
}

// watchConfig watches the config files and the global data file.
func (r *Registry) watchConfig(ctx context.Context) error {
	r.mu.Lock()
	if r.watcher != nil {
		r.mu.Unlock()
		return nil
	}
	paths := slices.Clone(r.files)
	if r.dataFile != "" {
		paths = append(paths, r.dataFile)
	}
	debounce, settle := r.options.Debounce(), r.settle
	r.mu.Unlock()

	if len(paths) == 0 {
		return nil
	}

	w, err := watch.New(paths, watch.Options{Debounce: debounce, Log: r.log})
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	r.mu.Lock()
	if r.watcher != nil {
		r.mu.Unlock()
		return w.Close()
	}
	r.watcher, r.stop = w, stop
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = r.closeConfigWatcher(w)
				return
			case <-stop:
				return
			case ev := <-w.Events():
				switch ev.Op {
				case watch.OpReady:
				case watch.OpError:
					r.log.Errorf("Configuration watcher error: %v", ev.Err)
				default:
					r.log.Infof("Configuration changed: %s", ev.Path)
					r.scheduleRefresh(settle)
				}
			}
		}
	}()

	return nil
}

func (r *Registry) unwatchConfig() error {
	return r.closeConfigWatcher(nil)
}

// closeConfigWatcher stops the configuration watcher. With only set, it
// does nothing unless only is the current watcher.
func (r *Registry) closeConfigWatcher(only *watch.Watcher) error {
	r.mu.Lock()
	w, stop := r.watcher, r.stop
	if w == nil || (only != nil && w != only) {
		r.mu.Unlock()
		return nil
	}
	r.watcher, r.stop = nil, nil
	r.mu.Unlock()

	close(stop)
	return w.Close()
}
