// Package bundle implements a bundle: a set of resolved input files run
// through an ordered chain of bundlers, optionally rebuilt incrementally when
// its sources change on disk.
package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/bundlesdev/bundles/internal/bundler"
	"github.com/bundlesdev/bundles/internal/config"
	"github.com/bundlesdev/bundles/internal/file"
	bfs "github.com/bundlesdev/bundles/internal/fs"
	"github.com/bundlesdev/bundles/internal/logging"
	"github.com/bundlesdev/bundles/internal/pool"
	"github.com/bundlesdev/bundles/internal/watch"
)

// Hooks are called synchronously; they must not block.
type Hooks struct {
	// Watching is called once the bundle's watcher is ready.
	Watching func(*Bundle)
	// AfterRun is called after every run of the bundler chain.
	AfterRun func(*Bundle)
	// Rebuilt is called after runs triggered by the watcher.
	Rebuilt func(*Bundle)
}

// Spec defines a bundle. Unlike config.Bundle it can carry Go callables.
type Spec struct {
	ID       string
	Input    config.Inputs
	Bundlers []bundler.Spec
	Options  *config.Options
	Data     map[string]any
	DataFunc file.DataFunc
	// DataFile is the absolute path Data was read from, if any.
	DataFile string
	Hooks    Hooks
}

// FromConfig converts a configured bundle. A data file is read relative to
// cwd.
func FromConfig(cb *config.Bundle, cwd string) (Spec, error) {
	spec := Spec{
		ID:      string(cb.ID),
		Input:   cb.Input,
		Options: cb.Options,
	}
	for _, bs := range cb.Bundlers {
		spec.Bundlers = append(spec.Bundlers, bundler.FromConfig(bs))
	}
	if cb.Options != nil && cb.Options.Cwd != "" {
		cwd = resolveCwd(cwd, cb.Options.Cwd)
	}
	data, path, err := cb.Data.Load(cwd)
	if err != nil {
		return Spec{}, err
	}
	spec.Data, spec.DataFile = data, path
	return spec, nil
}

// Env is the context shared by all bundles of a registry.
type Env struct {
	// Options and Data are the global defaults.
	Options  *config.Options
	Data     map[string]any
	DataFunc file.DataFunc
	// DataFiles are global data files. A bundle seeing one of them change
	// hands the change to OnDataFile.
	DataFiles  []string
	OnDataFile func(path string)

	Registry *bundler.Registry
	Remote   file.RemoteResolver
	// Pool runs watch triggered rebuilds. Watch creates one when nil.
	Pool *pool.Pool
	Log  *logging.Logger
}

// Bundle is safe for concurrent use. Runs of the same bundle are
// serialized.
type Bundle struct {
	ID       string
	Options  *config.Options
	Bundlers []*bundler.Bundler

	env      Env
	hooks    Hooks
	log      *logging.Logger
	data     map[string]any
	dataFn   file.DataFunc
	dataFile string
	inputs   []config.Input
	matchers []matcher
	deps     []matcher

	runMu sync.Mutex

	mu       sync.Mutex
	inputMap map[string][]string
	sources  *file.Files
	output   *file.Files
	props    map[string]any
	changed  []string
	removed  []string
	valid    bool
	status   bundler.Status
	queue    []watch.Event
	watcher  *watch.Watcher
	watching bool
	stop     chan struct{}
	pool     *pool.Pool
}

// New resolves the inputs and bundlers of spec. Errors reading input files
// are returned; invalid bundlers or inputs only make the bundle invalid.
func New(ctx context.Context, spec Spec, env Env) (*Bundle, error) {
	cwd := ""
	if env.Options != nil {
		cwd = env.Options.Cwd
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	opts := config.MergeOptions(config.DefaultOptions(cwd), env.Options, spec.Options)
	opts.Cwd = resolveCwd(cwd, opts.Cwd)
	if opts.Glob != nil && opts.Glob.Cwd != "" {
		opts.Glob.Cwd = resolveCwd(opts.Cwd, opts.Glob.Cwd)
	}

	id := spec.ID
	if id == "" && len(spec.Input) > 0 {
		id = spec.Input[0].String()
	}

	log := env.Log.With("bundle", id)
	if log != nil {
		log.SetLevel(logging.ParseLevel(opts.LogLevel))
	}

	b := &Bundle{
		ID:       id,
		Options:  opts,
		env:      env,
		hooks:    spec.Hooks,
		log:      log,
		data:     spec.Data,
		dataFn:   spec.DataFunc,
		dataFile: spec.DataFile,
		inputs:   slices.Clone(spec.Input),
		inputMap: map[string][]string{},
		sources:  file.NewFiles(),
		props:    map[string]any{},
	}

	var err error
	if b.matchers, err = b.inputMatchers(); err != nil {
		return nil, err
	}
	if b.deps, err = compileMatchers(opts.Cwd, opts.WatchFiles); err != nil {
		return nil, err
	}

	if err := b.resolve(ctx); err != nil {
		return nil, err
	}

	for _, bs := range spec.Bundlers {
		b.Bundlers = append(b.Bundlers, bundler.New(bs, env.Registry, opts.Cwd))
	}
	for i, bl := range b.Bundlers {
		if !bl.Valid() {
			b.log.Errorf("Invalid bundler [%s|%d]: %v", id, i, bl.Err())
		}
	}

	b.validate()
	b.output = b.sources.Clone()

	return b, nil
}

func resolveCwd(base, cwd string) string {
	if cwd == "" {
		return base
	}
	if !filepath.IsAbs(cwd) {
		cwd = filepath.Join(base, cwd)
	}
	return filepath.Clean(cwd)
}

// fileOptions describes how the bundle reads its input files.
func (b *Bundle) fileOptions() file.Options {
	opts := file.Options{
		Cwd:     b.Options.Cwd,
		GlobCwd: b.Options.GlobCwd(),
		Glob:    bfs.GlobOptions{Dot: b.Options.Dot()},
		Data:    b.fileData,
		Remote:  b.env.Remote,
	}
	if b.Options.Glob != nil {
		opts.Glob.Ignore = b.Options.Glob.Ignore
	}
	if fm := b.Options.FrontMatter; fm != nil {
		opts.FrontMatter = file.FrontMatter{Delimiter: fm.Delimiter, Language: fm.Language}
	}
	return opts
}

// fileData layers global data, then bundle data, over a file's front
// matter.
func (b *Bundle) fileData(f *file.File) map[string]any {
	var global, local map[string]any
	if b.env.DataFunc != nil {
		global = b.env.DataFunc(f)
	}
	if b.dataFn != nil {
		local = b.dataFn(f)
	}
	return config.MergeData(b.env.Data, global, b.data, local)
}

// resolve reads every input into the source files.
func (b *Bundle) resolve(ctx context.Context) error {
	opts := b.fileOptions()
	sources := file.NewFiles()
	inputMap := map[string][]string{}

	for _, in := range b.inputs {
		files, err := file.Resolve(ctx, in, opts)
		if err != nil {
			return fmt.Errorf("bundle %s: %w", b.ID, err)
		}
		paths := make([]string, 0, len(files))
		for _, f := range files {
			sources.Set(f)
			paths = append(paths, f.Path)
		}
		if in.Kind == config.InputInvalid {
			b.log.Warnf("Skipping invalid input %s", in)
		} else if len(paths) == 0 {
			b.log.Warnf("No files found for %s", in)
		}
		inputMap[in.String()] = paths
	}

	b.mu.Lock()
	b.sources, b.inputMap = sources, inputMap
	b.mu.Unlock()
	return nil
}

// Valid reports whether the bundle has files and at least one valid
// bundler. Invalid bundles never run.
func (b *Bundle) Valid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.valid
}

func (b *Bundle) Status() bundler.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Success reports whether the last run succeeded or was skipped.
func (b *Bundle) Success() bool {
	s := b.Status()
	return s == bundler.StatusSuccess || s == bundler.StatusSkipped
}

// Output returns the files produced by the last run, or the source files
// when the bundle has not run yet. Callers must not modify them.
func (b *Bundle) Output() *file.Files {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.output
}

// Sources returns the files as read from the inputs.
func (b *Bundle) Sources() *file.Files {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sources.Clone()
}

// Props returns the bundle data set by bundlers in the last run.
func (b *Bundle) Props() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return config.MergeData(b.props)
}

// Input maps every input to the paths it resolved to.
func (b *Bundle) Input() map[string][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]string, len(b.inputMap))
	for k, v := range b.inputMap {
		out[k] = slices.Clone(v)
	}
	return out
}

// Changed lists the paths changed since the last successful run.
func (b *Bundle) Changed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.changed)
}

// Removed lists the paths removed since the last successful run.
func (b *Bundle) Removed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.removed)
}

func (b *Bundle) Watching() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watching
}

// Errors returns the errors of invalid bundlers and of bundlers that failed
// in the last run.
func (b *Bundle) Errors() []error {
	var errs []error
	if !b.Valid() {
		switch {
		case b.Sources().Len() == 0:
			errs = append(errs, fmt.Errorf("%s: no input files", b.ID))
		case len(b.Bundlers) == 0:
			errs = append(errs, fmt.Errorf("%s: no bundlers", b.ID))
		}
	}
	for i, bl := range b.Bundlers {
		if err := bl.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s|%d (%s): %w", b.ID, i, bl.Name(), err))
		}
	}
	return errs
}

// Close stops watching.
func (b *Bundle) Close() error {
	return b.Unwatch()
}
