package bundle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/bundlesdev/bundles/internal/bundler"
	"github.com/bundlesdev/bundles/internal/config"
	"github.com/bundlesdev/bundles/internal/file"
	"github.com/bundlesdev/bundles/internal/metrics"
)

const (
	triggerRun   = "run"
	triggerWatch = "watch"
)

// Run runs the bundler chain over a fresh copy of the source files and then
// sets up or revokes watching according to the watch option. Invalid
// bundles fail without running; bundles excluded by the run option are
// skipped.
func (b *Bundle) Run(ctx context.Context) bundler.Status {
	status := b.run(ctx, triggerRun)
	if status != bundler.StatusSkipped && b.Valid() {
		if err := b.Watch(ctx); err != nil {
			b.log.Errorf("Cannot watch [%s]: %v", b.ID, err)
		}
	}
	return status
}

func (b *Bundle) run(ctx context.Context, trigger string) bundler.Status {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	start := time.Now()

	b.mu.Lock()
	switch {
	case !b.valid:
		b.status = bundler.StatusFailed
		b.mu.Unlock()
		b.log.Warnf("Skipping invalid bundle [%s]", b.ID)
		return bundler.StatusFailed
	case !b.Options.ShouldRun(b.ID):
		b.status = bundler.StatusSkipped
		b.mu.Unlock()
		b.log.Debugf("Skipping [%s]", b.ID)
		return bundler.StatusSkipped
	}
	state := &bundler.State{
		ID:      b.ID,
		Output:  b.sources.Clone(),
		Changed: slices.Clone(b.changed),
		Removed: slices.Clone(b.removed),
		Data:    config.MergeData(b.env.Data, b.data),
	}
	b.mu.Unlock()

	if trigger == triggerRun {
		b.log.Infof("Bundling [%s]...", b.ID)
	}

	for _, bl := range b.Bundlers {
		bl.Reset()
	}

	for i, bl := range b.Bundlers {
		if !bl.Valid() {
			b.log.Errorf("Error on [%s|%d]: %v", b.ID, i, bl.Err())
			continue
		}
		next, err := bl.Run(ctx, state)
		if err != nil {
			b.log.Errorf("Error on [%s|%d]: %v", b.ID, i, err)
			metrics.BundlerFailed(b.ID, bl.Name())
			continue
		}
		state = next
	}

	success := true
	for _, bl := range b.Bundlers {
		if bl.Status() != bundler.StatusSuccess {
			success = false
		}
	}

	b.mu.Lock()
	b.output, b.props = state.Output, state.Data
	if success {
		b.status = bundler.StatusSuccess
		b.changed, b.removed = nil, nil
	} else {
		b.status = bundler.StatusFailed
	}
	status := b.status
	b.mu.Unlock()

	reason := ""
	if status != bundler.StatusSuccess {
		reason = status.String()
	}
	metrics.BundleRun(b.ID, trigger, reason, start)
	if trigger == triggerWatch {
		b.log.Infof("Rebundled [%s] (%s)", b.ID, time.Since(start).Round(time.Millisecond))
	}

	if b.hooks.AfterRun != nil {
		b.hooks.AfterRun(b)
	}
	if trigger == triggerWatch && b.hooks.Rebuilt != nil {
		b.hooks.Rebuilt(b)
	}
	return status
}

type mutation int

const (
	mutationUpdate mutation = iota
	mutationAdd
	mutationRemove
)

// MutateOption configures Update, Add and Remove.
type MutateOption func(*mutateOptions)

type mutateOptions struct {
	typ        SourceType
	noRebundle bool
}

// NoRebundle applies a mutation without rerunning the bundle. The changes
// are picked up by the next run.
func NoRebundle() MutateOption {
	return func(o *mutateOptions) { o.noRebundle = true }
}

// WithType applies a mutation as if the paths belonged to the given source
// group instead of the bundle inputs. Dependency paths mark every file
// changed and bundler paths reload the bundlers loaded from them.
func WithType(t SourceType) MutateOption {
	return func(o *mutateOptions) { o.typ = t }
}

// Update re-reads the given known paths, marks them changed and reruns the
// bundle. Paths are relative to the bundle cwd or absolute.
func (b *Bundle) Update(ctx context.Context, paths []string, opts ...MutateOption) (bundler.Status, error) {
	return b.mutate(ctx, mutationUpdate, paths, opts)
}

// Add reads new paths into the bundle, marks them changed and reruns it.
func (b *Bundle) Add(ctx context.Context, paths []string, opts ...MutateOption) (bundler.Status, error) {
	return b.mutate(ctx, mutationAdd, paths, opts)
}

// Remove drops paths from the bundle, marks them removed and reruns it.
func (b *Bundle) Remove(ctx context.Context, paths []string, opts ...MutateOption) (bundler.Status, error) {
	return b.mutate(ctx, mutationRemove, paths, opts)
}

func (b *Bundle) mutate(ctx context.Context, op mutation, paths []string, opts []MutateOption) (bundler.Status, error) {
	o := mutateOptions{typ: SourceInput}
	for _, opt := range opts {
		opt(&o)
	}

	rebuild, err := b.apply(ctx, op, o.typ, paths)
	if err != nil || !rebuild || o.noRebundle {
		return b.Status(), err
	}
	return b.run(ctx, triggerRun), nil
}

// apply performs op on paths of the given source group and reports whether
// the bundle needs a rebuild.
func (b *Bundle) apply(ctx context.Context, op mutation, typ SourceType, paths []string) (bool, error) {
	switch typ {
	case SourceInput:
		switch op {
		case mutationUpdate:
			return true, b.update(paths)
		case mutationAdd:
			return true, b.add(paths)
		default:
			b.remove(paths)
			return true, nil
		}

	case SourceBundler:
		if op == mutationRemove {
			return false, nil
		}
		rebuild := false
		for _, p := range paths {
			if b.bundlerChanged(b.abs(p)) {
				rebuild = true
			}
		}
		return rebuild, nil

	default:
		rebuild := false
		for _, p := range paths {
			if b.dependencyChanged(ctx, b.abs(p)) {
				rebuild = true
			}
		}
		return rebuild, nil
	}
}

func (b *Bundle) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(b.Options.Cwd, filepath.FromSlash(path))
}

// rel returns path relative to the bundle cwd, in slash form.
func (b *Bundle) rel(path string) string {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(filepath.Clean(filepath.FromSlash(path)))
	}
	rel, err := filepath.Rel(b.Options.Cwd, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (b *Bundle) update(paths []string) error {
	return b.read(paths, true)
}

func (b *Bundle) add(paths []string) error {
	return b.read(paths, false)
}

// read reads paths and stores them as sources. With known set, paths that
// are not sources yet are rejected.
func (b *Bundle) read(paths []string, known bool) error {
	opts := b.fileOptions()

	var errs []error
	for _, p := range paths {
		p = b.rel(p)

		b.mu.Lock()
		exists := b.sources.Has(p)
		b.mu.Unlock()
		if known && !exists {
			errs = append(errs, fmt.Errorf("%s is not part of bundle %s", p, b.ID))
			continue
		}

		f, err := file.Read(p, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		b.mu.Lock()
		b.sources.Set(f)
		b.markChanged(p)
		if !exists {
			key := b.inputFor(p)
			b.inputMap[key] = append(b.inputMap[key], p)
			b.validate()
		}
		b.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (b *Bundle) remove(paths []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range paths {
		p = b.rel(p)
		if _, ok := b.sources.Delete(p); !ok {
			continue
		}
		b.changed = slices.DeleteFunc(b.changed, func(c string) bool { return c == p })
		if !slices.Contains(b.removed, p) {
			b.removed = append(b.removed, p)
		}
		for k, v := range b.inputMap {
			b.inputMap[k] = slices.DeleteFunc(v, func(c string) bool { return c == p })
		}
	}
	b.validate()
}

// validate must be called with b.mu held.
func (b *Bundle) validate() {
	b.valid = b.sources.Len() > 0 &&
		len(b.Bundlers) > 0 &&
		slices.ContainsFunc(b.Bundlers, (*bundler.Bundler).Valid)
}

// touchAll marks every source file changed.
func (b *Bundle) touchAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.sources.Paths() {
		b.markChanged(p)
	}
}

// markChanged must be called with b.mu held.
func (b *Bundle) markChanged(p string) {
	if !slices.Contains(b.changed, p) {
		b.changed = append(b.changed, p)
	}
	b.removed = slices.DeleteFunc(b.removed, func(r string) bool { return r == p })
}

// inputFor returns the input map key of the first input matching p. Must be
// called with b.mu held.
func (b *Bundle) inputFor(p string) string {
	abs := filepath.Join(b.Options.Cwd, filepath.FromSlash(p))
	for _, m := range b.matchers {
		if m.match(abs) {
			return m.input
		}
	}
	return p
}
