// Package bundler wraps the transform steps of a bundle. A Bundler is built
// from a Spec, either a Go callable or a reference to a module that a
// Registry resolves to a transform, and never fails to construct: problems
// are recorded and mark the bundler invalid.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/bundlesdev/bundles/internal/config"
	"github.com/bundlesdev/bundles/internal/file"
)

// Status is the outcome of the last run of a bundler or bundle.
type Status int

const (
	StatusNotRun Status = iota
	StatusSuccess
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "not-run"
	}
}

// State is the accumulator threaded through a bundle's bundler chain.
type State struct {
	// ID of the bundle being run.
	ID string
	// Output holds the files produced so far.
	Output *file.Files
	// Changed and Removed list the paths touched since the last successful
	// run. Both are empty on a full run.
	Changed []string
	Removed []string
	// Data holds bundle level properties set by bundlers.
	Data map[string]any
}

// Clone returns a deep copy, so a failing transform cannot leak partial
// mutations into the state handed to the next bundler.
func (s *State) Clone() *State {
	return &State{
		ID:      s.ID,
		Output:  s.Output.Clone(),
		Changed: slices.Clone(s.Changed),
		Removed: slices.Clone(s.Removed),
		Data:    config.MergeData(s.Data),
	}
}

// Transform is one processing step. It receives the accumulated state and
// the bundler it runs as, and returns the next state.
type Transform func(ctx context.Context, s *State, b *Bundler) (*State, error)

// Spec describes a bundler before resolution. Exactly one of Transform and
// Module is set on a valid spec.
type Spec struct {
	Transform Transform
	Module    string
	Config    map[string]any

	invalid string
}

// Callable returns a spec running t directly.
func Callable(t Transform, cfg map[string]any) Spec {
	return Spec{Transform: t, Config: cfg}
}

// Module returns a spec resolving ref through a Registry.
func Module(ref string, cfg map[string]any) Spec {
	return Spec{Module: ref, Config: cfg}
}

// FromConfig converts a configured bundler spec.
func FromConfig(cs config.BundlerSpec) Spec {
	if !cs.IsValid() {
		return Spec{Config: cs.Config, invalid: fmt.Sprintf("bundler must be a module name or an object with a run key, got %v", cs)}
	}
	return Module(cs.Run, cs.Config)
}

var (
	errNotCallable = errors.New("bundler has no transform")
	errInvalid     = errors.New("bundler is invalid")
)

// Bundler is a resolved transform step with its per-run outcome.
type Bundler struct {
	// ID is the resolved module reference, empty for callables. It is set
	// once by New; reloads resolve the same reference to the same ID.
	ID     string
	Config map[string]any

	mu         sync.Mutex
	spec       Spec
	registry   *Registry
	cwd        string
	transform  Transform
	valid      bool
	status     Status
	err        error
	dataFiles  []string
	generation uint64
}

// New builds a bundler. Module references are resolved against cwd through
// reg; a nil reg leaves module specs invalid.
func New(spec Spec, reg *Registry, cwd string) *Bundler {
	b := &Bundler{
		Config:   maps.Clone(spec.Config),
		spec:     spec,
		registry: reg,
		cwd:      cwd,
	}
	if b.Config == nil {
		b.Config = map[string]any{}
	}
	b.ID = b.resolve()
	return b
}

// resolve loads the transform and returns the resolved module ID. It does
// not write b.ID, which is read without b.mu.
func (b *Bundler) resolve() (id string) {
	b.valid, b.err, b.transform, b.dataFiles = false, nil, nil, nil

	switch {
	case b.spec.invalid != "":
		b.err = errors.New(b.spec.invalid)

	case b.spec.Transform != nil:
		b.transform = b.spec.Transform

	case b.spec.Module != "":
		if b.registry == nil {
			b.err = fmt.Errorf("cannot load bundler %q: no registry", b.spec.Module)
			return b.spec.Module
		}
		loaded, err := b.registry.Load(b.spec.Module, b.cwd, b.Config)
		id = loaded.ID
		if err != nil {
			b.err = err
			return id
		}
		b.transform = loaded.Transform
		b.dataFiles = loaded.DataFiles
		b.generation = loaded.Generation

	default:
		b.err = errNotCallable
	}

	if b.transform == nil {
		if b.err == nil {
			b.err = errNotCallable
		}
		return id
	}
	b.valid = true
	return id
}

// Run executes the transform on a clone of s. A failed or panicking
// transform yields an error and leaves s untouched.
func (b *Bundler) Run(ctx context.Context, s *State) (out *State, err error) {
	b.mu.Lock()
	transform, valid := b.transform, b.valid
	b.mu.Unlock()

	if !valid {
		return s, errInvalid
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = s, fmt.Errorf("bundler panicked: %v", r)
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if err != nil {
			b.status, b.err = StatusFailed, err
			out = s
		} else {
			b.status, b.err = StatusSuccess, nil
		}
	}()

	out, err = transform(ctx, s.Clone(), b)
	if err == nil && out == nil {
		err = errors.New("bundler returned no state")
	}
	return out, err
}

// Reload asks the registry for a fresh transform for a module bundler and
// swaps it in. Callables are left as they are.
func (b *Bundler) Reload() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.spec.Module == "" || b.registry == nil {
		return nil
	}
	if b.ID != "" {
		b.registry.Reload(b.ID)
	}
	b.resolve()
	b.status = StatusNotRun
	return b.err
}

// Reset clears the outcome of the last run.
func (b *Bundler) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusNotRun
	if b.valid {
		b.err = nil
	}
}

func (b *Bundler) Valid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.valid
}

func (b *Bundler) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Err returns the resolution error of an invalid bundler, or the error of
// the last failed run.
func (b *Bundler) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// DataFiles lists the files the transform was loaded from. Changes to them
// should reload the bundler.
func (b *Bundler) DataFiles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.dataFiles)
}

// Generation counts how many times the module behind the bundler has been
// reloaded.
func (b *Bundler) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Name identifies the bundler in logs.
func (b *Bundler) Name() string {
	if b.ID != "" {
		return b.ID
	}
	if b.spec.Module != "" {
		return b.spec.Module
	}
	return "func"
}

// Get returns a config value.
func (b *Bundler) Get(key string) (any, bool) {
	v, ok := b.Config[key]
	return v, ok
}

// Decode decodes the bundler config into out, using json tags.
func (b *Bundler) Decode(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(b.Config); err != nil {
		return fmt.Errorf("invalid config for bundler %s: %w", b.Name(), err)
	}
	return nil
}
