package bundler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bundlesdev/bundles/internal/logging"
)

// Loader builds a transform from a module file. It returns the files the
// transform depends on, the module file included.
type Loader func(path string, cfg map[string]any) (Transform, []string, error)

// Loaded is the result of resolving a module reference.
type Loaded struct {
	ID         string
	Transform  Transform
	DataFiles  []string
	Generation uint64
}

// Registry resolves module references. A reference is either the name of a
// registered transform or a path to a module file, loaded by the Loader
// registered for its extension.
type Registry struct {
	mu          sync.Mutex
	named       map[string]Transform
	exts        map[string]Loader
	generations map[string]uint64
	log         *logging.Logger
}

// NewRegistry returns a registry holding the built-in transforms and the
// Rego module loader.
func NewRegistry() *Registry {
	r := &Registry{
		named:       map[string]Transform{},
		exts:        map[string]Loader{},
		generations: map[string]uint64{},
	}
	for name, t := range builtins {
		r.Register(name, t)
	}
	r.RegisterExt(".rego", loadRego)
	return r
}

func (r *Registry) WithLogger(log *logging.Logger) *Registry {
	r.log = log
	return r
}

func (r *Registry) Register(name string, t Transform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[name] = t
}

func (r *Registry) RegisterExt(ext string, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exts[ext] = l
}

// Names lists the registered transform names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.named))
	for name := range r.named {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load resolves ref. Registered names win over paths; paths are relative to
// cwd. The returned Loaded carries the ID even when loading fails.
func (r *Registry) Load(ref, cwd string, cfg map[string]any) (Loaded, error) {
	r.mu.Lock()
	if t, ok := r.named[ref]; ok {
		r.mu.Unlock()
		return Loaded{ID: ref, Transform: t}, nil
	}

	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, filepath.FromSlash(ref))
	}
	path = filepath.Clean(path)

	loaded := Loaded{ID: path, Generation: r.generations[path]}
	loader, ok := r.exts[filepath.Ext(path)]
	r.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return loaded, fmt.Errorf("cannot load bundler %q: %w", ref, err)
	}
	if !ok {
		return loaded, fmt.Errorf("cannot load bundler %q: no loader for %q files", ref, filepath.Ext(path))
	}

	t, files, err := loader(path, cfg)
	if err != nil {
		return loaded, fmt.Errorf("cannot load bundler %q: %w", ref, err)
	}
	loaded.Transform, loaded.DataFiles = t, files
	return loaded, nil
}

// Reload invalidates the module with the given ID, so the next Load reads it
// again under a new generation.
func (r *Registry) Reload(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.named[id]; ok {
		return
	}
	r.generations[id]++
	r.log.Debugf("Reloading bundler %s (generation %d)", id, r.generations[id])
}
