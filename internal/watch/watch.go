// Package watch reports file system changes below a set of files and
// directories as debounced add, change and unlink events.
package watch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	bfs "github.com/bundlesdev/bundles/internal/fs"
	"github.com/bundlesdev/bundles/internal/logging"
)

type Op string

const (
	OpAdd    Op = "add"
	OpChange Op = "change"
	OpUnlink Op = "unlink"
	OpReady  Op = "ready"
	OpError  Op = "error"
)

// Event carries the absolute path of the affected file. Ready and error
// events have no path.
type Event struct {
	Op   Op
	Path string
	Err  error
}

type Options struct {
	// Debounce is how long a path has to stay quiet before its event is
	// delivered.
	Debounce time.Duration
	// Ignore holds glob patterns matched against slash separated absolute
	// paths.
	Ignore []string
	Log    *logging.Logger
}

var defaultIgnore = []string{"**/.git/**", "**/.repos/**"}

// Watcher watches directories recursively and single files through their
// parent directory.
type Watcher struct {
	fsw      *fsnotify.Watcher
	events   chan Event
	debounce time.Duration
	ignore   []*bfs.Pattern
	log      *logging.Logger

	mu      sync.Mutex
	files   map[string]bool
	roots   map[string]bool
	pending map[string]*pending
	closed  bool
	done    chan struct{}
}

type pending struct {
	op    Op
	timer *time.Timer
}

// New starts watching paths. A ready event follows once they are all
// registered.
func New(paths []string, opts Options) (*Watcher, error) {
	ignore, err := bfs.CompilePatterns(append(defaultIgnore, opts.Ignore...))
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		events:   make(chan Event, 64),
		debounce: opts.Debounce,
		ignore:   ignore,
		log:      opts.Log,
		files:    map[string]bool{},
		roots:    map[string]bool{},
		pending:  map[string]*pending{},
		done:     make(chan struct{}),
	}

	for _, p := range paths {
		if err := w.Add(p); err != nil {
			w.log.Warnf("Cannot watch %s: %v", p, err)
		}
	}

	go w.loop()
	w.send(Event{Op: OpReady})
	return w, nil
}

func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Add watches path: a directory with everything below it, or a single
// file. A path that does not exist yet is watched through its closest
// existing parent.
func (w *Watcher) Add(path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		w.roots[path] = true
		return w.addDir(path, false)
	case err == nil || errors.Is(err, fs.ErrNotExist):
		w.files[path] = true
		dir := filepath.Dir(path)
		for {
			if _, err := os.Stat(dir); err == nil {
				return w.fsw.Add(dir)
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				return nil
			}
			dir = parent
		}
	default:
		return err
	}
}

// addDir registers dir and its subdirectories. When emit is set, every file
// found produces an add event, as for a directory created after start.
func (w *Watcher) addDir(dir string, emit bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if w.ignored(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return w.fsw.Add(p)
		}
		if emit {
			w.schedule(p, OpAdd)
		}
		return nil
	})
}

func (w *Watcher) ignored(p string) bool {
	return bfs.MatchAny(w.ignore, filepath.ToSlash(p))
}

// watched reports whether events for p are of interest. Must be called with
// w.mu held.
func (w *Watcher) watched(p string) bool {
	if w.files[p] {
		return true
	}
	for root := range w.roots {
		if p == root || isBelow(root, p) {
			return !w.ignored(p)
		}
	}
	return false
}

// addAncestor follows a directory created above watched files whose parent
// did not exist: it watches each existing directory on the way down to the
// files and reports the files that already exist. Must be called with w.mu
// held.
func (w *Watcher) addAncestor(dir string) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return
	}
	for f := range w.files {
		parent := filepath.Dir(f)
		if f == dir || !isBelow(dir, f) {
			continue
		}
		for d := dir; ; {
			if err := w.fsw.Add(d); err != nil {
				w.log.Warnf("Cannot watch %s: %v", d, err)
				break
			}
			if d == parent {
				if _, err := os.Stat(f); err == nil {
					w.schedule(f, OpAdd)
				}
				break
			}
			rel, err := filepath.Rel(d, parent)
			if err != nil {
				break
			}
			d = filepath.Join(d, strings.SplitN(rel, string(filepath.Separator), 2)[0])
			if info, err := os.Stat(d); err != nil || !info.IsDir() {
				break
			}
		}
	}
}

func isBelow(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.send(Event{Op: OpError, Err: err})
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if !w.watched(ev.Name) {
		if ev.Has(fsnotify.Create) {
			w.addAncestor(ev.Name)
		}
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addDir(ev.Name, true); err != nil {
				w.log.Warnf("Cannot watch %s: %v", ev.Name, err)
			}
			return
		}
		w.schedule(ev.Name, OpAdd)
	case ev.Has(fsnotify.Write):
		w.schedule(ev.Name, OpChange)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.schedule(ev.Name, OpUnlink)
	}
}

// schedule records op for path and (re)starts its quiet period. Must be
// called with w.mu held.
func (w *Watcher) schedule(path string, op Op) {
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		switch {
		case p.op == OpAdd && op == OpUnlink:
			// Created and removed within one quiet period.
			delete(w.pending, path)
			return
		case p.op == OpAdd && op == OpChange:
			op = OpAdd
		case p.op == OpUnlink && op == OpAdd:
			op = OpChange
		}
	}

	p := &pending{op: op}
	p.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.pending[path] != p || w.closed {
			w.mu.Unlock()
			return
		}
		delete(w.pending, path)
		w.mu.Unlock()

		w.log.Tracef("%s %s", op, path)
		w.send(Event{Op: op, Path: path})
	})
	w.pending[path] = p
}

func (w *Watcher) send(ev Event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

// Close stops watching. Pending events are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, p := range w.pending {
		p.timer.Stop()
	}
	close(w.done)
	w.mu.Unlock()

	return w.fsw.Close()
}
