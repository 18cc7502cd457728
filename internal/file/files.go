package file

import (
	"iter"
	"slices"
)

// Files is an insertion ordered collection of files keyed by path. Setting
// an existing path replaces the file in place and keeps its position.
type Files struct {
	order []string
	files map[string]*File
}

func NewFiles(files ...*File) *Files {
	fs := &Files{files: make(map[string]*File, len(files))}
	for _, f := range files {
		fs.Set(f)
	}
	return fs
}

func (fs *Files) Get(path string) (*File, bool) {
	if fs == nil {
		return nil, false
	}
	f, ok := fs.files[path]
	return f, ok
}

func (fs *Files) Has(path string) bool {
	_, ok := fs.Get(path)
	return ok
}

// Set inserts f under f.Path, replacing any file already stored there.
func (fs *Files) Set(f *File) {
	if fs.files == nil {
		fs.files = make(map[string]*File)
	}
	if _, ok := fs.files[f.Path]; !ok {
		fs.order = append(fs.order, f.Path)
	}
	fs.files[f.Path] = f
}

// Delete removes and returns the file stored under path.
func (fs *Files) Delete(path string) (*File, bool) {
	f, ok := fs.files[path]
	if !ok {
		return nil, false
	}
	delete(fs.files, path)
	fs.order = slices.DeleteFunc(fs.order, func(p string) bool { return p == path })
	return f, true
}

func (fs *Files) Len() int {
	if fs == nil {
		return 0
	}
	return len(fs.order)
}

// Paths returns the paths in insertion order.
func (fs *Files) Paths() []string {
	if fs == nil {
		return nil
	}
	return slices.Clone(fs.order)
}

// All iterates over the files in insertion order.
func (fs *Files) All() iter.Seq2[string, *File] {
	return func(yield func(string, *File) bool) {
		if fs == nil {
			return
		}
		for _, p := range fs.order {
			if !yield(p, fs.files[p]) {
				return
			}
		}
	}
}

// Clone deep copies the collection and every file in it.
func (fs *Files) Clone() *Files {
	out := &Files{files: make(map[string]*File, fs.Len())}
	for _, f := range fs.All() {
		out.Set(f.Clone())
	}
	return out
}
