// Package file holds the in-memory representation of resolved source files
// and the logic to resolve bundle inputs into them.
package file

import (
	"bytes"
	"maps"
	"unicode/utf8"
)

type Encoding string

const (
	EncodingText   Encoding = "utf8"
	EncodingBinary Encoding = "binary"
)

// sniffLen is the number of leading bytes inspected to classify content.
const sniffLen = 8000

// Source is the File as it was read, before any bundler ran.
type Source struct {
	Path    string         `json:"path"`
	Content []byte         `json:"content"`
	Data    map[string]any `json:"data"`
	Cwd     string         `json:"cwd"`
}

// File is one resolved artifact. Bundlers mutate Content and Data; Source is
// left untouched.
type File struct {
	Source   Source         `json:"source"`
	Path     string         `json:"path"`
	Content  []byte         `json:"content"`
	Data     map[string]any `json:"data"`
	Encoding Encoding       `json:"encoding"`
}

// IsBuffer reports whether the file holds binary content.
func (f *File) IsBuffer() bool {
	return f.Encoding == EncodingBinary
}

func (f *File) Text() string {
	return string(f.Content)
}

func (f *File) SetText(s string) {
	f.Content = []byte(s)
}

// Clone returns a copy that shares no mutable state with f. Data is copied
// one level deep.
func (f *File) Clone() *File {
	if f == nil {
		return nil
	}
	c := *f
	c.Content = bytes.Clone(f.Content)
	c.Data = cloneData(f.Data)
	return &c
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := maps.Clone(m)
	for k, v := range out {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneData(nested)
		}
	}
	return out
}

// IsBinary classifies content as binary when its leading bytes hold a NUL
// byte or are not valid UTF-8.
func IsBinary(content []byte) bool {
	head := content
	if len(head) > sniffLen {
		head = head[:sniffLen]
		// Do not count a multi-byte rune cut at the boundary as invalid.
		for i := 0; i < utf8.UTFMax && len(head) > 0 && !utf8.RuneStart(content[len(head)]); i++ {
			head = head[:len(head)-1]
		}
	}
	return bytes.IndexByte(head, 0) >= 0 || !utf8.Valid(head)
}
