// Package jsonpatch applies RFC 6902 patches to file and bundle data.
package jsonpatch

import (
	"encoding/json"
	"fmt"

	jp "github.com/evanphx/json-patch/v5"
)

// PatchError reports a patch that is malformed or uses an operation other
// than add, remove or replace.
type PatchError struct {
	msg string
}

func (p *PatchError) Error() string {
	return p.msg
}

type Patch = jp.Patch

// Missing parents are created on add; removing a missing path is a no-op.
var opts = jp.ApplyOptions{
	EnsurePathExistsOnAdd:    true,
	AllowMissingPathOnRemove: true,
}

var supported = map[string]bool{"add": true, "remove": true, "replace": true}

// Decode builds a patch from configured operations, as found in a bundler
// config: a list of {"op", "path", "value"} objects.
func Decode(ops any) (Patch, error) {
	bs, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	p, err := jp.DecodePatch(bs)
	if err != nil {
		return nil, &PatchError{fmt.Sprintf("invalid patch: %v", err)}
	}
	return p, nil
}

func Apply(p Patch, doc json.RawMessage) (json.RawMessage, error) {
	for i, op := range p {
		if !supported[op.Kind()] {
			return nil, &PatchError{fmt.Sprintf("operation %d: unsupported patch operation %q, must be one of add, remove or replace", i, op.Kind())}
		}
	}
	return p.ApplyWithOptions(doc, &opts)
}

// ApplyData applies p to a copy of data.
func ApplyData(p Patch, data map[string]any) (map[string]any, error) {
	if data == nil {
		data = map[string]any{}
	}
	doc, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	patched, err := Apply(p, doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, err
	}
	return out, nil
}
