package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/bundlesdev/bundles/internal/config"
	"github.com/bundlesdev/bundles/internal/file"
)

// DefaultQuery is evaluated against Rego modules unless the bundler config
// names another one under "query".
const DefaultQuery = "data.bundler.transform"

type regoConfig struct {
	Query   string   `json:"query"`
	Include []string `json:"include"`
}

// loadRego prepares the module at path, plus any files listed under
// "include", for evaluation. The query result describes the changes to
// apply:
//
//	{"files": {"a.md": {"content": "...", "data": {...}}, "b.md": null},
//	 "data": {...}}
//
// A null file removes it, file data is merged into the existing data, and
// the top level data is merged into the bundle data.
func loadRego(path string, cfg map[string]any) (Transform, []string, error) {
	var rc regoConfig
	b := Bundler{Config: cfg}
	if err := b.Decode(&rc); err != nil {
		return nil, nil, err
	}
	if rc.Query == "" {
		rc.Query = DefaultQuery
	}

	files := []string{path}
	for _, inc := range rc.Include {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), filepath.FromSlash(inc))
		}
		files = append(files, filepath.Clean(inc))
	}

	pq, err := rego.New(
		rego.Query(rc.Query),
		rego.Load(files, nil),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, nil, err
	}

	return func(ctx context.Context, s *State, b *Bundler) (*State, error) {
		input, err := regoInput(s, b)
		if err != nil {
			return nil, err
		}

		rs, err := pq.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, err
		}
		if len(rs) == 0 || len(rs[0].Expressions) == 0 {
			// Undefined transform, nothing to apply.
			return s, nil
		}

		result, ok := normalize(rs[0].Expressions[0].Value).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s must evaluate to an object, got %T", rc.Query, rs[0].Expressions[0].Value)
		}
		return applyResult(s, result)
	}, files, nil
}

func regoInput(s *State, b *Bundler) (any, error) {
	files := make([]map[string]any, 0, s.Output.Len())
	for _, f := range s.Output.All() {
		entry := map[string]any{
			"path":     f.Path,
			"data":     f.Data,
			"encoding": string(f.Encoding),
		}
		if !f.IsBuffer() {
			entry["content"] = f.Text()
		}
		files = append(files, entry)
	}

	input := map[string]any{
		"id":      s.ID,
		"files":   files,
		"changed": s.Changed,
		"removed": s.Removed,
		"data":    s.Data,
		"bundler": b.Config,
	}

	// Round trip through JSON so every number reaches the evaluator in one
	// representation.
	bs, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(bs))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func applyResult(s *State, result map[string]any) (*State, error) {
	if data, ok := result["data"]; ok && data != nil {
		m, ok := data.(map[string]any)
		if !ok {
			return nil, errors.New("transform data must be an object")
		}
		s.Data = config.MergeData(s.Data, m)
	}

	files, ok := result["files"]
	if !ok || files == nil {
		return s, nil
	}
	m, ok := files.(map[string]any)
	if !ok {
		return nil, errors.New("transform files must be an object")
	}

	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	for _, p := range paths {
		if m[p] == nil {
			if _, ok := s.Output.Delete(p); ok && !slices.Contains(s.Removed, p) {
				s.Removed = append(s.Removed, p)
			}
			continue
		}

		update, ok := m[p].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("transform file %s must be an object or null", p)
		}

		f, exists := s.Output.Get(p)
		if !exists {
			f = &file.File{
				Path:     p,
				Encoding: file.EncodingText,
				Data:     map[string]any{},
				Source:   file.Source{Path: p},
			}
		}
		if content, ok := update["content"]; ok {
			text, ok := content.(string)
			if !ok {
				return nil, fmt.Errorf("transform file %s: content must be a string", p)
			}
			f.SetText(text)
			f.Encoding = file.EncodingText
		}
		if data, ok := update["data"].(map[string]any); ok {
			f.Data = config.MergeData(f.Data, data)
		}
		s.Output.Set(f)
	}

	return s, nil
}

// normalize converts the json.Number values produced by the evaluator into
// int64 or float64.
func normalize(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		for k, x := range v {
			v[k] = normalize(x)
		}
		return v
	case []any:
		for i, x := range v {
			v[i] = normalize(x)
		}
		return v
	default:
		return v
	}
}
