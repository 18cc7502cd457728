package bundler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/akedrou/textdiff"
	"github.com/goccy/go-yaml"

	"github.com/bundlesdev/bundles/internal/config"
	"github.com/bundlesdev/bundles/internal/file"
	bfs "github.com/bundlesdev/bundles/internal/fs"
	"github.com/bundlesdev/bundles/internal/httpsync"
	"github.com/bundlesdev/bundles/internal/jsonpatch"
	"github.com/bundlesdev/bundles/internal/logging"
)

// builtins are registered by name on every new Registry.
var builtins = map[string]Transform{
	"append": appendText,
	"prop":   setProp,
	"filter": filter,
	"patch":  patch,
	"output": output,
	"fetch":  fetch,
}

var fetchClient = httpsync.New(nil)

// Cwd is the directory module paths and output paths are relative to.
func (b *Bundler) Cwd() string {
	return b.cwd
}

func (b *Bundler) logger() *logging.Logger {
	if b.registry == nil {
		return nil
	}
	return b.registry.log
}

// appendText appends config "text" to every text file.
func appendText(_ context.Context, s *State, b *Bundler) (*State, error) {
	var cfg struct {
		Text string `json:"text"`
	}
	if err := b.Decode(&cfg); err != nil {
		return nil, err
	}
	for _, f := range s.Output.All() {
		if f.IsBuffer() {
			continue
		}
		f.Content = append(f.Content, cfg.Text...)
	}
	return s, nil
}

// setProp sets bundle data key "prop" to "value". When "files" patterns
// are given it sets the key on the data of the matching files instead.
func setProp(_ context.Context, s *State, b *Bundler) (*State, error) {
	var cfg struct {
		Prop  string   `json:"prop"`
		Value any      `json:"value"`
		Files []string `json:"files"`
	}
	if err := b.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.Prop == "" {
		return nil, errors.New("prop: missing prop name")
	}
	if len(cfg.Files) == 0 {
		if s.Data == nil {
			s.Data = map[string]any{}
		}
		s.Data[cfg.Prop] = cfg.Value
		return s, nil
	}

	patterns, err := bfs.CompilePatterns(cfg.Files)
	if err != nil {
		return nil, err
	}
	for p, f := range s.Output.All() {
		if !bfs.MatchAny(patterns, p) {
			continue
		}
		if f.Data == nil {
			f.Data = map[string]any{}
		}
		f.Data[cfg.Prop] = cfg.Value
	}
	return s, nil
}

// filter keeps the files matching "include", if given, and drops those
// matching "exclude".
func filter(_ context.Context, s *State, b *Bundler) (*State, error) {
	var cfg struct {
		Include []string `json:"include"`
		Exclude []string `json:"exclude"`
	}
	if err := b.Decode(&cfg); err != nil {
		return nil, err
	}
	include, err := bfs.CompilePatterns(cfg.Include)
	if err != nil {
		return nil, err
	}
	exclude, err := bfs.CompilePatterns(cfg.Exclude)
	if err != nil {
		return nil, err
	}
	for _, p := range s.Output.Paths() {
		if (len(include) > 0 && !bfs.MatchAny(include, p)) || bfs.MatchAny(exclude, p) {
			s.Output.Delete(p)
		}
	}
	return s, nil
}

// patch applies the JSON patch "ops" to the data of every file, or to the
// bundle data when "target" is "bundle".
func patch(_ context.Context, s *State, b *Bundler) (*State, error) {
	var cfg struct {
		Ops    []any  `json:"ops"`
		Target string `json:"target"`
	}
	if err := b.Decode(&cfg); err != nil {
		return nil, err
	}
	p, err := jsonpatch.Decode(cfg.Ops)
	if err != nil {
		return nil, err
	}

	switch cfg.Target {
	case "bundle":
		if s.Data, err = jsonpatch.ApplyData(p, s.Data); err != nil {
			return nil, err
		}
	case "", "files":
		for path, f := range s.Output.All() {
			if f.Data, err = jsonpatch.ApplyData(p, f.Data); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
	default:
		return nil, fmt.Errorf("patch: unknown target %q", cfg.Target)
	}
	return s, nil
}

// output writes files below "dir". A full run writes every file; an
// incremental run writes the changed ones and deletes the removed ones.
func output(_ context.Context, s *State, b *Bundler) (*State, error) {
	var cfg struct {
		Dir string `json:"dir"`
	}
	if err := b.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		return nil, errors.New("output: missing dir")
	}
	dir := cfg.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(b.Cwd(), filepath.FromSlash(dir))
	}
	log := b.logger()

	full := len(s.Changed) == 0 && len(s.Removed) == 0
	for p, f := range s.Output.All() {
		if !full && !slices.Contains(s.Changed, p) {
			continue
		}
		target := filepath.Join(dir, filepath.FromSlash(p))
		if old, err := os.ReadFile(target); err == nil {
			if bytes.Equal(old, f.Content) {
				continue
			}
			if !f.IsBuffer() {
				log.Debugf("Updating %s:\n%s", target, textdiff.Unified(p, p, string(old), f.Text()))
			}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(target, f.Content, 0o644); err != nil {
			return nil, err
		}
	}

	for _, p := range s.Removed {
		if s.Output.Has(p) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, filepath.FromSlash(p))); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return s, nil
}

// fetch downloads "url" into output file "path", or decodes the YAML or JSON
// response into bundle data key "prop". ${VAR} references in the url and in
// header values are expanded from the environment.
func fetch(ctx context.Context, s *State, b *Bundler) (*State, error) {
	var cfg struct {
		URL         string         `json:"url"`
		Method      string         `json:"method"`
		Body        string         `json:"body"`
		Headers     map[string]any `json:"headers"`
		Credentials map[string]any `json:"credentials"`
		Path        string         `json:"path"`
		Prop        string         `json:"prop"`
	}
	if err := b.Decode(&cfg); err != nil {
		return nil, err
	}
	switch {
	case cfg.URL == "":
		return nil, errors.New("fetch: missing url")
	case cfg.Path == "" && cfg.Prop == "":
		return nil, errors.New("fetch: one of path or prop is required")
	}

	headers := make(map[string]any, len(cfg.Headers))
	for k, v := range cfg.Headers {
		if v, ok := v.(string); ok {
			headers[k] = os.ExpandEnv(v)
		}
	}
	url := os.ExpandEnv(cfg.URL)

	req := httpsync.Request{URL: url, Method: cfg.Method, Body: cfg.Body, Headers: headers}
	if cfg.Credentials != nil {
		req.Credentials = &config.Credentials{Value: cfg.Credentials}
	}
	bs, err := fetchClient.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	if cfg.Prop != "" {
		var v any
		if err := yaml.Unmarshal(bs, &v); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
		if s.Data == nil {
			s.Data = map[string]any{}
		}
		s.Data[cfg.Prop] = v
	}

	if cfg.Path != "" {
		f := &file.File{
			Source:   file.Source{Path: cfg.Path},
			Path:     cfg.Path,
			Content:  bs,
			Data:     map[string]any{},
			Encoding: file.EncodingText,
		}
		if file.IsBinary(bs) {
			f.Encoding = file.EncodingBinary
		}
		s.Output.Set(f)
		incremental := len(s.Changed) > 0 || len(s.Removed) > 0
		if incremental && !slices.Contains(s.Changed, cfg.Path) {
			s.Changed = append(s.Changed, cfg.Path)
		}
	}
	return s, nil
}
