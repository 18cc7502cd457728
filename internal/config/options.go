package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/goccy/go-yaml"
)

// DefaultDebounce is the default per-path debounce applied to watcher events.
const DefaultDebounce = 100 * time.Millisecond

// Options holds the per-bundle runtime settings. A nil field means "not set"
// so that defaults, global options and bundle options can be layered with
// Merge.
type Options struct {
	Run         *Selector           `json:"run,omitempty"`
	Watch       *Selector           `json:"watch,omitempty"`
	Cwd         string              `json:"cwd,omitempty"`
	WatchFiles  StringSet           `json:"watchFiles,omitempty"`
	LogLevel    string              `json:"loglevel,omitempty"`
	Glob        *GlobOptions        `json:"glob,omitempty"`
	FrontMatter *FrontMatterOptions `json:"frontMatter,omitempty"`
	Watcher     *WatcherOptions     `json:"watcher,omitempty"`

	// Chokidar is accepted as an alias of Watcher for configs written for
	// the JavaScript tool.
	Chokidar *WatcherOptions `json:"chokidar,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type GlobOptions struct {
	Cwd    string    `json:"cwd,omitempty"`
	Dot    *bool     `json:"dot,omitempty"`
	Ignore StringSet `json:"ignore,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type FrontMatterOptions struct {
	Delimiter string `json:"delimiter,omitempty"`
	Language  string `json:"language,omitempty" enum:"yaml,json"`

	_ struct{} `additionalProperties:"false"`
}

type WatcherOptions struct {
	Cwd      string    `json:"cwd,omitempty"`
	Debounce *Duration `json:"debounce,omitempty"`
	Ignore   StringSet `json:"ignored,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// DefaultOptions returns the fully populated defaults every bundle starts from.
func DefaultOptions(cwd string) *Options {
	dot := true
	debounce := Duration(DefaultDebounce)
	return &Options{
		Run:         AllSelector(),
		Watch:       NoneSelector(),
		Cwd:         cwd,
		WatchFiles:  StringSet{},
		LogLevel:    "info",
		Glob:        &GlobOptions{Dot: &dot},
		FrontMatter: &FrontMatterOptions{Delimiter: "---", Language: "yaml"},
		Watcher:     &WatcherOptions{Debounce: &debounce},
	}
}

// MergeOptions layers the given options left to right; later values win. Nil
// entries are skipped. The result never aliases the inputs' nested structs.
func MergeOptions(layers ...*Options) *Options {
	out := &Options{}
	for _, o := range layers {
		if o == nil {
			continue
		}
		if o.Run != nil {
			out.Run = o.Run
		}
		if o.Watch != nil {
			out.Watch = o.Watch
		}
		if o.Cwd != "" {
			out.Cwd = o.Cwd
		}
		if o.WatchFiles != nil {
			out.WatchFiles = slices.Clone(o.WatchFiles)
		}
		if o.LogLevel != "" {
			out.LogLevel = o.LogLevel
		}
		if o.Glob != nil {
			out.Glob = out.Glob.merge(o.Glob)
		}
		if o.FrontMatter != nil {
			out.FrontMatter = out.FrontMatter.merge(o.FrontMatter)
		}
		if o.Chokidar != nil {
			out.Watcher = out.Watcher.merge(o.Chokidar)
		}
		if o.Watcher != nil {
			out.Watcher = out.Watcher.merge(o.Watcher)
		}
	}
	return out
}

func (g *GlobOptions) merge(other *GlobOptions) *GlobOptions {
	out := GlobOptions{}
	if g != nil {
		out = GlobOptions{Cwd: g.Cwd, Dot: g.Dot, Ignore: slices.Clone(g.Ignore)}
	}
	if other.Cwd != "" {
		out.Cwd = other.Cwd
	}
	if other.Dot != nil {
		out.Dot = other.Dot
	}
	if other.Ignore != nil {
		out.Ignore = slices.Clone(other.Ignore)
	}
	return &out
}

func (f *FrontMatterOptions) merge(other *FrontMatterOptions) *FrontMatterOptions {
	out := FrontMatterOptions{}
	if f != nil {
		out = FrontMatterOptions{Delimiter: f.Delimiter, Language: f.Language}
	}
	if other.Delimiter != "" {
		out.Delimiter = other.Delimiter
	}
	if other.Language != "" {
		out.Language = other.Language
	}
	return &out
}

func (w *WatcherOptions) merge(other *WatcherOptions) *WatcherOptions {
	out := WatcherOptions{}
	if w != nil {
		out = WatcherOptions{Cwd: w.Cwd, Debounce: w.Debounce, Ignore: slices.Clone(w.Ignore)}
	}
	if other.Cwd != "" {
		out.Cwd = other.Cwd
	}
	if other.Debounce != nil {
		out.Debounce = other.Debounce
	}
	if other.Ignore != nil {
		out.Ignore = slices.Clone(other.Ignore)
	}
	return &out
}

// GlobCwd returns the directory globs are expanded against: glob.cwd when set,
// otherwise cwd.
func (o *Options) GlobCwd() string {
	if o.Glob != nil && o.Glob.Cwd != "" {
		return o.Glob.Cwd
	}
	return o.Cwd
}

// Dot reports whether dot files are matched by globs. Defaults to true.
func (o *Options) Dot() bool {
	if o.Glob == nil || o.Glob.Dot == nil {
		return true
	}
	return *o.Glob.Dot
}

func (o *Options) Debounce() time.Duration {
	if o.Watcher == nil || o.Watcher.Debounce == nil {
		return DefaultDebounce
	}
	return time.Duration(*o.Watcher.Debounce)
}

// ShouldRun reports whether the run selector includes id. An unset selector
// runs everything.
func (o *Options) ShouldRun(id string) bool {
	if o.Run == nil {
		return true
	}
	return o.Run.Includes(id)
}

// ShouldWatch reports whether the watch selector includes id. An unset
// selector watches nothing.
func (o *Options) ShouldWatch(id string) bool {
	if o.Watch == nil {
		return false
	}
	return o.Watch.Includes(id)
}

var selectorSplit = regexp.MustCompile(`,?\s+|,`)

// Selector selects bundles by id. It is either "all", "none", or a list of id
// patterns; patterns are globs, so "docs-*" selects every bundle whose id
// starts with "docs-".
type Selector struct {
	all      bool
	patterns []string
	globs    []glob.Glob
}

func AllSelector() *Selector {
	return &Selector{all: true}
}

func NoneSelector() *Selector {
	return &Selector{}
}

// NewSelector builds a selector from id patterns.
func NewSelector(patterns ...string) (*Selector, error) {
	s := &Selector{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid bundle id pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, p)
		s.globs = append(s.globs, g)
	}
	return s, nil
}

// ParseSelector parses the string form used on the command line and in
// configs: "true"/"false", or a comma/space separated id list.
func ParseSelector(s string) (*Selector, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "true":
		return AllSelector(), nil
	case "false", "":
		return NoneSelector(), nil
	}
	return NewSelector(selectorSplit.Split(strings.TrimSpace(s), -1)...)
}

func (s *Selector) Includes(id string) bool {
	if s == nil {
		return false
	}
	if s.all {
		return true
	}
	for _, g := range s.globs {
		if g.Match(id) {
			return true
		}
	}
	return false
}

// All reports whether the selector includes every id.
func (s *Selector) All() bool {
	return s != nil && s.all
}

func (s *Selector) Patterns() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.patterns)
}

func (s *Selector) Equal(other *Selector) bool {
	return fastEqual(s, other, func(s, other *Selector) bool {
		return s.all == other.all && slices.Equal(s.patterns, other.patterns)
	})
}

func (s *Selector) String() string {
	if s.all {
		return "true"
	}
	if len(s.patterns) == 0 {
		return "false"
	}
	return strings.Join(s.patterns, ",")
}

func (s *Selector) MarshalYAML() (any, error) {
	if s.all {
		return true, nil
	}
	if len(s.patterns) == 0 {
		return false, nil
	}
	return s.patterns, nil
}

func (s *Selector) MarshalJSON() ([]byte, error) {
	v, err := s.MarshalYAML()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (s *Selector) UnmarshalYAML(bs []byte) error {
	var raw any
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode selector: %w", err)
	}
	return s.unmarshal(raw)
}

func (s *Selector) UnmarshalJSON(bs []byte) error {
	var raw any
	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode selector: %w", err)
	}
	return s.unmarshal(raw)
}

func (s *Selector) unmarshal(raw any) error {
	var parsed *Selector
	var err error
	switch v := raw.(type) {
	case nil:
		parsed = NoneSelector()
	case bool:
		parsed = NoneSelector()
		if v {
			parsed = AllSelector()
		}
	case string:
		parsed, err = ParseSelector(v)
	case []any:
		ids := make([]string, 0, len(v))
		for _, x := range v {
			ids = append(ids, fmt.Sprint(x))
		}
		parsed, err = NewSelector(ids...)
	default:
		err = fmt.Errorf("selector must be a boolean, string or list, got %T", raw)
	}
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

// Duration marshals as a string like "5m" or "0.5s" instead of int64.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val, err := time.ParseDuration(str)
	*d = Duration(val)
	return err
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	*d = Duration(val)
	return err
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

type StringSet []string

func (a StringSet) Equal(b StringSet) bool {
	return slices.Equal(a, b)
}

// UnmarshalYAML accepts a single string as a one element set.
func (a *StringSet) UnmarshalYAML(bs []byte) error {
	var raw any
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return err
	}
	return a.unmarshal(raw)
}

func (a *StringSet) UnmarshalJSON(bs []byte) error {
	var raw any
	if err := json.Unmarshal(bs, &raw); err != nil {
		return err
	}
	return a.unmarshal(raw)
}

func (a *StringSet) unmarshal(raw any) error {
	switch v := raw.(type) {
	case nil:
		*a = nil
	case string:
		*a = StringSet{v}
	case []any:
		out := make(StringSet, 0, len(v))
		for _, x := range v {
			s, ok := x.(string)
			if !ok {
				return fmt.Errorf("expected string, got %T", x)
			}
			out = append(out, s)
		}
		*a = out
	default:
		return fmt.Errorf("expected string or list of strings, got %T", raw)
	}
	return nil
}

func (o *Options) Equal(other *Options) bool {
	return fastEqual(o, other, func(o, other *Options) bool {
		return o.Run.Equal(other.Run) &&
			o.Watch.Equal(other.Watch) &&
			o.Cwd == other.Cwd &&
			o.WatchFiles.Equal(other.WatchFiles) &&
			o.LogLevel == other.LogLevel &&
			o.Glob.Equal(other.Glob) &&
			o.FrontMatter.Equal(other.FrontMatter) &&
			o.Watcher.Equal(other.Watcher) &&
			o.Chokidar.Equal(other.Chokidar)
	})
}

func (g *GlobOptions) Equal(other *GlobOptions) bool {
	return fastEqual(g, other, func(g, other *GlobOptions) bool {
		return g.Cwd == other.Cwd && ptrEqual(g.Dot, other.Dot) && g.Ignore.Equal(other.Ignore)
	})
}

func (f *FrontMatterOptions) Equal(other *FrontMatterOptions) bool {
	return fastEqual(f, other, func(f, other *FrontMatterOptions) bool {
		return f.Delimiter == other.Delimiter && f.Language == other.Language
	})
}

func (w *WatcherOptions) Equal(other *WatcherOptions) bool {
	return fastEqual(w, other, func(w, other *WatcherOptions) bool {
		return w.Cwd == other.Cwd && ptrEqual(w.Debounce, other.Debounce) && w.Ignore.Equal(other.Ignore)
	})
}

func ptrEqual[T comparable](a, b *T) bool {
	return fastEqual(a, b, func(a, b *T) bool { return *a == *b })
}

func fastEqual[V any](a, b *V, slowEqual func(a, b *V) bool) bool {
	if a == b {
		return true
	}

	if a == nil || b == nil {
		return false
	}

	return slowEqual(a, b)
}
