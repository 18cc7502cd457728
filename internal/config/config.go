package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/swaggest/jsonschema-go"
)

// Configuration data structures for the bundles pipeline.

var (
	// ErrInvalidBundles is returned when the bundles value is neither a list,
	// a dictionary of bundles nor a single bundle.
	ErrInvalidBundles = errors.New("bundles must be a list, a dictionary or a single bundle")
)

// Root is the top-level configuration structure.
type Root struct {
	Bundles Bundles  `json:"bundles,omitempty"`
	Options *Options `json:"options,omitempty"`
	Data    *Data    `json:"data,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// rootKeys are the keys that mark a document as a full Root. Any other
// document is taken to be the bundles value itself.
var rootKeys = []string{"bundles", "options", "data"}

// Canonical wraps doc in {bundles: doc} unless it already is a Root shaped
// mapping.
func Canonical(doc any) any {
	if m, ok := doc.(map[string]any); ok {
		for _, key := range rootKeys {
			if _, ok := m[key]; ok {
				return doc
			}
		}
	}
	if doc == nil {
		return map[string]any{}
	}
	return map[string]any{"bundles": doc}
}

// UnmarshalYAML implements the yaml.BytesUnmarshaler interface for the Root
// struct. Documents that are not Root shaped are decoded as the bundles value.
func (r *Root) UnmarshalYAML(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing

	var doc any
	if err := yaml.Unmarshal(bs, &doc); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	if !reflect.DeepEqual(Canonical(doc), doc) {
		var bundles Bundles
		if err := yaml.Unmarshal(bs, &bundles); err != nil {
			return err
		}
		*r = Root{Bundles: bundles}
		return nil
	}

	var raw rawRoot
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	return nil
}

// Validate checks data against the embedded configuration schema.
func Validate(data []byte) error {
	var config any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}

	return rootSchema.Validate(Canonical(config))
}

// BundleID is a bundle identifier. Numeric ids are accepted and kept in their
// decimal form.
type BundleID string

func (*BundleID) PrepareJSONSchema(schema *jsonschema.Schema) error {
	schema.Type = nil
	schema.AddType(jsonschema.String)
	schema.AddType(jsonschema.Number)
	return nil
}

func (id *BundleID) UnmarshalYAML(bs []byte) error {
	var raw any
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*id = ""
	case string:
		*id = BundleID(v)
	case float64:
		*id = BundleID(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		*id = BundleID(fmt.Sprint(v))
	}
	return nil
}

// Bundle is the configuration of one bundle.
type Bundle struct {
	ID       BundleID     `json:"id,omitempty"`
	Input    Inputs       `json:"input,omitempty"`
	Bundlers BundlerSpecs `json:"bundlers,omitempty"`
	Options  *Options     `json:"options,omitempty"`
	Data     *Data        `json:"data,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

func (b *Bundle) Equal(other *Bundle) bool {
	return fastEqual(b, other, func(b, other *Bundle) bool {
		return b.ID == other.ID &&
			b.Input.Equal(other.Input) &&
			b.Bundlers.Equal(other.Bundlers) &&
			b.Options.Equal(other.Options) &&
			b.Data.Equal(other.Data)
	})
}

// looksLikeBundle reports whether a mapping is a single bundle rather than a
// dictionary of bundles.
func looksLikeBundle(m map[string]any) bool {
	_, hasInput := m["input"]
	_, hasBundlers := m["bundlers"]
	return hasInput || hasBundlers
}

// Bundles accepts a list of bundles, a dictionary of bundles keyed by id (in
// document order), or a single bundle.
type Bundles []*Bundle

func (*Bundles) PrepareJSONSchema(schema *jsonschema.Schema) error {
	bundle := (&jsonschema.Schema{}).WithRef("#/definitions/ConfigBundle").ToSchemaOrBool()

	arr := jsonschema.Array.ToSchemaOrBool()
	arr.TypeObject.ItemsEns().SchemaOrBool = &bundle

	dict := jsonschema.Object.ToSchemaOrBool()
	dict.TypeObject.AdditionalProperties = &bundle

	schema.Type = nil
	schema.Items = nil
	schema.WithAnyOf(arr, bundle, dict)
	return nil
}

func (a *Bundles) UnmarshalYAML(bs []byte) error {
	var raw any
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode bundles: %w", err)
	}

	switch v := raw.(type) {
	case nil:
		*a = nil
		return nil

	case []any:
		var list []*Bundle
		if err := yaml.Unmarshal(bs, &list); err != nil {
			return fmt.Errorf("failed to decode bundles: %w", err)
		}
		*a = list
		return nil

	case map[string]any:
		if looksLikeBundle(v) {
			var b Bundle
			if err := yaml.Unmarshal(bs, &b); err != nil {
				return fmt.Errorf("failed to decode bundle: %w", err)
			}
			*a = Bundles{&b}
			return nil
		}

		var items yaml.MapSlice
		if err := yaml.Unmarshal(bs, &items); err != nil {
			return fmt.Errorf("failed to decode bundles: %w", err)
		}

		out := make(Bundles, 0, len(items))
		for _, item := range items {
			key := fmt.Sprint(item.Key)
			if _, ok := item.Value.(map[string]any); !ok && item.Value != nil {
				return fmt.Errorf("bundle %q: %w", key, ErrInvalidBundles)
			}
			value, err := yaml.Marshal(item.Value)
			if err != nil {
				return fmt.Errorf("bundle %q: %w", key, err)
			}
			var b Bundle
			if err := yaml.Unmarshal(value, &b); err != nil {
				return fmt.Errorf("bundle %q: %w", key, err)
			}
			if b.ID == "" {
				b.ID = BundleID(key)
			}
			out = append(out, &b)
		}
		*a = out
		return nil
	}

	return ErrInvalidBundles
}

func (a Bundles) Equal(b Bundles) bool {
	return slices.EqualFunc(a, b, (*Bundle).Equal)
}

// BundlerSpec references a bundler by module name or path, with arbitrary
// extra configuration that travels with the bundler:
//
//	bundlers:
//	  - append
//	  - run: prop
//	    prop: title
//	    value: Hello
//	  - run: ./transforms/toc.rego
type BundlerSpec struct {
	Run    string
	Config map[string]any

	// Invalid holds the raw value of a spec that is neither a string nor
	// an object with a string "run" key. Such specs yield invalid bundlers.
	Invalid any
}

func (s BundlerSpec) IsValid() bool {
	return s.Run != "" && s.Invalid == nil
}

func (s BundlerSpec) Equal(other BundlerSpec) bool {
	return s.Run == other.Run &&
		reflect.DeepEqual(s.Config, other.Config) &&
		reflect.DeepEqual(s.Invalid, other.Invalid)
}

func (s BundlerSpec) String() string {
	if s.Invalid != nil {
		return fmt.Sprintf("%v", s.Invalid)
	}
	return s.Run
}

func (*BundlerSpec) PrepareJSONSchema(schema *jsonschema.Schema) error {
	str := jsonschema.String.ToSchemaOrBool()

	obj := jsonschema.Object.ToSchemaOrBool()
	obj.TypeObject.WithRequired("run")

	schema.Type = nil
	schema.WithAnyOf(str, obj)
	return nil
}

func (s BundlerSpec) MarshalYAML() (any, error) {
	if s.Invalid != nil {
		return s.Invalid, nil
	}
	if len(s.Config) == 0 {
		return s.Run, nil
	}
	m := maps.Clone(s.Config)
	m["run"] = s.Run
	return m, nil
}

func (s BundlerSpec) MarshalJSON() ([]byte, error) {
	v, err := s.MarshalYAML()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (s *BundlerSpec) UnmarshalYAML(bs []byte) error {
	var raw any
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode bundler: %w", err)
	}
	*s = bundlerSpecFrom(raw)
	return nil
}

func bundlerSpecFrom(raw any) BundlerSpec {
	switch v := raw.(type) {
	case string:
		if v != "" {
			return BundlerSpec{Run: v}
		}
	case map[string]any:
		run, ok := v["run"].(string)
		if !ok {
			run, ok = v["transform"].(string)
		}
		if ok && run != "" {
			config := maps.Clone(v)
			delete(config, "run")
			delete(config, "transform")
			return BundlerSpec{Run: run, Config: config}
		}
	}
	if raw == nil {
		raw = "<nil>"
	}
	return BundlerSpec{Invalid: raw}
}

type BundlerSpecs []BundlerSpec

func (a BundlerSpecs) Equal(b BundlerSpecs) bool {
	return slices.EqualFunc(a, b, BundlerSpec.Equal)
}

// Data is either an inline object or the path of a YAML or JSON file holding
// one.
type Data struct {
	Values map[string]any
	File   string
}

func (*Data) PrepareJSONSchema(schema *jsonschema.Schema) error {
	schema.Type = nil
	schema.AddType(jsonschema.Object)
	schema.AddType(jsonschema.String)
	return nil
}

func (d *Data) Equal(other *Data) bool {
	return fastEqual(d, other, func(d, other *Data) bool {
		return d.File == other.File && reflect.DeepEqual(d.Values, other.Values)
	})
}

func (d *Data) MarshalYAML() (any, error) {
	if d.File != "" {
		return d.File, nil
	}
	return d.Values, nil
}

func (d *Data) MarshalJSON() ([]byte, error) {
	v, err := d.MarshalYAML()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (d *Data) UnmarshalYAML(bs []byte) error {
	var raw any
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	switch v := raw.(type) {
	case nil:
		*d = Data{}
	case string:
		*d = Data{File: v}
	case map[string]any:
		*d = Data{Values: v}
	default:
		return fmt.Errorf("data must be an object or a file path, got %T", raw)
	}
	return nil
}

// Load returns the data values, reading File relative to cwd when set. The
// second return value is the absolute path of the data file, if any.
func (d *Data) Load(cwd string) (map[string]any, string, error) {
	if d == nil {
		return nil, "", nil
	}
	if d.File == "" {
		return d.Values, "", nil
	}

	path := d.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to read data file %s: %w", path, err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(bs, &values); err != nil {
		return nil, path, fmt.Errorf("failed to decode data file %s: %w", path, err)
	}

	return values, path, nil
}

func ParseFile(filename string) (root *Root, err error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	return Parse(bs)
}

func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}

	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &root, nil
}
