package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/swaggest/jsonschema-go"
)

type InputKind int

const (
	// InputInvalid inputs resolve to no files.
	InputInvalid InputKind = iota
	InputPath
	InputInline
	InputRemote
)

func (k InputKind) String() string {
	switch k {
	case InputPath:
		return "path"
	case InputInline:
		return "inline"
	case InputRemote:
		return "remote"
	default:
		return "invalid"
	}
}

// Input is one entry of a bundle's input list. It is decided once at parse
// time to be a path or glob, inline content, or a remote source descriptor.
type Input struct {
	Kind InputKind

	// Path is the glob for InputPath and the file path for InputInline.
	Path    string
	Content string
	Data    map[string]any

	// Remote is the source descriptor for InputRemote, for example
	// "gh:acme/docs@main#content".
	Remote      string
	Credentials *Credentials

	raw any
}

// IsRemote reports whether s uses one of the remote source syntaxes.
func IsRemote(s string) bool {
	for _, prefix := range []string{"gh:", "https://", "http://", "git@", "ssh://"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// PathInput returns a path input, or a remote input when s uses a remote
// syntax.
func PathInput(s string) Input {
	if IsRemote(s) {
		return Input{Kind: InputRemote, Remote: s, raw: s}
	}
	return Input{Kind: InputPath, Path: s, raw: s}
}

func InlineInput(path, content string) Input {
	return Input{Kind: InputInline, Path: path, Content: content, raw: map[string]any{"path": path, "content": content}}
}

// String identifies the input in logs and in a bundle's input map.
func (i Input) String() string {
	switch i.Kind {
	case InputPath:
		return i.Path
	case InputInline:
		return "inline:" + i.Path
	case InputRemote:
		return i.Remote
	default:
		return fmt.Sprintf("invalid:%v", i.raw)
	}
}

func (i Input) Equal(other Input) bool {
	return i.Kind == other.Kind &&
		i.Path == other.Path &&
		i.Content == other.Content &&
		i.Remote == other.Remote &&
		i.Credentials.Equal(other.Credentials)
}

func (i Input) MarshalYAML() (any, error) {
	switch i.Kind {
	case InputPath:
		return i.Path, nil
	case InputRemote:
		if i.Credentials == nil {
			return i.Remote, nil
		}
		return map[string]any{"remote": i.Remote, "credentials": i.Credentials.Value}, nil
	case InputInline:
		m := map[string]any{"path": i.Path, "content": i.Content}
		if len(i.Data) > 0 {
			m["data"] = i.Data
		}
		return m, nil
	}
	return i.raw, nil
}

func (i Input) MarshalJSON() ([]byte, error) {
	v, err := i.MarshalYAML()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (i *Input) UnmarshalYAML(bs []byte) error {
	var raw any
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode input: %w", err)
	}
	*i = inputFrom(raw)
	return nil
}

func inputFrom(raw any) Input {
	switch v := raw.(type) {
	case string:
		return PathInput(v)
	case map[string]any:
		if remote, ok := v["remote"].(string); ok {
			in := Input{Kind: InputRemote, Remote: remote, raw: raw}
			if creds, ok := v["credentials"].(map[string]any); ok {
				in.Credentials = &Credentials{Value: creds}
			}
			return in
		}
		path, okPath := v["path"].(string)
		content, okContent := v["content"]
		if !okPath || path == "" || !okContent {
			return Input{Kind: InputInvalid, raw: raw}
		}
		in := Input{Kind: InputInline, Path: path, raw: raw}
		if content != nil {
			in.Content = fmt.Sprint(content)
		}
		if data, ok := v["data"].(map[string]any); ok {
			in.Data = data
		}
		return in
	}
	return Input{Kind: InputInvalid, raw: raw}
}

// Inputs accepts a single input or a list of inputs.
type Inputs []Input

func (*Inputs) PrepareJSONSchema(schema *jsonschema.Schema) error {
	str := jsonschema.String.ToSchemaOrBool()
	obj := jsonschema.Object.ToSchemaOrBool()

	arr := jsonschema.Array.ToSchemaOrBool()
	arr.TypeObject.ItemsEns().SchemaOrBool = &jsonschema.SchemaOrBool{
		TypeObject: (&jsonschema.Schema{}).WithAnyOf(str, obj),
	}

	schema.Type = nil
	schema.Items = nil
	schema.WithAnyOf(str, obj, arr)
	return nil
}

func (a *Inputs) UnmarshalYAML(bs []byte) error {
	var raw any
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode input: %w", err)
	}
	return a.unmarshal(raw)
}

func (a *Inputs) UnmarshalJSON(bs []byte) error {
	var raw any
	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode input: %w", err)
	}
	return a.unmarshal(raw)
}

func (a *Inputs) unmarshal(raw any) error {
	switch v := raw.(type) {
	case nil:
		*a = nil
	case []any:
		out := make(Inputs, 0, len(v))
		for _, x := range v {
			out = append(out, inputFrom(x))
		}
		*a = out
	default:
		*a = Inputs{inputFrom(v)}
	}
	return nil
}

func (a Inputs) Equal(b Inputs) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
