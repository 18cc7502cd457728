package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/swaggest/jsonschema-go"
)

var wellknownFingerprints = []string{
	"SHA256:uNiVztksCsDhcc0u9e8BujQXVUpKZIDTMczCvj3tD2s", // github.com https://docs.github.com/en/github/authenticating-to-github/githubs-ssh-key-fingerprints
	"SHA256:p2QAMXNIC1TJYWeIOttrVc98/R1BUFWu3/LiyKgUfQM", // github.com
	"SHA256:+DiY3wvvV6TuJJhbpZisF/zLDA0zPMSvHdkr4UvCOqU", // github.com
	"SHA256:zzXQOXSRBEiUtuE8AikJYKwbHaxvSc0ojez9YXaGp1A", // bitbucket.org
}

// Credentials authenticate a remote input. They are stored as a map of
// key-value pairs with a "type" key, for example (in YAML):
//
//	input:
//	  - remote: https://github.com/acme/docs.git
//	    credentials:
//	      type: basic_auth
//	      username: bob
//	      password: ${DOCS_TOKEN}
//
// String values may refer to environment variables using the ${VAR_NAME}
// syntax.
//
// Supported types:
//
//   - "basic_auth": "username", "password" and optional "headers".
//   - "token_auth": "token" (sent as a bearer token).
//   - "ssh_key": "key" (PEM), optional "passphrase" and "fingerprints".
//   - "github_app_auth": "integration_id", "installation_id" and "private_key" (path to PEM).
type Credentials struct {
	Value map[string]any `json:"-"`
}

func (*Credentials) PrepareJSONSchema(schema *jsonschema.Schema) error {
	schema.Type = nil
	schema.AddType(jsonschema.Object)
	return nil
}

func (c *Credentials) MarshalYAML() (any, error) {
	if len(c.Value) == 0 {
		return map[string]any{}, nil
	}
	return c.Value, nil
}

func (c *Credentials) MarshalJSON() ([]byte, error) {
	v, err := c.MarshalYAML()
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func (c *Credentials) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &c.Value); err != nil {
		return fmt.Errorf("expected mapping node: %w", err)
	}
	return nil
}

func (c *Credentials) UnmarshalJSON(bs []byte) error {
	return json.Unmarshal(bs, &c.Value)
}

func (c *Credentials) Equal(other *Credentials) bool {
	return fastEqual(c, other, func(c, other *Credentials) bool {
		return reflect.DeepEqual(c.Value, other.Value)
	})
}

// Typed returns one of the Credentials* structs matching the "type" key,
// with ${VAR} references in string values resolved.
func (c *Credentials) Typed() (any, error) {
	if len(c.Value) == 0 {
		return nil, errors.New("credentials are not configured")
	}

	m := make(map[string]any, len(c.Value))
	for k, v := range c.Value {
		if s, ok := v.(string); ok {
			v = os.ExpandEnv(s)
		}
		m[k] = v
	}

	switch kind, _ := m["type"].(string); kind {
	case "basic_auth":
		return decodeAs[CredentialsBasicAuth](m, nil)
	case "token_auth":
		return decodeAs(m, func(v *CredentialsTokenAuth) error {
			if v.Token == "" {
				return errors.New("missing token in token_auth credentials")
			}
			return nil
		})
	case "ssh_key":
		return decodeAs(m, func(v *CredentialsSSHKey) error {
			if v.Key == "" {
				return errors.New("missing key in ssh_key credentials")
			}
			if len(v.Fingerprints) == 0 {
				v.Fingerprints = wellknownFingerprints
			}
			return nil
		})
	case "github_app_auth":
		return decodeAs[CredentialsGitHubApp](m, nil)
	default:
		return nil, fmt.Errorf("unknown credentials type %q", c.Value["type"])
	}
}

func decodeAs[T any](m map[string]any, check func(*T) error) (any, error) {
	var value T
	if err := decode(m, &value); err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(&value); err != nil {
			return nil, err
		}
	}
	return value, nil
}

type CredentialsBasicAuth struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Headers  []string `json:"headers,omitempty"` // "Header-Name: value"
}

// SetAuth sets basic auth and the extra headers on r. Headers without a
// colon are skipped.
func (c CredentialsBasicAuth) SetAuth(r *http.Request) {
	r.SetBasicAuth(c.Username, c.Password)
	for _, header := range c.Headers {
		if name, value, ok := strings.Cut(header, ":"); ok {
			r.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
}

type CredentialsTokenAuth struct {
	Token string `json:"token"`
}

type CredentialsSSHKey struct {
	Key          string   `json:"key"` // Private key as PEM.
	Passphrase   string   `json:"passphrase,omitempty"`
	Fingerprints []string `json:"fingerprints,omitempty"`
}

type CredentialsGitHubApp struct {
	IntegrationID  int64  `json:"integration_id"`
	InstallationID int64  `json:"installation_id"`
	PrivateKey     string `json:"private_key"` // Path to the private key PEM file.
}

// decode reads m into out by json tag, converting weakly typed values such
// as "42" for an int64 field.
func decode(m map[string]any, out any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return d.Decode(m)
}
