package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast" // NB: v1 for template strings.
	"github.com/open-policy-agent/opa/v1/rego"
)

// ResolveRef expands a descriptor ref. Refs that are a single Rego expression
// calling a function or using a template string are evaluated with
// input.env holding the environment; all others have ${VAR} references
// expanded.
func ResolveRef(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}

	if query, ok := looksLikeRego(ref); ok {
		result, err := evaluateRego(ctx, query, map[string]any{"env": environ()})
		if err != nil {
			return "", fmt.Errorf("rego evaluation of ref %q failed: %w", ref, err)
		}
		return result, nil
	}

	return os.ExpandEnv(ref), nil
}

func looksLikeRego(s string) (ast.Body, bool) {
	if !strings.ContainsAny(s, `("`) {
		return nil, false
	}
	body, err := ast.ParseBody(s)
	if err != nil {
		return nil, false
	}
	return body, len(body) == 1
}

func evaluateRego(ctx context.Context, query ast.Body, input map[string]any) (string, error) {
	rs, err := rego.New(
		rego.ParsedQuery(query),
		rego.Input(input),
	).Eval(ctx)
	if err != nil {
		return "", err
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return "", errors.New("ref is undefined")
	}
	return formatValue(rs[0].Expressions[0].Value), nil
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func environ() map[string]any {
	env := map[string]any{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
