package remote

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-cmp/cmp"

	"github.com/bundlesdev/bundles/internal/config"
)

func TestParse(t *testing.T) {
	tests := []struct {
		note    string
		input   string
		exp     Descriptor
		dir     string
		pattern string
		err     bool
	}{
		{
			note:    "github shorthand",
			input:   "gh:acme/docs",
			exp:     Descriptor{URL: "https://github.com/acme/docs.git", User: "acme", Repo: "docs"},
			dir:     ".repos/acme/docs",
			pattern: "**",
		},
		{
			note:    "github shorthand with token and ref",
			input:   "gh:s3cr3t@acme/docs@v1.2.0",
			exp:     Descriptor{URL: "https://github.com/acme/docs.git", User: "acme", Repo: "docs", Ref: "v1.2.0", Token: "s3cr3t"},
			dir:     ".repos/acme/docs@v1.2.0",
			pattern: "**",
		},
		{
			note:    "https with sub directory",
			input:   "https://example.com/acme/docs.git#content/",
			exp:     Descriptor{URL: "https://example.com/acme/docs.git", User: "acme", Repo: "docs", Path: "content"},
			dir:     ".repos/acme/docs",
			pattern: "content",
		},
		{
			note:    "ssh with ref and glob",
			input:   "git@github.com:acme/docs.git@main#**/*.md",
			exp:     Descriptor{URL: "git@github.com:acme/docs.git", User: "acme", Repo: "docs", Ref: "main", Path: "**/*.md"},
			dir:     ".repos/acme/docs@main",
			pattern: "**/*.md",
		},
		{
			note:  "github shorthand without repo",
			input: "gh:acme",
			err:   true,
		},
		{
			note:  "not remote",
			input: "docs/*.md",
			err:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			d, err := Parse(tc.input)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error, got %+v", d)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.exp, d); diff != "" {
				t.Fatalf("unexpected descriptor (-want, +got):\n%s", diff)
			}
			if d.Dir() != tc.dir {
				t.Errorf("expected dir %q, got %q", tc.dir, d.Dir())
			}
			if d.Pattern() != tc.pattern {
				t.Errorf("expected pattern %q, got %q", tc.pattern, d.Pattern())
			}
		})
	}
}

func TestResolverCachesCheckouts(t *testing.T) {
	r := NewResolver(4)

	var calls []string
	var auths []transport.AuthMethod
	r.syncFn = func(_ context.Context, dir string, d Descriptor, auth transport.AuthMethod) error {
		calls = append(calls, dir)
		auths = append(auths, auth)
		return nil
	}

	cwd := t.TempDir()
	in := config.Input{Kind: config.InputRemote, Remote: "gh:tok@acme/docs#guides"}

	for range 2 {
		dir, pattern, err := r.Resolve(t.Context(), in, cwd)
		if err != nil {
			t.Fatal(err)
		}
		if exp := filepath.Join(cwd, ".repos", "acme", "docs"); dir != exp {
			t.Fatalf("expected dir %q, got %q", exp, dir)
		}
		if pattern != "guides" {
			t.Fatalf("expected pattern guides, got %q", pattern)
		}
	}

	if len(calls) != 1 {
		t.Fatalf("expected one checkout, got %d", len(calls))
	}
	if diff := cmp.Diff(&http.BasicAuth{Username: "x-access-token", Password: "tok"}, auths[0]); diff != "" {
		t.Fatalf("unexpected auth (-want, +got):\n%s", diff)
	}

	r.Purge()
	if _, _, err := r.Resolve(t.Context(), in, cwd); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected a second checkout after purge, got %d", len(calls))
	}
}

func TestResolverCredentials(t *testing.T) {
	t.Setenv("DOCS_TOKEN", "passw0rd")

	r := NewResolver(1)
	var got transport.AuthMethod
	r.syncFn = func(_ context.Context, _ string, _ Descriptor, auth transport.AuthMethod) error {
		got = auth
		return nil
	}

	in := config.Input{
		Kind:   config.InputRemote,
		Remote: "https://example.com/acme/docs.git",
		Credentials: &config.Credentials{Value: map[string]any{
			"type":  "token_auth",
			"token": "${DOCS_TOKEN}",
		}},
	}
	if _, _, err := r.Resolve(t.Context(), in, t.TempDir()); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(&http.TokenAuth{Token: "passw0rd"}, got); diff != "" {
		t.Fatalf("unexpected auth (-want, +got):\n%s", diff)
	}
}

func TestAuth(t *testing.T) {
	t.Setenv("GH_TOKEN", "ghp_x")

	tests := []struct {
		note  string
		d     Descriptor
		creds map[string]any
		exp   transport.AuthMethod
		err   bool
	}{
		{
			note: "no credentials",
		},
		{
			note: "github token in descriptor",
			d:    Descriptor{Token: "${GH_TOKEN}"},
			exp:  &http.BasicAuth{Username: "x-access-token", Password: "ghp_x"},
		},
		{
			note:  "basic auth with headers",
			d:     Descriptor{Token: "ignored"},
			creds: map[string]any{"type": "basic_auth", "username": "u", "password": "p", "headers": []any{"X-Team: docs"}},
			exp: &basicAuth{config.CredentialsBasicAuth{
				Username: "u",
				Password: "p",
				Headers:  []string{"X-Team: docs"},
			}},
		},
		{
			note:  "ssh key without fingerprints",
			creds: map[string]any{"type": "ssh_key", "key": "not a key"},
			err:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			var creds *config.Credentials
			if tc.creds != nil {
				creds = &config.Credentials{Value: tc.creds}
			}
			got, err := NewResolver(1).auth(t.Context(), tc.d, creds)
			if tc.err {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.exp, got); diff != "" {
				t.Fatalf("unexpected auth (-want, +got):\n%s", diff)
			}
		})
	}
}
