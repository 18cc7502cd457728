package remote

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Descriptor is a parsed remote source.
//
//	gh:acme/docs                 https://github.com/acme/docs.git
//	gh:TOKEN@acme/docs           same, authenticated with TOKEN
//	gh:acme/docs@v1.2.0          checks out tag or branch v1.2.0
//	https://host/acme/docs.git#content/**/*.md
//	git@github.com:acme/docs.git@main#content
//
// A ref follows the last path segment after "@". Everything after "#" is a
// directory or glob inside the checkout.
type Descriptor struct {
	URL   string
	User  string
	Repo  string
	Ref   string
	Path  string
	Token string
}

func (d Descriptor) String() string {
	s := d.URL
	if d.Ref != "" {
		s += "@" + d.Ref
	}
	if d.Path != "" {
		s += "#" + d.Path
	}
	return s
}

// Dir is the checkout directory relative to the working directory.
func (d Descriptor) Dir() string {
	name := d.Repo
	if d.Ref != "" {
		name += "@" + d.Ref
	}
	return path.Join(".repos", d.User, name)
}

// Pattern is the glob to expand inside the checkout.
func (d Descriptor) Pattern() string {
	if d.Path == "" {
		return "**"
	}
	return d.Path
}

var errInvalid = errors.New("invalid remote source")

func Parse(s string) (Descriptor, error) {
	var d Descriptor

	rest, fragment, _ := strings.Cut(s, "#")
	d.Path = strings.Trim(fragment, "/")

	// A ref is an "@" after the final "/".
	if slash := strings.LastIndexAny(rest, "/:"); slash >= 0 {
		if at := strings.LastIndex(rest, "@"); at > slash {
			d.Ref = rest[at+1:]
			rest = rest[:at]
		}
	}

	switch {
	case strings.HasPrefix(rest, "gh:"):
		repo := strings.TrimPrefix(rest, "gh:")
		if token, r, ok := strings.Cut(repo, "@"); ok {
			d.Token, repo = token, r
		}
		user, name, ok := strings.Cut(strings.TrimSuffix(repo, ".git"), "/")
		if !ok || user == "" || name == "" || strings.Contains(name, "/") {
			return Descriptor{}, fmt.Errorf("%w %q: expected gh:user/repo", errInvalid, s)
		}
		d.User, d.Repo = user, name
		d.URL = "https://github.com/" + user + "/" + name + ".git"

	case strings.HasPrefix(rest, "https://"), strings.HasPrefix(rest, "http://"), strings.HasPrefix(rest, "ssh://"):
		_, after, _ := strings.Cut(rest, "://")
		_, p, ok := strings.Cut(after, "/")
		if !ok {
			return Descriptor{}, fmt.Errorf("%w %q: missing repository path", errInvalid, s)
		}
		if err := d.setRepo(p); err != nil {
			return Descriptor{}, fmt.Errorf("%w %q: %v", errInvalid, s, err)
		}
		d.URL = rest

	case strings.HasPrefix(rest, "git@"):
		_, p, ok := strings.Cut(rest, ":")
		if !ok {
			return Descriptor{}, fmt.Errorf("%w %q: expected git@host:user/repo", errInvalid, s)
		}
		if err := d.setRepo(p); err != nil {
			return Descriptor{}, fmt.Errorf("%w %q: %v", errInvalid, s, err)
		}
		d.URL = rest

	default:
		return Descriptor{}, fmt.Errorf("%w %q", errInvalid, s)
	}

	return d, nil
}

func (d *Descriptor) setRepo(p string) error {
	p = strings.TrimSuffix(strings.Trim(p, "/"), ".git")
	if p == "" {
		return errors.New("missing repository name")
	}
	d.Repo = path.Base(p)
	if dir := path.Dir(p); dir != "." {
		d.User = path.Base(dir)
	}
	return nil
}
