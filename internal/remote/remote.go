// Package remote makes remote git sources available as local checkouts below
// <cwd>/.repos. An existing checkout of the same descriptor is updated in
// place instead of cloned again.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/transport"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bundlesdev/bundles/internal/config"
	"github.com/bundlesdev/bundles/internal/logging"
	"github.com/bundlesdev/bundles/internal/metrics"
)

// markerFile tracks which repository and ref a checkout holds, so that a
// checkout can be re-used or must be wiped.
const markerFile = "bundlesremote"

// DefaultCacheSize bounds the number of checkouts remembered per process.
const DefaultCacheSize = 128

func init() {
	// For Azure DevOps compatibility. More details: https://github.com/go-git/go-git/issues/64
	transport.UnsupportedCapabilities = []capability.Capability{
		capability.ThinPack,
	}
}

// Resolver clones remote sources and remembers the checkouts it made, so a
// descriptor shared by several bundles is fetched once per process.
type Resolver struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, string]
	log    *logging.Logger
	apps   appTokens
	syncFn func(ctx context.Context, dir string, d Descriptor, auth transport.AuthMethod) error
}

func NewResolver(size int) *Resolver {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		panic(err) // only fails for non-positive sizes
	}
	r := &Resolver{cache: cache}
	r.syncFn = r.sync
	return r
}

func (r *Resolver) WithLogger(log *logging.Logger) *Resolver {
	r.log = log
	return r
}

// Resolve implements file.RemoteResolver.
func (r *Resolver) Resolve(ctx context.Context, in config.Input, cwd string) (string, string, error) {
	d, err := Parse(in.Remote)
	if err != nil {
		return "", "", err
	}
	if d.Ref, err = ResolveRef(ctx, d.Ref); err != nil {
		return "", "", err
	}

	dir := filepath.Join(cwd, filepath.FromSlash(d.Dir()))
	key := d.URL + "@" + d.Ref + "|" + dir

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cache.Get(key); ok {
		return dir, d.Pattern(), nil
	}

	auth, err := r.auth(ctx, d, in.Credentials)
	if err != nil {
		return "", "", fmt.Errorf("remote source %s: %w", d, err)
	}

	start := time.Now()
	r.log.Infof("Fetching %s...", d)
	if err := r.syncFn(ctx, dir, d, auth); err != nil {
		metrics.RemoteSyncFailed(d.URL)
		return "", "", fmt.Errorf("remote source %s: %w", d, err)
	}
	metrics.RemoteSyncSucceeded(d.URL, start)

	r.cache.Add(key, dir)
	return dir, d.Pattern(), nil
}

// Purge forgets every checkout so the next Resolve fetches again.
func (r *Resolver) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
}

type marker struct {
	URL    string `json:"url"`
	Ref    string `json:"ref,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// sync clones the repository into dir, or fetches into an existing clone of
// the same URL and ref, and checks out the requested ref.
func (*Resolver) sync(ctx context.Context, dir string, d Descriptor, auth transport.AuthMethod) error {
	markerPath := filepath.Join(dir, ".git", markerFile)

	var m marker
	if data, err := os.ReadFile(markerPath); err == nil {
		if err := json.Unmarshal(data, &m); err != nil || m.URL != d.URL || m.Ref != d.Ref {
			if err := os.RemoveAll(dir); err != nil {
				return err
			}
			m = marker{}
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	repository, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) { // does not exist? clone it
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		repository, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:               d.URL,
			Auth:              auth,
			RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
			NoCheckout:        true, // We will checkout later
		})
		if err != nil {
			return err
		}

		m = marker{URL: d.URL, Ref: d.Ref}
		if head, err := repository.Head(); err == nil && head.Name().IsBranch() {
			m.Branch = head.Name().Short()
		}
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := os.WriteFile(markerPath, data, 0644); err != nil {
			return err
		}
	} else if err != nil { // other errors are bubbled up
		return err
	}

	w, err := repository.Worktree()
	if err != nil {
		return err
	}

	remote := "origin"
	if err := repository.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		Auth:       auth,
		Force:      true,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/refs/heads/*", remote)),
			gitconfig.RefSpec(fmt.Sprintf("+refs/tags/*:refs/remotes/%s/refs/tags/*", remote)),
		},
	}); err != nil && err != git.NoErrAlreadyUpToDate {
		return err
	}

	hash, err := target(repository, remote, d.Ref, m.Branch)
	if err != nil {
		return err
	}

	return w.Checkout(&git.CheckoutOptions{
		Force: true, // Discard any local changes
		Hash:  hash,
	})
}

// target resolves ref, or the default branch when ref is empty, against the
// fetched remote references. Full commit hashes are accepted as is.
func target(repository *git.Repository, remote, ref, branch string) (plumbing.Hash, error) {
	name := ref
	if name == "" {
		name = branch
	}

	if name != "" {
		for _, candidate := range []string{
			fmt.Sprintf("refs/remotes/%s/refs/heads/%s", remote, name),
			fmt.Sprintf("refs/remotes/%s/refs/tags/%s", remote, name),
		} {
			r, err := repository.Reference(plumbing.ReferenceName(candidate), true)
			if err == nil {
				if tag, err := repository.TagObject(r.Hash()); err == nil { // annotated tag
					return tag.Target, nil
				}
				return r.Hash(), nil
			}
		}
		if plumbing.IsHash(name) {
			return plumbing.NewHash(name), nil
		}
		return plumbing.ZeroHash, fmt.Errorf("unknown reference %q", name)
	}

	head, err := repository.Head()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return head.Hash(), nil
}
