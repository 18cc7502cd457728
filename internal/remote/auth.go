package remote

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"slices"
	"sync"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/bundlesdev/bundles/internal/config"
)

// tokenUser is the user name GitHub expects with installation and personal
// access tokens.
const tokenUser = "x-access-token"

// auth picks the transport auth for d. Explicit credentials take precedence
// over a token embedded in a gh: descriptor; nil leaves go-git to its
// defaults, which means the ssh agent for git@ remotes.
func (r *Resolver) auth(ctx context.Context, d Descriptor, creds *config.Credentials) (transport.AuthMethod, error) {
	if creds == nil {
		if d.Token == "" {
			return nil, nil
		}
		return &githttp.BasicAuth{Username: tokenUser, Password: os.ExpandEnv(d.Token)}, nil
	}

	typed, err := creds.Typed()
	if err != nil {
		return nil, err
	}

	switch c := typed.(type) {
	case config.CredentialsBasicAuth:
		return &basicAuth{c}, nil
	case config.CredentialsTokenAuth:
		return &githttp.TokenAuth{Token: c.Token}, nil
	case config.CredentialsGitHubApp:
		token, err := r.apps.token(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("github app %d: %w", c.IntegrationID, err)
		}
		return &githttp.BasicAuth{Username: tokenUser, Password: token}, nil
	case config.CredentialsSSHKey:
		return sshAuth(c)
	default:
		return nil, fmt.Errorf("unsupported credentials type for git: %T", typed)
	}
}

type appKey struct {
	integrationID  int64
	installationID int64
	privateKey     string
}

// appTokens keeps one installation transport per GitHub App, so tokens are
// reused until they expire.
type appTokens struct {
	mu         sync.Mutex
	transports map[appKey]*ghinstallation.Transport
}

func (a *appTokens) token(ctx context.Context, c config.CredentialsGitHubApp) (string, error) {
	pem, err := os.ReadFile(c.PrivateKey)
	if err != nil {
		return "", err
	}
	key := appKey{c.IntegrationID, c.InstallationID, string(pem)}

	a.mu.Lock()
	tr, ok := a.transports[key]
	if !ok {
		tr, err = ghinstallation.New(http.DefaultTransport, c.IntegrationID, c.InstallationID, pem)
		if err != nil {
			a.mu.Unlock()
			return "", err
		}
		if a.transports == nil {
			a.transports = map[appKey]*ghinstallation.Transport{}
		}
		a.transports[key] = tr
	}
	a.mu.Unlock()

	return tr.Token(ctx)
}

// sshAuth authenticates as git with the given key and only accepts hosts
// whose key matches one of the fingerprints.
func sshAuth(c config.CredentialsSSHKey) (*gitssh.PublicKeys, error) {
	if len(c.Fingerprints) == 0 {
		return nil, fmt.Errorf("ssh_key credentials need at least one host fingerprint")
	}

	parse := func() (ssh.Signer, error) { return ssh.ParsePrivateKey([]byte(c.Key)) }
	if c.Passphrase != "" {
		parse = func() (ssh.Signer, error) {
			return ssh.ParsePrivateKeyWithPassphrase([]byte(c.Key), []byte(c.Passphrase))
		}
	}
	signer, err := parse()
	if err != nil {
		return nil, fmt.Errorf("ssh key: %w", err)
	}

	return &gitssh.PublicKeys{
		User:   "git",
		Signer: signer,
		HostKeyCallbackHelper: gitssh.HostKeyCallbackHelper{
			HostKeyCallback: func(host string, _ net.Addr, key ssh.PublicKey) error {
				fp := ssh.FingerprintSHA256(key)
				if !slices.Contains(c.Fingerprints, fp) {
					return fmt.Errorf("ssh: host %s has unknown fingerprint %s", host, fp)
				}
				return nil
			},
		},
	}, nil
}

// basicAuth is go-git's basic auth plus the extra headers some servers
// require.
type basicAuth struct {
	config.CredentialsBasicAuth
}

func (*basicAuth) Name() string {
	return "http-basic-auth-extra"
}

func (a *basicAuth) String() string {
	password := "<empty>"
	if a.Password != "" {
		password = "*******"
	}
	return fmt.Sprintf("%s - %s:%s %v", a.Name(), a.Username, password, a.Headers)
}
