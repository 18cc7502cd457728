// Package httpsync downloads documents from HTTP endpoints for the fetch
// bundler.
package httpsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bundlesdev/bundles/internal/config"
)

// Request describes one download.
type Request struct {
	URL         string
	Method      string // GET when empty
	Body        string
	Headers     map[string]any // Headers to include in the HTTP request
	Credentials *config.Credentials
}

type Client struct {
	client *http.Client
}

// New returns a client using c, or http.DefaultClient when c is nil.
func New(c *http.Client) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{client: c}
}

// Fetch performs the request and returns the response body. Responses
// outside the 2xx range are errors.
func (c *Client) Fetch(ctx context.Context, r Request) ([]byte, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, err
	}
	setHeaders(req, r.Headers)
	if err := setCredentials(req, r.Credentials); err != nil {
		return nil, fmt.Errorf("credentials for %s: %w", r.URL, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unsuccessful status code %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

func setHeaders(req *http.Request, headers map[string]any) {
	for name, value := range headers {
		if value, ok := value.(string); ok && value != "" {
			req.Header.Set(name, value)
		}
	}
}

func setCredentials(req *http.Request, creds *config.Credentials) error {
	if creds == nil || len(creds.Value) == 0 {
		return nil
	}

	typed, err := creds.Typed()
	if err != nil {
		return err
	}

	switch c := typed.(type) {
	case config.CredentialsBasicAuth:
		c.SetAuth(req)
	case config.CredentialsTokenAuth:
		req.Header.Set("Authorization", "Bearer "+c.Token)
	default:
		return fmt.Errorf("unsupported credentials type for http fetch: %T", typed)
	}
	return nil
}
