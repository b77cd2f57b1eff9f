// Package netutil provides the HTTP plumbing for talking to the portal
// and to peer pollers.
package netutil

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

// HTTPStatusError indicates the server responded, but with an
// unexpected HTTP status code. This is a non-network failure.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch: unexpected status %d from %s", e.StatusCode, e.URL)
}

// FetcherConfig carries the optional client credentials for the portal.
type FetcherConfig struct {
	Timeout    time.Duration
	UserAgent  string
	ClientCert string
	ClientKey  string
}

// Fetcher performs conditional GETs, remembering the last ETag and
// payload hash per URL so callers only reprocess changed payloads. A
// cookie jar carries the portal's session across requests.
type Fetcher struct {
	client    *http.Client
	userAgent string

	mu    sync.Mutex
	state map[string]fetchState
}

type fetchState struct {
	etag string
	hash uint64
}

// NewFetcher builds a Fetcher. When cfg names a client certificate it is
// loaded up front so a bad path fails at startup.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: cookie jar: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("fetch: client certificate: %w", err)
		}
		transport.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "aprs2net-poller/2.0"
	}

	return &Fetcher{
		client: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   timeout,
		},
		userAgent: ua,
		state:     make(map[string]fetchState),
	}, nil
}

// Fetch GETs the URL with If-None-Match set to the last seen ETag.
// It returns changed=false on a 304, and also when a 200 carries a
// payload whose hash matches the previous one.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (body []byte, changed bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("fetch: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	f.mu.Lock()
	prev, hasPrev := f.state[rawURL]
	f.mu.Unlock()
	if hasPrev && prev.etag != "" {
		req.Header.Set("If-None-Match", prev.etag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, &HTTPStatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("fetch: %w", err)
	}

	hash := xxh3.Hash(body)
	if hasPrev && prev.hash == hash {
		return nil, false, nil
	}

	f.mu.Lock()
	f.state[rawURL] = fetchState{etag: resp.Header.Get("ETag"), hash: hash}
	f.mu.Unlock()
	return body, true, nil
}

// Forget drops the conditional-request state for a URL, forcing the
// next Fetch to refetch and reprocess it. Callers use this when they
// failed to apply a payload that was already marked seen.
func (f *Fetcher) Forget(rawURL string) {
	f.mu.Lock()
	delete(f.state, rawURL)
	f.mu.Unlock()
}

// Get GETs the URL without conditional bookkeeping. Peer poller status
// dumps are fetched this way since every cycle must be processed even
// when the payload repeats.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return body, nil
}

// Login posts portal credentials. The session cookie lands in the jar
// and rides along on later fetches.
func (f *Fetcher) Login(ctx context.Context, loginURL, user, pass string) error {
	form := url.Values{}
	form.Set("username", user)
	form.Set("password", pass)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("fetch: login: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: login: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		return &HTTPStatusError{StatusCode: resp.StatusCode, URL: loginURL}
	}
	return nil
}
