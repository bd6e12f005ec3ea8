// Package consulkv implements internal/kv.Client against a Consul-compatible
// HTTP KV API (GET/PUT/DELETE on /v1/kv, plus /v1/session and the lock
// query parameters Consul layers on top of plain KV writes).
package consulkv

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"wiresmith/internal/kv"
)

const (
	maxRetryElapsed  = 10 * time.Second
	lockPollInterval = 250 * time.Millisecond
)

// errServerStatus marks a request whose retries ended on a 5xx response.
var errServerStatus = errors.New("consul server error")

// Client talks to a Consul (or Consul-API-compatible) agent's KV, session,
// and lock endpoints.
type Client struct {
	baseURL    *url.URL
	token      string
	datacenter string
	httpClient *http.Client

	mu        sync.Mutex
	renewStop map[string]chan struct{}
}

// New builds a Client rooted at addr (e.g. "http://127.0.0.1:8500").
func New(addr, token, datacenter string) (*Client, error) {
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse consul address: %w", err)
	}
	return &Client{
		baseURL:    base,
		token:      token,
		datacenter: datacenter,
		httpClient: &http.Client{
			Transport: &retryRoundTripper{
				base: http.DefaultTransport,
				newBackoff: func() backoff.BackOff {
					return backoff.NewExponentialBackOff(
						backoff.WithInitialInterval(100*time.Millisecond),
						backoff.WithMaxInterval(1*time.Second),
						backoff.WithMaxElapsedTime(maxRetryElapsed),
					)
				},
			},
		},
		renewStop: make(map[string]chan struct{}),
	}, nil
}

// retryRoundTripper retries requests that fail with a transient network or
// server error. HTTP 4xx responses pass through untouched for the caller
// to classify.
type retryRoundTripper struct {
	base       http.RoundTripper
	newBackoff func() backoff.BackOff
}

func (rt *retryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
	}

	attempt := func() (*http.Response, error) {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
		resp, err := rt.base.RoundTrip(req)
		if err != nil {
			var opErr *net.OpError
			if errors.As(err, &opErr) {
				slog.Debug("retrying consul request after network error", "error", err)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if resp.StatusCode >= 500 {
			slog.Debug("retrying consul request after server error", "status", resp.StatusCode)
			resp.Body.Close()
			return nil, fmt.Errorf("consul responded %d: %w", resp.StatusCode, errServerStatus)
		}
		return resp, nil
	}
	boff := backoff.WithContext(rt.newBackoff(), req.Context())
	return backoff.RetryWithData(attempt, boff)
}

// kvPath escapes each "/"-separated segment of a KV key so that a segment
// containing raw base64 (as a public key does, with '+', '/', '=') round
// trips through the URL unambiguously with the path's own separators.
func kvPath(key string) string {
	segments := bytes.Split([]byte(key), []byte("/"))
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(string(seg))
	}
	return "/v1/kv/" + joinSlash(escaped)
}

func joinSlash(segments []string) string {
	out := segments[0]
	for _, s := range segments[1:] {
		out += "/" + s
	}
	return out
}

// endpoint builds the request URL for a /v1/... path, merging extra query
// parameters with the client's datacenter, if set.
func (c *Client) endpoint(path string, extra url.Values) string {
	u := *c.baseURL
	u.Path += path

	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	if c.datacenter != "" {
		q.Set("dc", c.datacenter)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("X-Consul-Token", c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func classify(op string, err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errServerStatus) {
		return &kv.Error{Kind: kv.Transient, Op: op, Err: err}
	}
	return &kv.Error{Kind: kv.Fatal, Op: op, Err: err}
}

func classifyStatus(op string, status int, respBody []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return kv.ErrNotFound
	case status >= 500:
		return &kv.Error{Kind: kv.Transient, Op: op, Err: fmt.Errorf("status %d: %s", status, respBody)}
	default:
		return &kv.Error{Kind: kv.Fatal, Op: op, Err: fmt.Errorf("status %d: %s", status, respBody)}
	}
}

type consulEntry struct {
	Key     string `json:"Key"`
	Value   string `json:"Value"`
	Session string `json:"Session"`
}

// Get fetches the value at key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	rawURL := c.endpoint(kvPath(key), nil)
	req, err := c.newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, classify("get", err)
	}
	status, data, err := c.do(req)
	if err != nil {
		return nil, classify("get", err)
	}
	if status == http.StatusNotFound {
		return nil, kv.ErrNotFound
	}
	if err := classifyStatus("get", status, data); err != nil {
		return nil, err
	}

	var entries []consulEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &kv.Error{Kind: kv.Fatal, Op: "get", Err: err}
	}
	if len(entries) == 0 {
		return nil, kv.ErrNotFound
	}
	value, err := base64.StdEncoding.DecodeString(entries[0].Value)
	if err != nil {
		return nil, &kv.Error{Kind: kv.Fatal, Op: "get", Err: fmt.Errorf("decode value: %w", err)}
	}
	return value, nil
}

// List returns every key under prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]kv.Entry, error) {
	rawURL := c.endpoint(kvPath(prefix), url.Values{"recurse": {"true"}})
	req, err := c.newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, classify("list", err)
	}
	status, data, err := c.do(req)
	if err != nil {
		return nil, classify("list", err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err := classifyStatus("list", status, data); err != nil {
		return nil, err
	}

	var entries []consulEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &kv.Error{Kind: kv.Fatal, Op: "list", Err: err}
	}

	out := make([]kv.Entry, 0, len(entries))
	for _, e := range entries {
		value, err := base64.StdEncoding.DecodeString(e.Value)
		if err != nil {
			return nil, &kv.Error{Kind: kv.Fatal, Op: "list", Err: fmt.Errorf("decode value of %s: %w", e.Key, err)}
		}
		out = append(out, kv.Entry{Key: e.Key, Value: value})
	}
	return out, nil
}

// Put writes value at key, optionally tying it to sessionID's lifetime via
// Consul's acquire mechanism.
func (c *Client) Put(ctx context.Context, key string, value []byte, ownership kv.Ownership, sessionID string) error {
	query := url.Values{}
	if ownership == kv.OwnershipSession {
		if sessionID == "" {
			return &kv.Error{Kind: kv.Fatal, Op: "put", Err: errors.New("session ownership requires a session id")}
		}
		query.Set("acquire", sessionID)
	}

	rawURL := c.endpoint(kvPath(key), query)
	req, err := c.newRequest(ctx, http.MethodPut, rawURL, value)
	if err != nil {
		return classify("put", err)
	}
	status, data, err := c.do(req)
	if err != nil {
		return classify("put", err)
	}
	if err := classifyStatus("put", status, data); err != nil {
		return err
	}

	if ownership == kv.OwnershipSession {
		ok, err := parseBool(data)
		if err != nil {
			return &kv.Error{Kind: kv.Fatal, Op: "put", Err: err}
		}
		if !ok {
			return &kv.Error{Kind: kv.Fatal, Op: "put", Err: fmt.Errorf("key %s is held by another session", key)}
		}
	}
	return nil
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	rawURL := c.endpoint(kvPath(key), nil)
	req, err := c.newRequest(ctx, http.MethodDelete, rawURL, nil)
	if err != nil {
		return classify("delete", err)
	}
	status, data, err := c.do(req)
	if err != nil {
		return classify("delete", err)
	}
	if err := classifyStatus("delete", status, data); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	return nil
}

type sessionCreateRequest struct {
	TTL      string `json:"TTL"`
	Behavior string `json:"Behavior"`
	Name     string `json:"Name"`
}

type sessionCreateResponse struct {
	ID string `json:"ID"`
}

// CreateSession opens a session with the given TTL and starts a background
// renewal loop that keeps it alive until DestroySession is called.
func (c *Client) CreateSession(ctx context.Context, ttl time.Duration, name string) (string, error) {
	body, err := json.Marshal(sessionCreateRequest{
		TTL:      ttl.String(),
		Behavior: "delete",
		Name:     name,
	})
	if err != nil {
		return "", &kv.Error{Kind: kv.Fatal, Op: "create_session", Err: err}
	}

	rawURL := c.endpoint("/v1/session/create", nil)
	req, err := c.newRequest(ctx, http.MethodPut, rawURL, body)
	if err != nil {
		return "", classify("create_session", err)
	}
	status, data, err := c.do(req)
	if err != nil {
		return "", classify("create_session", err)
	}
	if err := classifyStatus("create_session", status, data); err != nil {
		return "", err
	}

	var created sessionCreateResponse
	if err := json.Unmarshal(data, &created); err != nil {
		return "", &kv.Error{Kind: kv.Fatal, Op: "create_session", Err: err}
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.renewStop[created.ID] = stop
	c.mu.Unlock()
	go c.renewLoop(created.ID, ttl, stop)

	return created.ID, nil
}

func (c *Client) renewLoop(sessionID string, ttl time.Duration, stop chan struct{}) {
	period := ttl / 2
	if period <= 0 {
		period = ttl
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl)
			rawURL := c.endpoint("/v1/session/renew/"+sessionID, nil)
			req, err := c.newRequest(ctx, http.MethodPut, rawURL, nil)
			if err != nil {
				cancel()
				continue
			}
			status, _, err := c.do(req)
			cancel()
			if err != nil {
				slog.Warn("session renewal failed", "session", sessionID, "error", err)
				continue
			}
			if status == http.StatusNotFound {
				slog.Warn("session no longer exists, stopping renewal", "session", sessionID)
				return
			}
		}
	}
}

// DestroySession ends a session immediately and stops its renewal loop.
func (c *Client) DestroySession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if stop, ok := c.renewStop[sessionID]; ok {
		close(stop)
		delete(c.renewStop, sessionID)
	}
	c.mu.Unlock()

	rawURL := c.endpoint("/v1/session/destroy/"+sessionID, nil)
	req, err := c.newRequest(ctx, http.MethodPut, rawURL, nil)
	if err != nil {
		return classify("destroy_session", err)
	}
	status, data, err := c.do(req)
	if err != nil {
		return classify("destroy_session", err)
	}
	return classifyStatus("destroy_session", status, data)
}

// AcquireLock attempts to take key for sessionID, retrying at a fixed
// interval until it succeeds or wait elapses.
func (c *Client) AcquireLock(ctx context.Context, key, sessionID string, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := c.tryAcquire(ctx, key, sessionID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, classify("acquire_lock", ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

func (c *Client) tryAcquire(ctx context.Context, key, sessionID string) (bool, error) {
	rawURL := c.endpoint(kvPath(key), url.Values{"acquire": {sessionID}})
	req, err := c.newRequest(ctx, http.MethodPut, rawURL, []byte(sessionID))
	if err != nil {
		return false, classify("acquire_lock", err)
	}
	status, data, err := c.do(req)
	if err != nil {
		return false, classify("acquire_lock", err)
	}
	if err := classifyStatus("acquire_lock", status, data); err != nil {
		return false, err
	}
	return parseBool(data)
}

// ReleaseLock releases key if held by sessionID. A failed release (the key
// is already unlocked, or held by someone else) is not an error.
func (c *Client) ReleaseLock(ctx context.Context, key, sessionID string) error {
	rawURL := c.endpoint(kvPath(key), url.Values{"release": {sessionID}})
	req, err := c.newRequest(ctx, http.MethodPut, rawURL, nil)
	if err != nil {
		return classify("release_lock", err)
	}
	status, data, err := c.do(req)
	if err != nil {
		return classify("release_lock", err)
	}
	return classifyStatus("release_lock", status, data)
}

func parseBool(data []byte) (bool, error) {
	b, err := strconv.ParseBool(string(bytes.TrimSpace(data)))
	if err != nil {
		return false, fmt.Errorf("parse bool response %q: %w", data, err)
	}
	return b, nil
}
