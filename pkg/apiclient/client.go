// Package apiclient is the Go client for the auth API. Every request goes
// through a session guard: expired access tokens are refreshed through a
// single-flight call shared by all concurrently failing requests, and each
// failed request is replayed at most once with the new token.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lef-zach/blog-sub000/pkg/apierror"
)

// User is the authenticated principal as returned by the API.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User        User   `json:"user"`
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

type updatePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

const (
	loginPath          = "/api/v1/auth/login"
	refreshPath        = "/api/v1/auth/refresh"
	logoutPath         = "/api/v1/auth/logout"
	mePath             = "/api/v1/auth/me"
	updatePasswordPath = "/api/v1/auth/update-password"

	defaultTimeout      = 30 * time.Second
	defaultAuthCooldown = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// noRetryPaths never trigger the refresh-and-replay path; a 401 from any
// of them is definitive.
var noRetryPaths = map[string]struct{}{
	refreshPath: {},
	logoutPath:  {},
	mePath:      {},
}

type Client struct {
	baseURL      string
	httpClient   *http.Client
	authCooldown time.Duration

	// onSessionExpired fires once per definitive refresh failure, e.g.
	// to route the user back to a login screen.
	onSessionExpired func()

	mu           sync.Mutex
	accessToken  string
	inflight     chan struct{} // non-nil while a refresh is on the wire
	backoffUntil time.Time
	disabled     bool // indefinite gate, cleared only by a fresh login

	refreshGroup singleflight.Group
}

type Option func(*Client)

// WithHTTPClient swaps the transport. A cookie jar is installed if the
// given client has none, since the refresh token travels as a cookie.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithOnSessionExpired(fn func()) Option {
	return func(c *Client) { c.onSessionExpired = fn }
}

// WithAuthCooldown sets how long refresh attempts are suppressed after the
// refresh endpoint itself rejects the session.
func WithAuthCooldown(d time.Duration) Option {
	return func(c *Client) { c.authCooldown = d }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		authCooldown: defaultAuthCooldown,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if c.httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		c.httpClient.Jar = jar
	}

	return c, nil
}

// Login authenticates and arms the session: the access token is kept in
// memory, the refresh token arrives as an HttpOnly cookie handled by the
// jar, and any refresh backoff from a previous session is cleared.
func (c *Client) Login(ctx context.Context, identifier string, password string) (User, error) {
	var out loginResponse
	err := c.send(ctx, http.MethodPost, loginPath, loginRequest{Email: identifier, Password: password}, &out)
	if err != nil {
		return User{}, err
	}

	c.SetAccessToken(out.AccessToken)
	return out.User, nil
}

// Logout tears down the server-side session. The local token and backoff
// state are cleared regardless of the outcome.
func (c *Client) Logout(ctx context.Context) error {
	err := c.send(ctx, http.MethodPost, logoutPath, nil, nil)

	c.mu.Lock()
	c.accessToken = ""
	c.backoffUntil = time.Time{}
	c.disabled = false
	c.mu.Unlock()

	return err
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, mePath, nil, &out); err != nil {
		return User{}, err
	}
	return out, nil
}

func (c *Client) UpdatePassword(ctx context.Context, currentPassword string, newPassword string) error {
	return c.do(ctx, http.MethodPost, updatePasswordPath,
		updatePasswordRequest{CurrentPassword: currentPassword, NewPassword: newPassword}, nil)
}

func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// SetAccessToken installs a token obtained out of band and re-enables
// refreshing after a definitive failure.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accessToken = token
	c.backoffUntil = time.Time{}
	c.disabled = false
}

// HTTPClient exposes the underlying transport, mainly so callers can reach
// the cookie jar.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.accessToken
}

// do performs a guarded request: it waits out any in-flight refresh, sends,
// and on an eligible 401 joins the single-flight refresh and replays the
// original request exactly once.
func (c *Client) do(ctx context.Context, method string, path string, body any, out any) error {
	if err := c.awaitRefresh(ctx); err != nil {
		return err
	}

	err := c.send(ctx, method, path, body, out)
	if err == nil {
		return nil
	}

	apiErr, ok := err.(*apierror.APIError)
	if !ok || apiErr.HTTPStatus != http.StatusUnauthorized {
		return err
	}
	if _, exempt := noRetryPaths[path]; exempt {
		return err
	}
	if c.refreshSuppressed() {
		return err
	}

	if refreshErr := c.refresh(ctx); refreshErr != nil {
		c.mu.Lock()
		c.accessToken = ""
		c.mu.Unlock()

		if c.onSessionExpired != nil {
			c.onSessionExpired()
		}
		return apierror.Unauthorized("session expired")
	}

	// One replay with the fresh token; a second 401 is surfaced as-is.
	return c.send(ctx, method, path, body, out)
}

// refresh deduplicates concurrent refresh attempts: for any burst of
// requests that each discover a 401, exactly one call reaches the refresh
// endpoint and every caller shares its outcome.
func (c *Client) refresh(ctx context.Context) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		return nil, c.doRefresh(ctx)
	})
	return err
}

func (c *Client) doRefresh(ctx context.Context) error {
	done := make(chan struct{})
	c.mu.Lock()
	c.inflight = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()
		close(done)
	}()

	var out refreshResponse
	err := c.sendRaw(ctx, http.MethodPost, refreshPath, nil, &out, false)
	if err == nil {
		c.SetAccessToken(out.AccessToken)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	apiErr, ok := err.(*apierror.APIError)
	switch {
	case ok && (apiErr.HTTPStatus == http.StatusUnauthorized || apiErr.HTTPStatus == http.StatusForbidden):
		// The session is gone; a short cooldown stops a burst of stale
		// requests from hammering the refresh endpoint.
		c.backoffUntil = time.Now().Add(c.authCooldown)
	case ok && apiErr.HTTPStatus == http.StatusTooManyRequests:
		c.backoffUntil = time.Now().Add(retryAfter(apiErr, c.authCooldown))
	default:
		// Unknown failure mode: stop refreshing until the next login.
		c.disabled = true
	}

	return err
}

func (c *Client) awaitRefresh(ctx context.Context) error {
	c.mu.Lock()
	ch := c.inflight
	c.mu.Unlock()

	if ch == nil {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) refreshSuppressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return true
	}
	return time.Now().Before(c.backoffUntil)
}

func (c *Client) send(ctx context.Context, method string, path string, body any, out any) error {
	return c.sendRaw(ctx, method, path, body, out, true)
}

func (c *Client) sendRaw(ctx context.Context, method string, path string, body any, out any, withBearer bool) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withBearer {
		if token := c.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response from %s: %w", path, err)
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp, raw)
	}

	if out != nil {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decode response from %s: %w", path, err)
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data from %s: %w", path, err)
		}
	}

	return nil
}

// decodeError collapses every failed response into a typed *APIError, even
// when the body is not the expected envelope.
func decodeError(resp *http.Response, raw []byte) error {
	var env struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details string `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil && env.Error.Code != "" {
		apiErr := apierror.New(env.Error.Code, env.Error.Message, env.Error.Details, resp.StatusCode)
		apiErr.Details = withRetryAfter(apiErr.Details, resp)
		return apiErr
	}

	return apierror.New(fallbackCode(resp.StatusCode), http.StatusText(resp.StatusCode),
		withRetryAfter("", resp), resp.StatusCode)
}

// withRetryAfter stashes the Retry-After hint in the error details so the
// backoff gate can honor it.
func withRetryAfter(details string, resp *http.Response) string {
	if resp.StatusCode != http.StatusTooManyRequests {
		return details
	}

	header := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if header == "" {
		return details
	}

	return "retry-after=" + header
}

func retryAfter(apiErr *apierror.APIError, fallback time.Duration) time.Duration {
	for _, field := range strings.Fields(apiErr.Details) {
		value, found := strings.CutPrefix(field, "retry-after=")
		if !found {
			continue
		}
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return fallback
}

func fallbackCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		return "INTERNAL_ERROR"
	}
}
