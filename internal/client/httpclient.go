package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// restoreWait bounds how long a protected request waits for an
	// in-flight session restore before giving up. The restore handle is
	// awaited directly; the bound only guards against a stuck restore.
	restoreWait = 300 * time.Millisecond

	// skipRefreshOnceKey is a one-shot durable marker set right after an
	// explicit logout so a stale in-flight 401 does not race a refresh.
	skipRefreshOnceKey = "skip_refresh_once"
)

// Config carries the constructor-injected dependencies of a Client. Only
// BaseURL is required.
type Config struct {
	// BaseURL is the backend origin, e.g. "https://api.kirillkgr.ru".
	BaseURL string

	// HTTPClient overrides the underlying transport. The default carries
	// a cookie jar (the refresh token travels as an httpOnly cookie) and
	// deliberately no global timeout: the long-poll endpoint holds the
	// connection open server-side.
	HTTPClient *http.Client

	// Durable survives restarts (long-poll cursor, one-shot markers,
	// brand hint). Defaults to in-memory.
	Durable Storage

	// Session is cleared with the process (breaker map). Defaults to
	// in-memory.
	Session Storage

	// Events receives the out-of-band UI signals.
	Events Events
}

// Client is the resilient API client: every outbound call runs through
// the breaker, the credential pipeline and, on 401, the single-flight
// refresh coordinator. Construct one per application and share it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenStore
	breaker    *Breaker
	refresh    *refreshCoordinator
	events     Events
	durable    Storage
	session    Storage
}

// New creates a Client from cfg, filling in defaults for everything
// optional.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, _ := cookiejar.New(nil)
		httpClient = &http.Client{Jar: jar}
	}
	durable := cfg.Durable
	if durable == nil {
		durable = NewMemoryStorage()
	}
	session := cfg.Session
	if session == nil {
		session = NewMemoryStorage()
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		tokens:     NewTokenStore(durable),
		breaker:    NewBreaker(session),
		events:     cfg.Events,
		durable:    durable,
		session:    session,
	}
	c.refresh = newRefreshCoordinator(c.tokens, c.refreshCall)
	return c
}

// Tokens exposes the token store for collaborators that gate UI on roles
// or tenant context.
func (c *Client) Tokens() *TokenStore { return c.tokens }

// Breaker exposes the endpoint breaker, mainly for tests and diagnostics.
func (c *Client) Breaker() *Breaker { return c.breaker }

// NewRequest builds a request against the client's base URL. path must
// start with "/".
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
}

// isPublicAuthPath reports whether path is one of the credential-free auth
// endpoints. These never get a bearer header and never trigger a refresh.
func isPublicAuthPath(path string) bool {
	return strings.HasPrefix(path, "/auth/v1/login") ||
		strings.HasPrefix(path, "/auth/v1/register") ||
		strings.HasPrefix(path, "/auth/v1/checkUsername") ||
		strings.HasPrefix(path, "/auth/v1/refresh")
}

// isPublicPath reports whether path may be requested without any
// credential at all (public storefront reads included).
func isPublicPath(path string) bool {
	return isPublicAuthPath(path) ||
		strings.HasPrefix(path, "/menu/") ||
		strings.HasPrefix(path, "/cart")
}

func hasBasicAuth(req *http.Request) bool {
	return strings.HasPrefix(req.Header.Get("Authorization"), "Basic ")
}

// Do executes req through the full pipeline: breaker check, credential
// classification, bounded wait for an in-flight restore, bearer
// attachment, and 401 recovery via the refresh coordinator. Callers own
// the returned response body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	path := req.URL.Path
	correlationID := uuid.New().String()

	logger := log.With().
		Str("method", req.Method).
		Str("path", path).
		Str("correlationId", correlationID).
		Logger()

	// 1. Breaker: fail fast without touching the network.
	if c.breaker.IsDisabled(path) {
		logger.Warn().Msg("request blocked by endpoint breaker")
		return nil, ErrEndpointDisabled{Path: path}
	}

	public := isPublicPath(path)
	basic := hasBasicAuth(req)

	// 2/3. Protected and tokenless: await an in-flight restore, bounded.
	token := c.tokens.Token()
	if !public && !basic && token == "" {
		if handle := c.tokens.RestoreHandle(); handle != nil {
			logger.Debug().Msg("waiting for session restore before request")
			select {
			case <-handle:
			case <-time.After(restoreWait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			token = c.tokens.Token()
		}
	}

	// 4. Still no credential: signal the UI and never hit the transport.
	if !public && !basic && token == "" {
		logger.Warn().Msg("protected request without credential, prompting login")
		c.events.openLogin()
		return nil, ErrNoAuth{Path: path}
	}

	return c.doWithRetry(ctx, req, &logger, correlationID, false)
}

// doWithRetry executes one attempt, re-injecting headers each time, and
// drives the 401 refresh-and-replay cycle plus the after-retry breaker
// safeguard.
func (c *Client) doWithRetry(ctx context.Context, req *http.Request, logger *zerolog.Logger, correlationID string, retried bool) (*http.Response, error) {
	path := req.URL.Path

	reqClone, err := cloneRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to clone request: %w", err)
	}
	reqClone.Header.Set("X-Correlation-ID", correlationID)

	// 5. Attach the bearer credential (skipped for public auth endpoints
	// and requests already carrying a Basic scheme).
	if token := c.tokens.Token(); token != "" && !isPublicAuthPath(path) && !hasBasicAuth(req) {
		reqClone.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(reqClone)
	duration := time.Since(start)

	if err != nil {
		logger.Error().Err(err).Dur("duration", duration).Msg("HTTP request failed")
		return nil, err
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Bool("retried", retried).
		Msg("HTTP request completed")

	status := resp.StatusCode

	// Safeguard: a request that already went through a refresh-retry and
	// still fails with an auth or server error marks its endpoint broken
	// independent of auth state. Exempt paths are never disabled.
	if retried && (status == http.StatusUnauthorized || status == http.StatusForbidden || (status >= 500 && status <= 599)) {
		resp.Body.Close()
		if c.breaker.Exempt(path) {
			return nil, ErrStatus{Path: path, Status: status}
		}
		c.breaker.Disable(path, DefaultDisableTTL)
		logger.Warn().Int("status", status).Msg("endpoint still failing after refresh retry, disabling")
		return nil, ErrEndpointDisabledAfterRetry{Path: path, Status: status}
	}

	if status == http.StatusUnauthorized && !retried && !isPublicAuthPath(path) && !hasBasicAuth(req) {
		// Refresh is suppressed during an explicit logout or when the
		// one-shot skip marker is set; the 401 is then the caller's.
		if c.tokens.LoggingOut() || c.consumeSkipRefreshOnce() {
			logger.Debug().Msg("401 with refresh suppressed")
			return resp, nil
		}

		resp.Body.Close()
		logger.Info().Msg("401 on protected request, refreshing session")

		if _, err := c.refresh.refresh(ctx); err != nil {
			return nil, err
		}
		return c.doWithRetry(ctx, req, logger, correlationID, true)
	}

	return resp, nil
}

// consumeSkipRefreshOnce reads and clears the one-shot refresh
// suppression marker.
func (c *Client) consumeSkipRefreshOnce() bool {
	v, ok := c.durable.Get(skipRefreshOnceKey)
	if !ok || v != "1" {
		return false
	}
	c.durable.Delete(skipRefreshOnceKey)
	return true
}

// refreshCall performs the actual refresh exchange. The refresh token
// travels as an httpOnly cookie via the client's jar; the body is empty.
func (c *Client) refreshCall(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/v1/refresh", nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ErrStatus{Path: "/auth/v1/refresh", Status: resp.StatusCode}
	}

	var body struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("refresh response carried no access token")
	}
	return body.AccessToken, nil
}

// getJSON issues a GET through the pipeline and decodes a 2xx JSON body
// into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, req, out)
}

// postJSON issues a POST through the pipeline. body may be nil; out may
// be nil when the response body is irrelevant.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := c.NewRequest(ctx, http.MethodPost, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doJSON(ctx, req, out)
}

func (c *Client) doJSON(ctx context.Context, req *http.Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return ErrStatus{Path: req.URL.Path, Status: resp.StatusCode}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// cloneRequest copies an HTTP request so it can be re-sent on retry,
// preserving the body. Auth headers are skipped; they are re-injected per
// attempt.
func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	reqClone, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	for k, v := range req.Header {
		if k == "Authorization" && !strings.HasPrefix(req.Header.Get("Authorization"), "Basic ") {
			continue // re-injected per attempt
		}
		reqClone.Header[k] = v
	}

	return reqClone, nil
}
