package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"
)

// loginResponse mirrors the identity service's login/register payload.
// Fields beyond these are ignored.
type loginResponse struct {
	AccessToken string       `json:"accessToken"`
	Username    string       `json:"username"`
	Memberships []Membership `json:"memberships"`
}

// contextResponse is returned by the context endpoint; the access token
// is re-issued scoped to the selected tenant.
type contextResponse struct {
	AccessToken string `json:"accessToken"`
}

// Login authenticates with Basic credentials against /auth/v1/login and
// runs the membership flow: exactly one membership selects its context
// automatically (the token is swapped for the context-scoped one, no
// signal); two or more emit OpenContextSelect exactly once and leave the
// context unselected.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	req, err := c.NewRequest(ctx, http.MethodPost, "/auth/v1/login", nil)
	if err != nil {
		return nil, err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	req.Header.Set("Authorization", "Basic "+basic)

	var body loginResponse
	if err := c.doJSON(ctx, req, &body); err != nil {
		return nil, err
	}

	c.tokens.SetToken(body.AccessToken)
	log.Info().Str("username", body.Username).Int("memberships", len(body.Memberships)).Msg("logged in")

	result := &LoginResult{
		AccessToken: body.AccessToken,
		Username:    body.Username,
		Memberships: body.Memberships,
	}

	switch len(body.Memberships) {
	case 0:
		// Plain customer account, nothing to scope.
	case 1:
		m := body.Memberships[0]
		token, err := c.SelectContext(ctx, ContextSelection{
			MasterID:   m.MasterID,
			BrandID:    m.BrandID,
			LocationID: m.LocationID,
		})
		if err != nil {
			return nil, fmt.Errorf("auto context selection failed: %w", err)
		}
		result.AccessToken = token
		result.ContextSelected = true
	default:
		c.events.openContextSelect(body.Memberships)
	}

	return result, nil
}

// Register creates an account and logs it in; the response shape matches
// login.
func (c *Client) Register(ctx context.Context, username, password, email string) (*LoginResult, error) {
	payload := map[string]string{
		"username": username,
		"password": password,
		"email":    email,
	}

	var body loginResponse
	if err := c.postJSON(ctx, "/auth/v1/register", payload, &body); err != nil {
		return nil, err
	}

	c.tokens.SetToken(body.AccessToken)
	return &LoginResult{
		AccessToken: body.AccessToken,
		Username:    body.Username,
		Memberships: body.Memberships,
	}, nil
}

// CheckUsername reports whether the username is still free. The endpoint
// answers 2xx when available and 409 when taken.
func (c *Client) CheckUsername(ctx context.Context, username string) (bool, error) {
	path := "/auth/v1/checkUsername?username=" + url.QueryEscape(username)
	req, err := c.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusConflict:
		return false, nil
	default:
		return false, ErrStatus{Path: "/auth/v1/checkUsername", Status: resp.StatusCode}
	}
}

// Logout invalidates the refresh token server-side (best effort), sets
// the one-shot skip-refresh marker so a stale in-flight 401 cannot race a
// new refresh, and clears the local session.
func (c *Client) Logout(ctx context.Context) error {
	c.tokens.SetLoggingOut(true)
	defer c.tokens.SetLoggingOut(false)

	err := c.postJSON(ctx, "/auth/v1/logout", nil, nil)
	if err != nil {
		log.Warn().Err(err).Msg("server-side logout failed, clearing locally anyway")
	}

	c.durable.Set(skipRefreshOnceKey, "1")
	c.tokens.Clear()
	return err
}

// RestoreSession exchanges the refresh cookie for a fresh access token on
// application start. While it runs, protected requests wait on the
// restore handle instead of failing with ErrNoAuth.
func (c *Client) RestoreSession(ctx context.Context) error {
	done := c.tokens.BeginRestore()
	defer done()

	_, err := c.refresh.refresh(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("session restore failed, starting anonymous")
		return err
	}
	return nil
}

// Me fetches the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.getJSON(ctx, "/auth/v1/me", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Memberships lists the tenants the user belongs to.
func (c *Client) Memberships(ctx context.Context) ([]Membership, error) {
	var memberships []Membership
	if err := c.getJSON(ctx, "/auth/v1/memberships", &memberships); err != nil {
		return nil, err
	}
	return memberships, nil
}

// SelectContext activates a tenant context. The server re-issues the
// access token scoped to the selection and sets the httpOnly ctx cookie;
// the new token replaces the current one.
func (c *Client) SelectContext(ctx context.Context, sel ContextSelection) (string, error) {
	var body contextResponse
	if err := c.postJSON(ctx, "/auth/v1/context", sel, &body); err != nil {
		return "", err
	}
	if body.AccessToken != "" {
		c.tokens.SetToken(body.AccessToken)
	}
	return c.tokens.Token(), nil
}

// ClearContext drops the active tenant context server-side.
func (c *Client) ClearContext(ctx context.Context) error {
	req, err := c.NewRequest(ctx, http.MethodDelete, "/auth/v1/context", nil)
	if err != nil {
		return err
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ErrStatus{Path: "/auth/v1/context", Status: resp.StatusCode}
	}
	return nil
}
