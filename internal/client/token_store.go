package client

import (
	"strconv"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// brandCacheKey is where the active brand id is cached for collaborators
// that need a tenant hint before any request has been made.
const brandCacheKey = "active_brand"

// TokenStore holds the current access token and the claims derived from
// it, in memory only. The token is never written to durable storage; only
// the brand hint is cached for other collaborators to read.
type TokenStore struct {
	mu     sync.RWMutex
	token  string
	claims Claims

	// restoring is non-nil while a session restore is in flight and is
	// closed when the restore settles. Protected requests issued during
	// a restore wait on it (bounded) instead of failing immediately.
	restoring chan struct{}

	loggingOut bool

	durable Storage
}

// NewTokenStore creates an empty token store. durable may be nil, in
// which case the brand hint cache is skipped.
func NewTokenStore(durable Storage) *TokenStore {
	return &TokenStore{durable: durable}
}

// SetToken stores the raw token and re-derives claims from it. A malformed
// token is stored as-is but yields empty claims; decoding never fails the
// caller.
func (ts *TokenStore) SetToken(token string) {
	claims := decodeClaims(token)

	ts.mu.Lock()
	ts.token = token
	ts.claims = claims
	ts.mu.Unlock()

	if ts.durable != nil && claims.Context.BrandID != 0 {
		ts.durable.Set(brandCacheKey, strconv.FormatInt(claims.Context.BrandID, 10))
	}
}

// Token returns the current access token, or "" when logged out.
func (ts *TokenStore) Token() string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.token
}

// Roles returns the roles derived from the current token.
func (ts *TokenStore) Roles() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return append([]string(nil), ts.claims.Roles...)
}

// Context returns the active tenant context and whether one is set.
func (ts *TokenStore) Context() (TenantContext, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	tc := ts.claims.Context
	return tc, tc != TenantContext{}
}

// Claims returns a copy of the full derived claims.
func (ts *TokenStore) Claims() Claims {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	c := ts.claims
	c.Roles = append([]string(nil), ts.claims.Roles...)
	return c
}

// Clear resets the store to the empty session.
func (ts *TokenStore) Clear() {
	ts.mu.Lock()
	ts.token = ""
	ts.claims = Claims{}
	ts.mu.Unlock()
}

// BeginRestore marks a session restore as in flight and returns the
// function that settles it. Callers must invoke the returned func exactly
// once, typically via defer.
func (ts *TokenStore) BeginRestore() func() {
	ch := make(chan struct{})
	ts.mu.Lock()
	ts.restoring = ch
	ts.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ts.mu.Lock()
			if ts.restoring == ch {
				ts.restoring = nil
			}
			ts.mu.Unlock()
			close(ch)
		})
	}
}

// RestoreHandle returns the channel of the in-flight restore, or nil when
// no restore is running. The channel is closed when the restore settles.
func (ts *TokenStore) RestoreHandle() <-chan struct{} {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.restoring == nil {
		return nil
	}
	return ts.restoring
}

// SetLoggingOut flags that an explicit logout is in progress, which
// suppresses token refresh attempts.
func (ts *TokenStore) SetLoggingOut(v bool) {
	ts.mu.Lock()
	ts.loggingOut = v
	ts.mu.Unlock()
}

// LoggingOut reports whether an explicit logout is in progress.
func (ts *TokenStore) LoggingOut() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.loggingOut
}

// decodeClaims decodes the token payload without verifying the signature.
// The client has no key material; the server is the authority and the
// claims here only drive UI gating and tenant hints.
func decodeClaims(token string) Claims {
	if token == "" {
		return Claims{}
	}

	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		log.Debug().Err(err).Msg("access token did not decode, using empty claims")
		return Claims{}
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}
	}

	var claims Claims
	if sub, err := mc.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.Expiry = exp.Time
	}
	if raw, ok := mc["roles"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				claims.Roles = append(claims.Roles, s)
			}
		}
	}
	claims.Context = TenantContext{
		MembershipID: claimInt64(mc, "membershipId"),
		BrandID:      claimInt64(mc, "brandId"),
		LocationID:   claimInt64(mc, "locationId"),
	}
	return claims
}

// claimInt64 reads a numeric claim. JSON numbers decode as float64; string
// forms are tolerated since some token minters stringify ids.
func claimInt64(mc jwt.MapClaims, key string) int64 {
	switch v := mc[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
