// Package devstub is an in-memory stand-in for the ordering platform's
// identity and notification backend. It speaks the same wire protocol
// (cookie-based refresh tokens, context-scoped access tokens, long-poll
// with ack) and exists for local development and integration-style tests
// of the client.
package devstub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kirillkgr/tastyhub-client/internal/client"
)

const (
	refreshCookie = "refresh_token"
	ctxCookie     = "ctx"

	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 30 * 24 * time.Hour
)

type account struct {
	Username    string
	Password    string
	Email       string
	Roles       []string
	Memberships []client.Membership
}

// Server holds the stub's in-memory state. Zero value is not usable; use
// New.
type Server struct {
	secret []byte

	mu            sync.Mutex
	accounts      map[string]*account
	refreshTokens map[string]string // cookie value -> username
	queues        map[string]*eventQueue

	// WaitCeiling caps how long a long-poll request is held regardless of
	// the client-supplied timeoutMs. Tests lower it to keep runs fast.
	WaitCeiling time.Duration
}

// New creates an empty stub signing tokens with secret.
func New(secret string) *Server {
	return &Server{
		secret:        []byte(secret),
		accounts:      make(map[string]*account),
		refreshTokens: make(map[string]string),
		queues:        make(map[string]*eventQueue),
		WaitCeiling:   25 * time.Second,
	}
}

// AddUser seeds an account. Roles default to CLIENT when empty.
func (s *Server) AddUser(username, password string, roles []string, memberships []client.Membership) {
	if len(roles) == 0 {
		roles = []string{"CLIENT"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username] = &account{
		Username:    username,
		Password:    password,
		Roles:       roles,
		Memberships: memberships,
	}
}

// Router builds the chi handler implementing the backend surface the
// client consumes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Route("/auth/v1", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/register", s.handleRegister)
		r.Get("/checkUsername", s.handleCheckUsername)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/me", s.handleMe)
			r.Get("/memberships", s.handleMemberships)
			r.Post("/context", s.handleSetContext)
			r.Delete("/context", s.handleClearContext)
		})
	})

	r.Route("/notifications/longpoll", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/", s.handleLongPoll)
		r.Post("/ack", s.handleAck)
		r.Get("/unreadCount", s.handleUnreadCount)
	})

	return r
}

// mintToken issues an HS256 access token for username, optionally scoped
// to a tenant context.
func (s *Server) mintToken(username string, roles []string, ctx *client.TenantContext) (string, error) {
	claims := jwt.MapClaims{
		"sub":   username,
		"roles": roles,
		"exp":   time.Now().Add(accessTokenTTL).Unix(),
		"iat":   time.Now().Unix(),
	}
	if ctx != nil {
		claims["membershipId"] = ctx.MembershipID
		claims["brandId"] = ctx.BrandID
		claims["locationId"] = ctx.LocationID
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Server) validateToken(raw string) (string, bool) {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return "", false
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

type contextKey string

const userKey contextKey = "user"

func withUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, userKey, username)
}

func userFrom(ctx context.Context) string {
	if v, ok := ctx.Value(userKey).(string); ok {
		return v
	}
	return ""
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		username, ok := s.validateToken(strings.TrimPrefix(header, "Bearer "))
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), username)))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	username, password, ok := parseBasic(r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "missing basic credentials", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	acct, exists := s.accounts[username]
	s.mu.Unlock()
	if !exists || acct.Password != password {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	s.issueSession(w, acct)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if _, exists := s.accounts[body.Username]; exists {
		s.mu.Unlock()
		http.Error(w, "username taken", http.StatusConflict)
		return
	}
	acct := &account{
		Username: body.Username,
		Password: body.Password,
		Email:    body.Email,
		Roles:    []string{"CLIENT"},
	}
	s.accounts[body.Username] = acct
	s.mu.Unlock()

	s.issueSession(w, acct)
}

// issueSession mints the access token, sets the httpOnly refresh cookie
// and writes the login payload.
func (s *Server) issueSession(w http.ResponseWriter, acct *account) {
	token, err := s.mintToken(acct.Username, acct.Roles, nil)
	if err != nil {
		http.Error(w, "token mint failed", http.StatusInternalServerError)
		return
	}

	cookieValue := uuid.New().String()
	s.mu.Lock()
	s.refreshTokens[cookieValue] = acct.Username
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    cookieValue,
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Now().Add(refreshTokenTTL),
	})

	log.Debug().Str("username", acct.Username).Msg("devstub session issued")

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": token,
		"username":    acct.Username,
		"memberships": acct.Memberships,
	})
}

func (s *Server) handleCheckUsername(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	s.mu.Lock()
	_, exists := s.accounts[username]
	s.mu.Unlock()
	if exists {
		http.Error(w, "username taken", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookie)
	if err != nil {
		http.Error(w, "no refresh cookie", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	username, ok := s.refreshTokens[cookie.Value]
	acct := s.accounts[username]
	s.mu.Unlock()
	if !ok || acct == nil {
		http.Error(w, "refresh token revoked", http.StatusUnauthorized)
		return
	}

	var tenant *client.TenantContext
	if ctxC, err := r.Cookie(ctxCookie); err == nil {
		tenant = decodeCtxCookie(ctxC.Value)
	}

	token, err := s.mintToken(acct.Username, acct.Roles, tenant)
	if err != nil {
		http.Error(w, "token mint failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accessToken": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshCookie); err == nil {
		s.mu.Lock()
		delete(s.refreshTokens, cookie.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: refreshCookie, Value: "", Path: "/", MaxAge: -1})
	http.SetCookie(w, &http.Cookie{Name: ctxCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acct := s.account(userFrom(r.Context()))
	if acct == nil {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, client.User{
		Username: acct.Username,
		Email:    acct.Email,
		Roles:    acct.Roles,
	})
}

func (s *Server) handleMemberships(w http.ResponseWriter, r *http.Request) {
	acct := s.account(userFrom(r.Context()))
	if acct == nil {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, acct.Memberships)
}

func (s *Server) handleSetContext(w http.ResponseWriter, r *http.Request) {
	acct := s.account(userFrom(r.Context()))
	if acct == nil {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}

	var sel client.ContextSelection
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	// Resolve the membership the selection refers to; the re-issued token
	// carries its scope.
	var tenant client.TenantContext
	for _, m := range acct.Memberships {
		if m.MasterID == sel.MasterID || (sel.BrandID != 0 && m.BrandID == sel.BrandID) {
			tenant = client.TenantContext{
				MembershipID: m.MembershipID,
				BrandID:      m.BrandID,
				LocationID:   m.LocationID,
			}
			break
		}
	}
	if tenant == (client.TenantContext{}) {
		http.Error(w, "no matching membership", http.StatusForbidden)
		return
	}

	token, err := s.mintToken(acct.Username, acct.Roles, &tenant)
	if err != nil {
		http.Error(w, "token mint failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     ctxCookie,
		Value:    encodeCtxCookie(tenant),
		Path:     "/",
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"accessToken": token})
}

func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: ctxCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) account(username string) *account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[username]
}

func parseBasic(header string) (username, password string, ok bool) {
	if !strings.HasPrefix(header, "Basic ") {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// The ctx cookie is an opaque value to the client; the stub encodes the
// tenant triple as JSON + base64.
func encodeCtxCookie(tc client.TenantContext) string {
	raw, _ := json.Marshal(tc)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCtxCookie(value string) *client.TenantContext {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil
	}
	var tc client.TenantContext
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil
	}
	return &tc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("devstub response encode failed")
	}
}
