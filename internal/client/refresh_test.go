package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// refreshBackend scripts a backend whose protected endpoints accept only
// the freshest token.
type refreshBackend struct {
	mu           sync.Mutex
	validToken   string
	refreshCalls atomic.Int64
	logoutCalls  atomic.Int64
	refreshFail  bool
	refreshDelay time.Duration
}

func (b *refreshBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/refresh", func(w http.ResponseWriter, r *http.Request) {
		b.refreshCalls.Add(1)
		if b.refreshDelay > 0 {
			time.Sleep(b.refreshDelay)
		}
		if b.refreshFail {
			http.Error(w, "refresh cookie expired", http.StatusUnauthorized)
			return
		}
		b.mu.Lock()
		token := b.validToken
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"accessToken": token})
	})
	mux.HandleFunc("POST /auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		b.logoutCalls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		token := b.validToken
		b.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"echo": r.URL.Path})
	})
	return mux
}

func TestRefresh_ReplaysOriginalRequest(t *testing.T) {
	backend := &refreshBackend{validToken: "T2"}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	c.tokens.SetToken("T1") // stale

	req, err := c.NewRequest(context.Background(), http.MethodGet, "/secure/x", nil)
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Caller sees the replayed 200, not the 401.
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "/secure/x", body["echo"])

	assert.Equal(t, int64(1), backend.refreshCalls.Load())
	assert.Equal(t, "T2", c.tokens.Token())
}

func TestRefresh_SingleFlight(t *testing.T) {
	// The slow refresh keeps the flight open long enough for every
	// concurrent 401 to join it instead of racing a second refresh.
	backend := &refreshBackend{validToken: "T2", refreshDelay: 150 * time.Millisecond}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	c.tokens.SetToken("T1")

	const concurrent = 8
	var wg sync.WaitGroup
	errs := make([]error, concurrent)

	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := c.NewRequest(context.Background(), http.MethodGet, "/secure/x", nil)
			if err != nil {
				errs[i] = err
				return
			}
			resp, err := c.Do(context.Background(), req)
			if err != nil {
				errs[i] = err
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "request %d", i)
	}
	// All concurrent 401s coalesced into exactly one refresh call.
	assert.Equal(t, int64(1), backend.refreshCalls.Load())
	assert.Equal(t, "T2", c.tokens.Token())
}

func TestRefresh_FailureTearsDownLocally(t *testing.T) {
	backend := &refreshBackend{validToken: "T2", refreshFail: true}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	c.tokens.SetToken("T1")

	req, err := c.NewRequest(context.Background(), http.MethodGet, "/secure/x", nil)
	require.NoError(t, err)

	_, err = c.Do(context.Background(), req)

	var refreshErr ErrRefreshFailed
	require.ErrorAs(t, err, &refreshErr)

	// Session cleared locally; the server-side logout endpoint was never
	// touched.
	assert.Empty(t, c.tokens.Token())
	assert.Empty(t, c.tokens.Roles())
	assert.Equal(t, int64(0), backend.logoutCalls.Load())
}

func TestRefresh_AfterRetryDisablesEndpoint(t *testing.T) {
	var refreshCalls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/v1/refresh" {
			refreshCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]string{"accessToken": "T2"})
			return
		}
		// Broken independent of auth state: always 401.
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	c.tokens.SetToken("T1")

	req, err := c.NewRequest(context.Background(), http.MethodGet, "/broken/endpoint", nil)
	require.NoError(t, err)

	_, err = c.Do(context.Background(), req)

	var disabled ErrEndpointDisabledAfterRetry
	require.ErrorAs(t, err, &disabled)
	assert.Equal(t, "/broken/endpoint", disabled.Path)
	assert.Equal(t, http.StatusUnauthorized, disabled.Status)

	// One refresh, not a storm, and the endpoint is now on the deny-list.
	assert.Equal(t, int64(1), refreshCalls.Load())
	assert.True(t, c.breaker.IsDisabled("/broken/endpoint"))

	// The next call short-circuits before the network.
	req2, err := c.NewRequest(context.Background(), http.MethodGet, "/broken/endpoint", nil)
	require.NoError(t, err)
	_, err = c.Do(context.Background(), req2)
	var fastFail ErrEndpointDisabled
	require.ErrorAs(t, err, &fastFail)
}

func TestRefresh_SkipOnceMarkerSuppresses(t *testing.T) {
	backend := &refreshBackend{validToken: "T2"}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	c.tokens.SetToken("T1")
	c.durable.Set(skipRefreshOnceKey, "1")

	req, err := c.NewRequest(context.Background(), http.MethodGet, "/secure/x", nil)
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The 401 passes through untouched and the marker is consumed.
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int64(0), backend.refreshCalls.Load())
	_, ok := c.durable.Get(skipRefreshOnceKey)
	assert.False(t, ok)
}

func TestRefresh_SuppressedDuringLogout(t *testing.T) {
	backend := &refreshBackend{validToken: "T2"}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	c.tokens.SetToken("T1")
	c.tokens.SetLoggingOut(true)

	req, err := c.NewRequest(context.Background(), http.MethodGet, "/secure/x", nil)
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int64(0), backend.refreshCalls.Load())
}
