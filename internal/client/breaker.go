package client

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// disabledEndpointsKey is the session-scoped storage key for the
	// breaker map (path -> expiry unix millis).
	disabledEndpointsKey = "disabled_endpoints"

	// DefaultDisableTTL is how long a path stays disabled once tripped.
	DefaultDisableTTL = 5 * time.Minute
)

// Breaker is a time-bounded deny-list of endpoints that recently failed
// irrecoverably. It prevents repeated hammering of an endpoint that is
// structurally broken (missing route, permanent 403) for the remainder of
// the session. The long-poll and auth paths are hard-exempted: polling
// failures are expected and must not cascade into feature loss.
type Breaker struct {
	mu    sync.Mutex
	store Storage
	now   func() time.Time
}

// NewBreaker creates a breaker persisting to the given session-scoped
// storage area.
func NewBreaker(store Storage) *Breaker {
	return &Breaker{store: store, now: time.Now}
}

// Exempt reports whether the path may never be disabled or blocked.
func (b *Breaker) Exempt(path string) bool {
	return strings.HasPrefix(path, "/notifications/longpoll") ||
		strings.HasPrefix(path, "/auth/v1/")
}

// IsDisabled reports whether an unexpired breaker entry exists for path.
// Expired entries are lazily purged on every read.
func (b *Breaker) IsDisabled(path string) bool {
	if b.Exempt(path) {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.read()
	_, disabled := entries[path]
	return disabled
}

// Disable marks path unavailable until now + ttl. A zero ttl means
// DefaultDisableTTL. Exempt paths are ignored.
func (b *Breaker) Disable(path string, ttl time.Duration) {
	if b.Exempt(path) {
		return
	}
	if ttl <= 0 {
		ttl = DefaultDisableTTL
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.read()
	entries[path] = b.now().Add(ttl).UnixMilli()
	b.write(entries)

	log.Warn().Str("path", path).Dur("ttl", ttl).Msg("endpoint disabled")
}

// read loads the breaker map and drops expired entries, writing the map
// back when anything was purged.
func (b *Breaker) read() map[string]int64 {
	entries := make(map[string]int64)
	raw, ok := b.store.Get(disabledEndpointsKey)
	if ok {
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			log.Debug().Err(err).Msg("breaker map corrupt, starting empty")
			entries = make(map[string]int64)
		}
	}

	nowMs := b.now().UnixMilli()
	changed := false
	for path, expiry := range entries {
		if expiry <= nowMs {
			delete(entries, path)
			changed = true
		}
	}
	if changed {
		b.write(entries)
	}
	return entries
}

func (b *Breaker) write(entries map[string]int64) {
	raw, err := json.Marshal(entries)
	if err != nil {
		log.Debug().Err(err).Msg("breaker map marshal failed")
		return
	}
	b.store.Set(disabledEndpointsKey, string(raw))
}
