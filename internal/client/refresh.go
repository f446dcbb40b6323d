package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// refreshInterval throttles refresh calls: at most one per interval
// globally. Concurrent triggers inside the window wait out the remainder
// instead of firing duplicates.
const refreshInterval = 1 * time.Second

// refreshCoordinator makes the token refresh single-flight: the first 401
// leads the refresh, every concurrent 401 joins it, and all of them settle
// with the same new token or the same error. On failure the session is
// torn down locally; a server-side logout is never issued, so another
// device's refresh cookie is not revoked by accident.
type refreshCoordinator struct {
	mu          sync.Mutex
	inflight    chan struct{}
	resultToken string
	resultErr   error
	lastRefresh time.Time
	interval    time.Duration

	tokens *TokenStore
	call   func(ctx context.Context) (string, error)
}

func newRefreshCoordinator(tokens *TokenStore, call func(ctx context.Context) (string, error)) *refreshCoordinator {
	return &refreshCoordinator{
		interval: refreshInterval,
		tokens:   tokens,
		call:     call,
	}
}

// refresh returns the new access token once the (possibly already
// running) refresh settles. Followers respect their own context while
// waiting; the refresh itself runs detached from the leader's context so
// one cancelled caller cannot fail everyone else's retry.
func (rc *refreshCoordinator) refresh(ctx context.Context) (string, error) {
	rc.mu.Lock()
	if ch := rc.inflight; ch != nil {
		rc.mu.Unlock()
		select {
		case <-ch:
			rc.mu.Lock()
			token, err := rc.resultToken, rc.resultErr
			rc.mu.Unlock()
			return token, err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	ch := make(chan struct{})
	rc.inflight = ch
	wait := rc.interval - time.Since(rc.lastRefresh)
	rc.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}

	token, err := rc.call(context.WithoutCancel(ctx))
	if err == nil {
		rc.tokens.SetToken(token)
		log.Info().Msg("session refreshed")
	} else {
		// Local teardown only. The refresh cookie is the server's to
		// manage; rejecting here and clearing memory is the whole story.
		rc.tokens.Clear()
		log.Warn().Err(err).Msg("session refresh failed, local session cleared")
		token = ""
		err = ErrRefreshFailed{Err: err}
	}

	rc.mu.Lock()
	rc.resultToken, rc.resultErr = token, err
	rc.lastRefresh = time.Now()
	rc.inflight = nil
	close(ch)
	rc.mu.Unlock()

	return token, err
}
