package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// lpSinceKey is the durable storage key for the acknowledged cursor.
	lpSinceKey = "lp_since"

	// lpMaxBatch and lpTimeoutMs are passed through to the server; the
	// server decides how long it actually holds the connection.
	lpMaxBatch  = 50
	lpTimeoutMs = 25000

	// lpIdleDelay is the pause after an empty or fully-drained poll, so
	// idle responses do not become a tight loop.
	lpIdleDelay = 150 * time.Millisecond

	// lpInitialBackoff and lpMaxBackoff bound the error backoff. When the
	// next delay would exceed the ceiling the loop gives up permanently.
	lpInitialBackoff = 1 * time.Second
	lpMaxBackoff     = 10 * time.Minute
)

// Notifier is the long-poll notification channel: a single restartable
// loop that fetches event batches since a cursor, fans them out to
// subscribers, and acknowledges receipt. Delivery is at-least-once: the
// cursor only advances after a successful ack, so events may be
// redelivered and subscribers should be idempotent.
type Notifier struct {
	client *Client

	mu      sync.Mutex
	running bool
	gen     int
	cancel  context.CancelFunc
	since   int64
	subs    map[int]func(Event)
	nextSub int

	idleDelay      time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration

	// sleep is swapped out by tests to observe the delay sequence.
	sleep func(ctx context.Context, d time.Duration)
}

// NewNotifier creates a stopped notifier bound to the client's request
// pipeline. The long-poll path shares the interceptors but is hard-exempt
// from the breaker.
func NewNotifier(c *Client) *Notifier {
	return &Notifier{
		client:         c,
		subs:           make(map[int]func(Event)),
		idleDelay:      lpIdleDelay,
		initialBackoff: lpInitialBackoff,
		maxBackoff:     lpMaxBackoff,
		sleep:          sleepCtx,
	}
}

// Subscribe registers a callback for every delivered event and returns
// the corresponding unsubscribe function. Subscribers are independent:
// one failing subscriber does not affect the others or the ack.
func (n *Notifier) Subscribe(fn func(Event)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// Start launches the polling loop. Calling Start on a running notifier is
// a no-op. The cursor is restored from durable storage so delivery
// resumes where the previous run acknowledged.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return
	}
	n.running = true

	if raw, ok := n.client.durable.Get(lpSinceKey); ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > n.since {
			n.since = v
		}
	}

	n.gen++
	loopCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	go n.loop(loopCtx, n.gen)
}

// Stop cancels the loop cooperatively: the iteration in flight settles,
// then the loop exits. Safe to call on a stopped notifier.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	n.running = false
	n.cancel()
}

// Since returns the current acknowledged cursor.
func (n *Notifier) Since() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.since
}

// UnreadCount fetches the approximate unread badge counter.
func (n *Notifier) UnreadCount(ctx context.Context) (int, error) {
	var count int
	if err := n.client.getJSON(ctx, "/notifications/longpoll/unreadCount", &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (n *Notifier) loop(ctx context.Context, gen int) {
	defer func() {
		n.mu.Lock()
		if n.gen == gen {
			n.running = false
		}
		n.mu.Unlock()
	}()

	backoff := n.initialBackoff

	for {
		if ctx.Err() != nil {
			log.Debug().Msg("notification loop stopped")
			return
		}

		envelope, idle, err := n.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if backoff > n.maxBackoff {
				// Deliberate: no infinite retry in a degraded state. The
				// user gets one terminal signal and must reload.
				log.Error().Err(err).Msg("notification loop giving up after backoff ceiling")
				n.client.events.pollTerminated(err)
				return
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("poll failed, backing off")
			n.sleep(ctx, backoff)
			backoff *= 2
			continue
		}

		// Any successful poll, idle included, resets the backoff.
		backoff = n.initialBackoff

		if idle || len(envelope.Events) == 0 {
			n.sleep(ctx, n.idleDelay)
			continue
		}

		for _, evt := range envelope.Events {
			n.dispatch(evt)
		}

		n.ack(ctx, envelope.NextSince)

		if envelope.HasMore {
			continue
		}
		n.sleep(ctx, n.idleDelay)
	}
}

// poll issues one long-poll request. idle reports a 204/201 no-content
// response, which is a valid outcome and not an error.
func (n *Notifier) poll(ctx context.Context) (Envelope, bool, error) {
	path := fmt.Sprintf("/notifications/longpoll?since=%d&maxBatch=%d&timeoutMs=%d",
		n.Since(), lpMaxBatch, lpTimeoutMs)

	req, err := n.client.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Envelope{}, false, err
	}

	resp, err := n.client.Do(ctx, req)
	if err != nil {
		return Envelope{}, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusCreated:
		return Envelope{}, true, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var envelope Envelope
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return Envelope{}, false, fmt.Errorf("failed to parse poll response: %w", err)
		}
		return envelope, false, nil
	default:
		return Envelope{}, false, ErrStatus{Path: "/notifications/longpoll", Status: resp.StatusCode}
	}
}

// dispatch delivers one event to every subscriber, isolating panics so a
// broken subscriber cannot block the batch or the ack.
func (n *Notifier) dispatch(evt Event) {
	n.mu.Lock()
	subs := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Int64("eventId", evt.ID).Msg("subscriber panicked")
				}
			}()
			fn(evt)
		}()
	}
}

// ack acknowledges the batch and advances the persisted cursor. A failed
// ack is logged and left alone: the cursor stays put and the same events
// are redelivered on the next poll.
func (n *Notifier) ack(ctx context.Context, nextSince int64) {
	body := struct {
		LastReceivedID int64 `json:"lastReceivedId"`
	}{LastReceivedID: nextSince}

	if err := n.client.postJSON(ctx, "/notifications/longpoll/ack", body, nil); err != nil {
		log.Warn().Err(err).Int64("nextSince", nextSince).Msg("ack failed, cursor not advanced")
		return
	}

	n.mu.Lock()
	if nextSince > n.since {
		n.since = nextSince
	}
	since := n.since
	n.mu.Unlock()

	n.client.durable.Set(lpSinceKey, strconv.FormatInt(since, 10))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
