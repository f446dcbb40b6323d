package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sleepRecorder replaces the notifier's sleep so tests observe the exact
// delay sequence without actually waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	onCall func(n int)
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	n := len(s.delays)
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall(n)
	}
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestNotifier(t *testing.T, handler http.Handler) (*Notifier, *Client, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	c := New(Config{BaseURL: server.URL})
	c.tokens.SetToken("poll-token")
	n := NewNotifier(c)
	return n, c, server.Close
}

func TestNotifier_DeliversAndAcks(t *testing.T) {
	var polls, acks atomic.Int64
	var ackedID atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("GET /notifications/longpoll", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) > 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(Envelope{
			Events: []Event{
				{ID: 1, Type: EventOrderStatusChanged, OrderID: 10, OldStatus: "QUEUED", NewStatus: "COOKING"},
				{ID: 2, Type: EventCourierMessage, OrderID: 10, Text: "on my way"},
			},
			NextSince: 2,
		})
	})
	mux.HandleFunc("POST /notifications/longpoll/ack", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			LastReceivedID int64 `json:"lastReceivedId"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		ackedID.Store(body.LastReceivedID)
		acks.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	n, c, closeServer := newTestNotifier(t, mux)
	defer closeServer()

	var received atomic.Int64
	n.Subscribe(func(evt Event) { received.Add(1) })

	n.Start(context.Background())
	defer n.Stop()

	require.Eventually(t, func() bool {
		persisted, ok := c.durable.Get(lpSinceKey)
		return received.Load() == 2 && ok && persisted == "2"
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), acks.Load())
	assert.Equal(t, int64(2), ackedID.Load())
	assert.Equal(t, int64(2), n.Since())
}

func TestNotifier_FailedAckFreezesCursor(t *testing.T) {
	var polls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /notifications/longpoll", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) > 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(Envelope{
			Events:    []Event{{ID: 1, Type: EventClientMessage, OrderID: 4, Text: "hello"}},
			NextSince: 1,
		})
	})
	mux.HandleFunc("POST /notifications/longpoll/ack", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	n, c, closeServer := newTestNotifier(t, mux)
	defer closeServer()

	var received atomic.Int64
	n.Subscribe(func(evt Event) { received.Add(1) })

	n.Start(context.Background())
	defer n.Stop()

	require.Eventually(t, func() bool { return received.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Events were delivered but the cursor must not move: the batch will
	// be redelivered (at-least-once).
	assert.Equal(t, int64(0), n.Since())
	_, ok := c.durable.Get(lpSinceKey)
	assert.False(t, ok)
}

func TestNotifier_BackoffSequence(t *testing.T) {
	// Three idle responses, then persistent errors: idle pauses stay at
	// the fixed inter-poll delay and only errors feed the exponential
	// backoff.
	var polls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /notifications/longpoll", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) <= 3 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, "down", http.StatusBadGateway)
	})

	n, _, closeServer := newTestNotifier(t, mux)
	defer closeServer()

	recorder := &sleepRecorder{}
	sleeps := make(chan int, 16)
	recorder.onCall = func(count int) { sleeps <- count }
	n.sleep = recorder.sleep

	n.Start(context.Background())
	defer n.Stop()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case count := <-sleeps:
			if count >= 7 {
				n.Stop()
				goto verify
			}
		case <-deadline:
			t.Fatal("timed out waiting for delay sequence")
		}
	}

verify:
	want := []time.Duration{
		lpIdleDelay, lpIdleDelay, lpIdleDelay,
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	}
	assert.Equal(t, want, recorder.recorded()[:7])
}

func TestNotifier_GivesUpPastBackoffCeiling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	var terminated atomic.Int64
	c := New(Config{
		BaseURL: server.URL,
		Events:  Events{PollTerminated: func(err error) { terminated.Add(1) }},
	})
	c.tokens.SetToken("poll-token")

	n := NewNotifier(c)
	n.initialBackoff = time.Millisecond
	n.maxBackoff = 4 * time.Millisecond
	recorder := &sleepRecorder{}
	n.sleep = recorder.sleep

	n.Start(context.Background())

	require.Eventually(t, func() bool { return terminated.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	// Delays doubled up to the ceiling, then the loop quit for good.
	assert.Equal(t, []time.Duration{
		1 * time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond,
	}, recorder.recorded())

	// Terminal means terminal: the signal fires exactly once.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), terminated.Load())
}

func TestNotifier_SubscriberPanicIsolated(t *testing.T) {
	var polls, acks atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /notifications/longpoll", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) > 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(Envelope{
			Events:    []Event{{ID: 1, Type: EventOrderStatusChanged, OrderID: 1}},
			NextSince: 1,
		})
	})
	mux.HandleFunc("POST /notifications/longpoll/ack", func(w http.ResponseWriter, r *http.Request) {
		acks.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	n, _, closeServer := newTestNotifier(t, mux)
	defer closeServer()

	var healthyGot atomic.Int64
	n.Subscribe(func(evt Event) { panic("subscriber bug") })
	n.Subscribe(func(evt Event) { healthyGot.Add(1) })

	n.Start(context.Background())
	defer n.Stop()

	// The panicking subscriber affects neither the healthy one nor the ack.
	require.Eventually(t, func() bool {
		return healthyGot.Load() == 1 && n.Since() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), acks.Load())
}

func TestNotifier_HasMoreDrainsWithoutDelay(t *testing.T) {
	var polls atomic.Int64
	var pollsAtFirstSleep atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /notifications/longpoll", func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			json.NewEncoder(w).Encode(Envelope{
				Events:    []Event{{ID: 1, Type: EventOrderStatusChanged, OrderID: 1}},
				NextSince: 1,
				HasMore:   true,
			})
		case 2:
			json.NewEncoder(w).Encode(Envelope{
				Events:    []Event{{ID: 2, Type: EventOrderStatusChanged, OrderID: 2}},
				NextSince: 2,
			})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("POST /notifications/longpoll/ack", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	n, _, closeServer := newTestNotifier(t, mux)
	defer closeServer()

	recorder := &sleepRecorder{}
	recorder.onCall = func(count int) {
		if count == 1 {
			pollsAtFirstSleep.Store(polls.Load())
		}
	}
	n.sleep = recorder.sleep

	var received atomic.Int64
	n.Subscribe(func(evt Event) { received.Add(1) })

	n.Start(context.Background())
	defer n.Stop()

	require.Eventually(t, func() bool { return received.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	// hasMore means the second page was fetched before the first pause.
	assert.GreaterOrEqual(t, pollsAtFirstSleep.Load(), int64(2))
}

func TestNotifier_RestoresCursorFromStorage(t *testing.T) {
	var sawSince atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var since int64
		if v := r.URL.Query().Get("since"); v != "" {
			json.Unmarshal([]byte(v), &since)
		}
		sawSince.Store(since)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	durable := NewMemoryStorage()
	durable.Set(lpSinceKey, "17")

	c := New(Config{BaseURL: server.URL, Durable: durable})
	c.tokens.SetToken("poll-token")

	n := NewNotifier(c)
	n.Start(context.Background())
	defer n.Stop()

	require.Eventually(t, func() bool { return sawSince.Load() == 17 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(17), n.Since())
}

func TestNotifier_StartIsIdempotent(t *testing.T) {
	var polls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	c.tokens.SetToken("poll-token")
	n := NewNotifier(c)

	ctx := context.Background()
	n.Start(ctx)
	n.Start(ctx)
	n.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	n.Stop()

	// A second Start must not spawn overlapping loops; with a 20ms hold
	// per poll a single loop cannot exceed a handful of requests.
	assert.LessOrEqual(t, polls.Load(), int64(5))
}
