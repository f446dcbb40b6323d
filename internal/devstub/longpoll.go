package devstub

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kirillkgr/tastyhub-client/internal/client"
)

// eventQueue buffers per-user notifications. Events are kept until acked
// so redelivery works the way the real backend redelivers unacked pages.
type eventQueue struct {
	mu     sync.Mutex
	events []client.Event
	nextID int64
	acked  int64
	wake   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{nextID: 1, wake: make(chan struct{})}
}

// push appends an event, assigns its id and wakes every waiting poll.
func (q *eventQueue) push(evt client.Event) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	evt.ID = q.nextID
	q.nextID++
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	q.events = append(q.events, evt)
	close(q.wake)
	q.wake = make(chan struct{})
	return evt.ID
}

// pageAfter returns up to limit events with id > since plus the paging
// metadata.
func (q *eventQueue) pageAfter(since int64, limit int) ([]client.Event, int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var page []client.Event
	for _, evt := range q.events {
		if evt.ID > since {
			page = append(page, evt)
			if len(page) == limit {
				break
			}
		}
	}
	if len(page) == 0 {
		return nil, since, false
	}
	nextSince := page[len(page)-1].ID
	hasMore := q.events[len(q.events)-1].ID > nextSince
	return page, nextSince, hasMore
}

func (q *eventQueue) ack(lastReceived int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lastReceived > q.acked {
		q.acked = lastReceived
	}
	// Drop events the client has confirmed.
	kept := q.events[:0]
	for _, evt := range q.events {
		if evt.ID > q.acked {
			kept = append(kept, evt)
		}
	}
	q.events = kept
}

func (q *eventQueue) unread() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, evt := range q.events {
		if evt.ID > q.acked {
			count++
		}
	}
	return count
}

func (q *eventQueue) wakeChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

// PushEvent enqueues a notification for username and returns its id.
// Tests and the demo binary use it to simulate backend activity.
func (s *Server) PushEvent(username string, evt client.Event) int64 {
	return s.queue(username).push(evt)
}

func (s *Server) queue(username string) *eventQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[username]
	if !ok {
		q = newEventQueue()
		s.queues[username] = q
	}
	return q
}

// handleLongPoll holds the request open until events arrive for the user
// or the hold window elapses; an empty window answers 204.
func (s *Server) handleLongPoll(w http.ResponseWriter, r *http.Request) {
	q := s.queue(userFrom(r.Context()))

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	maxBatch, _ := strconv.Atoi(r.URL.Query().Get("maxBatch"))
	if maxBatch <= 0 || maxBatch > 100 {
		maxBatch = 50
	}
	timeoutMs, _ := strconv.Atoi(r.URL.Query().Get("timeoutMs"))
	hold := time.Duration(timeoutMs) * time.Millisecond
	if hold <= 0 || hold > s.WaitCeiling {
		hold = s.WaitCeiling
	}

	deadline := time.NewTimer(hold)
	defer deadline.Stop()

	for {
		page, nextSince, hasMore := q.pageAfter(since, maxBatch)
		if len(page) > 0 {
			writeJSON(w, http.StatusOK, client.Envelope{
				Events:      page,
				NextSince:   nextSince,
				HasMore:     hasMore,
				UnreadCount: q.unread(),
			})
			return
		}

		select {
		case <-q.wakeChan():
			// New events, loop and page them out.
		case <-deadline.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LastReceivedID int64 `json:"lastReceivedId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.queue(userFrom(r.Context())).ack(body.LastReceivedID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue(userFrom(r.Context())).unread())
}
