package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
)

// maxCachedEvents bounds the per-task replay history.
const maxCachedEvents = 1024

// Event is one SSE frame: `event: <type>\ndata: <json>\nid: <eid>\n\n`.
type Event struct {
	Type string
	ID   string
	Data map[string]any
}

// EventCache fans out a task's events to SSE clients and keeps a bounded
// history so events emitted before a client connects are replayable. One
// cache per task. Thread-safe.
type EventCache struct {
	mu      sync.Mutex
	history []Event
	clients map[uint64]chan Event
	nextSub uint64
	nextEID uint64
	closed  bool
	doneCh  chan struct{} // closed on cache Close(), not on slow-client drops
}

func NewEventCache() *EventCache {
	return &EventCache{
		clients: make(map[uint64]chan Event),
		doneCh:  make(chan struct{}),
	}
}

// Publish appends an event to the history and delivers it to every live
// subscriber. A slow client is dropped rather than blocking the publisher.
func (c *EventCache) Publish(eventType string, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.nextEID++
	ev := Event{Type: eventType, ID: strconv.FormatUint(c.nextEID, 10), Data: payload}
	c.history = append(c.history, ev)
	if len(c.history) > maxCachedEvents {
		c.history = c.history[len(c.history)-maxCachedEvents:]
	}
	for id, ch := range c.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(c.clients, id)
		}
	}
}

// Subscribe returns an events channel that first replays the history and
// then carries live events, a done channel closed when the cache closes,
// and an unsubscribe function.
func (c *EventCache) Subscribe() (<-chan Event, <-chan struct{}, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Event, len(c.history)+256)
	id := c.nextSub
	c.nextSub++

	// The channel fits all history plus live headroom, so the replay
	// never blocks while holding the mutex.
	for _, ev := range c.history {
		ch <- ev
	}

	if c.closed {
		close(ch)
		return ch, c.doneCh, func() {}
	}

	c.clients[id] = ch
	unsub := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.clients[id]; ok {
			delete(c.clients, id)
			close(ch)
		}
	}
	return ch, c.doneCh, unsub
}

// Close signals that no more events will come. Client channels are closed.
func (c *EventCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.doneCh)
	for id, ch := range c.clients {
		close(ch)
		delete(c.clients, id)
	}
}

// History returns a copy of the cached events.
func (c *EventCache) History() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.history))
	copy(out, c.history)
	return out
}

// WriteSSE streams a cache to an HTTP response as Server-Sent Events.
func WriteSSE(w http.ResponseWriter, r *http.Request, c *EventCache) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := c.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Only emit "done" when the cache actually finished, not
				// when this client was dropped for slowness.
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\nid: %s\n\n", ev.Type, data, ev.ID)
			flusher.Flush()
		}
	}
}
