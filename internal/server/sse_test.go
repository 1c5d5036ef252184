package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "channel closed after %d events", len(out))
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestSubscribeReplaysHistory(t *testing.T) {
	c := NewEventCache()
	c.Publish("upload_progress", map[string]any{"progress": 30})
	c.Publish("upload_progress", map[string]any{"progress": 60})
	c.Publish("upload_complete", map[string]any{"document_id": "doc_1"})

	events, _, unsub := c.Subscribe()
	defer unsub()

	got := drain(t, events, 3)
	assert.Equal(t, "upload_progress", got[0].Type)
	assert.Equal(t, "upload_complete", got[2].Type)
	// Event ids are monotonically increasing.
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[2].ID)

	// Live events follow the replay on the same channel.
	c.Publish("review_progress", map[string]any{"current_clause_index": 0})
	live := drain(t, events, 1)
	assert.Equal(t, "review_progress", live[0].Type)
	assert.Equal(t, "4", live[0].ID)
}

func TestHistoryBounded(t *testing.T) {
	c := NewEventCache()
	for i := 0; i < maxCachedEvents+50; i++ {
		c.Publish("review_progress", map[string]any{"i": i})
	}
	h := c.History()
	require.Len(t, h, maxCachedEvents)
	assert.Equal(t, 50, h[0].Data["i"])
}

func TestSlowClientDropped(t *testing.T) {
	c := NewEventCache()
	events, doneCh, unsub := c.Subscribe()
	defer unsub()

	// Fill the subscriber's buffer without reading, then overflow it.
	for i := 0; i < 400; i++ {
		c.Publish("review_progress", map[string]any{"i": i})
	}

	// The channel ends without the cache being done.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				select {
				case <-doneCh:
					t.Fatal("done channel closed for a slow-client drop")
				default:
				}
				return
			}
		case <-deadline:
			t.Fatal("slow client was never dropped")
		}
	}
}

func TestCloseEndsSubscribers(t *testing.T) {
	c := NewEventCache()
	c.Publish("review_complete", map[string]any{})
	events, doneCh, unsub := c.Subscribe()
	defer unsub()

	c.Close()
	<-doneCh

	drain(t, events, 1)
	_, ok := <-events
	assert.False(t, ok)

	// Publishing after close is a no-op.
	c.Publish("review_progress", nil)
	assert.Len(t, c.History(), 1)

	// A late subscriber still gets the replay, then an immediate close.
	late, _, _ := c.Subscribe()
	drain(t, late, 1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestWriteSSEFraming(t *testing.T) {
	c := NewEventCache()
	c.Publish("diff_proposed", map[string]any{"diff_id": "diff_1"})
	c.Publish("approval_required", map[string]any{"pending_count": 1})
	c.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v3/review/t1/events", nil)
	WriteSSE(rec, req, c)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: diff_proposed\ndata: {\"diff_id\":\"diff_1\"}\nid: 1\n\n")
	assert.Contains(t, body, "event: approval_required\n")
	// The cache closed for real, so the stream ends with a done frame.
	assert.True(t, strings.HasSuffix(body, "event: done\ndata: {}\n\n"))
}

func TestWriteSSEStopsOnClientDisconnect(t *testing.T) {
	c := NewEventCache()
	c.Publish("review_progress", map[string]any{"i": 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v3/review/t1/events", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		WriteSSE(rec, req, c)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WriteSSE did not return on client disconnect")
	}
	body := rec.Body.String()
	assert.Contains(t, body, "event: review_progress\n")
	assert.NotContains(t, body, "event: done")
}
