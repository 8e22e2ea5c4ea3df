package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagechannel/channel-server-go/internal/middleware"
	"github.com/wagechannel/channel-server-go/internal/model"
	"github.com/wagechannel/channel-server-go/internal/sse"
)

// streamRecorder is a ResponseWriter safe to read while the handler streams.
type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	body   bytes.Buffer
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: http.Header{}}
}

func (s *streamRecorder) Header() http.Header { return s.header }
func (s *streamRecorder) WriteHeader(int)     {}
func (s *streamRecorder) Flush()              {}

func (s *streamRecorder) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body.Write(p)
}

func (s *streamRecorder) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body.String()
}

type fakeSubscriber struct {
	mu           sync.Mutex
	client       *sse.Client
	unsubscribed bool
}

func (f *fakeSubscriber) Subscribe(actorID string) *sse.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.client = &sse.Client{ActorID: actorID, Events: make(chan sse.Event, 4), Done: make(chan struct{})}
	return f.client
}

func (f *fakeSubscriber) Unsubscribe(client *sse.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = true
}

func (f *fakeSubscriber) current() *sse.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}

func TestEventsHandler_ServeHTTP(t *testing.T) {
	t.Run("returns 401 without an actor", func(t *testing.T) {
		handler := NewEventsHandler(&fakeSubscriber{})

		req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
	})

	t.Run("streams connected and channel events for the actor", func(t *testing.T) {
		sub := &fakeSubscriber{}
		handler := NewEventsHandler(sub)

		ctx, cancel := context.WithCancel(context.Background())
		ctx = middleware.WithActor(ctx, model.Actor{ID: "worker-1", Role: model.RoleWorker})
		req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
		rec := newStreamRecorder()

		done := make(chan struct{})
		go func() {
			defer close(done)
			handler.ServeHTTP(rec, req)
		}()

		require.Eventually(t, func() bool { return sub.current() != nil }, time.Second, 5*time.Millisecond)
		client := sub.current()
		assert.Equal(t, "worker-1", client.ActorID)

		client.Events <- sse.Event{Type: "channel.closed", ChannelID: "ch-1", Data: json.RawMessage(`{"state":"closed"}`)}

		require.Eventually(t, func() bool {
			return bytes.Contains([]byte(rec.String()), []byte("event: channel.closed\n"))
		}, time.Second, 5*time.Millisecond)

		cancel()
		<-done

		body := rec.String()
		assert.Contains(t, body, "event: connected\n")
		assert.Contains(t, body, `"actorId":"worker-1"`)
		assert.Contains(t, body, `"channelId":"ch-1"`)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		assert.True(t, sub.unsubscribed)
	})

	t.Run("closes when the broker shuts the client down", func(t *testing.T) {
		sub := &fakeSubscriber{}
		handler := NewEventsHandler(sub)

		ctx := middleware.WithActor(context.Background(), model.Actor{ID: "sponsor-1", Role: model.RoleSponsor})
		req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)

		done := make(chan struct{})
		go func() {
			defer close(done)
			handler.ServeHTTP(newStreamRecorder(), req)
		}()

		require.Eventually(t, func() bool { return sub.current() != nil }, time.Second, 5*time.Millisecond)
		close(sub.current().Done)

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("handler did not return after broker close")
		}
	})
}

func TestEventsHandler_sendRawEvent(t *testing.T) {
	handler := &EventsHandler{}
	rec := httptest.NewRecorder()

	err := handler.sendRawEvent(rec, rec, sse.Event{
		Type:      "session.completed",
		ChannelID: "ch-1",
		Data:      json.RawMessage(`{"hours":"1.5"}`),
	})

	require.NoError(t, err)
	body := rec.Body.String()
	assert.Contains(t, body, "event: session.completed\n")
	assert.Contains(t, body, `data: {"type":"session.completed","channelId":"ch-1","data":{"hours":"1.5"}}`)
	assert.True(t, bytes.HasSuffix(rec.Body.Bytes(), []byte("\n\n")))
}
