package threadsync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type stateChange struct {
	state   RealtimeState
	attempt int
}

type hookRecorder struct {
	mu     sync.Mutex
	events []RealtimeEnvelope
	states []stateChange
	drops  int
}

func (h *hookRecorder) hooks() TransportHooks {
	return TransportHooks{
		OnEvent: func(env RealtimeEnvelope) {
			h.mu.Lock()
			h.events = append(h.events, env)
			h.mu.Unlock()
		},
		OnState: func(s RealtimeState, attempt int) {
			h.mu.Lock()
			h.states = append(h.states, stateChange{s, attempt})
			h.mu.Unlock()
		},
		OnDrop: func(error) {
			h.mu.Lock()
			h.drops++
			h.mu.Unlock()
		},
	}
}

func (h *hookRecorder) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func (h *hookRecorder) dropCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drops
}

func (h *hookRecorder) sawState(s RealtimeState, attempt int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.states {
		if c.state == s && c.attempt == attempt {
			return true
		}
	}
	return false
}

func testRealtimeConfig(baseURL string) RealtimeConfig {
	return RealtimeConfig{
		BaseURL:              baseURL,
		Token:                "tok",
		UserID:               "me",
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       10 * time.Millisecond,
	}
}

func TestReconnector(t *testing.T) {
	r := newReconnector(&RealtimeConfig{ReconnectDelay: time.Second, MaxReconnectAttempts: 2})
	attempt, delay, ok := r.next()
	assert.True(t, ok)
	assert.Equal(t, 1, attempt)
	assert.Equal(t, time.Second, delay)
	_, _, ok = r.next()
	assert.True(t, ok)
	_, _, ok = r.next()
	assert.False(t, ok)

	r.reset()
	attempt, _, ok = r.next()
	assert.True(t, ok)
	assert.Equal(t, 1, attempt)
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "wss://api.example.com/ws", websocketURL("https://api.example.com/"))
	assert.Equal(t, "ws://127.0.0.1:8080/ws", websocketURL("http://127.0.0.1:8080"))
}

func TestDecodeFrame(t *testing.T) {
	env, err := decodeFrame([]byte(`{"type":"typing","payload":{"threadId":"T1"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventTyping, env.Type)
	assert.JSONEq(t, `{"threadId":"T1"}`, string(env.Payload))

	_, err = decodeFrame([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
	_, err = decodeFrame([]byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

// ============================================================================
// WebSocket
// ============================================================================

func TestWSTransport_EventsAndCommands(t *testing.T) {
	commands := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.CloseNow()
		ctx := context.Background()
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message:new","payload":{"id":"1","threadId":"T1"}}`))
		conn.Write(ctx, websocket.MessageText, []byte(`garbage`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"typing","payload":{"threadId":"T1","userId":"ann"}}`))
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			commands <- string(data)
		}
	}))
	defer srv.Close()

	rec := &hookRecorder{}
	ws := NewWSTransport(testRealtimeConfig(srv.URL), rec.hooks())
	require.NoError(t, ws.Connect(context.Background()))
	defer ws.Disconnect()
	assert.Equal(t, StateConnected, ws.State())

	require.Eventually(t, func() bool { return len(rec.eventTypes()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{EventMessageNew, EventTyping}, rec.eventTypes())
	assert.Equal(t, 1, rec.dropCount())

	require.NoError(t, ws.Send(context.Background(), &RealtimeCommand{Type: EventTyping, Payload: map[string]string{"threadId": "T1"}}))
	select {
	case got := <-commands:
		assert.JSONEq(t, `{"type":"typing","payload":{"threadId":"T1"}}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("command not received")
	}
}

func TestWSTransport_ConnectIsIdempotent(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ws := NewWSTransport(testRealtimeConfig(srv.URL), TransportHooks{})
	require.NoError(t, ws.Connect(context.Background()))
	require.NoError(t, ws.Connect(context.Background()))
	assert.Equal(t, int32(1), conns.Load())

	require.NoError(t, ws.Disconnect())
	assert.Equal(t, StateDisconnected, ws.State())
	assert.ErrorIs(t, ws.Send(context.Background(), &RealtimeCommand{Type: EventTyping}), ErrNotConnected)
}

func TestWSTransport_Reconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		defer conn.CloseNow()
		conn.Write(context.Background(), websocket.MessageText, []byte(fmt.Sprintf(`{"type":"thread:update","payload":{"id":"T%d"}}`, n)))
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := &hookRecorder{}
	ws := NewWSTransport(testRealtimeConfig(srv.URL), rec.hooks())
	require.NoError(t, ws.Connect(context.Background()))
	defer ws.Disconnect()

	require.Eventually(t, func() bool { return len(rec.eventTypes()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), conns.Load())
	assert.True(t, rec.sawState(StateReconnecting, 1))
	assert.Equal(t, StateConnected, ws.State())
}

func TestWSTransport_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	rec := &hookRecorder{}
	ws := NewWSTransport(testRealtimeConfig(srv.URL), rec.hooks())
	require.Error(t, ws.Connect(context.Background()))
	assert.Equal(t, StateDisconnected, ws.State())
	assert.True(t, rec.sawState(StateConnecting, 0))
}

// ============================================================================
// Server-sent events
// ============================================================================

func TestSSETransport_ParsesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "event: message:new\ndata: {\"id\":\"1\",\"threadId\":\"T1\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"typing\",\"payload\":{\"threadId\":\"T1\",\"userId\":\"ann\"}}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "event: message:read\ndata: {\"messageId\":\"1\",\n")
		fmt.Fprint(w, "data: \"userId\":\"bob\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := &hookRecorder{}
	sse := NewSSETransport(testRealtimeConfig(srv.URL), rec.hooks())
	require.NoError(t, sse.Connect(context.Background()))
	defer sse.Disconnect()

	require.Eventually(t, func() bool { return len(rec.eventTypes()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{EventMessageNew, EventTyping, EventMessageRead}, rec.eventTypes())
	assert.Equal(t, 1, rec.dropCount())

	rec.mu.Lock()
	assert.JSONEq(t, `{"messageId":"1","userId":"bob"}`, string(rec.events[2].Payload))
	rec.mu.Unlock()

	assert.ErrorIs(t, sse.Send(context.Background(), &RealtimeCommand{Type: EventTyping}), ErrOutboundUnsupported)
}

func TestSSETransport_ReconnectsUntilExhausted(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: thread:update\ndata: {\"id\":\"T1\"}\n\n")
	}))
	defer srv.Close()

	cfg := testRealtimeConfig(srv.URL)
	cfg.MaxReconnectAttempts = 2
	rec := &hookRecorder{}
	sse := NewSSETransport(cfg, rec.hooks())
	require.NoError(t, sse.Connect(context.Background()))
	defer sse.Disconnect()

	require.Eventually(t, func() bool {
		return rec.sawState(StateReconnecting, 2) && sse.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{EventThreadUpdate}, rec.eventTypes())
	assert.Equal(t, int32(3), requests.Load())
	assert.False(t, rec.sawState(StateReconnecting, 3))
}

func TestSSETransport_DisconnectStopsReconnect(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := &hookRecorder{}
	sse := NewSSETransport(testRealtimeConfig(srv.URL), rec.hooks())
	require.NoError(t, sse.Connect(context.Background()))
	require.NoError(t, sse.Disconnect())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), requests.Load())
	assert.Equal(t, StateDisconnected, sse.State())
	assert.False(t, rec.sawState(StateReconnecting, 1))
}
