package threadsync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeTransport struct {
	mu         sync.Mutex
	cfg        RealtimeConfig
	hooks      TransportHooks
	state      RealtimeState
	connects   int
	sent       []*RealtimeCommand
	connectErr error
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	if f.connectErr != nil {
		f.mu.Unlock()
		return f.connectErr
	}
	f.state = StateConnected
	f.mu.Unlock()
	if f.hooks.OnState != nil {
		f.hooks.OnState(StateConnected, 0)
	}
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.state = StateDisconnected
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(_ context.Context, cmd *RealtimeCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeTransport) State() RealtimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return StateDisconnected
	}
	return f.state
}

func (f *fakeTransport) push(eventType, payload string) {
	f.hooks.OnEvent(RealtimeEnvelope{Type: eventType, Payload: json.RawMessage(payload)})
}

func (f *fakeTransport) sentCommands() []*RealtimeCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*RealtimeCommand(nil), f.sent...)
}

type fakeFactory struct {
	mu         sync.Mutex
	built      []*fakeTransport
	connectErr error
}

func (ff *fakeFactory) build(cfg RealtimeConfig, hooks TransportHooks) Transport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	t := &fakeTransport{cfg: cfg, hooks: hooks, connectErr: ff.connectErr}
	ff.built = append(ff.built, t)
	return t
}

func (ff *fakeFactory) last() *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.built) == 0 {
		return nil
	}
	return ff.built[len(ff.built)-1]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.built)
}

func newTestAdapter(t *testing.T, metrics *Metrics) (*RealtimeAdapter, *Store, *TypingTracker, *fakeFactory, *TokenAuth) {
	t.Helper()
	store := NewStore()
	auth := NewTokenAuth("tok")
	auth.SetUserID("me")
	typing, _ := newTestTracker("me")
	typing.self = auth.CurrentUserID
	ff := &fakeFactory{}
	a := newRealtimeAdapter(store, typing, auth, ff.build, DefaultRealtimeConfig(), 0, zap.NewNop(), metrics)
	return a, store, typing, ff, auth
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestRealtimeAdapter_ConnectRequiresAuth(t *testing.T) {
	a, _, _, ff, auth := newTestAdapter(t, nil)
	auth.Logout()

	err := a.Connect(context.Background())
	assert.ErrorIs(t, err, ErrMissingCredential)
	assert.Equal(t, 0, ff.count())
	assert.Equal(t, StateDisconnected, a.State())
}

func TestRealtimeAdapter_SingleConnection(t *testing.T) {
	a, _, _, ff, _ := newTestAdapter(t, nil)
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Connect(ctx))
	assert.Equal(t, 1, ff.count())
	assert.Equal(t, 1, ff.last().connects)
	assert.Equal(t, "tok", ff.last().cfg.Token)
	assert.Equal(t, "me", ff.last().cfg.UserID)
	assert.Equal(t, StateConnected, a.State())

	require.NoError(t, a.Disconnect())
	assert.Equal(t, StateDisconnected, a.State())

	require.NoError(t, a.Connect(ctx))
	assert.Equal(t, 2, ff.count())
}

func TestRealtimeAdapter_ConnectFailureReleasesTransport(t *testing.T) {
	a, _, _, ff, _ := newTestAdapter(t, nil)
	ff.connectErr = errors.New("dial refused")

	err := a.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, a.State())

	ff.connectErr = nil
	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, 2, ff.count())
}

func TestRealtimeAdapter_IgnoresStaleTransport(t *testing.T) {
	a, store, _, ff, _ := newTestAdapter(t, nil)
	require.NoError(t, a.Connect(context.Background()))
	old := ff.last()
	require.NoError(t, a.Disconnect())

	old.push(EventMessageNew, `{"id":"m1","threadId":"T1"}`)
	assert.False(t, store.HasBucket("T1"))
}

func TestRealtimeAdapter_StateListeners(t *testing.T) {
	a, _, _, _, _ := newTestAdapter(t, nil)
	var states []RealtimeState
	a.OnStateChange(func(s RealtimeState, _ int) { states = append(states, s) })

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Disconnect())
	assert.Equal(t, []RealtimeState{StateConnected, StateDisconnected}, states)
}

// ============================================================================
// Inbound events
// ============================================================================

func TestRealtimeAdapter_MessageNew(t *testing.T) {
	a, store, _, _, _ := newTestAdapter(t, nil)
	store.MergeMessages("T1", []Message{{ID: "1", CreatedAt: "2024-01-01T00:00:01Z"}})

	a.HandleEvent(RealtimeEnvelope{Type: EventMessageNew, Payload: json.RawMessage(
		`{"message":{"id":2,"threadId":"T1","senderId":"bob","text":"hi","createdAt":"2024-01-01T00:00:02Z"},
		  "thread":{"id":"T1","title":"Lease","updatedAt":"2024-01-01T00:00:02Z"}}`)})
	// Duplicate push of the same message is merged.
	a.HandleEvent(RealtimeEnvelope{Type: EventMessageNew, Payload: json.RawMessage(
		`{"id":"2","thread_id":"T1","text":"hi"}`)})

	assert.Equal(t, []string{"1", "2"}, bucketIDs(store.Bucket("T1")))
	th, ok := store.Thread("T1")
	require.True(t, ok)
	assert.Equal(t, "Lease", th.Title)
	assert.Equal(t, "2024-01-01T00:00:02Z", th.UpdatedAt)
}

func TestRealtimeAdapter_ThreadUpdate(t *testing.T) {
	a, store, _, _, _ := newTestAdapter(t, nil)
	store.MergeThreads([]Thread{{ID: "T1", Title: "Old", Participants: []string{"ann"}}})

	a.HandleEvent(RealtimeEnvelope{Type: EventThreadUpdate, Payload: json.RawMessage(`{"thread":{"id":"T1","title":"New","unread_count":2}}`)})

	th, _ := store.Thread("T1")
	assert.Equal(t, "New", th.Title)
	assert.Equal(t, []string{"ann"}, th.Participants)
	require.NotNil(t, th.UnreadCount)
	assert.Equal(t, 2, *th.UnreadCount)
	assert.False(t, store.HasBucket("T1"), "thread updates never touch buckets")
}

func TestRealtimeAdapter_MessageDeleted(t *testing.T) {
	a, store, _, _, _ := newTestAdapter(t, nil)
	store.MergeMessages("T1", []Message{{ID: "1"}, {ID: "11"}})

	a.HandleEvent(RealtimeEnvelope{Type: EventMessageDeleted, Payload: json.RawMessage(`{"messageId":1}`)})
	assert.Equal(t, []string{"11"}, bucketIDs(store.Bucket("T1")), "removal matches the exact id")

	a.HandleEvent(RealtimeEnvelope{Type: EventMessageDeleted, Payload: json.RawMessage(`{"id":"11","threadId":"T1"}`)})
	assert.Empty(t, store.Bucket("T1"))
}

func TestRealtimeAdapter_MessageReadIsIdempotent(t *testing.T) {
	a, store, _, _, _ := newTestAdapter(t, nil)
	store.MergeMessages("T1", []Message{{ID: "1", SenderID: "me"}})
	changes := 0
	store.Subscribe(func() { changes++ })

	for i := 0; i < 3; i++ {
		a.HandleEvent(RealtimeEnvelope{Type: EventMessageRead, Payload: json.RawMessage(`{"messageId":"1","threadId":"T1","userId":"bob"}`)})
	}
	assert.Equal(t, []string{"bob"}, store.Bucket("T1")[0].ReadBy)
	assert.Equal(t, 1, changes)
}

func TestRealtimeAdapter_Typing(t *testing.T) {
	a, _, typing, _, _ := newTestAdapter(t, nil)

	a.HandleEvent(RealtimeEnvelope{Type: EventTyping, Payload: json.RawMessage(`{"threadId":"T3","userId":"U2"}`)})
	a.HandleEvent(RealtimeEnvelope{Type: EventTyping, Payload: json.RawMessage(`{"threadId":"T3","userId":"me"}`)})
	assert.Equal(t, []string{"U2"}, typing.Users("T3"))

	a.HandleEvent(RealtimeEnvelope{Type: EventTyping, Payload: json.RawMessage(`{"threadId":"T3","userId":"U2","isTyping":false}`)})
	assert.Empty(t, typing.Users("T3"))
}

func TestRealtimeAdapter_DropsMalformedEvents(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	a, store, _, _, _ := newTestAdapter(t, m)

	bad := []RealtimeEnvelope{
		{Type: EventMessageNew, Payload: json.RawMessage(`{"text":"no id"}`)},
		{Type: EventMessageNew, Payload: json.RawMessage(`{"id":"m1"}`)},
		{Type: EventThreadUpdate, Payload: json.RawMessage(`{"title":"no id"}`)},
		{Type: EventMessageDeleted, Payload: json.RawMessage(`{"messageId":"unknown"}`)},
		{Type: EventMessageRead, Payload: json.RawMessage(`{"messageId":"1","threadId":"T1"}`)},
		{Type: EventTyping, Payload: json.RawMessage(`{"userId":"U2"}`)},
		{Type: EventMessageNew, Payload: json.RawMessage(`"not an object"`)},
		{Type: EventMessageNew, Payload: json.RawMessage(`{broken`)},
	}
	assert.NotPanics(t, func() {
		for _, env := range bad {
			a.HandleEvent(env)
		}
	})
	assert.Empty(t, store.Snapshot().Threads)
	assert.Empty(t, store.Snapshot().Messages)
	assert.Equal(t, float64(len(bad)), testutil.ToFloat64(m.dropped))

	a.HandleEvent(RealtimeEnvelope{Type: "presence", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, float64(len(bad)), testutil.ToFloat64(m.dropped), "unknown types are ignored, not counted")
}

// ============================================================================
// Outbound typing
// ============================================================================

func TestRealtimeAdapter_EmitTypingThrottles(t *testing.T) {
	a, _, _, ff, _ := newTestAdapter(t, nil)
	ctx := context.Background()

	_, err := a.EmitTyping(ctx, "T1")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, a.Connect(ctx))
	sent, err := a.EmitTyping(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = a.EmitTyping(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, sent, "second signal inside the interval is skipped")

	sent, err = a.EmitTyping(ctx, "T2")
	require.NoError(t, err)
	assert.True(t, sent, "threads are throttled independently")

	cmds := ff.last().sentCommands()
	require.Len(t, cmds, 2)
	assert.Equal(t, EventTyping, cmds[0].Type)
	assert.Equal(t, map[string]string{"threadId": "T1"}, cmds[0].Payload)
}
