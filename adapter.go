package threadsync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultTypingInterval is the minimum gap between outbound typing signals for one thread.
const DefaultTypingInterval = 2 * time.Second

// RealtimeAdapter owns the session's single push connection and applies
// inbound events to the Store.
type RealtimeAdapter struct {
	store   *Store
	typing  *TypingTracker
	auth    Auth
	factory TransportFactory
	cfg     RealtimeConfig
	logger  *zap.Logger
	metrics *Metrics
	typers  *limiterPool

	mu        sync.Mutex
	transport Transport
	gen       uint64
	listeners []func(RealtimeState, int)
}

func newRealtimeAdapter(store *Store, typing *TypingTracker, auth Auth, factory TransportFactory, cfg RealtimeConfig, typingInterval time.Duration, logger *zap.Logger, metrics *Metrics) *RealtimeAdapter {
	if factory == nil {
		factory = WebSocketTransport
	}
	if typingInterval <= 0 {
		typingInterval = DefaultTypingInterval
	}
	return &RealtimeAdapter{
		store:   store,
		typing:  typing,
		auth:    auth,
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		typers:  &limiterPool{every: typingInterval},
	}
}

// Connect opens the push connection. It requires an authenticated session
// and does nothing when a connection is already owned.
func (a *RealtimeAdapter) Connect(ctx context.Context) error {
	if !a.auth.IsAuthenticated() || a.auth.Token() == "" {
		return errors.WithStack(ErrMissingCredential)
	}

	a.mu.Lock()
	if a.transport != nil && a.transport.State() != StateDisconnected {
		a.mu.Unlock()
		return nil
	}
	if a.transport != nil {
		// Reconnects were exhausted; replace the dead transport.
		a.transport.Disconnect()
	}
	a.gen++
	gen := a.gen
	cfg := a.cfg
	cfg.Token = a.auth.Token()
	cfg.UserID = a.auth.CurrentUserID()
	if cfg.Logger == nil {
		cfg.Logger = a.logger
	}
	t := a.factory(cfg, TransportHooks{
		OnEvent: func(env RealtimeEnvelope) {
			if a.current(gen) {
				a.HandleEvent(env)
			}
		},
		OnState: func(s RealtimeState, attempt int) {
			if a.current(gen) {
				a.stateChanged(s, attempt)
			}
		},
		OnDrop: func(error) { a.metrics.drop() },
	})
	a.transport = t
	a.mu.Unlock()

	if err := t.Connect(ctx); err != nil {
		a.mu.Lock()
		if a.gen == gen {
			a.transport = nil
		}
		a.mu.Unlock()
		return errors.Wrap(err, "realtime connect")
	}
	return nil
}

// Disconnect closes the connection. Events still in flight from it are ignored.
func (a *RealtimeAdapter) Disconnect() error {
	a.mu.Lock()
	t := a.transport
	a.transport = nil
	a.gen++
	a.mu.Unlock()
	if t == nil {
		return nil
	}
	a.logger.Info("realtime disconnect")
	a.stateChanged(StateDisconnected, 0)
	return t.Disconnect()
}

// State reports the owned transport's state.
func (a *RealtimeAdapter) State() RealtimeState {
	a.mu.Lock()
	t := a.transport
	a.mu.Unlock()
	if t == nil {
		return StateDisconnected
	}
	return t.State()
}

// OnStateChange registers fn for connection lifecycle changes.
func (a *RealtimeAdapter) OnStateChange(fn func(state RealtimeState, attempt int)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

func (a *RealtimeAdapter) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen == gen
}

func (a *RealtimeAdapter) stateChanged(s RealtimeState, attempt int) {
	if s == StateReconnecting {
		a.metrics.reconnect()
	}
	a.mu.Lock()
	listeners := append([]func(RealtimeState, int){}, a.listeners...)
	a.mu.Unlock()
	for _, fn := range listeners {
		func() {
			defer func() { recover() }()
			fn(s, attempt)
		}()
	}
}

// EmitTyping sends the outbound typing signal for threadID. Signals for the
// same thread closer together than the typing interval are skipped and
// reported as false.
func (a *RealtimeAdapter) EmitTyping(ctx context.Context, threadID string) (bool, error) {
	key := NormalizeID(threadID)
	if key == "" {
		return false, errors.WithStack(ErrInvalidID)
	}
	a.mu.Lock()
	t := a.transport
	a.mu.Unlock()
	if t == nil {
		return false, errors.WithStack(ErrNotConnected)
	}
	if !a.typers.Allow(key) {
		return false, nil
	}
	err := t.Send(ctx, &RealtimeCommand{
		Type:    EventTyping,
		Payload: map[string]string{"threadId": key},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ============================================================================
// Inbound routing
// ============================================================================

// HandleEvent applies one inbound event. Malformed and unknown events are
// dropped; they never surface as errors.
func (a *RealtimeAdapter) HandleEvent(env RealtimeEnvelope) {
	var err error
	payload := gjson.ParseBytes(env.Payload)
	if !gjson.ValidBytes(env.Payload) || !payload.IsObject() {
		err = errors.Wrap(ErrMalformedEvent, "payload is not an object")
	} else {
		switch env.Type {
		case EventMessageNew:
			err = a.onMessageNew(payload)
		case EventThreadUpdate:
			err = a.onThreadUpdate(payload)
		case EventMessageDeleted:
			err = a.onMessageDeleted(payload)
		case EventMessageRead:
			err = a.onMessageRead(payload)
		case EventTyping:
			err = a.onTyping(payload)
		default:
			a.logger.Debug("ignoring realtime event", zap.String("type", env.Type))
			return
		}
	}
	if err != nil {
		a.metrics.drop()
		a.logger.Debug("dropped realtime event", zap.String("type", env.Type), zap.Error(err))
		return
	}
	a.metrics.event(env.Type)
}

func (a *RealtimeAdapter) onMessageNew(p gjson.Result) error {
	sent, err := decodeMessageEnvelope(p)
	if err != nil {
		return err
	}
	if sent.Message.ID == "" || sent.ThreadID == "" {
		return errors.Wrap(ErrMalformedEvent, "message without id or thread")
	}
	sent.Message.ThreadID = sent.ThreadID
	a.store.MergeMessages(sent.ThreadID, []Message{sent.Message})
	if sent.Thread != nil {
		a.store.MergeThreads([]Thread{*sent.Thread})
	}
	return nil
}

func (a *RealtimeAdapter) onThreadUpdate(p gjson.Result) error {
	obj := unwrapEnvelope(p)
	if t := obj.Get("thread"); t.IsObject() {
		obj = t
	}
	t, err := threadFromResult(obj)
	if err != nil {
		return err
	}
	if t.ID == "" {
		return errors.Wrap(ErrMalformedEvent, "thread without id")
	}
	a.store.MergeThreads([]Thread{t})
	return nil
}

// eventRef extracts the message and thread a delete or read event refers to.
// A missing thread is resolved by searching the loaded buckets.
func (a *RealtimeAdapter) eventRef(p gjson.Result) (threadID, messageID string, err error) {
	p = unwrapEnvelope(p)
	if v, ok := lookup(p, "messageId", []string{"message_id", "id"}); ok {
		messageID = resultID(v)
	}
	if messageID == "" {
		return "", "", errors.Wrap(ErrMalformedEvent, "missing message id")
	}
	if v, ok := lookup(p, "threadId", []string{"thread_id", "conversationId", "conversation_id"}); ok {
		threadID = resultID(v)
	}
	if threadID == "" {
		var found bool
		if threadID, found = a.store.FindMessageThread(messageID); !found {
			return "", "", errors.Wrap(ErrMalformedEvent, "message not loaded and no thread given")
		}
	}
	return threadID, messageID, nil
}

func (a *RealtimeAdapter) onMessageDeleted(p gjson.Result) error {
	threadID, messageID, err := a.eventRef(p)
	if err != nil {
		return err
	}
	a.store.RemoveMessage(threadID, messageID)
	return nil
}

func (a *RealtimeAdapter) onMessageRead(p gjson.Result) error {
	threadID, messageID, err := a.eventRef(p)
	if err != nil {
		return err
	}
	var reader string
	if v, ok := lookup(unwrapEnvelope(p), "userId", []string{"user_id", "readerId", "reader_id", "readBy", "by"}); ok {
		reader = resultID(v)
	}
	if reader == "" {
		return errors.Wrap(ErrMalformedEvent, "read receipt without reader")
	}
	a.store.UpdateMessage(threadID, messageID, func(m *Message) bool {
		for _, id := range m.ReadBy {
			if SameID(id, reader) {
				return false
			}
		}
		m.ReadBy = append(append([]string(nil), m.ReadBy...), reader)
		return true
	})
	return nil
}

func (a *RealtimeAdapter) onTyping(p gjson.Result) error {
	p = unwrapEnvelope(p)
	var threadID, userID string
	if v, ok := lookup(p, "threadId", []string{"thread_id", "conversationId", "conversation_id"}); ok {
		threadID = resultID(v)
	}
	if v, ok := lookup(p, "userId", []string{"user_id", "senderId", "sender_id", "from"}); ok {
		userID = resultID(v)
	}
	if threadID == "" || userID == "" {
		return errors.Wrap(ErrMalformedEvent, "typing without thread or user")
	}
	if v, ok := lookup(p, "isTyping", []string{"is_typing", "typing"}); ok && v.Type == gjson.False {
		a.typing.Stop(threadID, userID)
		return nil
	}
	a.typing.Typing(threadID, userID)
	return nil
}

// ============================================================================
// Typing throttle
// ============================================================================

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	every time.Duration
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(p.every), 1)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
