package threadsync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// State
// ============================================================================

// State is an immutable snapshot of the engine, with unread counts and typing
// sets derived at snapshot time. Threads are ordered most recent first.
type State struct {
	Threads        []Thread
	Messages       map[string][]Message
	Cursors        map[string]Cursors
	ActiveThreadID string
	LastError      string
	UnreadByThread map[string]int
	UnreadTotal    int
	Typing         map[string][]string
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the synchronization facade. It composes the REST backend, the
// store, the realtime adapter and the typing tracker.
type Engine struct {
	api     Backend
	auth    Auth
	store   *Store
	typing  *TypingTracker
	rt      *RealtimeAdapter
	logger  *zap.Logger
	metrics *Metrics

	factory        TransportFactory
	rtConfig       RealtimeConfig
	typingWindow   time.Duration
	typingInterval time.Duration
	after          timerFunc
	now            func() time.Time
	newTempID      func() string

	loads singleflight.Group
}

type EngineOption func(*Engine)

func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTransportFactory selects the realtime transport. The default is WebSocketTransport.
func WithTransportFactory(f TransportFactory) EngineOption {
	return func(e *Engine) { e.factory = f }
}

// WithRealtimeConfig overrides reconnect and heartbeat settings. Token and
// user id are always taken from Auth at connect time.
func WithRealtimeConfig(cfg RealtimeConfig) EngineOption {
	return func(e *Engine) { e.rtConfig = cfg }
}

// WithTypingWindow sets how long an inbound typing indicator lives.
func WithTypingWindow(d time.Duration) EngineOption {
	return func(e *Engine) { e.typingWindow = d }
}

// WithTypingRate sets the minimum gap between outbound typing signals per thread.
func WithTypingRate(d time.Duration) EngineOption {
	return func(e *Engine) { e.typingInterval = d }
}

func withTimer(after timerFunc) EngineOption {
	return func(e *Engine) { e.after = after }
}

func withClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine on top of api. The realtime connection is not
// opened until Connect or SyncAuth.
func NewEngine(api Backend, auth Auth, opts ...EngineOption) *Engine {
	e := &Engine{
		api:       api,
		auth:      auth,
		store:     NewStore(),
		logger:    zap.NewNop(),
		rtConfig:  DefaultRealtimeConfig(),
		now:       time.Now,
		newTempID: newTempID,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rtConfig.BaseURL == "" {
		if c, ok := api.(interface{ BaseURL() string }); ok {
			e.rtConfig.BaseURL = c.BaseURL()
		}
	}

	e.typing = NewTypingTracker(auth.CurrentUserID, e.typingWindow)
	if e.after != nil {
		e.typing.after = e.after
	}
	e.typing.OnChange(e.store.changed)
	e.rt = newRealtimeAdapter(e.store, e.typing, auth, e.factory, e.rtConfig, e.typingInterval, e.logger, e.metrics)

	if e.metrics != nil {
		e.store.Subscribe(func() {
			snap := e.store.Snapshot()
			e.metrics.setUnread(ComputeUnread(snap.Threads, snap.Messages, e.auth.CurrentUserID()).Total)
		})
	}
	return e
}

// State returns a snapshot with derived unread counts and typing sets.
func (e *Engine) State() State {
	snap := e.store.Snapshot()
	sortThreadsByRecency(snap.Threads)
	unread := ComputeUnread(snap.Threads, snap.Messages, e.auth.CurrentUserID())
	return State{
		Threads:        snap.Threads,
		Messages:       snap.Messages,
		Cursors:        snap.Cursors,
		ActiveThreadID: snap.ActiveThreadID,
		LastError:      snap.LastError,
		UnreadByThread: unread.ByThread,
		UnreadTotal:    unread.Total,
		Typing:         e.typing.Snapshot(),
	}
}

// Subscribe calls fn with a fresh State after every change, typing expiry
// included. Panics in fn are recovered.
func (e *Engine) Subscribe(fn func(State)) (unsubscribe func()) {
	return e.store.Subscribe(func() { fn(e.State()) })
}

// Store exposes the underlying store.
func (e *Engine) Store() *Store { return e.store }

// Realtime exposes the realtime adapter.
func (e *Engine) Realtime() *RealtimeAdapter { return e.rt }

// fail records err as the last error and returns it wrapped with the operation name.
func (e *Engine) fail(op string, err error) error {
	msg := describeError(op, err)
	e.store.SetError(msg)
	e.metrics.restError(op)
	e.logger.Warn("operation failed", zap.String("op", op), zap.Error(err))
	return errors.WithMessage(err, op)
}

// ============================================================================
// Threads
// ============================================================================

// FetchThreads loads the thread list and merges it into the store. Threads
// already known locally are updated, never dropped.
func (e *Engine) FetchThreads(ctx context.Context) ([]Thread, error) {
	threads, err := e.api.ListThreads(ctx)
	if err != nil {
		return nil, e.fail("fetch threads", err)
	}
	e.store.MergeThreads(threads)
	return threads, nil
}

// CreateThread creates a thread on the server. Nothing is shown until the
// server confirms it.
func (e *Engine) CreateThread(ctx context.Context, opts CreateThreadOptions) (*Thread, error) {
	created, err := e.api.CreateThread(ctx, opts)
	if err != nil {
		return nil, e.fail("create thread", err)
	}
	e.store.MergeThreads([]Thread{created.Thread})
	if created.Message != nil {
		e.store.MergeMessages(created.Thread.ID, []Message{*created.Message})
	}
	t := created.Thread
	return &t, nil
}

// MarkThreadRead zeroes the thread's unread state at once and restores the
// whole previous thread entry if the server rejects it.
func (e *Engine) MarkThreadRead(ctx context.Context, threadID string) error {
	const op = "mark thread read"
	key := NormalizeID(threadID)
	if key == "" {
		return e.fail(op, errors.WithStack(ErrInvalidID))
	}

	before, known := e.store.Thread(key)
	if known {
		zeroed := before
		zeroed.UnreadCount = intPtr(0)
		e.store.ReplaceThread(zeroed)
	}

	if err := e.api.MarkThreadRead(ctx, key); err != nil {
		if known {
			e.store.ReplaceThread(before)
		}
		return e.fail(op, err)
	}
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// FetchThreadMessages loads one page of history, merges it into the thread's
// bucket and records the page's cursor pair.
func (e *Engine) FetchThreadMessages(ctx context.Context, threadID string, opts FetchMessagesOptions) (*MessagePage, error) {
	const op = "fetch messages"
	key := NormalizeID(threadID)
	if key == "" {
		return nil, e.fail(op, errors.WithStack(ErrInvalidID))
	}
	page, err := e.api.ThreadMessages(ctx, key, opts)
	if err != nil {
		return nil, e.fail(op, err)
	}
	e.store.MergeMessages(key, page.Messages)
	e.store.SetCursors(key, page.Cursors)
	return page, nil
}

// LoadOlder fetches the page before the oldest loaded one. It reports false
// without a request when there is no previous cursor.
func (e *Engine) LoadOlder(ctx context.Context, threadID string) (bool, error) {
	c := e.store.Cursors(threadID)
	if c.PrevCursor == nil {
		return false, nil
	}
	_, err := e.FetchThreadMessages(ctx, threadID, FetchMessagesOptions{Cursor: *c.PrevCursor, Direction: DirectionOlder})
	return err == nil, err
}

// LoadNewer fetches the page after the newest loaded one.
func (e *Engine) LoadNewer(ctx context.Context, threadID string) (bool, error) {
	c := e.store.Cursors(threadID)
	if c.NextCursor == nil {
		return false, nil
	}
	_, err := e.FetchThreadMessages(ctx, threadID, FetchMessagesOptions{Cursor: *c.NextCursor, Direction: DirectionNewer})
	return err == nil, err
}

// DeleteMessage removes the message at once and puts it back if the server
// rejects the delete. threadID may be empty when the message is loaded.
func (e *Engine) DeleteMessage(ctx context.Context, messageID, threadID string) error {
	const op = "delete message"
	msgKey := NormalizeID(messageID)
	if msgKey == "" {
		return e.fail(op, errors.WithStack(ErrInvalidID))
	}
	key := NormalizeID(threadID)
	if key == "" {
		key, _ = e.store.FindMessageThread(msgKey)
	}

	removed, ok := e.store.RemoveMessage(key, msgKey)
	if err := e.api.DeleteMessage(ctx, msgKey); err != nil {
		if ok {
			e.store.MergeMessages(key, []Message{removed})
		}
		return e.fail(op, err)
	}
	return nil
}

// SetActiveThread marks threadID active, loads its first page if nothing is
// cached yet and marks it read. Concurrent calls for the same thread share
// one load.
func (e *Engine) SetActiveThread(ctx context.Context, threadID string) error {
	key := NormalizeID(threadID)
	e.store.SetActiveThread(key)
	if key == "" {
		return nil
	}

	if !e.store.HasBucket(key) {
		_, err, _ := e.loads.Do(key, func() (interface{}, error) {
			if e.store.HasBucket(key) {
				return nil, nil
			}
			return e.FetchThreadMessages(ctx, key, FetchMessagesOptions{})
		})
		if err != nil {
			return err
		}
	}
	return e.MarkThreadRead(ctx, key)
}

// ============================================================================
// Realtime
// ============================================================================

// Connect opens the realtime connection for the current session.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.rt.Connect(ctx); err != nil {
		return e.fail("connect", err)
	}
	return nil
}

// Disconnect closes the realtime connection.
func (e *Engine) Disconnect() error {
	return e.rt.Disconnect()
}

// SyncAuth aligns the realtime connection with the session: connected while
// authenticated, torn down otherwise. On logout the store and typing state
// are cleared too.
func (e *Engine) SyncAuth(ctx context.Context) error {
	if c, ok := e.api.(interface{ SetToken(string) }); ok {
		c.SetToken(e.auth.Token())
	}
	if e.auth.IsAuthenticated() {
		return e.Connect(ctx)
	}
	err := e.rt.Disconnect()
	e.typing.Reset()
	e.store.Reset()
	return err
}

// StartTyping tells other participants the local user is typing in threadID.
// It reports false when the signal was throttled.
func (e *Engine) StartTyping(ctx context.Context, threadID string) (bool, error) {
	return e.rt.EmitTyping(ctx, threadID)
}

// Close disconnects, cancels every typing timer and detaches all subscribers.
func (e *Engine) Close() error {
	err := e.rt.Disconnect()
	e.typing.OnChange(nil)
	e.typing.Reset()
	e.store.emitter.removeAll()
	return err
}
