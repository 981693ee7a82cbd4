package threadsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// Inbound realtime event types.
const (
	EventMessageNew     = "message:new"
	EventThreadUpdate   = "thread:update"
	EventMessageDeleted = "message:deleted"
	EventMessageRead    = "message:read"
	EventTyping         = "typing"
)

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures realtime transports.
type RealtimeConfig struct {
	BaseURL              string
	Token                string
	UserID               string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

// DefaultRealtimeConfig reconnects up to five times, two seconds apart.
func DefaultRealtimeConfig() RealtimeConfig {
	c := RealtimeConfig{AutoReconnect: true}
	c.defaults()
	return c
}

// ApplyDefaults fills unset fields with the defaults every transport uses:
// 5 reconnect attempts 2s apart, a 25s heartbeat and a no-op logger.
func (c *RealtimeConfig) ApplyDefaults() { c.defaults() }

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Transport contract
// ============================================================================

// Transport is one push connection. Implementations must be safe for
// concurrent use and must deliver events through their hooks in arrival order.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, cmd *RealtimeCommand) error
	State() RealtimeState
}

// TransportHooks receive everything a transport observes. OnState gets the
// reconnect attempt number, zero outside StateReconnecting.
type TransportHooks struct {
	OnEvent func(RealtimeEnvelope)
	OnState func(state RealtimeState, attempt int)
	OnDrop  func(err error)
}

// TransportFactory builds a transport once the session credential is known.
type TransportFactory func(cfg RealtimeConfig, hooks TransportHooks) Transport

// WebSocketTransport is the default factory.
func WebSocketTransport(cfg RealtimeConfig, hooks TransportHooks) Transport {
	return NewWSTransport(cfg, hooks)
}

// EventStreamTransport builds the inbound-only SSE transport.
func EventStreamTransport(cfg RealtimeConfig, hooks TransportHooks) Transport {
	return NewSSETransport(cfg, hooks)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	delay       time.Duration
	maxAttempts int

	mu      sync.Mutex
	attempt int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		delay:       config.ReconnectDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// next reserves another attempt. It returns false once the budget is spent.
func (r *reconnector) next() (int, time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxAttempts > 0 && r.attempt >= r.maxAttempts {
		return r.attempt, 0, false
	}
	r.attempt++
	return r.attempt, r.delay, true
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}

// ============================================================================
// Shared lifecycle
// ============================================================================

// pushConn holds the lifecycle shared by the WebSocket and SSE transports:
// one lifetime context per Connect, a double-connect guard and the
// fixed-backoff reconnect loop.
type pushConn struct {
	cfg    RealtimeConfig
	hooks  TransportHooks
	recon  *reconnector
	logger *zap.Logger

	mu       sync.Mutex
	state    RealtimeState
	closing  bool
	cancelFn context.CancelFunc
	closer   func() error
}

func newPushConn(cfg RealtimeConfig, hooks TransportHooks, name string) pushConn {
	cfg.defaults()
	return pushConn{
		cfg:    cfg,
		hooks:  hooks,
		recon:  newReconnector(&cfg),
		logger: cfg.Logger.With(zap.String("transport", name)),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (p *pushConn) State() RealtimeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *pushConn) setState(s RealtimeState, attempt int) {
	p.mu.Lock()
	changed := p.state != s || s == StateReconnecting
	p.state = s
	p.mu.Unlock()
	if changed && p.hooks.OnState != nil {
		p.hooks.OnState(s, attempt)
	}
}

func (p *pushConn) emit(env RealtimeEnvelope) {
	if p.hooks.OnEvent != nil {
		p.hooks.OnEvent(env)
	}
}

func (p *pushConn) drop(err error) {
	p.logger.Debug("dropping realtime frame", zap.Error(err))
	if p.hooks.OnDrop != nil {
		p.hooks.OnDrop(err)
	}
}

// connect runs dial under a fresh lifetime context. A connection that is
// already up or on its way is left alone.
func (p *pushConn) connect(ctx context.Context, dial func(ctx, life context.Context) error) error {
	p.mu.Lock()
	if p.state != StateDisconnected {
		p.mu.Unlock()
		return nil
	}
	p.state = StateConnecting
	p.closing = false
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancelFn = cancel
	p.mu.Unlock()
	if p.hooks.OnState != nil {
		p.hooks.OnState(StateConnecting, 0)
	}

	if err := dial(ctx, life); err != nil {
		cancel()
		p.setState(StateDisconnected, 0)
		return err
	}
	p.recon.reset()
	return nil
}

// attach records a freshly dialed connection unless Disconnect won the race.
func (p *pushConn) attach(life context.Context, closer func() error) bool {
	p.mu.Lock()
	if p.closing || life.Err() != nil {
		p.mu.Unlock()
		return false
	}
	p.closer = closer
	p.mu.Unlock()
	p.setState(StateConnected, 0)
	p.logger.Info("realtime connected")
	return true
}

// lost is called by a read loop whose connection ended.
func (p *pushConn) lost(life context.Context, cause error, dial func(ctx, life context.Context) error) {
	p.mu.Lock()
	if p.closing || life.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.closer = nil
	p.mu.Unlock()

	p.logger.Warn("realtime connection lost", zap.Error(cause))
	p.setState(StateDisconnected, 0)
	if !p.cfg.AutoReconnect {
		return
	}

	for {
		attempt, delay, ok := p.recon.next()
		if !ok {
			p.logger.Warn("realtime reconnect attempts exhausted", zap.Int("attempts", attempt))
			p.setState(StateDisconnected, 0)
			return
		}
		p.setState(StateReconnecting, attempt)
		select {
		case <-life.Done():
			return
		case <-time.After(delay):
		}
		err := dial(life, life)
		if err == nil {
			p.recon.reset()
			return
		}
		p.logger.Warn("realtime reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// disconnect tears the connection down and stops any reconnect loop.
func (p *pushConn) disconnect() error {
	p.mu.Lock()
	p.closing = true
	if p.cancelFn != nil {
		p.cancelFn()
		p.cancelFn = nil
	}
	closer := p.closer
	p.closer = nil
	p.mu.Unlock()

	p.setState(StateDisconnected, 0)
	if closer != nil {
		return closer()
	}
	return nil
}

func decodeFrame(data []byte) (RealtimeEnvelope, error) {
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	if env.Type == "" {
		return env, errors.Wrap(ErrMalformedEvent, "missing type")
	}
	return env, nil
}

func bearer(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a WebSocket push connection with heartbeat and fixed-backoff
// reconnect. The session token travels in the handshake's Authorization header.
type WSTransport struct {
	pushConn

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewWSTransport creates a WebSocket transport. Nothing is dialed until Connect.
func NewWSTransport(cfg RealtimeConfig, hooks TransportHooks) *WSTransport {
	return &WSTransport{pushConn: newPushConn(cfg, hooks, "websocket")}
}

// Connect dials the socket.
func (ws *WSTransport) Connect(ctx context.Context) error {
	return ws.connect(ctx, ws.dial)
}

// Disconnect closes the socket and cancels any pending reconnect.
func (ws *WSTransport) Disconnect() error {
	return ws.disconnect()
}

// Send writes a command to the socket.
func (ws *WSTransport) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.connMu.Lock()
	conn := ws.conn
	ws.connMu.Unlock()
	if conn == nil || ws.State() != StateConnected {
		return errors.WithStack(ErrNotConnected)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}
	return errors.Wrap(conn.Write(ctx, websocket.MessageText, data), "websocket write")
}

func (ws *WSTransport) dial(ctx, life context.Context) error {
	conn, _, err := websocket.Dial(ctx, websocketURL(ws.cfg.BaseURL), &websocket.DialOptions{
		HTTPClient: ws.cfg.HTTPClient,
		HTTPHeader: bearer(ws.cfg.Token),
	})
	if err != nil {
		return errors.Wrap(err, "websocket dial")
	}
	conn.SetReadLimit(1 << 20)

	ws.connMu.Lock()
	ws.conn = conn
	ws.connMu.Unlock()

	closer := func() error {
		ws.connMu.Lock()
		if ws.conn == conn {
			ws.conn = nil
		}
		ws.connMu.Unlock()
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if !ws.attach(life, closer) {
		closer()
		return errors.WithStack(ErrNotConnected)
	}

	go ws.readLoop(life, conn)
	go ws.heartbeatLoop(life, conn)
	return nil
}

func (ws *WSTransport) readLoop(life context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(life)
		if err != nil {
			conn.CloseNow()
			ws.connMu.Lock()
			if ws.conn == conn {
				ws.conn = nil
			}
			ws.connMu.Unlock()
			ws.lost(life, err, ws.dial)
			return
		}
		env, err := decodeFrame(data)
		if err != nil {
			ws.drop(err)
			continue
		}
		ws.emit(env)
	}
}

func (ws *WSTransport) heartbeatLoop(life context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-life.Done():
			return
		case <-ticker.C:
			ws.connMu.Lock()
			current := ws.conn == conn
			ws.connMu.Unlock()
			if !current {
				return
			}
			ctx, cancel := context.WithTimeout(life, 10*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				// Closing makes the read loop fail and reconnect.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func websocketURL(base string) string {
	u := strings.TrimRight(base, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// ============================================================================
// SSETransport
// ============================================================================

// SSETransport consumes a server-sent event stream. It is inbound only:
// Send always fails with ErrOutboundUnsupported.
type SSETransport struct {
	pushConn

	dataMu   sync.Mutex
	lastData time.Time
}

// NewSSETransport creates an SSE transport. Nothing is requested until Connect.
func NewSSETransport(cfg RealtimeConfig, hooks TransportHooks) *SSETransport {
	return &SSETransport{pushConn: newPushConn(cfg, hooks, "sse")}
}

// Connect opens the event stream.
func (sse *SSETransport) Connect(ctx context.Context) error {
	return sse.connect(ctx, sse.dial)
}

// Disconnect closes the stream and cancels any pending reconnect.
func (sse *SSETransport) Disconnect() error {
	return sse.disconnect()
}

// Send is unsupported on a server-push stream.
func (sse *SSETransport) Send(context.Context, *RealtimeCommand) error {
	return errors.WithStack(ErrOutboundUnsupported)
}

func (sse *SSETransport) dial(ctx, life context.Context) error {
	connCtx, cancel := context.WithCancel(life)
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, strings.TrimRight(sse.cfg.BaseURL, "/")+"/events", nil)
	if err != nil {
		stop()
		cancel()
		return errors.Wrap(err, "create request")
	}
	req.Header = bearer(sse.cfg.Token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.cfg.HTTPClient.Do(req)
	stop()
	if err != nil {
		cancel()
		return errors.Wrap(err, "sse connect")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return errors.Errorf("sse HTTP %d", resp.StatusCode)
	}

	closer := func() error {
		cancel()
		return nil
	}
	if !sse.attach(life, closer) {
		resp.Body.Close()
		cancel()
		return errors.WithStack(ErrNotConnected)
	}
	sse.touch()

	go sse.readLoop(life, resp, cancel)
	go sse.watchdog(connCtx, cancel)
	return nil
}

func (sse *SSETransport) touch() {
	sse.dataMu.Lock()
	sse.lastData = time.Now()
	sse.dataMu.Unlock()
}

func (sse *SSETransport) readLoop(life context.Context, resp *http.Response, cancel context.CancelFunc) {
	defer resp.Body.Close()
	defer cancel()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		sse.touch()

		switch {
		case line == "":
			if data.Len() > 0 {
				sse.dispatch(event, data.Bytes())
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	err := scanner.Err()
	if err == nil {
		err = errors.New("stream ended")
	}
	sse.lost(life, err, sse.dial)
}

// dispatch accepts either a full envelope in data or a bare payload named by
// the event field.
func (sse *SSETransport) dispatch(event string, data []byte) {
	if env, err := decodeFrame(data); err == nil {
		sse.emit(env)
		return
	}
	if event == "" || !json.Valid(data) {
		sse.drop(errors.Wrap(ErrMalformedEvent, "unnamed or invalid sse event"))
		return
	}
	sse.emit(RealtimeEnvelope{Type: event, Payload: append(json.RawMessage(nil), data...)})
}

// watchdog cancels a stream that has been silent for three heartbeat intervals.
func (sse *SSETransport) watchdog(connCtx context.Context, cancel context.CancelFunc) {
	interval := sse.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-ticker.C:
			sse.dataMu.Lock()
			stale := time.Since(sse.lastData) > 3*interval
			sse.dataMu.Unlock()
			if stale {
				cancel()
				return
			}
		}
	}
}
