// Package natspush delivers realtime events over NATS instead of a WebSocket.
//
// Events for a user are published as JSON envelopes ({"type", "payload"}) on
// <prefix>.users.<userID>.events. Outbound commands go to <prefix>.commands.<type>.
package natspush

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Prismer-AI/threadsync"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "threadsync"

// Transport is a threadsync.Transport backed by a NATS connection. NATS
// handles reconnects itself; the configured attempt budget and delay are
// passed through to it.
type Transport struct {
	url    string
	prefix string
	cfg    threadsync.RealtimeConfig
	hooks  threadsync.TransportHooks
	logger *zap.Logger

	mu      sync.Mutex
	state   threadsync.RealtimeState
	nc      *nats.Conn
	sub     *nats.Subscription
	attempt int
	closing bool
}

// Factory returns a threadsync.TransportFactory dialing natsURL.
func Factory(natsURL, prefix string) threadsync.TransportFactory {
	return func(cfg threadsync.RealtimeConfig, hooks threadsync.TransportHooks) threadsync.Transport {
		return New(natsURL, prefix, cfg, hooks)
	}
}

// New creates a NATS transport. Nothing is dialed until Connect.
func New(natsURL, prefix string, cfg threadsync.RealtimeConfig, hooks threadsync.TransportHooks) *Transport {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	cfg.ApplyDefaults()
	return &Transport{
		url:    natsURL,
		prefix: strings.TrimSuffix(prefix, "."),
		cfg:    cfg,
		hooks:  hooks,
		logger: cfg.Logger.With(zap.String("transport", "nats")),
		state:  threadsync.StateDisconnected,
	}
}

// EventsSubject is the subject a user's events arrive on.
func EventsSubject(prefix, userID string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ".users." + userID + ".events"
}

// CommandSubject is the subject an outbound command of the given type is published on.
func CommandSubject(prefix, cmdType string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ".commands." + strings.ReplaceAll(cmdType, ":", ".")
}

func (t *Transport) State() threadsync.RealtimeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s threadsync.RealtimeState, attempt int) {
	t.mu.Lock()
	if t.closing && s != threadsync.StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	if t.hooks.OnState != nil {
		t.hooks.OnState(s, attempt)
	}
}

// Connect dials NATS with the session token and subscribes to the user's events.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != threadsync.StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.state = threadsync.StateConnecting
	t.closing = false
	t.attempt = 0
	t.mu.Unlock()
	if t.hooks.OnState != nil {
		t.hooks.OnState(threadsync.StateConnecting, 0)
	}

	if t.cfg.UserID == "" {
		t.setState(threadsync.StateDisconnected, 0)
		return errors.Wrap(threadsync.ErrMissingCredential, "nats: no user id to subscribe for")
	}

	opts := []nats.Option{
		nats.Name("threadsync"),
		nats.DisconnectErrHandler(t.onDisconnect),
		nats.ReconnectHandler(t.onReconnect),
		nats.ClosedHandler(t.onClosed),
	}
	if t.cfg.Token != "" {
		opts = append(opts, nats.Token(t.cfg.Token))
	}
	if t.cfg.AutoReconnect {
		opts = append(opts, nats.MaxReconnects(t.cfg.MaxReconnectAttempts))
		opts = append(opts, nats.ReconnectWait(t.cfg.ReconnectDelay))
	} else {
		opts = append(opts, nats.NoReconnect())
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(timeUntil(deadline)))
	}

	nc, err := nats.Connect(t.url, opts...)
	if err != nil {
		t.setState(threadsync.StateDisconnected, 0)
		return errors.Wrap(err, "nats connect")
	}
	sub, err := nc.Subscribe(EventsSubject(t.prefix, t.cfg.UserID), t.onMsg)
	if err != nil {
		nc.Close()
		t.setState(threadsync.StateDisconnected, 0)
		return errors.Wrap(err, "nats subscribe")
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		t.setState(threadsync.StateDisconnected, 0)
		return errors.Wrap(err, "nats flush")
	}

	t.mu.Lock()
	t.nc, t.sub = nc, sub
	t.mu.Unlock()
	t.setState(threadsync.StateConnected, 0)
	t.logger.Info("realtime connected", zap.String("subject", sub.Subject))
	return nil
}

// Disconnect unsubscribes and closes the NATS connection.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.closing = true
	nc, sub := t.nc, t.sub
	t.nc, t.sub = nil, nil
	t.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	if nc != nil {
		nc.Close()
	}
	t.setState(threadsync.StateDisconnected, 0)
	return err
}

// Send publishes cmd on its command subject, tagged with the sender.
func (t *Transport) Send(ctx context.Context, cmd *threadsync.RealtimeCommand) error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	if nc == nil || t.State() != threadsync.StateConnected {
		return errors.WithStack(threadsync.ErrNotConnected)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}
	msg := nats.NewMsg(CommandSubject(t.prefix, cmd.Type))
	msg.Header.Set("User-Id", t.cfg.UserID)
	msg.Data = data
	if err := nc.PublishMsg(msg); err != nil {
		return errors.Wrap(err, "nats publish")
	}
	return nil
}

// onMsg runs on the subscription's delivery goroutine, so events reach the
// hooks in publish order.
func (t *Transport) onMsg(m *nats.Msg) {
	var env threadsync.RealtimeEnvelope
	if err := json.Unmarshal(m.Data, &env); err != nil || env.Type == "" {
		if err == nil {
			err = errors.New("missing type")
		}
		t.logger.Debug("dropping realtime frame", zap.Error(err))
		if t.hooks.OnDrop != nil {
			t.hooks.OnDrop(errors.Wrap(threadsync.ErrMalformedEvent, err.Error()))
		}
		return
	}
	if t.hooks.OnEvent != nil {
		t.hooks.OnEvent(env)
	}
}

func (t *Transport) onDisconnect(_ *nats.Conn, err error) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.attempt++
	attempt := t.attempt
	t.mu.Unlock()
	t.logger.Warn("realtime connection lost", zap.Error(err))
	if t.cfg.AutoReconnect {
		t.setState(threadsync.StateReconnecting, attempt)
	}
}

func (t *Transport) onReconnect(nc *nats.Conn) {
	t.mu.Lock()
	t.attempt = 0
	t.mu.Unlock()
	t.logger.Info("realtime reconnected", zap.String("url", nc.ConnectedUrl()))
	t.setState(threadsync.StateConnected, 0)
}

func (t *Transport) onClosed(*nats.Conn) {
	t.setState(threadsync.StateDisconnected, 0)
}

// timeUntil bounds the dial timeout by a context deadline, never below one second.
func timeUntil(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d < time.Second {
		return time.Second
	}
	return d
}
