package threadsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the request body,
// optionally prefixed with "sha256=".
const WebhookSignatureHeader = "X-Threadsync-Signature"

// ============================================================================
// Signatures
// ============================================================================

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature in constant time.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver is an inbound-only push source for deployments where the
// backend POSTs signed event envelopes to the client instead of holding a
// socket open. Mount it as an http.Handler and pass Factory to the engine.
//
// Example:
//
//	rx, _ := threadsync.NewWebhookReceiver(secret)
//	http.Handle("/threadsync/events", rx)
//	engine := threadsync.NewEngine(client, auth, threadsync.WithTransportFactory(rx.Factory()))
type WebhookReceiver struct {
	secret string

	mu      sync.Mutex
	current *webhookTransport
}

// NewWebhookReceiver creates a receiver verifying requests with secret.
func NewWebhookReceiver(secret string) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	return &WebhookReceiver{secret: secret}, nil
}

// Factory returns a TransportFactory whose transports receive this
// receiver's requests. Only the most recently built transport is fed.
func (rx *WebhookReceiver) Factory() TransportFactory {
	return func(cfg RealtimeConfig, hooks TransportHooks) Transport {
		cfg.defaults()
		t := &webhookTransport{
			hooks:  hooks,
			logger: cfg.Logger.With(zap.String("transport", "webhook")),
			state:  StateDisconnected,
		}
		rx.mu.Lock()
		rx.current = t
		rx.mu.Unlock()
		return t
	}
}

// ServeHTTP verifies and delivers one event envelope. Requests are refused
// with 503 while no transport is connected.
func (rx *WebhookReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeWebhookError(rw, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeWebhookError(rw, http.StatusBadRequest, "failed to read body")
		return
	}
	if !VerifyWebhookSignature(body, r.Header.Get(WebhookSignatureHeader), rx.secret) {
		writeWebhookError(rw, http.StatusUnauthorized, "invalid signature")
		return
	}

	rx.mu.Lock()
	t := rx.current
	rx.mu.Unlock()
	if t == nil || t.State() != StateConnected {
		writeWebhookError(rw, http.StatusServiceUnavailable, "not connected")
		return
	}

	env, err := decodeFrame(body)
	if err != nil {
		t.drop(err)
		writeWebhookError(rw, http.StatusBadRequest, err.Error())
		return
	}
	t.deliver(env)

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(map[string]bool{"ok": true})
}

func writeWebhookError(rw http.ResponseWriter, status int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(map[string]string{"error": msg})
}

// webhookTransport has nothing to dial: Connect opens the gate for
// requests and Disconnect closes it.
type webhookTransport struct {
	hooks  TransportHooks
	logger *zap.Logger

	mu    sync.Mutex
	state RealtimeState
	// serializes delivery so events reach the hooks one at a time
	deliverMu sync.Mutex
}

func (t *webhookTransport) Connect(context.Context) error {
	t.setState(StateConnected)
	t.logger.Info("realtime connected")
	return nil
}

func (t *webhookTransport) Disconnect() error {
	t.setState(StateDisconnected)
	return nil
}

func (t *webhookTransport) Send(context.Context, *RealtimeCommand) error {
	return errors.WithStack(ErrOutboundUnsupported)
}

func (t *webhookTransport) State() RealtimeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *webhookTransport) setState(s RealtimeState) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if changed && t.hooks.OnState != nil {
		t.hooks.OnState(s, 0)
	}
}

func (t *webhookTransport) deliver(env RealtimeEnvelope) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	if t.hooks.OnEvent != nil {
		t.hooks.OnEvent(env)
	}
}

func (t *webhookTransport) drop(err error) {
	t.logger.Debug("dropping realtime frame", zap.Error(err))
	if t.hooks.OnDrop != nil {
		t.hooks.OnDrop(err)
	}
}
