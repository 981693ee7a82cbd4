// Package threadsync is a client-side synchronization engine for conversation
// threads and messages.
//
// It reconciles three views of the same data (REST fetches, optimistic local
// writes, and realtime push events) into one consistent state.
//
// Example:
//
//	client := threadsync.NewClient(token, threadsync.WithBaseURL("https://api.example.com"))
//	engine := threadsync.NewEngine(client, threadsync.NewTokenAuth(token))
//	defer engine.Close()
//
//	_ = engine.SyncAuth(ctx) // opens the realtime connection
//	threads, _ := engine.FetchThreads(ctx)
//	_, _ = engine.SendMessage(ctx, threadsync.SendOptions{ThreadID: threads[0].ID, Text: "hi"})
package threadsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Local      Environment = "local"
)

var environments = map[Environment]string{
	Production: "https://api.threadsync.dev",
	Local:      "http://localhost:8080",
}

const (
	DefaultBaseURL = "https://api.threadsync.dev"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST side of the engine. It implements Backend.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client. token may be empty; every call then fails
// with ErrMissingCredential until SetToken is called.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the session token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) sessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, bodyReader, contentType, query)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, query map[string]string) ([]byte, error) {
	token := c.sessionToken()
	if token == "" {
		return nil, errors.WithStack(ErrMissingCredential)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Method: method, Path: path, StatusCode: resp.StatusCode, Err: err}
	}
	c.logger.Debug("rest request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			API:        decodeAPIError(data),
			Err:        fmt.Errorf("http %d", resp.StatusCode),
		}
	}
	return data, nil
}

func escape(id string) string { return url.PathEscape(id) }

// ============================================================================
// Backend
// ============================================================================

// Backend is the REST surface the engine consumes.
type Backend interface {
	ListThreads(ctx context.Context) ([]Thread, error)
	ThreadMessages(ctx context.Context, threadID string, opts FetchMessagesOptions) (*MessagePage, error)
	CreateThread(ctx context.Context, opts CreateThreadOptions) (*CreatedThread, error)
	SendMessage(ctx context.Context, opts SendOptions) (*SentMessage, error)
	MarkThreadRead(ctx context.Context, threadID string) error
	DeleteMessage(ctx context.Context, messageID string) error
}

var _ Backend = (*Client)(nil)

// ListThreads calls GET /threads.
func (c *Client) ListThreads(ctx context.Context) ([]Thread, error) {
	data, err := c.doRequest(ctx, "GET", "/threads", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeThreadList(data)
}

// ThreadMessages calls GET /threads/{id} for one page of history.
func (c *Client) ThreadMessages(ctx context.Context, threadID string, opts FetchMessagesOptions) (*MessagePage, error) {
	q := map[string]string{}
	if opts.Cursor != "" {
		q["cursor"] = opts.Cursor
	}
	if opts.Limit > 0 {
		q["limit"] = fmt.Sprintf("%d", opts.Limit)
	}
	if opts.Direction != "" {
		q["direction"] = string(opts.Direction)
	}
	data, err := c.doRequest(ctx, "GET", "/threads/"+escape(threadID), nil, q)
	if err != nil {
		return nil, err
	}
	return decodeMessagePage(data, threadID)
}

// CreateThread calls POST /threads.
func (c *Client) CreateThread(ctx context.Context, opts CreateThreadOptions) (*CreatedThread, error) {
	payload := map[string]interface{}{
		"recipients": opts.RecipientIDs,
		"subject":    opts.Subject,
		"text":       opts.InitialMessage,
	}
	data, err := c.doRequest(ctx, "POST", "/threads", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeCreatedThread(data)
}

// SendMessage calls POST /messages, as multipart when attachments are present.
func (c *Client) SendMessage(ctx context.Context, opts SendOptions) (*SentMessage, error) {
	var (
		data []byte
		err  error
	)
	if len(opts.Attachments) > 0 {
		data, err = c.sendMultipart(ctx, opts)
	} else {
		payload := map[string]interface{}{"text": opts.Text}
		if opts.ThreadID != "" {
			payload["thread_id"] = opts.ThreadID
		}
		if len(opts.RecipientIDs) > 0 {
			payload["recipients"] = opts.RecipientIDs
		}
		data, err = c.doRequest(ctx, "POST", "/messages", payload, nil)
	}
	if err != nil {
		return nil, err
	}
	return decodeSentMessage(data)
}

func (c *Client) sendMultipart(ctx context.Context, opts SendOptions) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	_ = w.WriteField("text", opts.Text)
	if opts.ThreadID != "" {
		_ = w.WriteField("thread_id", opts.ThreadID)
	}
	for _, r := range opts.RecipientIDs {
		_ = w.WriteField("recipients", r)
	}

	for _, att := range opts.Attachments {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename=%q`, att.FileName))
		h.Set("Content-Type", attachmentMimeType(att))
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create form file")
		}
		if _, err := part.Write(att.Data); err != nil {
			return nil, errors.Wrap(err, "failed to write attachment data")
		}
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close multipart body")
	}
	return c.send(ctx, "POST", "/messages", &buf, w.FormDataContentType(), nil)
}

// MarkThreadRead calls PUT /threads/{id}/read.
func (c *Client) MarkThreadRead(ctx context.Context, threadID string) error {
	_, err := c.doRequest(ctx, "PUT", "/threads/"+escape(threadID)+"/read", nil, nil)
	return err
}

// DeleteMessage calls DELETE /messages/{id}.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, "DELETE", "/messages/"+escape(messageID), nil, nil)
	return err
}

func attachmentMimeType(att OutgoingAttachment) string {
	if att.MimeType != "" {
		return att.MimeType
	}
	return guessMimeType(att.FileName)
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Not in Go's builtin registry on every platform
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
