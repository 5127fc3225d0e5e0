// Package ws is a remote.Backend for a chat server that serves history and
// sends over JSON HTTP and pushes events over websockets.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned when the server rejects the token.
var ErrUnauthorized = errors.New("unauthorized")

// Stream heartbeat defaults. A stream that sees neither a frame nor a pong
// for DefaultPongWait is considered dead.
const (
	DefaultPingPeriod = 30 * time.Second
	DefaultPongWait   = 60 * time.Second

	writeWait = 10 * time.Second
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Msg    string
}

func (e *HTTPError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Msg)
}

// Unwrap maps 401 and 403 to ErrUnauthorized.
func (e *HTTPError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// Client talks to the chat server. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	token  string
	buffer int
	logger *zap.Logger

	pingPeriod time.Duration
	pongWait   time.Duration
}

var _ remote.Backend = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithStreamBuffer sets how many pushed events a subscription buffers.
func WithStreamBuffer(n int) Option {
	return func(c *Client) { c.buffer = n }
}

// WithHeartbeat pings every stream each period and fails it when nothing
// arrives within timeout, which must be longer than period. A zero period
// disables the heartbeat.
func WithHeartbeat(period, timeout time.Duration) Option {
	return func(c *Client) {
		c.pingPeriod = period
		c.pongWait = timeout
	}
}

// New creates a client for the server at serverURL (http or https).
func New(serverURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", serverURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		buffer: 64,
		logger: zap.NewNop(),

		pingPeriod: DefaultPingPeriod,
		pongWait:   DefaultPongWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pingPeriod > 0 && c.pongWait <= c.pingPeriod {
		return nil, fmt.Errorf("heartbeat timeout %s must exceed ping period %s", c.pongWait, c.pingPeriod)
	}
	return c, nil
}

// Ping checks that the server is reachable and accepts the token.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.FetchChats(ctx)
	return err
}

// FetchChats implements remote.Backend.
func (c *Client) FetchChats(ctx context.Context) ([]entity.Chat, error) {
	var dtos []ChatDTO
	if err := c.do(ctx, http.MethodGet, "/chats", nil, nil, &dtos); err != nil {
		return nil, err
	}
	chats := make([]entity.Chat, len(dtos))
	for i, d := range dtos {
		chats[i] = d.entity()
	}
	return chats, nil
}

// FetchMessages implements remote.Backend.
func (c *Client) FetchMessages(ctx context.Context, chatID string, offset, limit int) ([]entity.Message, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var dtos []MessageDTO
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", q, nil, &dtos); err != nil {
		return nil, err
	}
	msgs := make([]entity.Message, len(dtos))
	for i, d := range dtos {
		msgs[i] = d.entity()
	}
	return msgs, nil
}

// SendMessage implements remote.Backend.
func (c *Client) SendMessage(ctx context.Context, chatID string, text *string, files []entity.File) (*entity.Message, error) {
	var dto MessageDTO
	body := sendRequest{Text: text, Files: filesToDTO(files)}
	if err := c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/messages", nil, body, &dto); err != nil {
		return nil, err
	}
	m := dto.entity()
	return &m, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header = c.header()
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{Method: method, Path: path, Status: resp.StatusCode}
		var e errorDTO
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e) == nil {
			herr.Msg = e.Error
		}
		return herr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}
