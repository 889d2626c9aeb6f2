// Package httpstore is the client side of the remote row store API.
//
// Row operations are plain JSON over HTTP. Subscriptions hold one websocket
// each; events are read on a goroutine per subscription and handed to the
// callback in the order the server sent them.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/remote/api"
	"github.com/mschirtzinger/todosync/internal/todo"
)

// Client implements remote.Store against a running API server.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *log.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client, e.g. to set a timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url must be http or https, got %q", baseURL)
	}

	c := &Client{
		base: u,
		http: &http.Client{Timeout: 10 * time.Second},
		subs: make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return c, nil
}

func (c *Client) endpoint(table, op string) string {
	return c.base.String() + "/v1/" + url.PathEscape(table) + "/" + op
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach remote: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote health check returned %s", resp.Status)
	}
	return nil
}

// post sends body and decodes a successful response into out. Backend
// failures come back as *remote.Error.
func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach remote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var re remote.Error
		if err := json.NewDecoder(resp.Body).Decode(&re); err != nil || re.Code == "" {
			return &remote.Error{Code: remote.CodeInternal, Message: "unexpected response", Details: resp.Status}
		}
		return &re
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) Select(ctx context.Context, table string, filter remote.Filter, order remote.Order) ([]todo.Item, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	var resp api.RowsResponse
	if err := c.post(ctx, c.endpoint(table, "select"), api.SelectRequest{Filter: filter, Order: order}, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func (c *Client) Insert(ctx context.Context, table string, rows ...todo.Item) ([]todo.Item, error) {
	var resp api.RowsResponse
	if err := c.post(ctx, c.endpoint(table, "insert"), api.InsertRequest{Rows: rows}, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func (c *Client) Update(ctx context.Context, table string, patch remote.Patch, filter remote.Filter) ([]todo.Item, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	var resp api.RowsResponse
	if err := c.post(ctx, c.endpoint(table, "update"), api.UpdateRequest{Patch: patch, Filter: filter}, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func (c *Client) Delete(ctx context.Context, table string, filter remote.Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	var resp api.DeleteResponse
	if err := c.post(ctx, c.endpoint(table, "delete"), api.DeleteRequest{Filter: filter}, &resp); err != nil {
		return 0, err
	}
	return resp.Affected, nil
}

type subscription struct {
	id     string
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Done() <-chan struct{} { return s.done }

// Subscribe dials the feed and returns once the server confirms it is live.
// The feed stays open until Unsubscribe, Close, or a connection failure;
// the subscription's Done channel reports the end either way.
func (c *Client) Subscribe(ctx context.Context, table string, filter remote.Filter, onEvent func(remote.Event)) (remote.Subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	feedURL := *c.base
	switch feedURL.Scheme {
	case "https":
		feedURL.Scheme = "wss"
	default:
		feedURL.Scheme = "ws"
	}
	feedURL.Path += "/v1/" + table + "/feed"
	feedURL.RawQuery = url.Values{"owner": {filter.Owner}}.Encode()

	// The feed outlives ctx; ctx only bounds the dial and the handshake.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopOpen := context.AfterFunc(ctx, cancel)

	conn, _, err := websocket.Dial(subCtx, feedURL.String(), nil)
	if err != nil {
		stopOpen()
		cancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to open feed: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to open feed: %w", err)
	}

	var first remote.Event
	if err := wsjson.Read(subCtx, conn, &first); err != nil {
		stopOpen()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if reason := websocket.CloseStatus(err); reason == websocket.StatusPolicyViolation {
			return nil, &remote.Error{Code: remote.CodeInsufficientPriv, Message: "feed rejected", Details: err.Error()}
		}
		return nil, fmt.Errorf("failed to confirm feed: %w", err)
	}
	if first.Type != api.FeedReady {
		stopOpen()
		cancel()
		_ = conn.Close(websocket.StatusProtocolError, "expected ready frame")
		return nil, fmt.Errorf("unexpected first feed frame %q", first.Type)
	}
	if !stopOpen() {
		// ctx ended during the handshake and already cancelled the feed.
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("failed to open feed: %w", context.Cause(ctx))
	}

	s := &subscription{id: uuid.NewString(), conn: conn, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.subs[s.id] = s
	c.mu.Unlock()

	go c.readLoop(subCtx, s, onEvent)
	return s, nil
}

func (c *Client) readLoop(ctx context.Context, s *subscription, onEvent func(remote.Event)) {
	defer close(s.done)
	defer c.forget(s)

	for {
		var e remote.Event
		if err := wsjson.Read(ctx, s.conn, &e); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.logger.Printf("Feed %s ended: %v", s.id, err)
			}
			return
		}
		onEvent(e)
	}
}

func (c *Client) forget(s *subscription) {
	c.mu.Lock()
	delete(c.subs, s.id)
	c.mu.Unlock()
	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
}

// Unsubscribe closes the feed and waits for its reader to exit. It is a
// no-op for unknown or already closed subscriptions. It must not be called
// from inside the event callback.
func (c *Client) Unsubscribe(sub remote.Subscription) error {
	if sub == nil {
		return nil
	}
	c.mu.Lock()
	s, ok := c.subs[sub.ID()]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	<-s.done
	return nil
}

// Close closes every open feed.
func (c *Client) Close() error {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := c.Unsubscribe(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
