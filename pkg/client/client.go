// Package client provides a Go client for the Agent's websocket gateway,
// used by external tools and by the Agent's own integration tests. It
// speaks the same Envelope/Request wire shapes as internal/gateway
// directly, since pkg/client lives in the same module.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/justapithecus/factorio-agent/internal/gateway"
)

// Config holds client configuration.
type Config struct {
	// Addr is the Agent's bind address, e.g. "127.0.0.1:34199". The
	// client dials ws://Addr/ws.
	Addr string
	// RequestTimeout bounds how long Request waits for a response
	// before returning context.DeadlineExceeded.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:34199",
		RequestTimeout: 10 * time.Second,
	}
}

// Client is one websocket connection to the Agent's gateway. A single
// background goroutine reads frames off the connection and either
// resolves a pending Request or forwards an unsolicited event onto
// Events(); Close stops that goroutine and closes the connection.
type Client struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan gateway.Envelope
	closed  bool

	events chan gateway.Envelope
	nextID uint64
}

// Connect dials the Agent's gateway websocket endpoint and starts the
// read loop. Cancel ctx to abort the dial; it does not bound the
// connection's lifetime once established.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		cfg = DefaultConfig()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	u := url.URL{Scheme: "ws", Host: cfg.Addr, Path: "/ws"}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		timeout: cfg.RequestTimeout,
		pending: make(map[string]chan gateway.Envelope),
		events:  make(chan gateway.Envelope, 64),
	}
	go c.readLoop()
	return c, nil
}

// Events yields every frame the client didn't route to a pending
// Request: lifecycle transitions, metric datapoints, log lines, and
// progress/terminal frames for operations this client started, keyed
// by operation id. Request(OperationAttach, ...) returns a snapshot as
// its response; it does not stream later frames onto Events.
func (c *Client) Events() <-chan gateway.Envelope {
	return c.events
}

// Close closes the underlying connection and stops the read loop.
// Pending Request calls unblock with an error.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Request sends a request frame of the given kind and waits for its
// response envelope, returning the raw response body. For a mutating
// request the returned body is an Ack; callers that need the terminal
// result should read it off Events() by the returned operation id.
func (c *Client) Request(ctx context.Context, kind gateway.RequestKind, payload interface{}) (json.RawMessage, error) {
	var rawPayload json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		rawPayload = b
	}

	body, err := json.Marshal(gateway.Request{Kind: kind, Payload: rawPayload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	id := strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10)
	wait := make(chan gateway.Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: connection closed")
	}
	c.pending[id] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env := gateway.Envelope{Op: gateway.OpRequest, ID: id, Body: body}
	if err := c.writeEnvelope(env); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case resp, ok := <-wait:
		if !ok {
			return nil, fmt.Errorf("client: connection closed")
		}
		return c.checkErrorResponse(resp.Body)
	case <-reqCtx.Done():
		return nil, reqCtx.Err()
	}
}

func (c *Client) checkErrorResponse(body json.RawMessage) (json.RawMessage, error) {
	var errResp gateway.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Kind != "" {
		return nil, fmt.Errorf("%s: %s", errResp.Kind, errResp.Detail)
	}
	return body, nil
}

func (c *Client) writeEnvelope(env gateway.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client: connection closed")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteJSON(env)
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var env gateway.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed := c.closed
			pending := c.pending
			c.pending = nil
			c.mu.Unlock()
			if !closed {
				c.logger.Warn("client: gateway read error", "err", err)
			}
			for _, w := range pending {
				close(w)
			}
			return
		}

		if env.Op == gateway.OpResponse && env.ID != "" {
			c.mu.Lock()
			wait, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				wait <- env
				continue
			}
		}

		select {
		case c.events <- env:
		default:
			c.logger.Warn("client: dropping event, subscriber too slow", "op", env.Op, "id", env.ID)
		}
	}
}

// IsReachable reports whether the Agent's gateway is accepting
// connections at addr, without leaving a client connected.
func IsReachable(ctx context.Context, addr string) bool {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return resp != nil && resp.StatusCode != http.StatusNotFound
	}
	_ = conn.Close()
	return true
}
