// Package client implements a reconnecting consumer for the /v1/stream
// websocket. It presents the session token on every redial so the server can
// restore conversation state, and it retries drops on an exponential
// schedule until the attempt budget runs out. A user-initiated Close never
// triggers a reconnect.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avrile/cadence/internal/audio"
	"github.com/avrile/cadence/internal/protocol"
	"github.com/avrile/cadence/internal/reliability"
)

var ErrNotConnected = errors.New("stream not connected")

type Config struct {
	// URL is the ws(s) stream endpoint, e.g. ws://127.0.0.1:8080/v1/stream.
	URL string

	DialTimeout time.Duration

	// Backoff overrides the reconnect schedule. Nil uses the defaults.
	Backoff *reliability.Backoff
}

type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	backoff *reliability.Backoff

	mu   sync.Mutex
	conn *websocket.Conn

	sessionID atomic.Value
	closed    atomic.Bool

	events chan any
}

func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse stream URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported stream URL scheme %q", u.Scheme)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = reliability.NewBackoff()
	}
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		backoff: backoff,
		events:  make(chan any, 256),
	}, nil
}

// Events delivers decoded server messages. The channel closes when Run
// returns.
func (c *Client) Events() <-chan any { return c.events }

// SessionID returns the token issued (or restored) by the server, empty
// before the first handshake.
func (c *Client) SessionID() string {
	if v, ok := c.sessionID.Load().(string); ok {
		return v
	}
	return ""
}

// Run connects and reads until Close, context cancellation, or reconnect
// exhaustion. Each drop waits the next backoff delay before redialing; a
// successful handshake resets the schedule.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	var lastErr error
	for {
		if c.closed.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.backoff.Reset()
			c.setConn(conn)
			err = c.readLoop(ctx, conn)
			c.setConn(nil)
			conn.Close()
			if c.closed.Load() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		lastErr = err

		delay, ok := c.backoff.Next()
		if !ok {
			return fmt.Errorf("reconnect attempts exhausted: %w", lastErr)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// SendAudio writes one binary capture frame.
func (c *Client) SendAudio(b audio.Batch) error {
	frame, err := audio.EncodeFrame(b)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// SendControl writes one control message.
func (c *Client) SendControl(ctrl protocol.ClientControl) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(ctrl)
}

// Close ends the stream for good. Run returns without reconnecting.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	if token := c.SessionID(); token != "" {
		q := u.Query()
		q.Set("session", token)
		u.RawQuery = q.Encode()
	}
	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := ParseServerEvent(data)
		if err != nil {
			continue
		}

		switch msg := ev.(type) {
		case protocol.SessionID:
			c.sessionID.Store(msg.SessionID)
		case protocol.SessionRestored:
			c.sessionID.Store(msg.SessionID)
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
