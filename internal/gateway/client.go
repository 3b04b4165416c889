// Package gateway connects the bot to the messaging platform over a
// websocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"btbot/internal/models"
)

var ErrNotConnected = errors.New("gateway not connected")

// Handler receives every message event. It runs on the read loop, so it
// should hand work off instead of blocking.
type Handler func(ctx context.Context, msg models.InboundMessage)

type Options struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	// OnReady runs in its own goroutine each time the platform acknowledges
	// the identify frame, so Send works from inside it.
	OnReady func(ctx context.Context)
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 90 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 30 * time.Second
		if o.MaxBackoff < o.MinBackoff {
			o.MaxBackoff = o.MinBackoff
		}
	}
	return o
}

type Client struct {
	url    string
	token  string
	opts   Options
	logger *log.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func New(url, token string, opts Options) *Client {
	return &Client{
		url:    strings.TrimSpace(url),
		token:  token,
		opts:   opts.withDefaults(),
		logger: log.Default().With("component", "gateway"),
	}
}

// Run keeps a connection open until ctx is done, reconnecting with capped
// exponential backoff.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	backoff := c.opts.MinBackoff
	for {
		connected, err := c.runOnce(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.opts.MinBackoff
		}
		c.logger.Warn("gateway disconnected", "err", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

// RunOnce serves a single connection and returns when it drops.
func (c *Client) RunOnce(ctx context.Context, handler Handler) error {
	_, err := c.runOnce(ctx, handler)
	return err
}

func (c *Client) runOnce(ctx context.Context, handler Handler) (bool, error) {
	if c.url == "" {
		return false, errors.New("gateway url is required")
	}
	if handler == nil {
		return false, errors.New("handler is required")
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	c.setConn(conn)
	defer c.setConn(nil)

	if err := c.write(conn, OpIdentify, IdentifyPayload{Token: c.token}); err != nil {
		return false, err
	}
	c.logger.Info("gateway connected", "url", c.url)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(2*time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read gateway: %w", err)
		}
		frame, err := DecodeFrame(raw)
		if err != nil {
			c.logger.Warn("skipping malformed frame", "err", err)
			continue
		}
		switch frame.Op {
		case OpPing:
			if err := c.write(conn, OpPong, nil); err != nil {
				return true, err
			}
		case OpReady:
			c.logger.Debug("gateway ready")
			if c.opts.OnReady != nil {
				go c.opts.OnReady(ctx)
			}
		case OpMessage:
			var msg models.InboundMessage
			if err := json.Unmarshal(frame.D, &msg); err != nil {
				c.logger.Warn("skipping malformed message event", "err", err)
				continue
			}
			if msg.ReceivedAt.IsZero() {
				msg.ReceivedAt = time.Now().UTC()
			}
			handler(ctx, msg)
		case OpError:
			var payload ErrorPayload
			_ = json.Unmarshal(frame.D, &payload)
			return true, fmt.Errorf("gateway error: %s", payload.Message)
		default:
			c.logger.Debug("ignoring frame", "op", frame.Op)
		}
	}
}

// Send posts text to a channel over the current connection.
func (c *Client) Send(ctx context.Context, channelID, text string) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(conn, OpSend, SendPayload{ChannelID: channelID, Text: text})
}

func (c *Client) Connected() bool {
	return c.currentConn() != nil
}

func (c *Client) write(conn *websocket.Conn, op string, payload any) error {
	frame, err := EncodeFrame(op, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s frame: %w", op, err)
	}
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
