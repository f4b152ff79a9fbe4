package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"example.com/scorebridge/internal/errs"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type WSClientConfig struct {
	URL           string        // ws://host:port/ws
	ReconnectWait time.Duration // fixed, no backoff
	Token         func() string // read on every dial; may return ""
}

// WSClient dials a Hub and redials forever after a fixed delay.
type WSClient struct {
	cfg    WSClientConfig
	log    zerolog.Logger
	opts   clientOptions
	dialer *websocket.Dialer

	routes router
	hooks  hooks

	writeMu sync.Mutex
	conn    *websocket.Conn

	connected atomic.Bool
}

func NewWSClient(cfg WSClientConfig, log zerolog.Logger, opts ...ClientOption) *WSClient {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 5 * time.Second
	}
	return &WSClient{
		cfg:    cfg,
		log:    log,
		opts:   buildOptions(opts),
		dialer: websocket.DefaultDialer,
	}
}

func (c *WSClient) Handle(topic string, h Handler) { c.routes.add(topic, h) }

func (c *WSClient) OnConnect(fn func(ctx context.Context)) { c.hooks.add(fn) }

func (c *WSClient) Connected() bool { return c.connected.Load() }

func (c *WSClient) Publish(_ context.Context, topic string, data []byte) error {
	b, err := json.Marshal(frame{Topic: topic, Data: data})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("publish %s: %w: %w", topic, errs.ErrTransport, ErrNotConnected)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("publish %s: %w: %v", topic, errs.ErrTransport, err)
	}
	return nil
}

// Run blocks until ctx is done.
func (c *WSClient) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.log.Warn().Err(err).Str("url", c.cfg.URL).Msg("bus dial failed")
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.opts.metrics.BusReconnect("websocket")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.opts.clock.After(c.cfg.ReconnectWait):
		}
	}
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("bus url: %w", err)
	}
	if c.cfg.Token != nil {
		if tok := c.cfg.Token(); tok != "" {
			q := u.Query()
			q.Set("token", tok)
			u.RawQuery = q.Encode()
		}
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	return conn, nil
}

func (c *WSClient) serve(ctx context.Context, conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.connected.Store(true)
	c.log.Info().Str("url", c.cfg.URL).Msg("bus connected")

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	defer func() {
		close(done)
		c.connected.Store(false)
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		_ = conn.Close()
		if ctx.Err() == nil {
			c.log.Warn().Str("url", c.cfg.URL).Dur("retry_in", c.cfg.ReconnectWait).Msg("bus disconnected")
		}
	}()

	c.hooks.fire(ctx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("bad frame")
			continue
		}
		c.routes.dispatch(ctx, Message{Topic: f.Topic, Data: f.Data})
	}
}

// Reconnect drops the current connection so the next dial picks up a fresh
// token. Run redials after the usual ReconnectWait.
func (c *WSClient) Reconnect() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
