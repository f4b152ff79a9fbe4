package bus

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"example.com/scorebridge/internal/errs"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const natsChanBuffer = 256

// NATSConfig holds configuration for both NATS participants and the NATS broker.
type NATSConfig struct {
	URL           string
	Prefix        string // subjects are <prefix>.<topic>
	Name          string
	ReconnectWait time.Duration
}

func (c NATSConfig) subject(topic string) string {
	if c.Prefix == "" {
		return topic
	}
	return c.Prefix + "." + topic
}

func (c NATSConfig) topic(subject string) string {
	return strings.TrimPrefix(subject, c.Prefix+".")
}

func (c NATSConfig) options(log zerolog.Logger, onUp func(), onReconnect func()) []nats.Option {
	wait := c.ReconnectWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return []nats.Option{
		nats.Name(c.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS connected")
			onUp()
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			onReconnect()
			onUp()
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
}

// NATSClient is a participant Client over NATS core subjects. Messages from
// all topics share one channel so they are handled in arrival order.
type NATSClient struct {
	cfg  NATSConfig
	log  zerolog.Logger
	opts clientOptions

	routes router
	hooks  hooks

	nc atomic.Pointer[nats.Conn]
	up chan struct{}
}

func NewNATSClient(cfg NATSConfig, log zerolog.Logger, opts ...ClientOption) *NATSClient {
	return &NATSClient{
		cfg:  cfg,
		log:  log,
		opts: buildOptions(opts),
		up:   make(chan struct{}, 1),
	}
}

func (c *NATSClient) Handle(topic string, h Handler) { c.routes.add(topic, h) }

func (c *NATSClient) OnConnect(fn func(ctx context.Context)) { c.hooks.add(fn) }

func (c *NATSClient) Connected() bool {
	nc := c.nc.Load()
	return nc != nil && nc.IsConnected()
}

func (c *NATSClient) Publish(_ context.Context, topic string, data []byte) error {
	nc := c.nc.Load()
	if nc == nil || !nc.IsConnected() {
		return fmt.Errorf("publish %s: %w: %w", topic, errs.ErrTransport, ErrNotConnected)
	}
	if err := nc.Publish(c.cfg.subject(topic), data); err != nil {
		return fmt.Errorf("publish %s: %w: %v", topic, errs.ErrTransport, err)
	}
	return nil
}

func (c *NATSClient) signalUp() {
	select {
	case c.up <- struct{}{}:
	default:
	}
}

func (c *NATSClient) Run(ctx context.Context) error {
	nc, err := nats.Connect(c.cfg.URL, c.cfg.options(c.log, c.signalUp, func() {
		c.opts.metrics.BusReconnect("nats")
	})...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w: %v", errs.ErrTransport, err)
	}
	c.nc.Store(nc)
	defer nc.Close()

	msgs := make(chan *nats.Msg, natsChanBuffer)
	for _, topic := range c.routes.topics() {
		if _, err := nc.ChanSubscribe(c.cfg.subject(topic), msgs); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	if nc.IsConnected() {
		c.signalUp()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.up:
			c.hooks.fire(ctx)
		case m := <-msgs:
			c.routes.dispatch(ctx, Message{Topic: c.cfg.topic(m.Subject), Data: m.Data})
		}
	}
}

// NATSBroker is the server-side Broker over NATS. Ingestion messages carry no
// sender identity; the subject space is trusted.
type NATSBroker struct {
	cfg NATSConfig
	log zerolog.Logger
	nc  *nats.Conn

	routes router
}

func NewNATSBroker(cfg NATSConfig, log zerolog.Logger) (*NATSBroker, error) {
	nc, err := nats.Connect(cfg.URL, cfg.options(log, func() {}, func() {})...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBroker{cfg: cfg, log: log, nc: nc}, nil
}

func (b *NATSBroker) Ingest(topic string, h Handler) { b.routes.add(topic, h) }

func (b *NATSBroker) Broadcast(_ context.Context, topic string, data []byte) error {
	if err := b.nc.Publish(b.cfg.subject(topic), data); err != nil {
		return fmt.Errorf("broadcast %s: %w: %v", topic, errs.ErrTransport, err)
	}
	return nil
}

// Run consumes ingestion subjects until ctx is done.
func (b *NATSBroker) Run(ctx context.Context) error {
	msgs := make(chan *nats.Msg, natsChanBuffer)
	for _, topic := range b.routes.topics() {
		sub, err := b.nc.ChanSubscribe(b.cfg.subject(topic), msgs)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			b.routes.dispatch(ctx, Message{Topic: b.cfg.topic(m.Subject), Data: m.Data})
		}
	}
}

func (b *NATSBroker) Close() {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
