package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"example.com/scorebridge/internal/errs"
)

const localInbox = 256

// Local is an in-process Broker. Clients created from it behave like remote
// participants: each has its own inbox and handles it on its own Run goroutine.
type Local struct {
	routes router

	mu      sync.RWMutex
	clients map[*LocalClient]struct{}
}

func NewLocal() *Local {
	return &Local{clients: make(map[*LocalClient]struct{})}
}

func (l *Local) Ingest(topic string, h Handler) { l.routes.add(topic, h) }

func (l *Local) Broadcast(_ context.Context, topic string, data []byte) error {
	msg := Message{Topic: topic, Data: append([]byte(nil), data...)}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for c := range l.clients {
		if !c.connected.Load() {
			continue
		}
		select {
		case c.inbox <- msg:
		default:
			return fmt.Errorf("broadcast %s: inbox full for %q", topic, c.deviceID)
		}
	}
	return nil
}

// Client returns a participant bound to deviceID; "" means unauthenticated.
func (l *Local) Client(deviceID string) *LocalClient {
	c := &LocalClient{
		broker:   l,
		deviceID: deviceID,
		inbox:    make(chan Message, localInbox),
		kick:     make(chan struct{}, 1),
	}
	l.mu.Lock()
	l.clients[c] = struct{}{}
	l.mu.Unlock()
	return c
}

type LocalClient struct {
	broker   *Local
	deviceID string

	routes router
	hooks  hooks

	inbox chan Message
	kick  chan struct{}

	connected atomic.Bool
}

func (c *LocalClient) Handle(topic string, h Handler) { c.routes.add(topic, h) }

func (c *LocalClient) OnConnect(fn func(ctx context.Context)) { c.hooks.add(fn) }

func (c *LocalClient) Connected() bool { return c.connected.Load() }

func (c *LocalClient) Publish(ctx context.Context, topic string, data []byte) error {
	if !c.connected.Load() {
		return fmt.Errorf("publish %s: %w: %w", topic, errs.ErrTransport, ErrNotConnected)
	}
	if c.deviceID != "" {
		ctx = WithSender(ctx, c.deviceID)
	}
	c.broker.routes.dispatch(ctx, Message{Topic: topic, Data: append([]byte(nil), data...)})
	return nil
}

// Reconnect simulates a dropped and restored link: messages broadcast while
// the link is down are lost and OnConnect hooks fire again.
func (c *LocalClient) Reconnect() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// SetOnline toggles delivery without firing hooks.
func (c *LocalClient) SetOnline(online bool) {
	c.connected.Store(online)
}

func (c *LocalClient) Run(ctx context.Context) error {
	c.connected.Store(true)
	defer c.connected.Store(false)
	c.hooks.fire(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.kick:
			c.connected.Store(true)
			c.hooks.fire(ctx)
		case msg := <-c.inbox:
			c.routes.dispatch(ctx, msg)
		}
	}
}
