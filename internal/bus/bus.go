// Package bus moves topic-addressed frames between the scoring server and
// its participants.
//
// A participant holds a Client: it registers handlers once, and they keep
// working across reconnects. Every message and every OnConnect hook of one
// Client runs on the goroutine that called Run, one at a time.
// The server holds a Broker: it broadcasts status frames to everyone and
// receives ingestion frames from individual participants.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"example.com/scorebridge/internal/metrics"
	"github.com/jonboulle/clockwork"
)

var ErrNotConnected = errors.New("bus: not connected")

type Message struct {
	Topic string
	Data  []byte
}

type Handler func(ctx context.Context, msg Message)

type Client interface {
	Handle(topic string, h Handler)
	OnConnect(fn func(ctx context.Context))
	Publish(ctx context.Context, topic string, data []byte) error
	Run(ctx context.Context) error
	Connected() bool
}

type Broker interface {
	Broadcast(ctx context.Context, topic string, data []byte) error
	Ingest(topic string, h Handler)
}

// frame is the websocket wire unit. Data holds a wire envelope.
type frame struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type senderKey struct{}

// WithSender tags ctx with the authenticated device id of the connection a frame came from.
func WithSender(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, senderKey{}, deviceID)
}

func SenderFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(senderKey{}).(string)
	return s, ok && s != ""
}

type router struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func (r *router) add(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string][]Handler)
	}
	r.handlers[topic] = append(r.handlers[topic], h)
}

func (r *router) has(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[topic]) > 0
}

func (r *router) topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

func (r *router) dispatch(ctx context.Context, msg Message) bool {
	r.mu.RLock()
	hs := r.handlers[msg.Topic]
	r.mu.RUnlock()
	for _, h := range hs {
		h(ctx, msg)
	}
	return len(hs) > 0
}

type hooks struct {
	mu  sync.Mutex
	fns []func(ctx context.Context)
}

func (h *hooks) add(fn func(ctx context.Context)) {
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *hooks) fire(ctx context.Context) {
	h.mu.Lock()
	fns := append([]func(ctx context.Context){}, h.fns...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ctx)
	}
}

type clientOptions struct {
	clock   clockwork.Clock
	metrics *metrics.Manager
}

type ClientOption func(*clientOptions)

// WithClock replaces the wall clock used for reconnect delays.
func WithClock(c clockwork.Clock) ClientOption {
	return func(o *clientOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithMetrics(m *metrics.Manager) ClientOption {
	return func(o *clientOptions) {
		o.metrics = m
	}
}

func buildOptions(opts []ClientOption) clientOptions {
	o := clientOptions{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
