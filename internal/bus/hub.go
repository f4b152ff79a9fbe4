package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"example.com/scorebridge/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pingEvery    = 25 * time.Second
	pongWait     = 60 * time.Second
	maxFrameSize = 64 << 10
	sendBuffer   = 64
)

// TokenVerifier resolves a session token to the device id it was issued for.
type TokenVerifier func(token string) (deviceID string, err error)

// Hub is the websocket Broker. Clients connect to /ws?token=...; the token is
// optional, but ingestion frames from a connection without one are dropped.
type Hub struct {
	log     zerolog.Logger
	metrics *metrics.Manager
	verify  TokenVerifier

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*hubConn]struct{}

	routes router
	leave  func(ctx context.Context, deviceID string)
}

type hubConn struct {
	ws       *websocket.Conn
	send     chan []byte
	deviceID string

	closeOnce sync.Once
}

func (c *hubConn) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.ws.Close()
	})
}

func NewHub(log zerolog.Logger, verify TokenVerifier, m *metrics.Manager) *Hub {
	return &Hub{
		log:     log,
		metrics: m,
		verify:  verify,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*hubConn]struct{}),
	}
}

func (h *Hub) Ingest(topic string, fn Handler) {
	h.routes.add(topic, fn)
}

// OnDisconnect sets fn to run when the last connection of an authenticated
// device closes. Set it before serving.
func (h *Hub) OnDisconnect(fn func(ctx context.Context, deviceID string)) {
	h.leave = fn
}

func (h *Hub) Broadcast(_ context.Context, topic string, data []byte) error {
	b, err := json.Marshal(frame{Topic: topic, Data: data})
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", topic, err)
	}

	var slow []*hubConn
	h.mu.RLock()
	for c := range h.conns {
		select {
		case c.send <- b:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// a client that cannot keep up reconnects and recovers by pulling
	for _, c := range slow {
		h.log.Warn().Str("device", c.deviceID).Str("topic", topic).Msg("dropping slow connection")
		h.remove(c)
	}
	return nil
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*hubConn]struct{})
	h.mu.Unlock()
	for c := range conns {
		c.close()
		h.metrics.BusConnectionClosed()
	}
}

func (h *Hub) online(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if c.deviceID == deviceID {
			return true
		}
	}
	return false
}

func (h *Hub) add(c *hubConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.BusConnectionOpened()
}

func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		c.close()
		h.metrics.BusConnectionClosed()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var deviceID string
	if token := r.URL.Query().Get("token"); token != "" && h.verify != nil {
		id, err := h.verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		deviceID = id
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &hubConn{
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		deviceID: deviceID,
	}
	h.add(c)
	h.log.Debug().Str("device", deviceID).Str("remote", r.RemoteAddr).Msg("bus connection opened")

	go h.writeLoop(c)
	h.readLoop(r.Context(), c)

	h.remove(c)
	h.log.Debug().Str("device", deviceID).Msg("bus connection closed")
	if deviceID != "" && h.leave != nil && !h.online(deviceID) {
		h.leave(context.WithoutCancel(r.Context()), deviceID)
	}
}

func (h *Hub) writeLoop(c *hubConn) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *hubConn) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	if c.deviceID != "" {
		ctx = WithSender(ctx, c.deviceID)
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.log.Warn().Err(err).Str("device", c.deviceID).Msg("bad frame")
			continue
		}
		if !h.routes.has(f.Topic) {
			h.log.Debug().Str("topic", f.Topic).Msg("frame on non-ingestion topic ignored")
			continue
		}
		if c.deviceID == "" && h.verify != nil {
			h.log.Warn().Str("topic", f.Topic).Msg("ingestion from unauthenticated connection dropped")
			continue
		}
		h.routes.dispatch(ctx, Message{Topic: f.Topic, Data: f.Data})
	}
}
