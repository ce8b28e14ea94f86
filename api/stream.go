package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/autotrader/pkg/manager"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// StatusMessage is pushed to every stream subscriber.
type StatusMessage struct {
	Type    string                 `json:"type"`
	Time    time.Time              `json:"time"`
	Health  manager.Health         `json:"health"`
	Traders []manager.TraderStatus `json:"traders"`
}

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *subscriber) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *subscriber) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Hub pushes trader status to websocket subscribers at a fixed interval
// and keeps the connections alive with pings.
type Hub struct {
	backend  Backend
	interval time.Duration
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*subscriber]bool
}

func NewHub(backend Backend, interval time.Duration, logger *logrus.Logger) *Hub {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Hub{
		backend:  backend,
		interval: interval,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]bool),
	}
}

func (h *Hub) snapshot() StatusMessage {
	return StatusMessage{
		Type:    "status",
		Time:    time.Now().UTC(),
		Health:  h.backend.Health(),
		Traders: h.backend.Status(),
	}
}

// ServeWS upgrades the request and sends the current status at once.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade websocket")
		return
	}
	sub := &subscriber{conn: conn}

	if err := sub.writeJSON(h.snapshot()); err != nil {
		h.logger.WithError(err).Warn("Failed to send initial status")
		conn.Close()
		return
	}

	h.mu.Lock()
	h.subscribers[sub] = true
	count := len(h.subscribers)
	h.mu.Unlock()
	h.logger.WithField("subscribers", count).Debug("Status subscriber connected")

	go h.readLoop(sub)
}

// readLoop drains client frames so pongs and close frames are handled.
func (h *Hub) readLoop(sub *subscriber) {
	defer h.drop(sub)

	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[sub]
	delete(h.subscribers, sub)
	h.mu.Unlock()
	if ok {
		sub.conn.Close()
	}
}

func (h *Hub) list() []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		out = append(out, sub)
	}
	return out
}

// Run broadcasts status every interval and pings subscribers until ctx is
// done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-ticker.C:
			subs := h.list()
			if len(subs) == 0 {
				continue
			}
			msg := h.snapshot()
			for _, sub := range subs {
				if err := sub.writeJSON(msg); err != nil {
					h.logger.WithError(err).Debug("Dropping status subscriber")
					h.drop(sub)
				}
			}
		case <-ping.C:
			for _, sub := range h.list() {
				if err := sub.write(websocket.PingMessage, nil); err != nil {
					h.logger.WithError(err).Debug("Failed to send ping")
					h.drop(sub)
				}
			}
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	for _, sub := range h.list() {
		sub.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		h.drop(sub)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
