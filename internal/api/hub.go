package api

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
)

// Event is the envelope pushed to websocket subscribers: batch progress,
// project updates and intervention changes.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// Hub fans events out to connected websocket clients. The agent binds to
// loopback only, so the origin check admits local clients.
type Hub struct {
	mu       sync.Mutex
	clients  map[*wsClient]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: map[*wsClient]bool{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.Contains(origin, "127.0.0.1") || strings.Contains(origin, "localhost")
			},
		},
		logger: logger,
	}
}

// ServeWS upgrades the request and keeps the connection registered until it
// closes. Clients only receive; inbound messages are drained and dropped.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "remote", conn.RemoteAddr().String())

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go h.keepAlive(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(client)
}

func (h *Hub) keepAlive(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if !h.has(client) {
			return
		}
		if err := client.ping(); err != nil {
			h.drop(client)
			return
		}
	}
}

// Broadcast sends an event to every connected client, dropping clients whose
// writes fail.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.send(ev); err != nil {
			h.logger.Warn("websocket write failed, dropping client", "error", err)
			h.drop(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = map[*wsClient]bool{}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (h *Hub) has(client *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[client]
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	if !h.clients[client] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	h.mu.Unlock()
	client.conn.Close()
}
