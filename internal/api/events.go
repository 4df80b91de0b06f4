package api

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"field-sync-agent/internal/replay"
)

// Event types pushed to WebSocket clients.
const (
	EventQueueChanged        = "queue.changed"
	EventSyncStarted         = "sync.started"
	EventSyncCompleted       = "sync.completed"
	EventConnectivityChanged = "connectivity.changed"
	EventArtifactsSynced     = "artifacts.synced"
)

const (
	sendBuffer   = 32
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Envelope wraps every message sent over /ws.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts requests without an Origin header and those coming
// from a loopback host.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type wsClient struct {
	id   uint64
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans events out to connected WebSocket clients. Run must be running
// for clients to be served; Broadcast never blocks.
type Hub struct {
	clients    map[uint64]*wsClient
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	nextID     atomic.Uint64
	count      atomic.Int64
}

// NewHub creates a hub. Start it with Run.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[uint64]*wsClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for id, c := range h.clients {
			close(c.send)
			delete(h.clients, id)
		}
		h.count.Store(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c.id] = c
			h.count.Store(int64(len(h.clients)))
			log.Printf("api: ws client %d connected (total %d)", c.id, len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
				h.count.Store(int64(len(h.clients)))
				log.Printf("api: ws client %d disconnected (total %d)", c.id, len(h.clients))
			}
		case msg := <-h.broadcast:
			for id, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow consumer
					close(c.send)
					delete(h.clients, id)
					h.count.Store(int64(len(h.clients)))
				}
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int { return int(h.count.Load()) }

// Broadcast queues an event for every client. Events are dropped when the
// hub is stopped or backed up.
func (h *Hub) Broadcast(eventType string, data any) {
	raw, err := json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		log.Printf("api: marshal %s event: %v", eventType, err)
		return
	}
	select {
	case h.broadcast <- raw:
	default:
		log.Printf("api: dropping %s event, hub is backed up", eventType)
	}
}

// QueueChanged publishes the new queue depth.
func (h *Hub) QueueChanged(depth int) {
	h.Broadcast(EventQueueChanged, map[string]any{"depth": depth})
}

// SyncStarted implements replay.Observer.
func (h *Hub) SyncStarted(pending int) {
	h.Broadcast(EventSyncStarted, map[string]any{"pending": pending})
}

// SyncCompleted implements replay.Observer.
func (h *Hub) SyncCompleted(res replay.Result) {
	h.Broadcast(EventSyncCompleted, res)
}

// ConnectivityChanged publishes an online/offline transition.
func (h *Hub) ConnectivityChanged(online bool) {
	h.Broadcast(EventConnectivityChanged, map[string]any{"online": online})
}

// ArtifactsSynced publishes how many artifacts an upload pass sent.
func (h *Hub) ArtifactsSynced(n int) {
	h.Broadcast(EventArtifactsSynced, map[string]any{"uploaded": n})
}

// ServeWS upgrades the request and streams events to the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: ws upgrade: %v", err)
		return
	}
	c := &wsClient{
		id:   h.nextID.Add(1),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump discards client messages and notices disconnects.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("api: ws read: %v", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
