package round

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"
)

// Client is one connected WebSocket subscriber. It records the asset it
// asked for, but Hub.Run does not filter by asset: every broadcast event
// goes to every client.
type Client struct {
	conn   *websocket.Conn
	userID string
	asset  string
	mu     sync.Mutex
}

// Hub fans out engine events to every subscribed client without ever
// blocking the tick loop: Broadcast enqueues onto a buffered channel and
// drops the message (logging) if that channel is full.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	log        zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        logger,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Str("user_id", client.userID).Int("total", count).Msg("ws client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Str("user_id", client.userID).Int("total", count).Msg("ws client disconnected")

		case evt := <-h.broadcast:
			payload, err := json.Marshal(evt)
			if err != nil {
				h.log.Error().Err(err).Msg("event marshal failed")
				continue
			}

			h.mu.RLock()
			for client := range h.clients {
				go client.send(payload)
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast enqueues evt for fan-out, non-blockingly.
func (h *Hub) Broadcast(evt Event) {
	select {
	case h.broadcast <- evt:
	default:
		h.log.Warn().Str("event_type", evt.Type).Msg("broadcast channel full, dropping event")
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) RegisterClient(conn *websocket.Conn, userID, asset string) *Client {
	client := &Client{conn: conn, userID: userID, asset: asset}
	h.register <- client
	return client
}

func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}
