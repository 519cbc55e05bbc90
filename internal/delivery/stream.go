package delivery

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"livechat-sync/internal/domain"
	synccore "livechat-sync/internal/sync"
)

// streamUpdate is one push frame to a UI client.
type streamUpdate struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type streamClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
}

// StreamHub fans core update notifications out to connected UI clients so
// the rendering process re-renders without polling. It implements
// sync.UpdateHandler; all Handle methods run on the core's dispatch loop and
// therefore never block: a client too slow to drain its buffer is dropped.
type StreamHub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]*streamClient
}

func NewStreamHub(logger *slog.Logger) *StreamHub {
	return &StreamHub{
		log:     logger,
		clients: make(map[uuid.UUID]*streamClient),
	}
}

// HandleConnection serves one UI stream connection until the client goes
// away. Runs on the fiber websocket handler goroutine.
func (h *StreamHub) HandleConnection(conn *websocket.Conn) {
	client := &streamClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
	h.log.Debug("stream client connected", slog.String("client_id", client.id.String()))

	defer func() {
		h.drop(client.id)
		conn.Close()
	}()

	go client.writePump()

	// The read loop only detects disconnect; UI intents arrive over REST.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamClient) writePump() {
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (h *StreamHub) drop(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(client.send)
	}
}

func (h *StreamHub) broadcast(updateType string, data any) {
	frame, err := json.Marshal(streamUpdate{Type: updateType, Data: data})
	if err != nil {
		h.log.Error("stream marshal failed", slog.String("type", updateType), slog.Any("error", err))
		return
	}

	// Sends happen under the read lock and drop closes under the write lock,
	// so a frame can never race the close of a departing client's channel.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.send <- frame:
		default:
			h.log.Warn("dropping slow stream client", slog.String("client_id", client.id.String()))
			go h.drop(client.id)
		}
	}
}

// ClientCount reports connected UI clients, exposed on the health endpoint.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ---- sync.UpdateHandler ----

func (h *StreamHub) HandleStateChange(state synccore.State, stale bool) {
	h.broadcast("sync:state", map[string]any{"state": state, "stale": stale})
}

func (h *StreamHub) HandleConversationsChanged() {
	h.broadcast("conversations:changed", nil)
}

func (h *StreamHub) HandleWindowChanged(conversationID string) {
	h.broadcast("window:changed", map[string]any{"conversation_id": conversationID})
}

func (h *StreamHub) HandleTyping(conversationID string, users []string) {
	h.broadcast("typing:changed", map[string]any{
		"conversation_id": conversationID,
		"users":           users,
	})
}

func (h *StreamHub) HandlePresence(entry domain.PresenceEntry) {
	h.broadcast("presence:changed", entry)
}

func (h *StreamHub) HandleLoadFailure(conversationID string, err error) {
	h.broadcast("load:failed", map[string]any{
		"conversation_id": conversationID,
		"error":           err.Error(),
	})
}
