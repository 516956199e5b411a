package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"checkoutd/internal/checkout/domain"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// writeWait bounds a single write so one slow client cannot stall the hub.
const writeWait = 5 * time.Second

var (
	// ErrBacklogged is returned when the broadcast queue is full and the event was dropped.
	ErrBacklogged = errors.New("realtime: broadcast queue full, event dropped")
	ErrStopped    = errors.New("realtime: hub stopped")
)

// Hub manages operator WebSocket clients and broadcasts checkout events to them.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	Broadcast   chan []byte
	mu          sync.Mutex
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
	done        chan struct{}
	stopOnce    sync.Once
}

// NewHub constructs a Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		Broadcast:   make(chan []byte, 64),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run processes register/unregister/broadcast events until ctx is done, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.stopOnce.Do(func() { close(h.done) })
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.Broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.logger.Debug().Err(err).Msg("drop websocket client")
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Publish queues a checkout event for broadcast. It never waits: when the
// queue is full or the hub has stopped the event is dropped.
func (h *Hub) Publish(ctx context.Context, event domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-h.done:
		return ErrStopped
	default:
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case h.Broadcast <- data:
		return nil
	default:
		return ErrBacklogged
	}
}

// ServeHTTP upgrades the request and streams events to the client until it
// disconnects. Clients only listen; anything they send is discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	select {
	case h.Register <- conn:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	select {
	case h.Unregister <- conn:
	case <-r.Context().Done():
	}
}
