package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	hubSendBuffer   = 32
	hubWriteTimeout = 5 * time.Second
)

// Hub is the server side of the change feed: it fans notifications out to connected
// subscribers, filtered by rider.
type Hub struct {
	logger Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	done    chan struct{}
	closed  bool
}

type hubClient struct {
	email string
	send  chan Notification
}

func NewHub(logger Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: map[*hubClient]struct{}{},
		done:    make(chan struct{}),
	}
}

// ServeWS upgrades the request and streams notifications for email until either side
// closes. An empty email receives everything.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, email string) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	client := &hubClient{email: email, send: make(chan Notification, hubSendBuffer)}
	if !h.add(client) {
		return conn.Close(websocket.StatusGoingAway, "shutting down")
	}
	defer h.remove(client)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case <-h.done:
			return conn.Close(websocket.StatusGoingAway, "shutting down")
		case n := <-client.send:
			writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
			err := wsjson.Write(writeCtx, conn, n)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// Publish queues n for every matching subscriber. A subscriber whose buffer is full misses
// the notification; the periodic sync covers the gap.
func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if n.Email != "" && client.email != "" && client.email != n.Email {
			continue
		}
		select {
		case client.send <- n:
		default:
			h.logf("realtime subscriber %q is slow, dropped %s", client.email, n.Type)
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

func (h *Hub) add(client *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	return true
}

func (h *Hub) remove(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
