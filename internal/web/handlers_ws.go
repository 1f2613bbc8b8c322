package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"panelhub/internal/registry"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 64
)

// wsClient is one connected WebSocket subscriber. ips is the set of
// panel IPs the client asked for; empty means everything. Events with
// no IP of their own (heartbeats) pass every filter.
type wsClient struct {
	conn *websocket.Conn
	send chan registry.Event
	ips  map[string]bool
}

func (c *wsClient) wants(ev registry.Event) bool {
	if len(c.ips) == 0 || ev.IP == "" {
		return true
	}
	return c.ips[ev.IP]
}

// WSHub fans registry events out to WebSocket clients. A client whose
// send buffer is full gets dropped rather than stalling the hub.
type WSHub struct {
	logger     *slog.Logger
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan registry.Event
	clients    map[*wsClient]bool
	done       chan struct{}
	stopOnce   sync.Once
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:     logger.With("component", "ws"),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan registry.Event, 256),
		clients:    make(map[*wsClient]bool),
		done:       make(chan struct{}),
	}
}

// Run processes hub events until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.logger.Debug("ws client connected", "clients", len(h.clients))
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
		case ev := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(ev) {
					continue
				}
				select {
				case c.send <- ev:
				default:
					// Slow consumer, cut it loose.
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn("dropping slow ws client")
				}
			}
		case <-h.done:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		}
	}
}

// Broadcast queues an event for delivery to all matching clients.
func (h *WSHub) Broadcast(ev registry.Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	}
}

// Stop terminates the hub loop and disconnects all clients.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount reports connected clients; racy but fine for diagnostics.
func (h *WSHub) ClientCount() int {
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) == 0 {
		opts.InsecureSkipVerify = true
	} else {
		for _, o := range s.allowedOrigins {
			if o == "*" {
				opts.InsecureSkipVerify = true
				break
			}
			opts.OriginPatterns = append(opts.OriginPatterns, strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://"))
		}
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("ws accept failed", "err", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan registry.Event, wsSendBuffer),
	}
	if raw := r.URL.Query().Get("ips"); raw != "" {
		client.ips = make(map[string]bool)
		for _, ip := range strings.Split(raw, ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				client.ips[ip] = true
			}
		}
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	ctx := r.Context()

	// Hello first, then replay current panel state so the client does
	// not have to poll before live events start flowing.
	hello := registry.Event{
		Type:      registry.EventHeartbeat,
		Timestamp: time.Now(),
		Session:   s.registry.Session(),
	}
	if err := writeEvent(ctx, conn, hello); err != nil {
		s.dropClient(client)
		return
	}
	for _, ev := range s.registry.StateEvents() {
		if !client.wants(ev) {
			continue
		}
		if err := writeEvent(ctx, conn, ev); err != nil {
			s.dropClient(client)
			return
		}
	}

	go s.wsReadPump(ctx, client)
	s.wsWritePump(ctx, client)
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev registry.Event) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, ev)
}

// wsReadPump drains incoming frames so pings are answered and close
// frames are noticed promptly. Clients are not expected to send data.
func (s *Server) wsReadPump(ctx context.Context, c *wsClient) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			s.dropClient(c)
			return
		}
	}
}

func (s *Server) wsWritePump(ctx context.Context, c *wsClient) {
	defer c.conn.Close(websocket.StatusNormalClosure, "")
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			if err := writeEvent(ctx, c.conn, ev); err != nil {
				s.dropClient(c)
				return
			}
		case <-ctx.Done():
			s.dropClient(c)
			return
		}
	}
}

func (s *Server) dropClient(c *wsClient) {
	select {
	case s.wsHub.unregister <- c:
	case <-s.wsHub.done:
	}
}
