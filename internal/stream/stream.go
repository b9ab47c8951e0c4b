// Package stream fans committed auction events out to websocket clients.
//
// The hub runs on its own listener, separate from the REST API. A client
// connects once to /ws and steers which RFQs it follows with control
// messages ("*" follows every RFQ); events arrive as the broadcaster's
// JSON envelope, in per-RFQ sequence order.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/broadcast"
)

const (
	topicAll   = "*"
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

type controlMessage struct {
	Action string `json:"action"`
	RFQID  string `json:"rfq_id"`
}

// Client is one websocket connection and the set of RFQs it follows.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	all  bool
	rfqs map[uuid.UUID]struct{}
}

func (c *Client) wants(rfqID uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.all {
		return true
	}
	_, ok := c.rfqs[rfqID]
	return ok
}

func (c *Client) subscribe(raw string) error {
	if raw == topicAll {
		c.mu.Lock()
		c.all = true
		c.mu.Unlock()
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid rfq id %q", raw)
	}
	c.mu.Lock()
	c.rfqs[id] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Client) unsubscribe(raw string) error {
	if raw == topicAll {
		c.mu.Lock()
		c.all = false
		c.mu.Unlock()
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid rfq id %q", raw)
	}
	c.mu.Lock()
	delete(c.rfqs, id)
	c.mu.Unlock()
	return nil
}

func (c *Client) handleControl(raw []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("malformed control message: %w", err)
	}
	switch msg.Action {
	case "subscribe":
		return c.subscribe(msg.RFQID)
	case "unsubscribe":
		return c.unsubscribe(msg.RFQID)
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}

// readPump consumes control messages until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Warn("stream.read_failed", zap.Error(err))
			}
			return
		}
		if err := c.handleControl(raw); err != nil {
			c.hub.logger.Warn("stream.bad_control",
				zap.String("remote", c.conn.RemoteAddr().String()),
				zap.Error(err))
		}
	}
}

// writePump drains the send queue onto the connection. The hub closes the
// queue when it drops or unregisters the client, which ends the loop.
func (c *Client) writePump() {
	defer func() {
		_ = c.conn.Close()
	}()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Hub tracks connected clients and routes each event to the clients
// following its RFQ.
type Hub struct {
	logger     *zap.Logger
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]struct{}),
	}
}

// Run owns the client set. It exits when ctx is cancelled or the
// subscription closes, closing every client on the way out.
func (h *Hub) Run(ctx context.Context, sub *broadcast.Subscription) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("stream.client_connected",
				zap.String("remote", client.conn.RemoteAddr().String()))
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("stream.client_disconnected")
		case ev, ok := <-sub.Events():
			if !ok {
				h.closeAll()
				return
			}
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev broadcast.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("stream.marshal_failed",
			zap.String("event_type", ev.Type),
			zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(ev.RFQID) {
			continue
		}
		select {
		case client.send <- raw:
		default:
			// A client that cannot keep up loses the connection, not
			// the hub its throughput. The stream carries no replay
			// guarantee; reconnect and resume from the REST snapshot.
			close(client.send)
			delete(h.clients, client)
			h.logger.Warn("stream.client_dropped",
				zap.String("rfq_id", ev.RFQID.String()),
				zap.Uint64("seq", ev.Seq))
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the client. An rfq_id query
// parameter subscribes immediately, before any event can slip past.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream.upgrade_failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		rfqs: make(map[uuid.UUID]struct{}),
	}
	if raw := r.URL.Query().Get("rfq_id"); raw != "" {
		if err := client.subscribe(raw); err != nil {
			h.logger.Warn("stream.bad_control",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(err))
		}
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}

// Handler exposes the hub's routes for its dedicated listener.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	return mux
}

// Serve runs the stream listener until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.Handler()}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	h.logger.Info("stream.listener_started", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
