package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lucasew/swcache/internal/errutil"
	"github.com/lucasew/swcache/internal/eventbus"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 50 * time.Second
	sendBuffer   = 32
)

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub keeps the WebSocket clients of the command channel. Clients send
// command envelopes and receive replies plus broadcasts.
type Hub struct {
	bus      *eventbus.Bus
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

func NewHub(bus *eventbus.Bus) *Hub {
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The command channel is reached by the app's own pages, which
			// may be served from another port in proxy mode.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every client. Clients that cannot keep up are
// dropped.
func (h *Hub) Broadcast(msg eventbus.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		errutil.ReportError(err, "Failed to encode broadcast", "type", msg.Type)
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("Dropping slow command channel client", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		errutil.LogMsg(err, "WebSocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	slog.Debug("Command channel client connected", "remote", conn.RemoteAddr().String())

	h.wg.Add(2)
	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				errutil.LogMsg(err, "Command channel client read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var msg eventbus.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			errutil.LogMsg(err, "Ignoring malformed command channel message")
			continue
		}
		h.dispatch(c, msg)
	}
}

// dispatch runs the command and sends its reply, if any, back to c only.
func (h *Hub) dispatch(c *client, msg eventbus.Message) {
	ctx := context.Background()
	f := h.bus.Dispatch(ctx, eventbus.MessageReceived{Message: msg})
	go func() {
		reply, err := f.Wait(ctx)
		if err != nil {
			errutil.LogMsg(err, "Command failed", "type", msg.Type)
			reply, err = eventbus.NewMessage("ERROR", map[string]string{"type": msg.Type, "error": err.Error()})
			if err != nil {
				return
			}
		}
		if isNil(reply) {
			return
		}
		out, ok := reply.(eventbus.Message)
		if !ok {
			out, err = eventbus.NewMessage(msg.Type, reply)
			if err != nil {
				errutil.ReportError(err, "Failed to encode command reply", "type", msg.Type)
				return
			}
		}
		data, err := json.Marshal(out)
		if err != nil {
			errutil.ReportError(err, "Failed to encode command reply", "type", msg.Type)
			return
		}
		h.sendTo(c, data)
	}()
}

func (h *Hub) sendTo(c *client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("Dropping command reply for slow client")
	}
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				errutil.LogMsg(err, "Command channel write failed")
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
}
