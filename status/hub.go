package status

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-gasrig/logger"
)

const (
	// DefaultClientQueue is the number of messages buffered per client.
	DefaultClientQueue = 64
	writeWait          = 5 * time.Second
)

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *hubClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub broadcasts status messages to websocket clients.
//
// Each client has a bounded queue; a client that falls behind loses
// messages instead of slowing down the reporter.
type Hub struct {
	upgrader  websocket.Upgrader
	clients   *xsync.MapOf[*hubClient, struct{}]
	queueSize int
	logger    logger.Logger
}

var (
	_ Sink         = (*Hub)(nil)
	_ http.Handler = (*Hub)(nil)
)

// NewHub returns a hub accepting connections from any origin.
func NewHub(l logger.Logger) *Hub {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   xsync.NewMapOf[*hubClient, struct{}](),
		queueSize: DefaultClientQueue,
		logger:    l.With("component", "status-hub"),
	}
}

// Emit queues message for every connected client.
func (h *Hub) Emit(message string) {
	payload := []byte(message)
	h.clients.Range(func(c *hubClient, _ struct{}) bool {
		select {
		case c.send <- payload:
		default:
			h.logger.Debug("status client queue full, message dropped", "remote", c.conn.RemoteAddr().String())
		}

		return true
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return h.clients.Size()
}

// ServeHTTP upgrades the request to a websocket and streams messages to it
// until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &hubClient{
		conn: conn,
		send: make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}
	h.clients.Store(c, struct{}{})
	h.logger.Debug("status client connected", "remote", conn.RemoteAddr().String())

	go h.writeLoop(c)

	// Reads only detect disconnects; clients never send anything meaningful.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(c)
}

func (h *Hub) writeLoop(c *hubClient) {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) remove(c *hubClient) {
	if _, loaded := h.clients.LoadAndDelete(c); loaded {
		h.logger.Debug("status client disconnected", "remote", c.conn.RemoteAddr().String())
	}
	c.close()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.clients.Range(func(c *hubClient, _ struct{}) bool {
		h.remove(c)
		return true
	})
}
