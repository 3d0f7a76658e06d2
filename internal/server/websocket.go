package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// event is one entry of the commit/branch event stream.
type event struct {
	Type   string `json:"type"`
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
	Path   string `json:"path,omitempty"`
}

// upgrader allows all origins; the server fronts a single repository and
// carries no browser credentials.
var upgrader = websocket.Upgrader{
	CheckOrigin:       func(_ *http.Request) bool { return true },
	EnableCompression: true,
}

// eventHub fans events out to connected websocket clients. Slow clients
// drop events rather than stalling the publisher.
type eventHub struct {
	mu      sync.Mutex
	clients map[*hubClient]bool
}

type hubClient struct {
	conn *websocket.Conn
	send chan event
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[*hubClient]bool)}
}

func (h *eventHub) add(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *eventHub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcast queues an event to every client, dropping it for clients whose
// buffers are full.
func (h *eventHub) broadcast(e event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- e:
		default:
		}
	}
}

// closeAll disconnects every client during shutdown.
func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// handleWebSocket upgrades the connection and streams repository events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &hubClient{conn: conn, send: make(chan event, 64)}
	s.hub.add(client)

	s.wg.Add(2)
	go s.writePump(client)
	go s.readPump(client)
}

// writePump pushes events and keepalive pings to one client.
func (s *Server) writePump(c *hubClient) {
	defer s.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case e, open := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(e); err != nil {
				s.hub.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.remove(c)
				return
			}
		}
	}
}

// readPump drains client frames so pongs and closes are processed.
func (s *Server) readPump(c *hubClient) {
	defer s.wg.Done()
	defer s.hub.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
