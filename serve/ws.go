package serve

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	monument "github.com/monument-sim/monument"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 4096             // Clients send nothing but control frames
)

// liveClient is one WebSocket subscriber to a namespace's event stream.
// writePump owns all writes to the connection; readPump owns all reads
// and exists only to notice disconnects and answer pings.
type liveClient struct {
	server *Server
	conn   *websocket.Conn
	events chan monument.Event
	done   chan struct{}
	once   sync.Once
}

// handleLive upgrades the connection and streams engine events for the
// namespace until the client goes away. Events are fire-and-forget: a
// slow client misses events rather than stalling the engine.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	if _, err := s.registry.Get(ns); err != nil {
		writeError(w, err)
		return
	}

	events := s.broker.Subscribe(ns)
	if events == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: ErrorBody{Code: "internal", Detail: "too many live subscribers"},
		})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.broker.Unsubscribe(events)
		s.logger.Warn("serve: websocket upgrade failed", "namespace", ns, "error", err)
		return
	}

	c := &liveClient{server: s, conn: conn, events: events, done: make(chan struct{})}
	s.metrics.WSClients.Inc()
	s.logger.Info("serve: live client connected", "namespace", ns)

	go c.writePump()
	go c.readPump()
}

// close shuts the client down exactly once.
func (c *liveClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.server.broker.Unsubscribe(c.events)
		c.conn.Close()
		c.server.metrics.WSClients.Dec()
	})
}

// writePump serializes all writes to the connection: events as JSON text
// frames plus periodic pings. A failed write drops the client.
func (c *liveClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case event, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Broker closed — say goodbye properly
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump drains the connection so pong handlers run and closure is
// noticed promptly.
func (c *liveClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
