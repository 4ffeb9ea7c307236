package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ksms-live/internal/hubproto"
	myMiddleware "ksms-live/internal/middleware"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second // Time allowed to read the next message or pong from the peer.
	pingPeriod     = 15 * time.Second // Hub ping record period. Clients time out after 30s of silence.
	maxMessageSize = 4096             // Maximum message size allowed from peer.
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers connect from the admin site origin; the dev server allows all.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is a middleman between one hub websocket and the Hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// ServeWs upgrades the request and attaches the connection to the hub.
// Identity is optional; see middleware.Optional.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	userID, _ := myMiddleware.UserFromContext(r.Context())
	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), userID: userID}

	go client.writePump()
	go client.readPump()
}

// readPump completes the handshake, registers the client and then reads
// until the connection dies.
func (c *Client) readPump() {
	registered := false
	defer func() {
		if !registered {
			// writePump flushes the handshake reply, then closes the conn.
			close(c.send)
			return
		}
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if !c.handshake() {
		return
	}
	select {
	case c.hub.register <- c:
		registered = true
	case <-c.hub.done:
		return
	}

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		records, _ := hubproto.Split(frame)
		for _, rec := range records {
			m, err := hubproto.Decode(rec)
			if err != nil {
				continue
			}
			if m.Type == hubproto.TypeClose {
				return
			}
			// Pings only refresh the deadline; clients do not invoke hub methods.
		}
	}
}

func (c *Client) handshake() bool {
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}
	records, err := hubproto.Split(frame)
	if err != nil || len(records) == 0 {
		return false
	}
	var req hubproto.HandshakeRequest
	resp := hubproto.HandshakeResponse{}
	if err := json.Unmarshal(records[0], &req); err != nil {
		resp.Error = "malformed handshake"
	} else if req.Protocol != hubproto.ProtocolName || req.Version != hubproto.ProtocolVersion {
		resp.Error = "unsupported protocol " + req.Protocol
	}
	b, _ := hubproto.Encode(resp)
	c.send <- b
	return resp.Error == ""
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	ping := hubproto.Ping()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Records are self-delimiting, so queued ones can share a frame.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
