package chatroom

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ksms-live/internal/chat"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	requestTimeout = 5 * time.Second
)

// Client is a middleman between one chat websocket and the Hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	user   chat.User
	connID string

	mu       sync.Mutex
	send     chan []byte
	closed   bool
	watching map[string]string // channel id -> livestream id
}

// deliver queues payload without blocking. It reports false when the client
// is closed or its queue is full.
func (c *Client) deliver(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) reply(f chat.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		c.hub.log.Error("marshal reply", zap.Error(err))
		return
	}
	c.deliver(b)
}

// readPump serves requests until the connection dies.
func (c *Client) readPump() {
	defer func() {
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

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("read error", zap.Error(err))
			}
			return
		}
		var req chat.Frame
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(chat.Frame{Type: chat.FrameResponse, Error: "malformed request"})
			continue
		}
		c.reply(c.handle(req))
	}
}

func (c *Client) handle(req chat.Frame) chat.Frame {
	resp := chat.Frame{Type: chat.FrameResponse, ID: req.ID, ChannelID: req.ChannelID}
	if req.ChannelID == "" {
		resp.Error = "channel_id is required"
		return resp
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch req.Type {
	case chat.FrameWatch:
		if err := c.hub.setWatch(c, req.ChannelID, true); err != nil {
			resp.Error = err.Error()
			return resp
		}
		c.mu.Lock()
		c.watching[req.ChannelID] = req.LivestreamID
		c.mu.Unlock()
		c.hub.log.Debug("watch", zap.String("user_id", c.user.ID), zap.String("channel_id", req.ChannelID), zap.String("livestream_id", req.LivestreamID))

	case chat.FrameStopWatching:
		if err := c.hub.setWatch(c, req.ChannelID, false); err != nil {
			resp.Error = err.Error()
			return resp
		}
		c.mu.Lock()
		delete(c.watching, req.ChannelID)
		c.mu.Unlock()

	case chat.FrameQuery:
		limit := req.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		limit = min(limit, maxHistoryLimit)
		msgs, err := c.hub.repo.RecentMessages(ctx, req.ChannelID, limit)
		if err != nil {
			c.hub.log.Error("query messages", zap.Error(err))
			resp.Error = "could not load messages"
			return resp
		}
		resp.Messages = msgs

	case chat.FrameSend:
		text := strings.TrimSpace(req.Text)
		if text == "" {
			resp.Error = "message is empty"
			return resp
		}
		if len(text) > maxTextLength {
			resp.Error = "message is too long"
			return resp
		}
		c.mu.Lock()
		livestreamID, watching := c.watching[req.ChannelID]
		c.mu.Unlock()
		if !watching {
			resp.Error = "not watching " + req.ChannelID
			return resp
		}
		m := chat.Message{ID: uuid.NewString(), Text: text, CreatedAt: time.Now().UTC(), User: c.user}
		if err := c.hub.Publish(ctx, req.ChannelID, livestreamID, m); err != nil {
			resp.Error = "could not send message"
			return resp
		}
		resp.Message = &m

	default:
		resp.Error = "unknown request " + req.Type
	}
	return resp
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
