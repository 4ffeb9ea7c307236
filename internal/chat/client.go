package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

var ErrConnectionClosed = errors.New("chat: connection closed")

// Conn is a chat session handle.
type Conn interface {
	ConnectUser(ctx context.Context, user User, token string) error
	DisconnectUser() error
	UserID() string
	ConnectionID() string
	Connected() bool
	Watch(ctx context.Context, channelID, livestreamID string) error
	StopWatching(ctx context.Context, channelID string) error
	QueryMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
	SendMessage(ctx context.Context, channelID, text string) (*Message, error)
	OnMessage(channelID string, fn func(Message)) (unsubscribe func())
}

// Client is a Conn over the chat websocket.
type Client struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	user      User
	connID    string
	connected bool
	pending   map[string]chan Frame
	listeners map[string]map[int]func(Message)
	nextID    int
	done      chan struct{}
}

func NewClient(chatURL string, log *zap.Logger) *Client {
	return &Client{
		url:       chatURL,
		dialer:    websocket.DefaultDialer,
		log:       log,
		pending:   make(map[string]chan Frame),
		listeners: make(map[string]map[int]func(Message)),
	}
}

// ConnectUser opens the socket as user and waits for the server's
// health.check, which carries the connection id.
func (c *Client) ConnectUser(ctx context.Context, user User, token string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("chat: already connected as %s", c.user.ID)
	}
	c.mu.Unlock()

	u, err := url.Parse(c.url)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("access_token", token)
	q.Set("user_id", user.ID)
	q.Set("user_name", user.Name)
	if user.ImageURL != "" {
		q.Set("user_image", user.ImageURL)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("chat: connect: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(writeWait))
	}
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("chat: connect: %w", err)
	}
	if hello.Type != FrameHealthCheck || hello.ConnectionID == "" {
		conn.Close()
		if hello.Error != "" {
			return fmt.Errorf("chat: connect: %s", hello.Error)
		}
		return fmt.Errorf("chat: connect: unexpected %q frame", hello.Type)
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// The server pings; answering resets our deadline too.
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.user = user
	c.connID = hello.ConnectionID
	c.connected = true
	c.done = done
	c.mu.Unlock()

	c.log.Info("chat connected", zap.String("user_id", user.ID), zap.String("connection_id", hello.ConnectionID))
	go c.readLoop(conn, done)
	return nil
}

func (c *Client) DisconnectUser() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	<-done

	c.mu.Lock()
	c.conn = nil
	c.user = User{}
	c.connID = ""
	c.mu.Unlock()
	c.log.Info("chat disconnected")
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user.ID
}

func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Watch(ctx context.Context, channelID, livestreamID string) error {
	_, err := c.request(ctx, Frame{Type: FrameWatch, ChannelID: channelID, LivestreamID: livestreamID})
	return err
}

func (c *Client) StopWatching(ctx context.Context, channelID string) error {
	_, err := c.request(ctx, Frame{Type: FrameStopWatching, ChannelID: channelID})
	return err
}

// QueryMessages returns up to limit of the channel's latest messages,
// oldest first.
func (c *Client) QueryMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	resp, err := c.request(ctx, Frame{Type: FrameQuery, ChannelID: channelID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) SendMessage(ctx context.Context, channelID, text string) (*Message, error) {
	resp, err := c.request(ctx, Frame{Type: FrameSend, ChannelID: channelID, Text: text})
	if err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// OnMessage registers fn for message.new events of channelID.
func (c *Client) OnMessage(channelID string, fn func(Message)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	if c.listeners[channelID] == nil {
		c.listeners[channelID] = make(map[int]func(Message))
	}
	c.listeners[channelID][id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners[channelID], id)
		if len(c.listeners[channelID]) == 0 {
			delete(c.listeners, channelID)
		}
	}
}

func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	c.mu.Lock()
	conn, done, connected := c.conn, c.done, c.connected
	if !connected {
		c.mu.Unlock()
		return Frame{}, ErrConnectionClosed
	}
	f.ID = uuid.NewString()
	reply := make(chan Frame, 1)
	c.pending[f.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		return Frame{}, fmt.Errorf("chat: %s: %w", f.Type, err)
	}

	select {
	case resp := <-reply:
		if resp.Error != "" {
			return resp, fmt.Errorf("chat: %s: %s", f.Type, resp.Error)
		}
		return resp, nil
	case <-done:
		return Frame{}, ErrConnectionClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(done)
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("chat connection lost", zap.Error(err))
			}
			return
		}
		switch f.Type {
		case FrameResponse:
			c.mu.Lock()
			reply := c.pending[f.ID]
			c.mu.Unlock()
			if reply != nil {
				reply <- f
			}
		case FrameMessageNew:
			if f.Message == nil {
				continue
			}
			for _, fn := range c.listenersFor(f.ChannelID) {
				fn(*f.Message)
			}
		case FrameHealthCheck:
		default:
			c.log.Debug("unknown chat frame", zap.String("type", f.Type))
		}
	}
}

func (c *Client) listenersFor(channelID string) []func(Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.listeners[channelID]
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids) // registration order
	fns := make([]func(Message), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, set[id])
	}
	return fns
}
