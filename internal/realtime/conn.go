package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ksms-live/internal/hubproto"
)

const (
	writeWait        = 10 * time.Second // Time allowed to write a frame to the hub.
	handshakeTimeout = 15 * time.Second
	keepAlive        = 15 * time.Second // Client ping period.
	serverTimeout    = 30 * time.Second // Silence after which the hub is considered gone.
)

// DefaultReconnectDelays is the wait before each reconnect attempt. After the
// last attempt fails the connection is closed for good.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// TokenSource yields the bearer token used on every (re)connect. An empty
// token connects anonymously.
type TokenSource interface {
	Token() string
}

type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// Handler receives the raw arguments of one hub invocation.
type Handler func(args []json.RawMessage)

// ConnectionError is returned when a channel cannot be started.
type ConnectionError struct {
	Channel string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime: %s channel: %v", e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CloseError reports a close record sent by the hub.
type CloseError struct {
	Reason         string
	AllowReconnect bool
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return "hub closed the connection"
	}
	return "hub closed the connection: " + e.Reason
}

type Options struct {
	Dialer          *websocket.Dialer
	ReconnectDelays []time.Duration
	KeepAlive       time.Duration
	ServerTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.ReconnectDelays == nil {
		o.ReconnectDelays = DefaultReconnectDelays
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = keepAlive
	}
	if o.ServerTimeout <= 0 {
		o.ServerTimeout = serverTimeout
	}
	return o
}

type subscription struct {
	id uint64
	fn Handler
}

// Conn is one supervised hub connection. Handlers registered with On are kept
// across reconnects; events missed while disconnected are not replayed.
type Conn struct {
	name   string
	url    string
	tokens TokenSource
	opts   Options
	log    *zap.Logger

	startMu sync.Mutex // serialises Start and Stop

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	cancel   context.CancelFunc
	done     chan struct{}
	handlers map[string][]subscription
	watchers []func(from, to State)
	nextID   uint64
}

func NewConn(name, rawURL string, tokens TokenSource, log *zap.Logger, opts Options) *Conn {
	if tokens == nil {
		tokens = TokenFunc(func() string { return "" })
	}
	return &Conn{
		name:     name,
		url:      rawURL,
		tokens:   tokens,
		opts:     opts.withDefaults(),
		log:      log.With(zap.String("channel", name)),
		handlers: make(map[string][]subscription),
	}
}

func (c *Conn) Name() string { return c.name }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn for every state transition.
func (c *Conn) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

// On registers fn for event. Handlers run in registration order on the
// connection's read goroutine. The returned func removes exactly this handler.
func (c *Conn) On(event string, fn Handler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], subscription{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			subs := c.handlers[event]
			for i, s := range subs {
				if s.id != id {
					continue
				}
				// Copy so a dispatch in progress keeps its own view.
				next := append(subs[:i:i], subs[i+1:]...)
				if len(next) == 0 {
					delete(c.handlers, event)
				} else {
					c.handlers[event] = next
				}
				return
			}
		})
	}
}

// Start connects the channel. It returns immediately when the channel is
// already connected or being reconnected by the transport.
func (c *Conn) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.State() != Disconnected {
		return nil
	}
	c.setState(Connecting)
	ws, err := c.dial(ctx)
	if err != nil {
		c.setState(Disconnected)
		return &ConnectionError{Channel: c.name, Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.ws = ws
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()
	c.setState(Connected)
	c.log.Info("hub connected")

	go c.supervise(runCtx, ws, done)
	return nil
}

// Stop tears the channel down. It is a no-op when already disconnected.
func (c *Conn) Stop() error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	ws, cancel, done := c.ws, c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stopped"),
			time.Now().Add(writeWait))
	}
	cancel()
	<-done

	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()
	c.setState(Disconnected)
	c.log.Info("hub stopped")
	return nil
}

func (c *Conn) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	watchers := append([]func(from, to State){}, c.watchers...)
	c.mu.Unlock()
	if from == to {
		return
	}
	for _, fn := range watchers {
		fn(from, to)
	}
}

func (c *Conn) supervise(ctx context.Context, ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := c.serve(ctx, ws)
		if ctx.Err() != nil {
			return
		}

		var closeErr *CloseError
		if errors.As(err, &closeErr) && !closeErr.AllowReconnect {
			c.closed(err)
			return
		}

		c.log.Warn("hub reconnecting", zap.Error(err))
		c.setState(Reconnecting)
		ws = c.reconnect(ctx)
		if ws == nil {
			if ctx.Err() != nil {
				return
			}
			c.closed(err)
			return
		}
		if ctx.Err() != nil {
			ws.Close()
			return
		}
		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		c.setState(Connected)
		c.log.Info("hub reconnected")
	}
}

// closed finishes a connection the transport gave up on.
func (c *Conn) closed(cause error) {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.ws = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.setState(Disconnected)
	c.log.Warn("hub closed", zap.Error(cause))
}

func (c *Conn) reconnect(ctx context.Context) *websocket.Conn {
	for i, delay := range c.opts.ReconnectDelays {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil
			}
		}
		ws, err := c.dial(ctx)
		if err == nil {
			return ws
		}
		c.log.Warn("reconnect attempt failed", zap.Int("attempt", i+1), zap.Error(err))
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if tok := c.tokens.Token(); tok != "" {
		q := u.Query()
		q.Set("access_token", tok)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+tok)
	}

	dctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	ws, resp, err := c.opts.Dialer.DialContext(dctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}

	leftover, err := handshake(ws)
	if err != nil {
		ws.Close()
		return nil, err
	}
	c.dispatchRecords(leftover)
	return ws, nil
}

// handshake negotiates the json protocol and returns any records that arrived
// in the same frame as the handshake response.
func handshake(ws *websocket.Conn) ([][]byte, error) {
	req, err := hubproto.Encode(hubproto.HandshakeRequest{Protocol: hubproto.ProtocolName, Version: hubproto.ProtocolVersion})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, req); err != nil {
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	records, err := hubproto.Split(frame)
	if err != nil || len(records) == 0 {
		return nil, fmt.Errorf("handshake: malformed response")
	}
	var resp hubproto.HandshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return records[1:], nil
}

// serve reads from ws until it fails or ctx is cancelled.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go c.keepAlive(ws, stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	ws.SetReadDeadline(time.Now().Add(c.opts.ServerTimeout))
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return err
		}
		ws.SetReadDeadline(time.Now().Add(c.opts.ServerTimeout))

		records, err := hubproto.Split(frame)
		if err != nil {
			c.log.Warn("dropping partial record", zap.Error(err))
		}
		for _, rec := range records {
			m, err := hubproto.Decode(rec)
			if err != nil {
				c.log.Warn("dropping record", zap.Error(err))
				continue
			}
			switch m.Type {
			case hubproto.TypeInvocation:
				c.dispatch(m.Target, m.Arguments)
			case hubproto.TypePing:
			case hubproto.TypeClose:
				ws.Close()
				return &CloseError{Reason: m.Error, AllowReconnect: m.AllowReconnect}
			}
		}
	}
}

func (c *Conn) keepAlive(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()
	ping := hubproto.Ping()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

func (c *Conn) dispatchRecords(records [][]byte) {
	for _, rec := range records {
		m, err := hubproto.Decode(rec)
		if err != nil || m.Type != hubproto.TypeInvocation {
			continue
		}
		c.dispatch(m.Target, m.Arguments)
	}
}

func (c *Conn) dispatch(target string, args []json.RawMessage) {
	c.mu.Lock()
	subs := c.handlers[target]
	c.mu.Unlock()
	if len(subs) == 0 {
		c.log.Debug("no handler for event", zap.String("event", target))
		return
	}
	for _, s := range subs {
		s.fn(args)
	}
}
