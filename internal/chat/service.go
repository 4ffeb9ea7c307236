package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCooldown is the minimum gap between two Initialize calls.
const DefaultCooldown = 2 * time.Second

var (
	ErrNotConnected = errors.New("chat: not connected")
	ErrEmptyMessage = errors.New("chat: message is empty")
	ErrLeft         = errors.New("chat: channel was left")
)

type channelKey struct {
	channelID    string
	livestreamID string
}

// Service owns the chat handle shared by every screen of the console. It is
// built at start-up and closed at shutdown.
type Service struct {
	newConn  func() Conn
	cooldown time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	shared   Conn
	lastInit time.Time
	channels map[channelKey]*Channel
}

func NewService(newConn func() Conn, cooldown time.Duration, log *zap.Logger) *Service {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Service{
		newConn:  newConn,
		cooldown: cooldown,
		log:      log,
		now:      time.Now,
		channels: make(map[channelKey]*Channel),
	}
}

// Initialize returns the shared handle for userID, connecting it if needed.
// A handle for another user is disconnected first. Within the cooldown of
// the previous call, whatever its outcome, the current handle is returned
// untouched (possibly nil).
func (s *Service) Initialize(ctx context.Context, token, userID, userName string) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.lastInit.IsZero() && now.Sub(s.lastInit) < s.cooldown {
		s.log.Debug("chat initialize throttled", zap.String("user_id", userID))
		return s.shared, nil
	}
	s.lastInit = now

	if s.shared != nil {
		if s.shared.UserID() == userID && s.shared.Connected() {
			return s.shared, nil
		}
		s.log.Info("replacing chat handle", zap.String("was", s.shared.UserID()), zap.String("now", userID))
		if err := s.shared.DisconnectUser(); err != nil {
			s.log.Warn("disconnect chat handle", zap.Error(err))
		}
		s.shared = nil
	}

	conn := s.newConn()
	if err := conn.ConnectUser(ctx, User{ID: userID, Name: userName}, token); err != nil {
		return nil, err
	}
	s.shared = conn
	return conn, nil
}

// Shared is the current process-wide handle, if any.
func (s *Service) Shared() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shared
}

// Join watches channelID for livestreamID on conn. Joining the same pair
// again returns the existing Channel without watching again.
func (s *Service) Join(ctx context.Context, conn Conn, channelID, livestreamID string) (*Channel, error) {
	if conn == nil || conn.UserID() == "" || conn.ConnectionID() == "" || !conn.Connected() {
		return nil, ErrNotConnected
	}
	key := channelKey{channelID: channelID, livestreamID: livestreamID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[key]; ok && ch.conn == conn {
		return ch, nil
	}

	if err := conn.Watch(ctx, channelID, livestreamID); err != nil {
		return nil, err
	}
	ch := &Channel{
		svc:       s,
		conn:      conn,
		key:       key,
		seen:      make(map[string]bool),
		listeners: make(map[int]func(Message)),
	}
	ch.unwatch = conn.OnMessage(channelID, ch.receive)
	s.channels[key] = ch
	s.log.Info("joined chat", zap.String("channel_id", channelID), zap.String("livestream_id", livestreamID))
	return ch, nil
}

func (s *Service) forget(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[ch.key] == ch {
		delete(s.channels, ch.key)
	}
}

func (s *Service) isShared(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shared == conn
}

// Close leaves every channel and disconnects the shared handle.
func (s *Service) Close() error {
	s.mu.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	for _, ch := range channels {
		if err := ch.Leave(ctx); err != nil {
			s.log.Debug("leave on close", zap.Error(err))
		}
	}

	s.mu.Lock()
	shared := s.shared
	s.shared = nil
	s.mu.Unlock()
	if shared == nil {
		return nil
	}
	return shared.DisconnectUser()
}

// Channel is one joined livestream chat. Its message list only grows from
// history and live events; sends are not echoed locally.
type Channel struct {
	svc     *Service
	conn    Conn
	key     channelKey
	unwatch func()

	mu            sync.Mutex
	messages      []Message
	seen          map[string]bool
	historyLoaded bool
	left          bool
	listeners     map[int]func(Message)
	nextID        int
}

func (c *Channel) ID() string           { return c.key.channelID }
func (c *Channel) LivestreamID() string { return c.key.livestreamID }

// LoadHistory fetches the latest limit messages once per join.
func (c *Channel) LoadHistory(ctx context.Context, limit int) ([]Message, error) {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil, ErrLeft
	}
	if c.historyLoaded {
		c.mu.Unlock()
		return c.Messages(), nil
	}
	c.mu.Unlock()

	msgs, err := c.conn.QueryMessages(ctx, c.key.channelID, limit)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.historyLoaded = true
	for _, m := range msgs {
		c.add(m)
	}
	c.mu.Unlock()
	return c.Messages(), nil
}

// Send posts text. The message shows up in Messages once the server echoes
// it as a live event.
func (c *Channel) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	left := c.left
	c.mu.Unlock()
	if left {
		return ErrLeft
	}
	_, err := c.conn.SendMessage(ctx, c.key.channelID, text)
	return err
}

// Messages returns the local list, oldest first.
func (c *Channel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// OnMessage runs fn for every new message added to the list.
func (c *Channel) OnMessage(fn func(Message)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Leave stops watching. The handle is disconnected only when it is not the
// shared one.
func (c *Channel) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.mu.Unlock()

	c.unwatch()
	c.svc.forget(c)
	err := c.conn.StopWatching(ctx, c.key.channelID)
	if !c.svc.isShared(c.conn) {
		if derr := c.conn.DisconnectUser(); err == nil {
			err = derr
		}
	}
	if errors.Is(err, ErrConnectionClosed) {
		return nil
	}
	return err
}

func (c *Channel) receive(m Message) {
	c.mu.Lock()
	if c.left || !c.add(m) {
		c.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Message), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

// add inserts m in CreatedAt order unless its id is already present.
// Caller holds c.mu.
func (c *Channel) add(m Message) bool {
	if m.ID != "" && c.seen[m.ID] {
		return false
	}
	c.seen[m.ID] = true
	i := len(c.messages)
	for i > 0 && c.messages[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	c.messages = slices.Insert(c.messages, i, m)
	return true
}
