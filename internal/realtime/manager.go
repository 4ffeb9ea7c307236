package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Channel string

const (
	ChannelNotification Channel = "notification"
	ChannelVote         Channel = "vote"
	ChannelShowStatus   Channel = "show-status"
)

// Channels lists every hub the manager owns, in start order.
var Channels = []Channel{ChannelNotification, ChannelVote, ChannelShowStatus}

const (
	EventReceiveNotification     = "ReceiveNotification"
	EventForceLogout             = "ForceLogout"
	EventReceiveVoteUpdate       = "ReceiveVoteUpdate"
	EventReceiveShowStatusUpdate = "ReceiveShowStatusUpdate"
)

var ErrUnknownChannel = errors.New("realtime: unknown channel")

// Manager owns the notification, vote and show-status hub connections.
type Manager struct {
	conns map[Channel]*Conn
	log   *zap.Logger
}

// NewManager builds one connection per channel under hubBase, e.g.
// ws://host/hubs/vote. Nothing is dialled until Start.
func NewManager(hubBase string, tokens TokenSource, log *zap.Logger, opts Options) *Manager {
	hubBase = strings.TrimRight(hubBase, "/")
	m := &Manager{conns: make(map[Channel]*Conn, len(Channels)), log: log}
	for _, ch := range Channels {
		m.conns[ch] = NewConn(string(ch), hubBase+"/"+string(ch), tokens, log, opts)
	}
	return m
}

func (m *Manager) conn(ch Channel) (*Conn, error) {
	c, ok := m.conns[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}
	return c, nil
}

func (m *Manager) Start(ctx context.Context, ch Channel) error {
	c, err := m.conn(ch)
	if err != nil {
		return err
	}
	return c.Start(ctx)
}

// StartAll starts the three channels concurrently and returns the first error.
// Channels that did connect stay connected.
func (m *Manager) StartAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range Channels {
		c := m.conns[ch]
		g.Go(func() error { return c.Start(gctx) })
	}
	return g.Wait()
}

func (m *Manager) Stop(ch Channel) error {
	c, err := m.conn(ch)
	if err != nil {
		return err
	}
	return c.Stop()
}

// Close stops every channel.
func (m *Manager) Close() error {
	var err error
	for _, ch := range Channels {
		err = multierr.Append(err, m.conns[ch].Stop())
	}
	return err
}

func (m *Manager) State(ch Channel) State {
	c, err := m.conn(ch)
	if err != nil {
		return Disconnected
	}
	return c.State()
}

func (m *Manager) OnStateChange(ch Channel, fn func(from, to State)) error {
	c, err := m.conn(ch)
	if err != nil {
		return err
	}
	c.OnStateChange(fn)
	return nil
}

// Subscribe registers h for event on ch and returns its disposer.
func (m *Manager) Subscribe(ch Channel, event string, h Handler) (func(), error) {
	c, err := m.conn(ch)
	if err != nil {
		return nil, err
	}
	return c.On(event, h), nil
}
