package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	mu          sync.Mutex
	user        User
	connID      string
	connected   bool
	connectErr  error
	connects    int
	disconnects int
	watches     int
	stopWatches int
	queries     int
	history     []Message
	sent        []string
	listeners   map[string][]func(Message)
}

func newFakeConn() *fakeConn {
	return &fakeConn{listeners: make(map[string][]func(Message))}
}

func (f *fakeConn) ConnectUser(_ context.Context, user User, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.user, f.connID, f.connected = user, "conn-"+user.ID, true
	return nil
}

func (f *fakeConn) DisconnectUser() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.user, f.connID, f.connected = User{}, "", false
	return nil
}

func (f *fakeConn) UserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user.ID
}

func (f *fakeConn) ConnectionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connID
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Watch(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watches++
	return nil
}

func (f *fakeConn) StopWatching(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopWatches++
	return nil
}

func (f *fakeConn) QueryMessages(context.Context, string, int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return append([]Message(nil), f.history...), nil
}

func (f *fakeConn) SendMessage(_ context.Context, _ string, text string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return &Message{ID: "m-sent", Text: text}, nil
}

func (f *fakeConn) OnMessage(channelID string, fn func(Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[channelID] = append(f.listeners[channelID], fn)
	idx := len(f.listeners[channelID]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listeners[channelID][idx] = nil
	}
}

func (f *fakeConn) push(channelID string, m Message) {
	f.mu.Lock()
	fns := append(([]func(Message))(nil), f.listeners[channelID]...)
	f.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(m)
		}
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestService() (*Service, *[]*fakeConn, *fakeClock) {
	var made []*fakeConn
	clock := &fakeClock{t: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	s := NewService(func() Conn {
		c := newFakeConn()
		made = append(made, c)
		return c
	}, 0, zap.NewNop())
	s.now = clock.now
	return s, &made, clock
}

func at(minute int) time.Time {
	return time.Date(2026, 10, 16, 10, minute, 0, 0, time.UTC)
}

func TestInitialize_ReusesMatchingIdentity(t *testing.T) {
	s, made, clock := newTestService()
	ctx := context.Background()

	a, err := s.Initialize(ctx, "tok", "u1", "Lan")
	require.NoError(t, err)
	clock.t = clock.t.Add(DefaultCooldown)
	b, err := s.Initialize(ctx, "tok", "u1", "Lan")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Len(t, *made, 1)
}

func TestInitialize_ReplacesMismatchedIdentityAfterCooldown(t *testing.T) {
	s, made, clock := newTestService()
	ctx := context.Background()

	a, err := s.Initialize(ctx, "tok", "u1", "Lan")
	require.NoError(t, err)
	clock.t = clock.t.Add(DefaultCooldown)
	b, err := s.Initialize(ctx, "tok2", "u2", "Minh")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	require.Len(t, *made, 2)
	assert.Equal(t, 1, (*made)[0].disconnects)
	assert.Equal(t, "u2", b.UserID())
	assert.Same(t, b, s.Shared())
}

func TestInitialize_WithinCooldownReturnsPreviousHandle(t *testing.T) {
	s, made, clock := newTestService()
	ctx := context.Background()

	a, err := s.Initialize(ctx, "tok", "u1", "Lan")
	require.NoError(t, err)
	clock.t = clock.t.Add(DefaultCooldown / 2)
	b, err := s.Initialize(ctx, "tok2", "u2", "Minh")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, "u1", b.UserID())
	assert.Len(t, *made, 1)
	assert.Equal(t, 0, (*made)[0].disconnects)
}

func TestInitialize_FailureStillStartsCooldown(t *testing.T) {
	var made []*fakeConn
	s := NewService(func() Conn {
		c := newFakeConn()
		c.connectErr = errors.New("dial refused")
		made = append(made, c)
		return c
	}, time.Minute, zap.NewNop())

	_, err := s.Initialize(context.Background(), "tok", "u1", "Lan")
	require.Error(t, err)
	conn, err := s.Initialize(context.Background(), "tok", "u1", "Lan")
	require.NoError(t, err)
	assert.Nil(t, conn)
	assert.Len(t, made, 1)
}

func TestJoin_SamePairReturnsSameChannel(t *testing.T) {
	s, made, _ := newTestService()
	ctx := context.Background()
	conn, err := s.Initialize(ctx, "tok", "u1", "Lan")
	require.NoError(t, err)

	a, err := s.Join(ctx, conn, "c1", "ls1")
	require.NoError(t, err)
	b, err := s.Join(ctx, conn, "c1", "ls1")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, (*made)[0].watches)

	other, err := s.Join(ctx, conn, "c1", "ls2")
	require.NoError(t, err)
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, (*made)[0].watches)
}

func TestJoin_RequiresFullyConnectedHandle(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	_, err := s.Join(ctx, nil, "c1", "ls1")
	assert.ErrorIs(t, err, ErrNotConnected)

	half := newFakeConn()
	half.user = User{ID: "u1"}
	half.connected = true
	_, err = s.Join(ctx, half, "c1", "ls1")
	assert.ErrorIs(t, err, ErrNotConnected)

	half.connID = "x"
	half.connected = false
	_, err = s.Join(ctx, half, "c1", "ls1")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, half.watches)
}

func TestChannel_HistoryOnceAndOrderedLiveAppends(t *testing.T) {
	s, made, _ := newTestService()
	ctx := context.Background()
	conn, err := s.Initialize(ctx, "tok", "u1", "Lan")
	require.NoError(t, err)
	fc := (*made)[0]
	fc.history = []Message{
		{ID: "m1", Text: "hello", CreatedAt: at(1)},
		{ID: "m2", Text: "koi!", CreatedAt: at(2)},
	}

	ch, err := s.Join(ctx, conn, "c1", "ls1")
	require.NoError(t, err)

	var seen []string
	ch.OnMessage(func(m Message) { seen = append(seen, m.ID) })

	msgs, err := ch.LoadHistory(ctx, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	_, err = ch.LoadHistory(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, fc.queries)

	fc.push("c1", Message{ID: "m4", Text: "late", CreatedAt: at(4)})
	fc.push("c1", Message{ID: "m3", Text: "early", CreatedAt: at(3)})
	fc.push("c1", Message{ID: "m2", Text: "koi!", CreatedAt: at(2)}) // duplicate
	fc.push("c2", Message{ID: "x", Text: "other channel", CreatedAt: at(5)})

	var ids []string
	for _, m := range ch.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids)
	assert.Equal(t, []string{"m4", "m3"}, seen)
}

func TestChannel_SendRejectsBlankAndDoesNotAppend(t *testing.T) {
	s, made, _ := newTestService()
	ctx := context.Background()
	conn, err := s.Initialize(ctx, "tok", "u1", "Lan")
	require.NoError(t, err)
	ch, err := s.Join(ctx, conn, "c1", "ls1")
	require.NoError(t, err)

	assert.ErrorIs(t, ch.Send(ctx, ""), ErrEmptyMessage)
	assert.ErrorIs(t, ch.Send(ctx, "  \n\t"), ErrEmptyMessage)
	assert.Empty(t, (*made)[0].sent)

	require.NoError(t, ch.Send(ctx, " Beautiful kohaku "))
	assert.Equal(t, []string{"Beautiful kohaku"}, (*made)[0].sent)
	assert.Empty(t, ch.Messages())
}

func TestChannel_LeaveKeepsSharedHandleConnected(t *testing.T) {
	s, made, _ := newTestService()
	ctx := context.Background()
	conn, err := s.Initialize(ctx, "tok", "u1", "Lan")
	require.NoError(t, err)
	ch, err := s.Join(ctx, conn, "c1", "ls1")
	require.NoError(t, err)

	require.NoError(t, ch.Leave(ctx))
	fc := (*made)[0]
	assert.Equal(t, 1, fc.stopWatches)
	assert.Equal(t, 0, fc.disconnects)
	assert.True(t, conn.Connected())

	fc.push("c1", Message{ID: "after", CreatedAt: at(9)})
	assert.Empty(t, ch.Messages())
	assert.ErrorIs(t, ch.Send(ctx, "hi"), ErrLeft)

	// Joining again watches again.
	again, err := s.Join(ctx, conn, "c1", "ls1")
	require.NoError(t, err)
	assert.NotSame(t, ch, again)
	assert.Equal(t, 2, fc.watches)
}

func TestChannel_LeaveDisconnectsPrivateHandle(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	private := newFakeConn()
	require.NoError(t, private.ConnectUser(ctx, User{ID: "guest"}, "tok"))
	ch, err := s.Join(ctx, private, "c1", "ls1")
	require.NoError(t, err)

	require.NoError(t, ch.Leave(ctx))
	assert.Equal(t, 1, private.disconnects)
}

func TestService_CloseDisconnectsShared(t *testing.T) {
	s, made, _ := newTestService()
	ctx := context.Background()
	conn, err := s.Initialize(ctx, "tok", "u1", "Lan")
	require.NoError(t, err)
	_, err = s.Join(ctx, conn, "c1", "ls1")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, (*made)[0].stopWatches)
	assert.Equal(t, 1, (*made)[0].disconnects)
	assert.Nil(t, s.Shared())
}
