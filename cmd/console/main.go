package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ksms-live/internal/api"
	"ksms-live/internal/chat"
	"ksms-live/internal/config"
	"ksms-live/internal/logger"
	"ksms-live/internal/realtime"
	"ksms-live/internal/session"
	"ksms-live/internal/vote"
)

func main() {
	cfg, err := config.LoadConsole(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(2)
	}
	log, err := logger.New(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newConsole(ctx, cfg, os.Stdout, log)
	if err != nil {
		log.Fatal("❌ console", zap.Error(err))
	}
	defer c.close()

	if err := c.run(ctx, bufio.NewScanner(os.Stdin)); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("console stopped", zap.Error(err))
	}
}

// console ties the session, vote board, hubs and chat of one operator.
type console struct {
	cfg   config.Console
	log   *zap.Logger
	out   *printer
	rdb   *redis.Client
	api   *api.Client
	sess  *session.Store
	hubs  *realtime.Manager
	votes *vote.Store
	chat  *chat.Service

	// room is cleared from the forced logout timer as well as the loop.
	mu   sync.Mutex
	room *chat.Channel
}

func newConsole(ctx context.Context, cfg config.Console, out io.Writer, log *zap.Logger) (*console, error) {
	c := &console{cfg: cfg, log: log, out: newPrinter(out)}

	var creds session.CredentialStore = session.NewMemoryStore()
	if cfg.RedisAddr != "" {
		c.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := c.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to Redis: %w", err)
		}
		creds = session.NewRedisStore(c.rdb, cfg.Profile)
	}

	// The client and the store point at each other: the store signs in
	// through the client and the client reports 401s to the store.
	c.api = api.NewClient(cfg.APIBase, realtime.TokenFunc(func() string { return c.sess.Token() }), log)
	c.sess = session.NewStore(c.api, creds, c.out, c.signedOut, log)
	c.api.SetUnauthorizedHandler(c.sess.HandleUnauthorized)

	c.hubs = realtime.NewManager(cfg.HubBase, c.sess, log, realtime.Options{})
	c.votes = vote.NewStore(cfg.ShowID, c.api, c.out, log)
	c.chat = chat.NewService(func() chat.Conn { return chat.NewClient(cfg.ChatURL, log) }, chat.DefaultCooldown, log)

	if err := c.subscribe(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *console) subscribe() error {
	if _, err := c.hubs.OnVoteUpdate(c.votes.HandleVoteUpdate); err != nil {
		return err
	}
	if _, err := c.hubs.OnShowStatusUpdate(func(u realtime.ShowStatusUpdate) {
		if u.ShowID == c.cfg.ShowID {
			c.out.Info(fmt.Sprintf("Show status is now %s", u.Status))
		}
	}); err != nil {
		return err
	}
	if _, err := c.hubs.OnNotification(func(n realtime.Notification) {
		c.out.Info(n.Message)
	}); err != nil {
		return err
	}
	if _, err := c.hubs.OnForceLogout(c.sess.ForceLogout); err != nil {
		return err
	}
	for _, ch := range realtime.Channels {
		if err := c.hubs.OnStateChange(ch, func(from, to realtime.State) {
			c.log.Debug("hub state", zap.String("hub", string(ch)), zap.Stringer("from", from), zap.Stringer("to", to))
		}); err != nil {
			return err
		}
	}
	c.votes.Subscribe(func() { c.out.board(c.votes) })
	return nil
}

// signedOut runs after a forced logout once the message has been shown.
func (c *console) signedOut() {
	if err := c.hubs.Close(); err != nil {
		c.log.Warn("stop hubs", zap.Error(err))
	}
	if err := c.chat.Close(); err != nil {
		c.log.Warn("close chat", zap.Error(err))
	}
	c.setRoom(nil)
	c.out.Info("Signed out. Use `login` to continue.")
}

func (c *console) currentRoom() *chat.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *console) setRoom(room *chat.Channel) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

func (c *console) close() {
	c.votes.Close()
	if err := c.hubs.Close(); err != nil {
		c.log.Warn("stop hubs", zap.Error(err))
	}
	if err := c.chat.Close(); err != nil {
		c.log.Warn("close chat", zap.Error(err))
	}
	if c.rdb != nil {
		c.rdb.Close()
	}
}
