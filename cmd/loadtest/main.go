package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ksms-live/internal/api"
	"ksms-live/internal/chat"
	"ksms-live/internal/logger"
	"ksms-live/internal/realtime"
)

type options struct {
	apiBase      string
	showID       string
	channelID    string
	members      int
	messages     int
	parallel     int
	staffEmail   string
	staffPass    string
	messageDelay time.Duration
}

type stats struct {
	votes      atomic.Int64
	rejected   atomic.Int64
	sent       atomic.Int64
	pushes     atomic.Int64
	failedAuth atomic.Int64
}

func main() {
	var opt options
	flag.StringVar(&opt.apiBase, "api", "http://localhost:8080", "server base URL")
	flag.StringVar(&opt.showID, "show", "demo-show", "show to vote in")
	flag.StringVar(&opt.channelID, "channel", "demo-live", "chat channel to spam")
	flag.IntVar(&opt.members, "members", 200, "members to simulate")
	flag.IntVar(&opt.messages, "msgs", 20, "chat messages per member")
	flag.IntVar(&opt.parallel, "parallel", 50, "members running at once")
	flag.StringVar(&opt.staffEmail, "staff", "staff@ksms.local", "staff account used to open voting")
	flag.StringVar(&opt.staffPass, "staff-password", "staff123", "staff password")
	flag.DurationVar(&opt.messageDelay, "delay", 10*time.Millisecond, "pause between chat messages")
	flag.Parse()

	log, err := logger.New(false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(context.Background(), opt, log); err != nil {
		log.Fatal("❌ load test failed", zap.Error(err))
	}
}

func run(ctx context.Context, opt options, log *zap.Logger) error {
	log.Info("🔥 STARTING STRESS TEST", zap.Int("members", opt.members), zap.Int("msgs", opt.messages))

	staff := api.NewClient(opt.apiBase, nil, log)
	creds, err := staff.Login(ctx, opt.staffEmail, opt.staffPass)
	if err != nil {
		return fmt.Errorf("staff login: %w", err)
	}
	staff = api.NewClient(opt.apiBase, staticToken(creds.Token), log)
	entries, status, err := staff.GetRegistrationsForVoting(ctx, opt.showID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("show %s has no registrations", opt.showID)
	}
	if status == nil || !status.IsActive {
		if err := staff.EnableVoting(ctx, opt.showID, time.Now().Add(30*time.Minute)); err != nil {
			return fmt.Errorf("enable voting: %w", err)
		}
		log.Info("🗳️ Voting opened", zap.String("show_id", opt.showID))
	}

	// One listener on the vote hub counts the pushes the votes produce.
	var st stats
	wsBase := "ws" + strings.TrimPrefix(opt.apiBase, "http")
	hub := realtime.NewConn(string(realtime.ChannelVote), wsBase+"/hubs/vote", staticToken(creds.Token), log, realtime.Options{})
	hub.On(realtime.EventReceiveVoteUpdate, func(_ []json.RawMessage) { st.pushes.Add(1) })
	if err := hub.Start(ctx); err != nil {
		return err
	}
	defer hub.Stop()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opt.parallel)
	for i := range opt.members {
		target := entries[i%len(entries)].RegistrationID
		g.Go(func() error {
			runMember(gctx, opt, log, &st, i, target, wsBase+"/chat/ws")
			return nil
		})
	}
	_ = g.Wait()
	// Let the last pushes land.
	time.Sleep(time.Second)

	log.Info("✅ LOAD TEST COMPLETE",
		zap.Duration("took", time.Since(start)),
		zap.Int64("votes", st.votes.Load()),
		zap.Int64("votes_rejected", st.rejected.Load()),
		zap.Int64("vote_pushes", st.pushes.Load()),
		zap.Int64("chat_sent", st.sent.Load()),
		zap.Int64("auth_failures", st.failedAuth.Load()),
	)
	return nil
}

// runMember registers a fresh member, votes once, then spams the chat.
func runMember(ctx context.Context, opt options, log *zap.Logger, st *stats, n int, registrationID, chatURL string) {
	email := fmt.Sprintf("load-%d-%s@ksms.local", n, uuid.NewString()[:8])
	const password = "password123"

	anon := api.NewClient(opt.apiBase, nil, log)
	if _, err := anon.Register(ctx, api.RegisterRequest{Email: email, Password: password, FullName: fmt.Sprintf("Load %d", n)}); err != nil {
		st.failedAuth.Add(1)
		log.Warn("❌ register failed", zap.String("email", email), zap.Error(err))
		return
	}
	creds, err := anon.Login(ctx, email, password)
	if err != nil {
		st.failedAuth.Add(1)
		log.Warn("❌ login failed", zap.String("email", email), zap.Error(err))
		return
	}

	member := api.NewClient(opt.apiBase, staticToken(creds.Token), log)
	if _, err := member.CastVote(ctx, registrationID); err != nil {
		var serr *api.StatusError
		if errors.As(err, &serr) {
			st.rejected.Add(1)
		}
		log.Debug("vote failed", zap.Error(err))
	} else {
		st.votes.Add(1)
	}

	conn := chat.NewClient(chatURL, log)
	if err := conn.ConnectUser(ctx, chat.User{ID: creds.ID, Name: fmt.Sprintf("Load %d", n)}, creds.Token); err != nil {
		log.Warn("❌ chat connect failed", zap.String("email", email), zap.Error(err))
		return
	}
	defer conn.DisconnectUser()
	if err := conn.Watch(ctx, opt.channelID, opt.channelID); err != nil {
		log.Warn("❌ watch failed", zap.Error(err))
		return
	}
	for i := range opt.messages {
		if _, err := conn.SendMessage(ctx, opt.channelID, fmt.Sprintf("LoadTest Msg %d from %d", i, n)); err != nil {
			log.Warn("❌ send failed", zap.Error(err))
			return
		}
		st.sent.Add(1)
		time.Sleep(opt.messageDelay)
	}
}

type staticToken string

func (s staticToken) Token() string { return string(s) }
