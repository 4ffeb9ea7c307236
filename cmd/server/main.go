package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ksms-live/internal/chatroom"
	"ksms-live/internal/config"
	"ksms-live/internal/db"
	"ksms-live/internal/hub"
	"ksms-live/internal/logger"
	myMiddleware "ksms-live/internal/middleware"
	"ksms-live/internal/realtime"
	"ksms-live/internal/showvote"
	"ksms-live/internal/user"
)

func main() {
	cfg, err := config.LoadServer(os.Args[1:])
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

	if err := run(cfg, log); err != nil {
		log.Fatal("❌ server stopped", zap.Error(err))
	}
}

func run(cfg config.Server, log *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Connect to Database
	database, err := db.NewDatabase(cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect to DB: %w", err)
	}
	defer func() { err = multierr.Append(err, database.Close()) }()
	log.Info("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	log.Info("✅ Database Schema Initialized")

	// 2. Connect to Redis
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { err = multierr.Append(err, redisClient.Close()) }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}
	log.Info("✅ Connected to Redis")

	// 3. Realtime hubs
	notificationHub := hub.NewHub(string(realtime.ChannelNotification), redisClient, log)
	voteHub := hub.NewHub(string(realtime.ChannelVote), redisClient, log)
	statusHub := hub.NewHub(string(realtime.ChannelShowStatus), redisClient, log)
	for _, h := range []*hub.Hub{notificationHub, voteHub, statusHub} {
		go h.Run(ctx)
		go h.SubscribeToRedis(ctx)
	}

	// 4. Accounts
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userService.OnLogin(func(ctx context.Context, accountID string) {
		// Sessions opened earlier for this account are signed out.
		if err := notificationHub.SendToUser(ctx, accountID, realtime.EventForceLogout,
			"Your account was signed in on another device."); err != nil {
			log.Warn("force logout push", zap.Error(err))
		}
	})
	userHandler := user.NewHandler(userService)

	// 5. Voting
	voteRepo := showvote.NewSQLRepository(database.Conn)
	voteHandler := showvote.NewHandler(showvote.NewService(voteRepo, voteHub, statusHub, log))

	if cfg.Seed {
		if err := seed(ctx, userService, voteRepo); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		log.Info("🌱 Demo data seeded")
	}

	// 6. Livestream chat
	chatHub := chatroom.NewHub(redisClient, chatroom.NewSQLRepository(database.Conn), log)
	go chatHub.Run(ctx)
	go chatHub.SubscribeToRedis(ctx)
	chatHandler := chatroom.NewHandler(chatHub)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)
	staffOnly := myMiddleware.RequireRole(user.RoleAdmin, user.RoleManager, user.RoleStaff)

	// 7. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/auth/register", userHandler.Register)
	r.Post("/auth/login", userHandler.Login)

	// Hubs accept anonymous listeners
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Optional)
		r.Get("/hubs/notification", notificationHub.ServeWs)
		r.Get("/hubs/vote", voteHub.ServeWs)
		r.Get("/hubs/show-status", statusHub.ServeWs)
	})

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/account/{id}", userHandler.GetAccount)
		r.Get("/chat/ws", chatHandler.ServeWs)
		r.Post("/vote/{registrationId}", voteHandler.CastVote)

		r.Group(func(r chi.Router) {
			r.Use(staffOnly)
			r.Get("/vote/staff/get-registration-for-voting/{showId}", voteHandler.GetRegistrationsForVoting)
			r.Put("/vote/enable-voting/{showId}", voteHandler.EnableVoting)
			r.Put("/vote/disable-voting/{showId}", voteHandler.DisableVoting)
			r.Put("/show/{showId}/status", voteHandler.SetShowStatus)
		})
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	errc := make(chan error, 1)
	go func() {
		log.Info("🚀 Server starting", zap.String("addr", cfg.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
