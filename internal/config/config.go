package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server is the configuration of cmd/server.
type Server struct {
	Addr      string
	DSN       string
	JWTSecret string
	RedisAddr string
	Seed      bool
	Debug     bool
}

// Console is the configuration of cmd/console.
type Console struct {
	APIBase      string
	HubBase      string
	ChatURL      string
	RedisAddr    string
	Profile      string
	Email        string
	Password     string
	ShowID       string
	ChannelID    string
	LivestreamID string
	VoteDuration time.Duration
	Debug        bool
}

// LoadServer parses flags, then falls back to the environment (and a .env
// file when present) for anything not given on the command line.
func LoadServer(args []string) (Server, error) {
	var cfg Server
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	envFile := flags.String("env", ".env", "dotenv file to load")
	flags.StringVar(&cfg.Addr, "addr", "", "http service address")
	flags.StringVar(&cfg.DSN, "dsn", "", "postgres DSN (prefer DB_DSN)")
	flags.StringVar(&cfg.RedisAddr, "redis", "", "redis address")
	flags.BoolVar(&cfg.Seed, "seed", false, "insert a demo show and accounts")
	flags.BoolVar(&cfg.Debug, "debug", false, "debug logging")
	if err := flags.Parse(args); err != nil {
		return Server{}, err
	}
	if err := loadDotEnv(*envFile); err != nil {
		return Server{}, err
	}

	cfg.Addr = firstNonEmpty(cfg.Addr, os.Getenv("ADDR"), ":8080")
	cfg.DSN = firstNonEmpty(cfg.DSN, os.Getenv("DB_DSN"))
	if cfg.DSN == "" {
		return Server{}, errors.New("DB_DSN is not set")
	}
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return Server{}, errors.New("JWT_SECRET is not set")
	}
	cfg.RedisAddr = firstNonEmpty(cfg.RedisAddr, os.Getenv("REDIS_ADDR"), "localhost:6379")
	return cfg, nil
}

// LoadConsole parses the console flags with the same env fallback.
func LoadConsole(args []string) (Console, error) {
	var cfg Console
	flags := flag.NewFlagSet("console", flag.ContinueOnError)
	envFile := flags.String("env", ".env", "dotenv file to load")
	flags.StringVar(&cfg.APIBase, "api", "", "REST base URL (KSMS_API)")
	flags.StringVar(&cfg.HubBase, "hubs", "", "hub base URL (KSMS_HUBS)")
	flags.StringVar(&cfg.ChatURL, "chat", "", "chat websocket URL (KSMS_CHAT)")
	flags.StringVar(&cfg.RedisAddr, "redis", "", "keep the session in redis at this address")
	flags.StringVar(&cfg.Profile, "profile", "default", "session profile name")
	flags.StringVar(&cfg.Email, "email", "", "login email (KSMS_EMAIL)")
	flags.StringVar(&cfg.ShowID, "show", "", "show id to follow")
	flags.StringVar(&cfg.ChannelID, "channel", "", "livestream chat channel id")
	flags.StringVar(&cfg.LivestreamID, "livestream", "", "livestream id")
	flags.DurationVar(&cfg.VoteDuration, "vote-for", 0, "enable voting for this long on start")
	flags.BoolVar(&cfg.Debug, "debug", false, "debug logging")
	if err := flags.Parse(args); err != nil {
		return Console{}, err
	}
	if err := loadDotEnv(*envFile); err != nil {
		return Console{}, err
	}

	cfg.APIBase = strings.TrimRight(firstNonEmpty(cfg.APIBase, os.Getenv("KSMS_API"), "http://localhost:8080"), "/")
	cfg.HubBase = strings.TrimRight(firstNonEmpty(cfg.HubBase, os.Getenv("KSMS_HUBS"), wsBase(cfg.APIBase)+"/hubs"), "/")
	cfg.ChatURL = firstNonEmpty(cfg.ChatURL, os.Getenv("KSMS_CHAT"), wsBase(cfg.APIBase)+"/chat/ws")
	cfg.Email = firstNonEmpty(cfg.Email, os.Getenv("KSMS_EMAIL"))
	cfg.Password = os.Getenv("KSMS_PASSWORD")
	if cfg.ShowID == "" {
		return Console{}, errors.New("show id required (use -show)")
	}
	if cfg.VoteDuration < 0 {
		return Console{}, fmt.Errorf("invalid -vote-for %s", cfg.VoteDuration)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func wsBase(httpBase string) string {
	switch {
	case strings.HasPrefix(httpBase, "https://"):
		return "wss://" + strings.TrimPrefix(httpBase, "https://")
	case strings.HasPrefix(httpBase, "http://"):
		return "ws://" + strings.TrimPrefix(httpBase, "http://")
	}
	return httpBase
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
