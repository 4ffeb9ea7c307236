package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"ksms-live/internal/api"
)

const (
	// CredentialLifetime bounds how long a login is kept, whatever the
	// token's own expiry says.
	CredentialLifetime = 5 * time.Hour
	// ForceLogoutDelay leaves the message on screen before the redirect.
	ForceLogoutDelay = 3 * time.Second
)

var (
	ErrUnauthenticated = errors.New("session: not signed in")
	ErrForbidden       = errors.New("session: role not allowed")
)

type Authenticator interface {
	Login(ctx context.Context, email, password string) (*api.LoginResponse, error)
}

// Notifier shows transient messages to the operator.
type Notifier interface {
	Info(msg string)
	Error(msg string)
}

// Store is the authentication state of one console. It is the token source
// for the REST client and the hub connections.
type Store struct {
	auth     Authenticator
	creds    CredentialStore
	notify   Notifier
	redirect func()
	log      *zap.Logger

	// Replaced in tests.
	now       func() time.Time
	afterFunc func(time.Duration, func())

	mu      sync.Mutex
	current *Credentials
}

// NewStore wires the store. redirect is called to send the operator back to
// the sign-in screen.
func NewStore(auth Authenticator, creds CredentialStore, notify Notifier, redirect func(), log *zap.Logger) *Store {
	if redirect == nil {
		redirect = func() {}
	}
	return &Store{
		auth:     auth,
		creds:    creds,
		notify:   notify,
		redirect: redirect,
		log:      log,
		now:      time.Now,
		afterFunc: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Restore loads credentials persisted by an earlier run.
func (s *Store) Restore(ctx context.Context) error {
	creds, err := s.creds.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = &creds
	s.mu.Unlock()
	return nil
}

func (s *Store) Login(ctx context.Context, email, password string) (Credentials, error) {
	resp, err := s.auth.Login(ctx, email, password)
	if err != nil {
		return Credentials{}, err
	}
	creds := Credentials{Token: resp.Token, Role: Role(resp.Role), UserID: resp.ID}
	if creds.Role == "" || creds.UserID == "" {
		id, role := claimsOf(resp.Token)
		if creds.UserID == "" {
			creds.UserID = id
		}
		if creds.Role == "" {
			creds.Role = Role(role)
		}
	}
	if err := s.creds.Save(ctx, creds, CredentialLifetime); err != nil {
		return Credentials{}, err
	}
	creds.ExpiresAt = s.now().Add(CredentialLifetime)

	s.mu.Lock()
	s.current = &creds
	s.mu.Unlock()
	s.log.Info("signed in", zap.String("user_id", creds.UserID), zap.String("role", string(creds.Role)))
	return creds, nil
}

// Token returns the bearer token, or "" when signed out or expired.
func (s *Store) Token() string {
	creds, ok := s.Current()
	if !ok {
		return ""
	}
	return creds.Token
}

// Current returns the live credentials, if any.
func (s *Store) Current() (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Credentials{}, false
	}
	if !s.current.ExpiresAt.IsZero() && !s.now().Before(s.current.ExpiresAt) {
		return Credentials{}, false
	}
	if tokenExpired(s.current.Token, s.now()) {
		return Credentials{}, false
	}
	return *s.current, true
}

func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	return s.creds.Clear(ctx)
}

// ForceLogout handles the server telling this account to sign out. The
// redirect always happens after ForceLogoutDelay.
func (s *Store) ForceLogout(message string) {
	if message == "" {
		message = "You have been signed out."
	}
	s.notify.Error(message)
	if err := s.Logout(context.Background()); err != nil {
		s.log.Warn("clear credentials", zap.Error(err))
	}
	s.log.Info("forced logout", zap.String("message", message))
	s.afterFunc(ForceLogoutDelay, s.redirect)
}

// HandleUnauthorized is the REST client's 401 hook.
func (s *Store) HandleUnauthorized() {
	if _, ok := s.Current(); !ok {
		s.redirect()
		return
	}
	s.notify.Error("Your session has expired. Please sign in again.")
	if err := s.Logout(context.Background()); err != nil {
		s.log.Warn("clear credentials", zap.Error(err))
	}
	s.redirect()
}

// RequireRole guards an operator screen.
func (s *Store) RequireRole(roles ...Role) error {
	creds, ok := s.Current()
	if !ok {
		return ErrUnauthenticated
	}
	if len(roles) > 0 && !slices.Contains(roles, creds.Role) {
		return ErrForbidden
	}
	return nil
}

// claimsOf reads id and role from a token without checking its signature;
// the server does that on every call.
func claimsOf(token string) (id, role string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", ""
	}
	id, _ = claims["id"].(string)
	if id == "" {
		id, _ = claims.GetSubject()
	}
	role, _ = claims["role"].(string)
	return id, role
}

func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Opaque tokens only expire with the credentials.
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Before(exp.Time)
}
