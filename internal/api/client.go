package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUnauthorized    = errors.New("api: unauthorized")
	ErrInvalidEmail    = errors.New("api: invalid email address")
	ErrMissingPassword = errors.New("api: password is required")
	ErrMissingShowID   = errors.New("api: show id is required")
)

// StatusError is returned for every non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("api: %s %s: %d %s", e.Method, e.Path, e.StatusCode, msg)
}

// Unwrap lets callers test errors.Is(err, ErrUnauthorized).
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

type TokenSource interface {
	Token() string
}

type Client struct {
	base           string
	http           *http.Client
	tokens         TokenSource
	onUnauthorized func()
	log            *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithUnauthorizedHandler sets the hook run when an authenticated call gets
// a 401. The session store uses it to log out.
func WithUnauthorizedHandler(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

func NewClient(base string, tokens TokenSource, log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: 15 * time.Second},
		tokens: tokens,
		log:    log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetUnauthorizedHandler replaces the 401 hook after construction, for
// stores that are built after the client.
func (c *Client) SetUnauthorizedHandler(fn func()) { c.onUnauthorized = fn }

func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	if password == "" {
		return nil, ErrMissingPassword
	}
	var out LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", LoginRequest{Email: email, Password: password}, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates a member account. It does not sign in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, ErrInvalidEmail
	}
	if req.Password == "" {
		return nil, ErrMissingPassword
	}
	var out Account
	if err := c.do(ctx, http.MethodPost, "/auth/register", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetAccount(ctx context.Context, id string) (*Account, error) {
	var out Account
	if err := c.do(ctx, http.MethodGet, "/account/"+url.PathEscape(id), nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRegistrationsForVoting returns the vote rows of a show and the voting
// status carried by the first row, if any.
func (c *Client) GetRegistrationsForVoting(ctx context.Context, showID string) ([]VoteEntry, *VotingStatus, error) {
	if showID == "" {
		return nil, nil, ErrMissingShowID
	}
	var rows []VoteEntry
	if err := c.do(ctx, http.MethodGet, "/vote/staff/get-registration-for-voting/"+url.PathEscape(showID), nil, &rows, true); err != nil {
		return nil, nil, err
	}
	var status *VotingStatus
	if len(rows) > 0 {
		status = rows[0].VotingStatus
	}
	return rows, status, nil
}

func (c *Client) EnableVoting(ctx context.Context, showID string, endTime time.Time) error {
	if showID == "" {
		return ErrMissingShowID
	}
	return c.do(ctx, http.MethodPut, "/vote/enable-voting/"+url.PathEscape(showID),
		EnableVotingRequest{Enable: endTime.UTC()}, nil, true)
}

func (c *Client) DisableVoting(ctx context.Context, showID string) error {
	if showID == "" {
		return ErrMissingShowID
	}
	return c.do(ctx, http.MethodPut, "/vote/disable-voting/"+url.PathEscape(showID), nil, nil, true)
}

// CastVote records the signed in member's vote for a registration.
func (c *Client) CastVote(ctx context.Context, registrationID string) (*VoteResult, error) {
	var out VoteResult
	if err := c.do(ctx, http.MethodPost, "/vote/"+url.PathEscape(registrationID), nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed && c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.log.Debug("api call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
		if authed && resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return serr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: %s %s: decode: %w", method, path, err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var eb ErrorBody
	if json.Unmarshal(b, &eb) == nil {
		if eb.Message != "" {
			return eb.Message
		}
		if eb.Error != "" {
			return eb.Error
		}
	}
	return strings.TrimSpace(string(b))
}
