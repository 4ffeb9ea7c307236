package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Role string

const (
	RoleAdmin   Role = "Admin"
	RoleManager Role = "Manager"
	RoleStaff   Role = "Staff"
	RoleReferee Role = "Referee"
	RoleMember  Role = "Member"
)

// Credentials are the persisted parts of a signed-in session.
type Credentials struct {
	Token     string
	Role      Role
	UserID    string
	ExpiresAt time.Time
}

var ErrNoSession = errors.New("session: no credentials")

// CredentialStore persists credentials for at most ttl.
type CredentialStore interface {
	Save(ctx context.Context, creds Credentials, ttl time.Duration) error
	Load(ctx context.Context) (Credentials, error)
	Clear(ctx context.Context) error
}

// MemoryStore keeps credentials for the life of the process.
type MemoryStore struct {
	mu    sync.Mutex
	creds *Credentials
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Save(_ context.Context, creds Credentials, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	creds.ExpiresAt = m.now().Add(ttl)
	m.creds = &creds
	return nil
}

func (m *MemoryStore) Load(_ context.Context) (Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return Credentials{}, ErrNoSession
	}
	if !m.now().Before(m.creds.ExpiresAt) {
		m.creds = nil
		return Credentials{}, ErrNoSession
	}
	return *m.creds, nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	m.creds = nil
	m.mu.Unlock()
	return nil
}

// RedisStore keeps credentials in one hash per console profile so a
// restarted console picks the session back up. Redis expires the key.
type RedisStore struct {
	rdb *redis.Client
	key string
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client, profile string) *RedisStore {
	if profile == "" {
		profile = "default"
	}
	return &RedisStore{rdb: rdb, key: "ksms:session:" + profile, now: time.Now}
}

func (r *RedisStore) Save(ctx context.Context, creds Credentials, ttl time.Duration) error {
	expires := r.now().Add(ttl)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		pipe.HSet(ctx, r.key,
			"token", creds.Token,
			"role", string(creds.Role),
			"user_id", creds.UserID,
			"expires_at", expires.UTC().Format(time.RFC3339Nano),
		)
		pipe.Expire(ctx, r.key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context) (Credentials, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Credentials{}, fmt.Errorf("session: load: %w", err)
	}
	if len(fields) == 0 || fields["token"] == "" {
		return Credentials{}, ErrNoSession
	}
	creds := Credentials{
		Token:  fields["token"],
		Role:   Role(fields["role"]),
		UserID: fields["user_id"],
	}
	if exp, err := time.Parse(time.RFC3339Nano, fields["expires_at"]); err == nil {
		creds.ExpiresAt = exp
	}
	return creds, nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}
