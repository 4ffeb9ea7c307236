package user

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound   = errors.New("account not found")
	ErrEmailTaken = errors.New("email already registered")
)

type Store interface {
	CreateAccount(ctx context.Context, a *Account) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	GetByID(ctx context.Context, id string) (*Account, error)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateAccount(ctx context.Context, a *Account) (*Account, error) {
	query := `INSERT INTO accounts (id, email, password, full_name, role, avatar, phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query, a.ID, strings.ToLower(a.Email), a.Password, a.FullName, a.Role, a.AvatarURL, a.Phone).
		Scan(&a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return a, nil
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return r.getOne(ctx, "SELECT id, email, password, full_name, role, avatar, phone, created_at FROM accounts WHERE email = $1", strings.ToLower(email))
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Account, error) {
	return r.getOne(ctx, "SELECT id, email, password, full_name, role, avatar, phone, created_at FROM accounts WHERE id = $1", id)
}

func (r *Repository) getOne(ctx context.Context, query string, arg any) (*Account, error) {
	a := &Account{}
	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&a.ID, &a.Email, &a.Password, &a.FullName, &a.Role, &a.AvatarURL, &a.Phone, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		// Malformed uuid.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}
