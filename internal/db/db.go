package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// Migrations creates the koi show schema. Statements are idempotent.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
            id UUID PRIMARY KEY,
            email VARCHAR(255) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            full_name VARCHAR(100) NOT NULL DEFAULT '',
            role VARCHAR(20) NOT NULL CHECK (role IN ('Admin', 'Manager', 'Staff', 'Referee', 'Member')),
            avatar TEXT NOT NULL DEFAULT '',
            phone VARCHAR(20) NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS shows (
            id VARCHAR(64) PRIMARY KEY,
            name VARCHAR(200) NOT NULL,
            status VARCHAR(30) NOT NULL DEFAULT 'Upcoming',
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS registrations (
            id VARCHAR(64) PRIMARY KEY,
            show_id VARCHAR(64) REFERENCES shows(id) ON DELETE CASCADE,
            registration_number VARCHAR(32) NOT NULL,
            koi_name VARCHAR(100) NOT NULL,
            koi_variety VARCHAR(50) NOT NULL,
            size NUMERIC(6,2) NOT NULL DEFAULT 0,
            owner_name VARCHAR(100) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS registration_media (
            id SERIAL PRIMARY KEY,
            registration_id VARCHAR(64) REFERENCES registrations(id) ON DELETE CASCADE,
            media_type VARCHAR(10) CHECK (media_type IN ('Image', 'Video')),
            media_url TEXT NOT NULL,
            position INT NOT NULL DEFAULT 0
        )`,

	`CREATE TABLE IF NOT EXISTS voting_sessions (
            show_id VARCHAR(64) PRIMARY KEY REFERENCES shows(id) ON DELETE CASCADE,
            is_active BOOLEAN NOT NULL DEFAULT FALSE,
            end_time TIMESTAMPTZ
        )`,

	`CREATE TABLE IF NOT EXISTS votes (
            registration_id VARCHAR(64) REFERENCES registrations(id) ON DELETE CASCADE,
            account_id UUID REFERENCES accounts(id) ON DELETE CASCADE,
            show_id VARCHAR(64) REFERENCES shows(id) ON DELETE CASCADE,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (show_id, account_id)
        )`,

	`CREATE TABLE IF NOT EXISTS chat_messages (
            id VARCHAR(64) PRIMARY KEY,
            channel_id VARCHAR(100) NOT NULL,
            livestream_id VARCHAR(100) NOT NULL DEFAULT '',
            user_id VARCHAR(64) NOT NULL,
            user_name VARCHAR(100) NOT NULL,
            user_image TEXT NOT NULL DEFAULT '',
            text TEXT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE INDEX IF NOT EXISTS chat_messages_channel_created ON chat_messages (channel_id, created_at DESC)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range Migrations {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
