package chatroom

import (
	"context"
	"database/sql"
	"slices"
	"sync"

	"ksms-live/internal/chat"
)

type Repository interface {
	SaveMessage(ctx context.Context, channelID, livestreamID string, m chat.Message) error
	// RecentMessages returns the latest limit messages, oldest first.
	RecentMessages(ctx context.Context, channelID string, limit int) ([]chat.Message, error)
}

type SQLRepository struct {
	db *sql.DB
}

func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

func (r *SQLRepository) SaveMessage(ctx context.Context, channelID, livestreamID string, m chat.Message) error {
	query := `INSERT INTO chat_messages (id, channel_id, livestream_id, user_id, user_name, user_image, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query, m.ID, channelID, livestreamID, m.User.ID, m.User.Name, m.User.ImageURL, m.Text, m.CreatedAt)
	return err
}

func (r *SQLRepository) RecentMessages(ctx context.Context, channelID string, limit int) ([]chat.Message, error) {
	query := `
		SELECT id, text, created_at, user_id, user_name, user_image
		FROM chat_messages
		WHERE channel_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.Text, &m.CreatedAt, &m.User.ID, &m.User.Name, &m.User.ImageURL); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

// MemoryRepository keeps messages in process, for a server run without a
// database and for tests.
type MemoryRepository struct {
	mu       sync.Mutex
	messages map[string][]chat.Message
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{messages: make(map[string][]chat.Message)}
}

func (r *MemoryRepository) SaveMessage(_ context.Context, channelID, _ string, m chat.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[channelID] = append(r.messages[channelID], m)
	return nil
}

func (r *MemoryRepository) RecentMessages(_ context.Context, channelID string, limit int) ([]chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.messages[channelID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return slices.Clone(all), nil
}
