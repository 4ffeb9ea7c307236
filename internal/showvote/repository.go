package showvote

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"ksms-live/internal/api"
)

type Repository interface {
	// ListRegistrations returns the show's entries with vote counts and media.
	ListRegistrations(ctx context.Context, showID string) ([]api.VoteEntry, error)
	ShowOfRegistration(ctx context.Context, registrationID string) (string, error)
	GetSession(ctx context.Context, showID string) (Session, error)
	SaveSession(ctx context.Context, s Session) error
	// AddVote records one vote per account per show and returns the
	// registration's new count.
	AddVote(ctx context.Context, showID, registrationID, accountID string) (int, error)
	SetShowStatus(ctx context.Context, showID, status string) error
}

type SQLRepository struct {
	db *sql.DB
}

func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

func (r *SQLRepository) ListRegistrations(ctx context.Context, showID string) ([]api.VoteEntry, error) {
	query := `
		SELECT r.id, r.registration_number, r.koi_name, r.koi_variety, r.size, r.owner_name,
		       COALESCE(v.cnt, 0)
		FROM registrations r
		LEFT JOIN (SELECT registration_id, COUNT(*) AS cnt FROM votes GROUP BY registration_id) v
		       ON v.registration_id = r.id
		WHERE r.show_id = $1
		ORDER BY r.registration_number
	`
	rows, err := r.db.QueryContext(ctx, query, showID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []api.VoteEntry
	index := make(map[string]int)
	for rows.Next() {
		var e api.VoteEntry
		if err := rows.Scan(&e.RegistrationID, &e.RegistrationNumber, &e.KoiName, &e.KoiVariety, &e.Size, &e.OwnerName, &e.VoteCount); err != nil {
			return nil, err
		}
		e.Media = []api.Media{}
		index[e.RegistrationID] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	media, err := r.db.QueryContext(ctx, `
		SELECT m.registration_id, m.media_type, m.media_url
		FROM registration_media m
		JOIN registrations r ON r.id = m.registration_id
		WHERE r.show_id = $1
		ORDER BY m.registration_id, m.position`, showID)
	if err != nil {
		return nil, err
	}
	defer media.Close()
	for media.Next() {
		var regID string
		var m api.Media
		if err := media.Scan(&regID, &m.MediaType, &m.MediaURL); err != nil {
			return nil, err
		}
		if i, ok := index[regID]; ok {
			entries[i].Media = append(entries[i].Media, m)
		}
	}
	return entries, media.Err()
}

func (r *SQLRepository) ShowOfRegistration(ctx context.Context, registrationID string) (string, error) {
	var showID string
	err := r.db.QueryRowContext(ctx, "SELECT show_id FROM registrations WHERE id = $1", registrationID).Scan(&showID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRegistrationNotFound
	}
	return showID, err
}

func (r *SQLRepository) GetSession(ctx context.Context, showID string) (Session, error) {
	s := Session{ShowID: showID}
	var end sql.NullTime
	err := r.db.QueryRowContext(ctx, "SELECT is_active, end_time FROM voting_sessions WHERE show_id = $1", showID).
		Scan(&s.IsActive, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	if end.Valid {
		t := end.Time
		s.EndTime = &t
	}
	return s, nil
}

func (r *SQLRepository) SaveSession(ctx context.Context, s Session) error {
	var end any
	if s.EndTime != nil {
		end = *s.EndTime
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO voting_sessions (show_id, is_active, end_time) VALUES ($1, $2, $3)
		ON CONFLICT (show_id) DO UPDATE SET is_active = EXCLUDED.is_active, end_time = EXCLUDED.end_time`,
		s.ShowID, s.IsActive, end)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrShowNotFound
	}
	return err
}

func (r *SQLRepository) AddVote(ctx context.Context, showID, registrationID, accountID string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, "INSERT INTO votes (registration_id, account_id, show_id) VALUES ($1, $2, $3)",
		registrationID, accountID, showID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrAlreadyVoted
		}
		return 0, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM votes WHERE registration_id = $1", registrationID).Scan(&count); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

func (r *SQLRepository) SetShowStatus(ctx context.Context, showID, status string) error {
	res, err := r.db.ExecContext(ctx, "UPDATE shows SET status = $1 WHERE id = $2", status, showID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrShowNotFound
	}
	return nil
}

// SeedShow inserts a show and its registrations unless the show exists.
func (r *SQLRepository) SeedShow(ctx context.Context, show Show, entries []api.VoteEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "INSERT INTO shows (id, name, status) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING",
		show.ID, show.Name, show.Status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO registrations (id, show_id, registration_number, koi_name, koi_variety, size, owner_name)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.RegistrationID, show.ID, e.RegistrationNumber, e.KoiName, e.KoiVariety, e.Size, e.OwnerName); err != nil {
			return err
		}
		for i, m := range e.Media {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO registration_media (registration_id, media_type, media_url, position) VALUES ($1, $2, $3, $4)",
				e.RegistrationID, string(m.MediaType), m.MediaURL, i); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}
