package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dproxy-io/dproxy/internal/domain/record"
)

const userColumns = `
	id, user_id, party_id, client_id, email, first_name, last_name,
	created_at, updated_at`

// GetOrCreateUser implements record.UserStore. Concurrent first sightings
// of the same external id race on the UNIQUE constraint; the loser
// re-reads the winner's row.
func (s *Store) GetOrCreateUser(ctx context.Context, externalID string) (*record.User, error) {
	u, err := s.getUserByExternalID(ctx, externalID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, record.ErrNotFound) {
		return nil, err
	}

	now := millis(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		externalID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.getUserByExternalID(ctx, externalID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &record.User{
		ID:        id,
		UserID:    externalID,
		CreatedAt: fromMillis(now),
		UpdatedAt: fromMillis(now),
	}, nil
}

// GetUser implements record.UserStore.
func (s *Store) GetUser(ctx context.Context, id int64) (*record.User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUser(row)
}

func (s *Store) getUserByExternalID(ctx context.Context, externalID string) (*record.User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE user_id = ?", externalID)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*record.User, error) {
	var (
		u            record.User
		created, upd int64
	)
	err := row.Scan(
		&u.ID, &u.UserID, &u.PartyID, &u.ClientID, &u.Email,
		&u.FirstName, &u.LastName, &created, &upd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(upd)
	return &u, nil
}
