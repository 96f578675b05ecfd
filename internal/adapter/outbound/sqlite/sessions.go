package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dproxy-io/dproxy/internal/domain/record"
)

const sessionColumns = `
	id, user_id, p_session, u_session, us_hash, oauth_token, oauth_hash,
	device_name, device_os, created_at, expires_at, last_activity_at`

// CreateSession implements record.SessionStore.
func (s *Store) CreateSession(ctx context.Context, sess *record.Session) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			user_id, p_session, u_session, us_hash, oauth_token, oauth_hash,
			device_name, device_os, created_at, expires_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableID(sess.UserID), sess.PSession, sess.USession,
		marshalJSON(sess.USHash, "[]"), sess.OAuthToken,
		marshalJSON(sess.OAuthHash, "[]"),
		sess.DeviceName, sess.DeviceOS,
		millis(sess.CreatedAt), millis(sess.ExpiresAt), millis(sess.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("session id: %w", err)
	}
	sess.ID = id
	return nil
}

// GetByPSession implements record.SessionStore.
func (s *Store) GetByPSession(ctx context.Context, token string) (*record.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE p_session = ?", token)
	return scanSession(row)
}

// GetByUpstreamHash implements record.SessionStore. Membership in the
// us_hash JSON array is tested with a quoted-substring match; hashes are
// hex digests so the quoted form cannot collide with other content.
func (s *Store) GetByUpstreamHash(ctx context.Context, hash string) (*record.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+` FROM sessions
		 WHERE us_hash LIKE '%' || ? || '%'
		 ORDER BY last_activity_at DESC LIMIT 1`,
		`"`+hash+`"`)
	return scanSession(row)
}

// GetByOAuthHash implements record.SessionStore.
func (s *Store) GetByOAuthHash(ctx context.Context, hash string) (*record.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+` FROM sessions
		 WHERE oauth_hash LIKE '%' || ? || '%'
		 ORDER BY last_activity_at DESC LIMIT 1`,
		`"`+hash+`"`)
	return scanSession(row)
}

// AppendUpstreamHash implements record.SessionStore. The read-modify-
// write runs in one transaction; the session fabric serializes callers
// per session id.
func (s *Store) AppendUpstreamHash(ctx context.Context, sessionID int64, hash, raw string) error {
	return s.appendHash(ctx, sessionID, hash, raw, "us_hash", "u_session")
}

// AppendOAuthHash implements record.SessionStore.
func (s *Store) AppendOAuthHash(ctx context.Context, sessionID int64, hash, raw string) error {
	return s.appendHash(ctx, sessionID, hash, raw, "oauth_hash", "oauth_token")
}

func (s *Store) appendHash(ctx context.Context, sessionID int64, hash, raw, hashCol, rawCol string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin hash append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rawList string
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM sessions WHERE id = ?", hashCol), sessionID,
	).Scan(&rawList)
	if errors.Is(err, sql.ErrNoRows) {
		return record.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read hash list: %w", err)
	}

	hashes := unmarshalStringList(rawList)
	present := false
	for _, h := range hashes {
		if h == hash {
			present = true
			break
		}
	}
	if !present {
		hashes = append(hashes, hash)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE sessions SET %s = ?, %s = ?, last_activity_at = ? WHERE id = ?", hashCol, rawCol),
		marshalJSON(hashes, "[]"), raw, millis(time.Now()), sessionID,
	); err != nil {
		return fmt.Errorf("write hash list: %w", err)
	}
	return tx.Commit()
}

// TouchActivity implements record.SessionStore.
func (s *Store) TouchActivity(ctx context.Context, sessionID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_activity_at = ? WHERE id = ?", millis(at), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteExpired implements record.SessionStore.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE expires_at < ?", millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountActive implements record.SessionStore.
func (s *Store) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE expires_at >= ?", millis(now)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func scanSession(row *sql.Row) (*record.Session, error) {
	var (
		sess                  record.Session
		userID                sql.NullInt64
		usHash, oauthHash     string
		created, expires, act int64
	)
	err := row.Scan(
		&sess.ID, &userID, &sess.PSession, &sess.USession, &usHash,
		&sess.OAuthToken, &oauthHash, &sess.DeviceName, &sess.DeviceOS,
		&created, &expires, &act,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if userID.Valid {
		v := userID.Int64
		sess.UserID = &v
	}
	sess.USHash = unmarshalStringList(usHash)
	sess.OAuthHash = unmarshalStringList(oauthHash)
	sess.CreatedAt = fromMillis(created)
	sess.ExpiresAt = fromMillis(expires)
	sess.LastActivityAt = fromMillis(act)
	return &sess, nil
}
