package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dproxy-io/dproxy/internal/domain/record"
)

// GetConfig implements record.ConfigStore.
func (s *Store) GetConfig(ctx context.Context, typ string) (*record.ConfigRow, error) {
	var (
		row          record.ConfigRow
		raw          string
		created, upd int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT type, config, created_at, updated_at FROM config WHERE type = ?", typ,
	).Scan(&row.Type, &raw, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get config %s: %w", typ, err)
	}
	row.Config = []byte(raw)
	row.CreatedAt = fromMillis(created)
	row.UpdatedAt = fromMillis(upd)
	return &row, nil
}

// PutConfig implements record.ConfigStore.
func (s *Store) PutConfig(ctx context.Context, typ string, config []byte) error {
	now := millis(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (type, config, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(type) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		typ, string(config), now, now,
	)
	if err != nil {
		return fmt.Errorf("put config %s: %w", typ, err)
	}
	return nil
}

// ListMatchRules implements record.ConfigStore.
func (s *Store) ListMatchRules(ctx context.Context, mode string) ([]record.MatchRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, http_method, endpoint_pattern, regex, priority, enabled, type,
		       match_version, match_language, match_platform, match_environment,
		       match_query_params, match_headers, match_body, match_response_status
		FROM endpoint_matching_config
		WHERE enabled = 1 AND (type = ? OR type = 'both')
		ORDER BY priority ASC, id ASC`,
		mode,
	)
	if err != nil {
		return nil, fmt.Errorf("list match rules: %w", err)
	}
	defer rows.Close()

	var out []record.MatchRule
	for rows.Next() {
		var (
			r                 record.MatchRule
			regex, enabled    int
			query, hdrs, body sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.HTTPMethod, &r.EndpointPattern, &regex, &r.Priority, &enabled,
			&r.Type, &r.MatchVersion, &r.MatchLanguage, &r.MatchPlatform, &r.MatchEnv,
			&query, &hdrs, &body, &r.MatchStatus,
		); err != nil {
			return nil, fmt.Errorf("scan match rule: %w", err)
		}
		r.Regex = regex != 0
		r.Enabled = enabled != 0
		if query.Valid {
			r.MatchQuery = unmarshalStringList(query.String)
		}
		if hdrs.Valid {
			r.MatchHeaders = unmarshalStringList(hdrs.String)
		}
		if body.Valid {
			r.MatchBody = unmarshalStringList(body.String)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match rules: %w", err)
	}
	return out, nil
}
