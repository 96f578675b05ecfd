package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/dproxy-io/dproxy/internal/domain/record"
)

// InsertStats implements record.StatsStore.
func (s *Store) InsertStats(ctx context.Context, row *record.StatsRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stats (
			host, endpoint_path, method,
			app_platform, app_version, app_environment, app_language,
			response_status, response_length, latency_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Host, row.EndpointPath, row.Method,
		row.AppPlatform, row.AppVersion, row.AppEnvironment, row.AppLanguage,
		row.ResponseStatus, row.ResponseLength, row.LatencyMs, millis(row.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert stats: %w", err)
	}
	return nil
}

// SummarizeStats implements record.StatsStore.
func (s *Store) SummarizeStats(ctx context.Context, since time.Time) (*record.StatsSummary, error) {
	sum := &record.StatsSummary{ByEndpoint: make(map[string]int64)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(AVG(latency_ms), 0),
		       COALESCE(SUM(CASE WHEN response_status >= 400 THEN 1 ELSE 0 END), 0)
		FROM stats WHERE created_at >= ?`,
		millis(since),
	).Scan(&sum.TotalRequests, &sum.AvgLatencyMs, &sum.ErrorCount)
	if err != nil {
		return nil, fmt.Errorf("summarize stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT method || ' ' || endpoint_path, COUNT(*)
		FROM stats WHERE created_at >= ?
		GROUP BY method, endpoint_path
		ORDER BY COUNT(*) DESC LIMIT 50`,
		millis(since),
	)
	if err != nil {
		return nil, fmt.Errorf("summarize by endpoint: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan endpoint summary: %w", err)
		}
		sum.ByEndpoint[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate endpoint summary: %w", err)
	}
	return sum, nil
}

// DeleteStatsBefore implements record.StatsStore.
func (s *Store) DeleteStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM stats WHERE created_at < ?", millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete stats: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
