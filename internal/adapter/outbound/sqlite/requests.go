package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dproxy-io/dproxy/internal/domain/matching"
	"github.com/dproxy-io/dproxy/internal/domain/record"
)

// pairColumns is the joined column list scanned into a record.Pair.
const pairColumns = `
	ar.id, ar.user_id, ar.method, ar.host, ar.endpoint_path,
	ar.query_params, ar.request_headers, ar.request_body,
	ar.app_version, ar.app_platform, ar.app_environment, ar.app_language,
	ar.endpoint_type, ar.created_at, ar.updated_at,
	resp.id, resp.api_request_id, resp.response_status, resp.response_headers,
	resp.response_body, resp.response_source, resp.latency_ms,
	resp.created_at, resp.updated_at`

// FindCandidates implements record.RequestStore. Results are ordered by
// request updated_at descending with id as the insertion-order tiebreak.
func (s *Store) FindCandidates(ctx context.Context, q record.CandidateQuery) ([]record.Pair, error) {
	var (
		where []string
		args  []any
	)

	if q.UserID != nil {
		where = append(where, "(ar.user_id = ? OR ar.user_id IS NULL)")
		args = append(args, *q.UserID)
	} else {
		where = append(where, "ar.user_id IS NULL")
	}
	where = append(where, "LOWER(ar.method) = LOWER(?)")
	args = append(args, q.Method)
	where = append(where, "LOWER(ar.endpoint_path) = LOWER(?)")
	args = append(args, q.Path)
	where = append(where, "ar.endpoint_type = ?")
	args = append(args, q.EndpointType)

	statusClause, statusArgs, err := statusPredicate(q.Status)
	if err != nil {
		return nil, err
	}
	where = append(where, statusClause)
	args = append(args, statusArgs...)

	if q.Environment != nil {
		where = append(where, "LOWER(ar.app_environment) = LOWER(?)")
		args = append(args, *q.Environment)
	}
	if q.Version != nil {
		where = append(where, "ar.app_version = ?")
		args = append(args, *q.Version)
	}
	if q.Language != nil {
		where = append(where, "LOWER(ar.app_language) = LOWER(?)")
		args = append(args, *q.Language)
	}
	if q.Platform != nil {
		where = append(where, "LOWER(ar.app_platform) = LOWER(?)")
		args = append(args, *q.Platform)
	}

	query := "SELECT " + pairColumns + `
		FROM api_requests ar
		JOIN api_responses resp ON resp.api_request_id = ar.id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY ar.updated_at DESC, ar.id DESC`
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()
	return scanPairs(rows)
}

// statusPredicate translates a status class into SQL.
func statusPredicate(class record.StatusClass) (string, []any, error) {
	switch class {
	case "2xx", "":
		return "resp.response_status >= 200 AND resp.response_status < 300", nil, nil
	case "error":
		return "resp.response_status >= 400", nil, nil
	default:
		code, err := strconv.Atoi(string(class))
		if err != nil {
			return "", nil, fmt.Errorf("invalid status class %q", class)
		}
		return "resp.response_status = ?", []any{code}, nil
	}
}

// FindByRecordingKey implements record.RequestStore.
func (s *Store) FindByRecordingKey(ctx context.Context, key record.RecordingKey) ([]record.Pair, error) {
	var (
		where = []string{
			"LOWER(ar.method) = LOWER(?)",
			"LOWER(ar.endpoint_path) = LOWER(?)",
			"ar.normalized_query = ?",
			"ar.app_version = ?",
			"LOWER(ar.app_platform) = LOWER(?)",
			"LOWER(ar.app_environment) = LOWER(?)",
			"LOWER(ar.app_language) = LOWER(?)",
			"ar.endpoint_type = ?",
		}
		args = []any{
			key.Method, key.Path, key.NormalizedQuery,
			key.AppVersion, key.AppPlatform, key.AppEnvironment, key.AppLanguage,
			key.EndpointType,
		}
	)
	if key.UserID != nil {
		where = append(where, "ar.user_id = ?")
		args = append(args, *key.UserID)
	} else {
		where = append(where, "ar.user_id IS NULL")
	}

	query := "SELECT " + pairColumns + `
		FROM api_requests ar
		JOIN api_responses resp ON resp.api_request_id = ar.id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY ar.updated_at DESC, ar.id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recording key: %w", err)
	}
	defer rows.Close()
	return scanPairs(rows)
}

// InsertPair implements record.RequestStore.
func (s *Store) InsertPair(ctx context.Context, req *record.Request, resp *record.Response) (int64, error) {
	now := millis(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert pair: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO api_requests (
			user_id, method, host, endpoint_path,
			query_params, normalized_query, request_headers, request_body,
			app_version, app_platform, app_environment, app_language,
			endpoint_type, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableID(req.UserID), req.Method, req.Host, req.EndpointPath,
		marshalJSON(req.QueryParams, "{}"),
		matching.NormalizeQuery(req.QueryParams),
		marshalJSON(req.RequestHeaders, "{}"), req.RequestBody,
		req.AppVersion, req.AppPlatform, req.AppEnvironment, req.AppLanguage,
		req.EndpointType, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}
	requestID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("request id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO api_responses (
			api_request_id, response_status, response_headers, response_body,
			response_source, latency_ms, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		requestID, resp.Status, marshalJSON(resp.Headers, "{}"), resp.Body,
		resp.Source, resp.LatencyMs, now, now,
	); err != nil {
		return 0, fmt.Errorf("insert response: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert pair: %w", err)
	}
	return requestID, nil
}

// UpdatePair implements record.RequestStore.
func (s *Store) UpdatePair(ctx context.Context, requestID int64, req *record.Request, resp *record.Response) error {
	now := millis(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update pair: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE api_requests
		SET request_headers = ?, request_body = ?, updated_at = ?
		WHERE id = ?`,
		marshalJSON(req.RequestHeaders, "{}"), req.RequestBody, now, requestID,
	); err != nil {
		return fmt.Errorf("update request: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE api_responses
		SET response_status = ?, response_headers = ?, response_body = ?,
			response_source = ?, latency_ms = ?, updated_at = ?
		WHERE api_request_id = ?`,
		resp.Status, marshalJSON(resp.Headers, "{}"), resp.Body,
		resp.Source, resp.LatencyMs, now, requestID,
	); err != nil {
		return fmt.Errorf("update response: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update pair: %w", err)
	}
	return nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func scanPairs(rows *sql.Rows) ([]record.Pair, error) {
	var out []record.Pair
	for rows.Next() {
		var (
			req       record.Request
			resp      record.Response
			userID    sql.NullInt64
			qp, rh    string
			respH     string
			reqCr     int64
			reqUp     int64
			respCr    int64
			respUp    int64
		)
		if err := rows.Scan(
			&req.ID, &userID, &req.Method, &req.Host, &req.EndpointPath,
			&qp, &rh, &req.RequestBody,
			&req.AppVersion, &req.AppPlatform, &req.AppEnvironment, &req.AppLanguage,
			&req.EndpointType, &reqCr, &reqUp,
			&resp.ID, &resp.APIRequestID, &resp.Status, &respH,
			&resp.Body, &resp.Source, &resp.LatencyMs,
			&respCr, &respUp,
		); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		if userID.Valid {
			v := userID.Int64
			req.UserID = &v
		}
		req.QueryParams = unmarshalStringMap(qp)
		req.RequestHeaders = unmarshalHeaderMap(rh)
		req.CreatedAt = fromMillis(reqCr)
		req.UpdatedAt = fromMillis(reqUp)
		resp.Headers = unmarshalHeaderMap(respH)
		resp.CreatedAt = fromMillis(respCr)
		resp.UpdatedAt = fromMillis(respUp)
		out = append(out, record.Pair{Request: &req, Response: &resp})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairs: %w", err)
	}
	return out, nil
}
