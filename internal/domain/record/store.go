package record

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("record not found")

// StatusClass selects a response-status predicate for candidate queries.
// "2xx" selects 200 <= s < 300, "error" selects s >= 400, and a numeric
// literal selects exact equality.
type StatusClass string

// CandidateQuery is the base predicate of a matching engine lookup.
// Method and Path compare case-insensitively. Nil dimension pointers
// place no constraint on that dimension; empty-string values constrain
// to the empty dimension.
type CandidateQuery struct {
	UserID       *int64 // matched rows satisfy user_id = ? OR user_id IS NULL
	Method       string
	Path         string
	EndpointType string
	Status       StatusClass
	Environment  *string
	Version      *string
	Language     *string
	Platform     *string
	Limit        int
}

// RecordingKey identifies the row group a recording upsert targets.
// NormalizedQuery is the canonical sorted-lowercase form of the query
// parameters, computed by the caller.
type RecordingKey struct {
	UserID          *int64
	Method          string
	Host            string
	Path            string
	NormalizedQuery string
	AppVersion      string
	AppPlatform     string
	AppEnvironment  string
	AppLanguage     string
	EndpointType    string
}

// RequestStore persists captured request/response pairs and serves the
// matching engine's indexed lookups. Candidate results are ordered by
// request updated_at descending.
type RequestStore interface {
	// FindCandidates returns recorded pairs satisfying the base predicate.
	FindCandidates(ctx context.Context, q CandidateQuery) ([]Pair, error)

	// FindByRecordingKey returns existing pairs for a recording upsert key.
	FindByRecordingKey(ctx context.Context, key RecordingKey) ([]Pair, error)

	// InsertPair stores a new request and its response, returning the
	// request id.
	InsertPair(ctx context.Context, req *Request, resp *Response) (int64, error)

	// UpdatePair overwrites the request body/headers and response of an
	// existing capture, bumping updated_at.
	UpdatePair(ctx context.Context, requestID int64, req *Request, resp *Response) error
}

// SessionStore persists proxy sessions. Hash appends are read-modify-write
// on JSON array columns; callers serialize concurrent appends to the same
// session (the session fabric holds a per-session lock).
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetByPSession(ctx context.Context, token string) (*Session, error)
	GetByUpstreamHash(ctx context.Context, hash string) (*Session, error)
	GetByOAuthHash(ctx context.Context, hash string) (*Session, error)

	// AppendUpstreamHash appends hash to us_hash (no-op when already
	// present) and replaces u_session with raw.
	AppendUpstreamHash(ctx context.Context, sessionID int64, hash, raw string) error

	// AppendOAuthHash appends hash to oauth_hash and replaces oauth_token.
	AppendOAuthHash(ctx context.Context, sessionID int64, hash, raw string) error

	TouchActivity(ctx context.Context, sessionID int64, at time.Time) error

	// DeleteExpired removes sessions whose expiry precedes cutoff and
	// returns the number deleted.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)

	CountActive(ctx context.Context, now time.Time) (int64, error)
}

// UserStore persists observed users.
type UserStore interface {
	// GetOrCreateUser returns the user with the given external id,
	// creating it on first observation.
	GetOrCreateUser(ctx context.Context, externalID string) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
}

// StatsSummary aggregates stats rows for the admin API.
type StatsSummary struct {
	TotalRequests int64
	AvgLatencyMs  float64
	ErrorCount    int64
	ByEndpoint    map[string]int64
}

// StatsStore persists performance samples. InsertStats is called from the
// aggregator's drain goroutine, one statement per row.
type StatsStore interface {
	InsertStats(ctx context.Context, row *StatsRow) error
	SummarizeStats(ctx context.Context, since time.Time) (*StatsSummary, error)
	DeleteStatsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConfigStore persists the four JSON configuration rows and the endpoint
// matching rules.
type ConfigStore interface {
	GetConfig(ctx context.Context, typ string) (*ConfigRow, error)
	PutConfig(ctx context.Context, typ string, config []byte) error

	// ListMatchRules returns enabled rules covering the given mode,
	// ordered by priority ascending.
	ListMatchRules(ctx context.Context, mode string) ([]MatchRule, error)
}

// Store is the full record store facade handed to components at startup.
type Store interface {
	RequestStore
	SessionStore
	UserStore
	StatsStore
	ConfigStore
}
