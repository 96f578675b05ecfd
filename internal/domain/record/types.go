// Package record defines the persistent entities of the record store:
// captured requests and responses, sessions, users, stats rows, and the
// matching and traffic configuration rows. Storage backends implement the
// store interfaces in store.go.
package record

import (
	"time"
)

// Mode is the proxy operating mode.
type Mode string

const (
	// ModePassthrough forwards traffic upstream without recording.
	ModePassthrough Mode = "passthrough"
	// ModeRecording forwards traffic and captures request/response pairs.
	ModeRecording Mode = "recording"
	// ModeReplay serves recorded responses without contacting upstream.
	ModeReplay Mode = "replay"
)

// Valid reports whether m is one of the three recognized modes.
func (m Mode) Valid() bool {
	switch m {
	case ModePassthrough, ModeRecording, ModeReplay:
		return true
	}
	return false
}

// Endpoint classification values. Custom types from the endpoint
// classification config are allowed; these two are the built-ins.
const (
	EndpointPublic = "public"
	EndpointSecure = "secure"
)

// Request is a captured API request. QueryParams preserves the original
// key casing; normalization happens at comparison time, never at rest.
// A nil UserID marks a public-endpoint capture.
type Request struct {
	ID             int64
	UserID         *int64
	Method         string
	Host           string
	EndpointPath   string // path only, no query string
	QueryParams    map[string]string
	RequestHeaders map[string][]string
	RequestBody    []byte
	AppVersion     string
	AppPlatform    string
	AppEnvironment string
	AppLanguage    string
	EndpointType   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Response is the captured upstream response, one-to-one with a Request.
type Response struct {
	ID           int64
	APIRequestID int64
	Status       int
	Headers      map[string][]string
	Body         []byte
	Source       string
	LatencyMs    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Pair bundles a recorded request with its response. The matching engine
// returns pairs; the recording handler upserts them.
type Pair struct {
	Request  *Request
	Response *Response
}

// Session correlates client identity across domains and modes.
// PSession is the opaque DPSESSION token (a v4 UUID, not a credential).
// USHash and OAuthHash are append-only lists of SHA-256 hex digests of
// observed upstream session cookies and bearer tokens; USession and
// OAuthToken hold only the most recent raw values.
type Session struct {
	ID             int64
	UserID         *int64
	PSession       string
	USession       string
	USHash         []string
	OAuthToken     string
	OAuthHash      []string
	DeviceName     string
	DeviceOS       string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

// IsExpired reports whether the session has passed its expiry.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// User is an observed API user, auto-created on first sighting.
// UserID is the external identifier extracted by a session create rule.
type User struct {
	ID        int64
	UserID    string
	PartyID   string
	ClientID  string
	Email     string
	FirstName string
	LastName  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatsRow is one per-request performance sample. Dimension fields are
// empty strings, never null, when absent from the request.
type StatsRow struct {
	Host           string
	EndpointPath   string
	Method         string
	AppPlatform    string
	AppVersion     string
	AppEnvironment string
	AppLanguage    string
	ResponseStatus int
	ResponseLength int64
	LatencyMs      int64
	CreatedAt      time.Time
}

// Dimension match directives for MatchRule. Zero enables the fallback
// chain; one requires an exact match.
const (
	MatchFallback = 0
	MatchExact    = 1
)

// MatchRule is one endpoint matching configuration row. Rules are
// evaluated in ascending Priority order; the first whose method and
// pattern match the request selects the matching behavior.
type MatchRule struct {
	ID              int64
	HTTPMethod      string // method or "*"
	EndpointPattern string
	Regex           bool // pattern is a full regex rather than a glob
	Priority        int
	Enabled         bool
	Type            string // "replay", "recording", or "both"
	MatchVersion    int    // MatchFallback: closest version; MatchExact: equality
	MatchLanguage   int    // MatchFallback: exact -> en -> any
	MatchPlatform   int    // MatchFallback: exact -> any
	MatchEnv        string // "exact" or a forced literal ("sit", "stage", ...)
	MatchQuery      []string
	MatchHeaders    []string
	MatchBody       []string
	MatchStatus     string // "2xx", "error", or a numeric literal
}

// AppliesTo reports whether the rule covers the given mode
// ("replay" or "recording").
func (r *MatchRule) AppliesTo(mode string) bool {
	return r.Type == mode || r.Type == "both"
}

// ConfigRow is one row of the config table. Type is one of
// "traffic", "mapping", "endpoint", or "proxy"; Config is raw JSON.
type ConfigRow struct {
	Type      string
	Config    []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Config table row types.
const (
	ConfigTraffic  = "traffic"
	ConfigMapping  = "mapping"
	ConfigEndpoint = "endpoint"
	ConfigProxy    = "proxy"
)
