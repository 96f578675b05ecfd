// Package pipeline defines the per-request processing contexts and the
// priority-ordered interceptor chain that enriches them before and after
// the mode handler runs.
package pipeline

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Response sources.
const (
	SourceUpstream   = "upstream"
	SourceRecording  = "recording"
	SourceReplay     = "replay"
	SourceReplayMiss = "replay-miss"
	SourceError      = "error"
)

// RequestSnapshot is one immutable-by-convention view of an inbound
// request. Original keeps the form the client sent; Current is the
// writable copy interceptors mutate.
type RequestSnapshot struct {
	Method     string
	Scheme     string
	Host       string
	Path       string
	Query      url.Values
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

// Clone returns a deep copy of the snapshot.
func (s *RequestSnapshot) Clone() RequestSnapshot {
	c := *s
	c.Query = make(url.Values, len(s.Query))
	for k, v := range s.Query {
		c.Query[k] = append([]string(nil), v...)
	}
	c.Header = s.Header.Clone()
	c.Body = append([]byte(nil), s.Body...)
	return c
}

// Metadata is the string bag threaded through the chain. Fields are
// filled by request interceptors and read by the mode handlers.
type Metadata struct {
	UserID         string
	SessionID      string
	AppVersion     string
	AppPlatform    string
	AppEnvironment string
	AppLanguage    string
	Mode           string
	RequestID      string
	HasJWT         bool
}

// RequestContext carries one request through the pipeline. It is owned by
// the goroutine serving the connection and never shared.
type RequestContext struct {
	Original  RequestSnapshot
	Current   RequestSnapshot
	Meta      Metadata
	Monitored bool
	StartedAt time.Time
}

// NewRequestContext snapshots an inbound request. The body must already
// be fully read; r.Body is not consumed here.
func NewRequestContext(r *http.Request, body []byte, requestID string) *RequestContext {
	scheme := r.URL.Scheme
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	snap := RequestSnapshot{
		Method:     r.Method,
		Scheme:     scheme,
		Host:       host,
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Header:     r.Header.Clone(),
		Body:       body,
		RemoteAddr: r.RemoteAddr,
	}
	return &RequestContext{
		Original:  snap,
		Current:   snap.Clone(),
		Meta:      Metadata{RequestID: requestID},
		StartedAt: time.Now(),
	}
}

// ResponseContext carries the response until it is serialized. Header
// values are multi-valued; Set-Cookie entries in particular are never
// joined.
type ResponseContext struct {
	Status    int
	Header    http.Header
	Body      []byte
	Latency   time.Duration
	Source    string
	TargetURL string
	RequestID string
}

// NewResponseContext returns an empty response context for a request.
func NewResponseContext(requestID string) *ResponseContext {
	return &ResponseContext{
		Status:    http.StatusOK,
		Header:    make(http.Header),
		RequestID: requestID,
	}
}

// IsJSON reports whether the response carries a JSON content type.
func (rc *ResponseContext) IsJSON() bool {
	ct := rc.Header.Get("Content-Type")
	if i := strings.Index(ct, ";"); i != -1 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct)) == "application/json"
}

// LooksStructured reports whether the body begins like a JSON value.
// Used by the JSON response interceptor to default the content type.
func (rc *ResponseContext) LooksStructured() bool {
	for _, b := range rc.Body {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}

// AddCookie appends a Set-Cookie header without disturbing existing ones.
func (rc *ResponseContext) AddCookie(cookie string) {
	rc.Header.Add("Set-Cookie", cookie)
}
