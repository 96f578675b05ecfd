// Package session implements the session fabric: DPSESSION cookie
// issuance across monitored domains, rule-driven identity resolution,
// hash-chained tracking of upstream session tokens, and replay-mode
// token substitution.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dproxy-io/dproxy/internal/domain/matching"
	"github.com/dproxy-io/dproxy/internal/domain/pipeline"
	"github.com/dproxy-io/dproxy/internal/domain/record"
	"github.com/dproxy-io/dproxy/internal/domain/trafficcfg"
)

// CookieName is the proxy's session cookie.
const CookieName = "DPSESSION"

// DefaultExpiry is the default session lifetime.
const DefaultExpiry = 24 * time.Hour

// Session rule value sources.
const (
	SourceBody   = "body"
	SourceHeader = "header"
	SourceQuery  = "query"
	SourceCookie = "cookie"
)

// Update rule types.
const (
	UpdateCookie = "cookie"
	UpdateAuth   = "auth"
)

const lockStripes = 64

// Resolution describes how a request's identity was established.
type Resolution struct {
	Session *record.Session
	// ViaCookie is true when the DPSESSION cookie itself resolved the
	// session; false resolutions trigger cross-domain projection.
	ViaCookie bool
}

// Fabric correlates client identity across domains and modes. It is safe
// for concurrent use; hash appends to the same session are serialized
// through striped locks.
type Fabric struct {
	sessions record.SessionStore
	users    record.UserStore
	config   *trafficcfg.Manager
	signer   *ReplaySigner
	logger   *slog.Logger
	expiry   time.Duration

	locks [lockStripes]sync.Mutex
}

// NewFabric creates a session fabric. A zero expiry selects the default
// 24-hour lifetime.
func NewFabric(sessions record.SessionStore, users record.UserStore, config *trafficcfg.Manager, expiry time.Duration, logger *slog.Logger) *Fabric {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Fabric{
		sessions: sessions,
		users:    users,
		config:   config,
		signer:   NewReplaySigner(expiry),
		logger:   logger,
		expiry:   expiry,
	}
}

// Signer exposes the replay token signer.
func (f *Fabric) Signer() *ReplaySigner {
	return f.signer
}

// HashToken returns the hex SHA-256 digest of a raw upstream token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Resolve establishes the identity behind a request. Resolution order:
// DPSESSION cookie, then cookie-type update rules against the upstream
// hash chain, then the bearer token against the oauth hash chain. A nil
// Session means the request is anonymous.
func (f *Fabric) Resolve(ctx context.Context, req *pipeline.RequestContext) Resolution {
	if token := readCookie(req.Current.Header, CookieName); token != "" {
		sess, err := f.sessions.GetByPSession(ctx, token)
		if err == nil && !sess.IsExpired() {
			f.touch(ctx, sess)
			return Resolution{Session: sess, ViaCookie: true}
		}
		if err != nil && !errors.Is(err, record.ErrNotFound) {
			f.logger.Warn("session lookup failed", "error", err)
		}
	}

	for _, rule := range f.config.SessionRules().Update {
		if rule.Type != UpdateCookie {
			continue
		}
		raw := readCookie(req.Current.Header, rule.Key)
		if raw == "" {
			continue
		}
		sess, err := f.sessions.GetByUpstreamHash(ctx, HashToken(raw))
		if err == nil && !sess.IsExpired() {
			f.touch(ctx, sess)
			return Resolution{Session: sess}
		}
		if err != nil && !errors.Is(err, record.ErrNotFound) {
			f.logger.Warn("upstream hash lookup failed", "error", err)
		}
	}

	if bearer := bearerToken(req.Current.Header); bearer != "" {
		sess, err := f.sessions.GetByOAuthHash(ctx, HashToken(bearer))
		if err == nil && !sess.IsExpired() {
			f.touch(ctx, sess)
			return Resolution{Session: sess}
		}
		if err != nil && !errors.Is(err, record.ErrNotFound) {
			f.logger.Warn("oauth hash lookup failed", "error", err)
		}
	}

	return Resolution{}
}

func (f *Fabric) touch(ctx context.Context, sess *record.Session) {
	if err := f.sessions.TouchActivity(ctx, sess.ID, time.Now()); err != nil {
		f.logger.Warn("session touch failed", "session_id", sess.ID, "error", err)
	}
}

// ObserveResponse runs the create and update session rules against a
// completed exchange and handles cross-domain cookie projection. The
// returned session is non-nil when one was created.
func (f *Fabric) ObserveResponse(ctx context.Context, req *pipeline.RequestContext, resp *pipeline.ResponseContext, res Resolution) *record.Session {
	created := f.maybeCreate(ctx, req, resp)
	active := res.Session
	if created != nil {
		active = created
	}

	if active != nil {
		f.applyUpdates(ctx, req, resp, active)
	}

	// Identity resolved through a hash chain but no DPSESSION presented:
	// project a cookie for the inbound domain so the client presents it
	// on the next request.
	if created == nil && active != nil && !res.ViaCookie {
		host := stripPort(req.Current.Host)
		resp.AddCookie(f.CookieString(active.PSession, host, f.config.IsSecureDomain(host)))
	}
	return created
}

// maybeCreate evaluates create rules and, on the first match, creates a
// user and session and emits DPSESSION cookies for every monitored
// domain.
func (f *Fabric) maybeCreate(ctx context.Context, req *pipeline.RequestContext, resp *pipeline.ResponseContext) *record.Session {
	for _, rule := range f.config.SessionRules().Create {
		if !ruleCovers(rule, req.Current.Method, req.Current.Path) {
			continue
		}
		identifier := extractRequestValue(rule, &req.Current)
		if identifier == "" {
			continue
		}

		user, err := f.users.GetOrCreateUser(ctx, identifier)
		if err != nil {
			f.logger.Error("user get-or-create failed", "identifier", identifier, "error", err)
			return nil
		}

		now := time.Now()
		sess := &record.Session{
			UserID:         &user.ID,
			PSession:       uuid.NewString(),
			DeviceName:     req.Current.Header.Get("X-Device-Name"),
			DeviceOS:       req.Current.Header.Get("X-Device-OS"),
			CreatedAt:      now,
			ExpiresAt:      now.Add(f.expiry),
			LastActivityAt: now,
		}
		if err := f.sessions.CreateSession(ctx, sess); err != nil {
			f.logger.Error("session create failed", "error", err)
			return nil
		}

		for _, d := range f.config.MonitoredDomains() {
			resp.AddCookie(f.CookieString(sess.PSession, domainLiteral(d), d.Secure))
		}
		f.logger.Info("session created",
			"session_id", sess.ID, "user_id", user.ID, "endpoint", req.Current.Path)
		return sess
	}
	return nil
}

// applyUpdates extracts rotated upstream tokens from a response per the
// update rules and appends their hashes to the session's chains.
func (f *Fabric) applyUpdates(ctx context.Context, req *pipeline.RequestContext, resp *pipeline.ResponseContext, sess *record.Session) {
	for _, rule := range f.config.SessionRules().Update {
		if !ruleCovers(rule, req.Current.Method, req.Current.Path) {
			continue
		}
		raw := extractResponseValue(rule, resp)
		if raw == "" {
			continue
		}
		hash := HashToken(raw)

		lock := &f.locks[sess.ID%lockStripes]
		lock.Lock()
		var err error
		switch rule.Type {
		case UpdateCookie:
			err = f.sessions.AppendUpstreamHash(ctx, sess.ID, hash, raw)
		case UpdateAuth:
			err = f.sessions.AppendOAuthHash(ctx, sess.ID, hash, raw)
		}
		lock.Unlock()
		if err != nil {
			f.logger.Warn("session hash append failed",
				"session_id", sess.ID, "type", rule.Type, "error", err)
		}
	}
}

// RewriteReplay substitutes stored session tokens in a replayed response
// with freshly synthesized ones, so the client sees a self-consistent
// identity. Only endpoints matching an update rule are touched.
func (f *Fabric) RewriteReplay(req *pipeline.RequestContext, resp *pipeline.ResponseContext, sess *record.Session) {
	if sess == nil || sess.UserID == nil {
		return
	}
	for _, rule := range f.config.SessionRules().Update {
		if !ruleCovers(rule, req.Current.Method, req.Current.Path) {
			continue
		}
		switch rule.Type {
		case UpdateAuth:
			token, err := f.signer.Sign(*sess.UserID, sess.ID)
			if err != nil {
				f.logger.Warn("replay token signing failed", "error", err)
				continue
			}
			if body, ok := setJSONPath(resp.Body, rule.Key, token); ok {
				resp.Body = body
				resp.Header.Del("Content-Length")
			}
		case UpdateCookie:
			rewriteSetCookie(resp.Header, rule.Key, uuid.NewString())
		}
	}
}

// CookieString renders one DPSESSION Set-Cookie value for a domain.
func (f *Fabric) CookieString(token, domain string, secure bool) string {
	var b strings.Builder
	b.WriteString(CookieName)
	b.WriteString("=")
	b.WriteString(token)
	b.WriteString("; Domain=")
	b.WriteString(domain)
	b.WriteString("; Path=/; ")
	if secure {
		b.WriteString("Secure; ")
	}
	b.WriteString("HttpOnly; SameSite=None")
	return b.String()
}

// ruleCovers reports whether a session rule's method and endpoint cover
// the request. Endpoint patterns use the glob form (":name" segments and
// "*" wildcards).
func ruleCovers(rule trafficcfg.SessionRule, method, path string) bool {
	if rule.Method != "" && rule.Method != "*" && !strings.EqualFold(rule.Method, method) {
		return false
	}
	re, err := matching.CompilePattern(rule.Endpoint, false)
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

// extractRequestValue pulls the create-rule identifier from a request.
func extractRequestValue(rule trafficcfg.SessionRule, snap *pipeline.RequestSnapshot) string {
	var raw string
	switch rule.Source {
	case SourceBody:
		v, ok := matching.LookupJSONPath(snap.Body, rule.Key)
		if !ok {
			return ""
		}
		raw = fmt.Sprintf("%v", v)
	case SourceHeader:
		raw = snap.Header.Get(rule.Key)
	case SourceQuery:
		raw = snap.Query.Get(rule.Key)
	case SourceCookie:
		raw = readCookie(snap.Header, rule.Key)
	}
	return applyPattern(rule.Pattern, raw)
}

// extractResponseValue pulls the rotated token from a response per an
// update rule: Set-Cookie values for cookie rules, a body JSON path for
// auth rules.
func extractResponseValue(rule trafficcfg.SessionRule, resp *pipeline.ResponseContext) string {
	switch rule.Type {
	case UpdateCookie:
		for _, sc := range resp.Header.Values("Set-Cookie") {
			if name, value, ok := parseSetCookie(sc); ok && name == rule.Key {
				return applyPattern(rule.Pattern, value)
			}
		}
	case UpdateAuth:
		v, ok := matching.LookupJSONPath(resp.Body, rule.Key)
		if !ok {
			return ""
		}
		if s, ok := v.(string); ok {
			return applyPattern(rule.Pattern, s)
		}
	}
	return ""
}

func applyPattern(pattern, raw string) string {
	if raw == "" || pattern == "" {
		return raw
	}
	re, err := matching.CompilePattern(pattern, true)
	if err != nil {
		return ""
	}
	sub := re.FindStringSubmatch(raw)
	if sub == nil {
		return ""
	}
	if len(sub) > 1 {
		return sub[1]
	}
	return sub[0]
}

// readCookie finds a cookie by name in a raw header map without an
// *http.Request.
func readCookie(h http.Header, name string) string {
	for _, line := range h.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && k == name {
				return v
			}
		}
	}
	return ""
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// parseSetCookie splits the name=value pair off a Set-Cookie line.
func parseSetCookie(sc string) (name, value string, ok bool) {
	first := sc
	if i := strings.Index(sc, ";"); i != -1 {
		first = sc[:i]
	}
	name, value, ok = strings.Cut(strings.TrimSpace(first), "=")
	return
}

// rewriteSetCookie replaces the value of a named cookie across all
// Set-Cookie headers, preserving attributes.
func rewriteSetCookie(h http.Header, name, newValue string) {
	values := h.Values("Set-Cookie")
	if len(values) == 0 {
		return
	}
	out := make([]string, 0, len(values))
	for _, sc := range values {
		n, _, ok := parseSetCookie(sc)
		if !ok || n != name {
			out = append(out, sc)
			continue
		}
		rest := ""
		if i := strings.Index(sc, ";"); i != -1 {
			rest = sc[i:]
		}
		out = append(out, name+"="+newValue+rest)
	}
	h.Del("Set-Cookie")
	for _, sc := range out {
		h.Add("Set-Cookie", sc)
	}
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}

// domainLiteral reduces a stored domain pattern to a cookie Domain
// attribute: escapes are unwrapped and wildcard prefixes dropped.
func domainLiteral(d trafficcfg.DomainRule) string {
	s := d.Pattern.String()
	s = strings.TrimPrefix(s, "(?i)")
	s = strings.ReplaceAll(s, `\.`, ".")
	s = strings.TrimPrefix(s, ".*")
	s = strings.TrimPrefix(s, "^")
	s = strings.TrimSuffix(s, "$")
	return s
}

// setJSONPath replaces the value at a dot path in a JSON document,
// returning the re-encoded document. The document is returned unchanged
// when the path does not resolve to an object member.
func setJSONPath(doc []byte, path, value string) ([]byte, bool) {
	var root map[string]any
	if err := json.Unmarshal(doc, &root); err != nil {
		return doc, false
	}
	parts := strings.Split(path, ".")
	cur := root
	for i, part := range parts {
		if i == len(parts)-1 {
			if _, ok := cur[part]; !ok {
				return doc, false
			}
			cur[part] = value
			break
		}
		next, ok := cur[part].(map[string]any)
		if !ok {
			return doc, false
		}
		cur = next
	}
	out, err := json.Marshal(root)
	if err != nil {
		return doc, false
	}
	return out, true
}
