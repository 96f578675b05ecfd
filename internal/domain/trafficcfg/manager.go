package trafficcfg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"sync/atomic"

	"github.com/dproxy-io/dproxy/internal/domain/record"
)

// MappedFields lists the dimension fields the mapping config may bind.
var MappedFields = []string{
	"appVersion", "appPlatform", "appEnvironment", "appLanguage",
	"correlationId", "traceabilityId",
}

// Manager owns the compiled snapshot. All accessors read the current
// snapshot through an atomic pointer; RefreshAll builds a replacement
// from the store and swaps it in.
type Manager struct {
	store  record.ConfigStore
	snap   atomic.Pointer[Snapshot]
	logger *slog.Logger
}

// NewManager creates a Manager with an empty snapshot. Call RefreshAll
// before serving traffic.
func NewManager(store record.ConfigStore, logger *slog.Logger) *Manager {
	m := &Manager{store: store, logger: logger}
	m.snap.Store(&Snapshot{Fallback: record.EndpointPublic})
	return m
}

// RefreshAll reloads every config row, compiles it, and atomically
// replaces the prior snapshot. Individual invalid patterns are logged
// and skipped; they never abort the refresh.
func (m *Manager) RefreshAll(ctx context.Context) error {
	next := &Snapshot{
		Mappings: make(map[string]MappingRule),
		Fallback: record.EndpointPublic,
	}

	if err := m.loadTraffic(ctx, next); err != nil {
		return err
	}
	if err := m.loadMapping(ctx, next); err != nil {
		return err
	}
	if err := m.loadEndpoint(ctx, next); err != nil {
		return err
	}
	if err := m.loadProxy(ctx, next); err != nil {
		return err
	}

	m.snap.Store(next)
	m.logger.Info("traffic configuration refreshed",
		"monitor", next.Monitor != nil,
		"domains", len(next.Domains),
		"mappings", len(next.Mappings),
		"endpoint_types", len(next.EndpointTypes),
	)
	return nil
}

// Snapshot returns the current compiled configuration generation.
func (m *Manager) Snapshot() *Snapshot {
	return m.snap.Load()
}

func (m *Manager) loadTraffic(ctx context.Context, next *Snapshot) error {
	row, err := m.store.GetConfig(ctx, record.ConfigTraffic)
	if errors.Is(err, record.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load traffic config: %w", err)
	}
	var cfg trafficJSON
	if err := json.Unmarshal(row.Config, &cfg); err != nil {
		m.logger.Warn("traffic config is not valid JSON, skipping", "error", err)
		return nil
	}
	if cfg.Monitor.Key != "" {
		re, err := compile(cfg.Monitor.Pattern)
		if err != nil {
			m.logger.Warn("invalid monitor pattern, monitoring disabled",
				"pattern", cfg.Monitor.Pattern, "error", err)
		} else {
			next.Monitor = &MonitorRule{
				Source:  cfg.Monitor.Source,
				Key:     cfg.Monitor.Key,
				Pattern: re,
			}
		}
	}
	for _, d := range cfg.Domains {
		re, err := compile(d.Domain)
		if err != nil {
			m.logger.Warn("invalid domain pattern, skipping", "pattern", d.Domain, "error", err)
			continue
		}
		next.Domains = append(next.Domains, DomainRule{Pattern: re, Secure: d.Secure})
	}
	return nil
}

func (m *Manager) loadMapping(ctx context.Context, next *Snapshot) error {
	row, err := m.store.GetConfig(ctx, record.ConfigMapping)
	if errors.Is(err, record.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load mapping config: %w", err)
	}
	var cfg mappingJSON
	if err := json.Unmarshal(row.Config, &cfg); err != nil {
		m.logger.Warn("mapping config is not valid JSON, skipping", "error", err)
		return nil
	}
	for field, rule := range cfg {
		var re *regexp.Regexp
		if rule.Pattern != "" {
			var err error
			re, err = compile(rule.Pattern)
			if err != nil {
				m.logger.Warn("invalid mapping pattern, skipping field",
					"field", field, "pattern", rule.Pattern, "error", err)
				continue
			}
		}
		next.Mappings[field] = MappingRule{Source: rule.Source, Key: rule.Key, Pattern: re}
	}
	return nil
}

func (m *Manager) loadEndpoint(ctx context.Context, next *Snapshot) error {
	row, err := m.store.GetConfig(ctx, record.ConfigEndpoint)
	if errors.Is(err, record.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load endpoint config: %w", err)
	}
	var cfg endpointJSON
	if err := json.Unmarshal(row.Config, &cfg); err != nil {
		m.logger.Warn("endpoint config is not valid JSON, skipping", "error", err)
		return nil
	}
	if cfg.Fallback != "" {
		next.Fallback = cfg.Fallback
	}
	for _, t := range cfg.Types {
		et := EndpointType{Name: t.Name, Priority: t.Priority}
		for _, p := range t.Patterns {
			re, err := compile(p)
			if err != nil {
				m.logger.Warn("invalid endpoint type pattern, skipping",
					"type", t.Name, "pattern", p, "error", err)
				continue
			}
			et.Patterns = append(et.Patterns, re)
		}
		if len(et.Patterns) > 0 {
			next.EndpointTypes = append(next.EndpointTypes, et)
		}
	}
	sort.SliceStable(next.EndpointTypes, func(i, j int) bool {
		return next.EndpointTypes[i].Priority < next.EndpointTypes[j].Priority
	})
	for _, tag := range cfg.Tags {
		re, err := compile(tag.Pattern)
		if err != nil {
			m.logger.Warn("invalid tag pattern, skipping", "tag", tag.Name, "error", err)
			continue
		}
		next.Tags = append(next.Tags, EndpointTag{Name: tag.Name, Pattern: re, Color: tag.Color})
	}
	return nil
}

func (m *Manager) loadProxy(ctx context.Context, next *Snapshot) error {
	row, err := m.store.GetConfig(ctx, record.ConfigProxy)
	if errors.Is(err, record.ErrNotFound) {
		next.Proxy.ReplayLat = ReplaySpec{Type: LatencyInstant}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load proxy config: %w", err)
	}
	if err := json.Unmarshal(row.Config, &next.Proxy); err != nil {
		m.logger.Warn("proxy config is not valid JSON, skipping", "error", err)
	}
	if next.Proxy.ReplayLat.Type == "" {
		next.Proxy.ReplayLat.Type = LatencyInstant
	}
	return nil
}

// compile compiles a stored pattern case-insensitively.
func compile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}

// IsMonitoringEnabled reports whether a valid monitor rule is loaded.
func (m *Manager) IsMonitoringEnabled() bool {
	return m.Snapshot().Monitor != nil
}

// IsMonitoredRequest reports whether the monitor value is present in the
// configured source and matches the monitor pattern. A request is fully
// "monitored" only when its host also matches a monitored domain.
func (m *Manager) IsMonitoredRequest(header http.Header, query url.Values) bool {
	mon := m.Snapshot().Monitor
	if mon == nil {
		return false
	}
	var val string
	switch mon.Source {
	case SourceQuery:
		val = query.Get(mon.Key)
	default:
		val = header.Get(mon.Key)
	}
	return val != "" && mon.Pattern.MatchString(val)
}

// IsMonitoredDomain reports whether host matches any monitored domain.
func (m *Manager) IsMonitoredDomain(host string) bool {
	for _, d := range m.Snapshot().Domains {
		if d.Pattern.MatchString(host) {
			return true
		}
	}
	return false
}

// IsSecureDomain reports whether host matches a domain flagged secure.
func (m *Manager) IsSecureDomain(host string) bool {
	for _, d := range m.Snapshot().Domains {
		if d.Pattern.MatchString(host) {
			return d.Secure
		}
	}
	return false
}

// MonitoredDomains returns the raw patterns of all monitored domains with
// their secure flags, for cookie issuance across domains.
func (m *Manager) MonitoredDomains() []DomainRule {
	return m.Snapshot().Domains
}

// GetEndpointType classifies a path, returning the fallback type when no
// pattern matches.
func (m *Manager) GetEndpointType(path string) string {
	s := m.Snapshot()
	for _, et := range s.EndpointTypes {
		for _, re := range et.Patterns {
			if re.MatchString(path) {
				return et.Name
			}
		}
	}
	return s.Fallback
}

// IsSecureEndpoint reports whether the path classifies as "secure".
func (m *Manager) IsSecureEndpoint(path string) bool {
	return m.GetEndpointType(path) == record.EndpointSecure
}

// ExtractAllMappedValues resolves every mapped field against the request.
// Absent values come back as empty strings; the result always contains a
// key for every field in MappedFields.
func (m *Manager) ExtractAllMappedValues(header http.Header, query url.Values) map[string]string {
	s := m.Snapshot()
	out := make(map[string]string, len(MappedFields))
	for _, field := range MappedFields {
		out[field] = ""
		rule, ok := s.Mappings[field]
		if !ok {
			continue
		}
		var raw string
		switch rule.Source {
		case SourceQuery:
			raw = query.Get(rule.Key)
		default:
			raw = header.Get(rule.Key)
		}
		if raw == "" {
			continue
		}
		if rule.Pattern != nil {
			sub := rule.Pattern.FindStringSubmatch(raw)
			if sub == nil {
				continue
			}
			if len(sub) > 1 {
				out[field] = sub[1]
			} else {
				out[field] = sub[0]
			}
			continue
		}
		out[field] = raw
	}
	return out
}

// ReplayLatency returns the replay latency shaping policy.
func (m *Manager) ReplayLatency() ReplaySpec {
	return m.Snapshot().Proxy.ReplayLat
}

// SessionRules returns the compiled session create/update rule lists.
func (m *Manager) SessionRules() SessionRules {
	return m.Snapshot().Proxy.SessionRules
}

// EndpointPatterns returns the classification entries in priority order.
func (m *Manager) EndpointPatterns() []EndpointType {
	return m.Snapshot().EndpointTypes
}
