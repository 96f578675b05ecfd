// Package trafficcfg compiles the stored monitor, domain, mapping,
// endpoint-classification and replay policy rules into an immutable
// snapshot safe for hot-path reads. Refreshing builds a whole new
// snapshot and swaps it atomically; readers never see a partial update.
package trafficcfg

import (
	"regexp"
)

// Value sources for monitor and mapping rules.
const (
	SourceHeader = "header"
	SourceQuery  = "query"
)

// Replay latency modes.
const (
	LatencyInstant = "instant"
	LatencyAverage = "average"
	LatencyFixed   = "fixed"
	LatencyRandom  = "random"
)

// trafficJSON is the stored shape of the "traffic" config row.
type trafficJSON struct {
	Monitor struct {
		Source  string `json:"source"`
		Key     string `json:"key"`
		Pattern string `json:"pattern"`
	} `json:"monitor"`
	Domains []struct {
		Domain string `json:"domain"`
		Secure bool   `json:"secure"`
	} `json:"domains"`
}

// mappingJSON is the stored shape of the "mapping" config row: one rule
// per mapped field. A pattern's first capture group, when present,
// becomes the extracted value.
type mappingJSON map[string]struct {
	Source  string `json:"source"`
	Key     string `json:"key"`
	Pattern string `json:"pattern"`
}

// endpointJSON is the stored shape of the "endpoint" config row.
type endpointJSON struct {
	Types []struct {
		Name     string   `json:"name"`
		Patterns []string `json:"patterns"`
		Priority int      `json:"priority"`
	} `json:"types"`
	Fallback string `json:"fallback"`
	Tags     []struct {
		Name    string `json:"name"`
		Pattern string `json:"pattern"`
		Color   string `json:"color"`
	} `json:"tags"`
}

// ProxyConfig is the stored shape of the "proxy" config row. It carries
// the persisted mode, the replay latency policy, and the session rules.
type ProxyConfig struct {
	Mode         string       `json:"mode"`
	ReplayLat    ReplaySpec   `json:"replayLatency"`
	SessionRules SessionRules `json:"session"`
}

// ReplaySpec describes how replay latency is shaped.
type ReplaySpec struct {
	Type  string `json:"type"`
	Value int64  `json:"value"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

// SessionRule declares when to create a session or how to extract a
// rotated upstream token. Source selects body, header, or query; Key is
// the field, header name, or cookie name; Pattern optionally narrows the
// value via its first capture group.
type SessionRule struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Type     string `json:"type"` // update rules: "cookie" or "auth"
	Source   string `json:"source"`
	Key      string `json:"key"`
	Pattern  string `json:"pattern"`
}

// SessionRules groups the create and update rule lists.
type SessionRules struct {
	Create []SessionRule `json:"create"`
	Update []SessionRule `json:"update"`
}

// MonitorRule is the compiled monitor predicate.
type MonitorRule struct {
	Source  string
	Key     string
	Pattern *regexp.Regexp
}

// DomainRule is one compiled monitored-domain entry.
type DomainRule struct {
	Pattern *regexp.Regexp
	Secure  bool
}

// MappingRule is one compiled dimension extraction rule.
type MappingRule struct {
	Source  string
	Key     string
	Pattern *regexp.Regexp // nil means take the raw value
}

// EndpointType is one compiled classification entry. Lower priority
// values are evaluated first.
type EndpointType struct {
	Name     string
	Patterns []*regexp.Regexp
	Priority int
}

// EndpointTag is a compiled display tag.
type EndpointTag struct {
	Name    string
	Pattern *regexp.Regexp
	Color   string
}

// Snapshot is one immutable compiled configuration generation.
type Snapshot struct {
	Monitor       *MonitorRule // nil when no valid monitor rule exists
	Domains       []DomainRule
	Mappings      map[string]MappingRule
	EndpointTypes []EndpointType
	Fallback      string
	Tags          []EndpointTag
	Proxy         ProxyConfig
}
