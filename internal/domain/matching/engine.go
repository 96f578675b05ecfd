package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dproxy-io/dproxy/internal/domain/record"
)

// Strategy names reported in match results.
const (
	StrategyExact          = "exact"
	StrategyVersionClosest = "version_closest"
	StrategyLanguageEn     = "language_en"
	StrategyLanguageAny    = "language_any"
	StrategyPlatformAny    = "platform_any"
	StrategyAllFallback    = "all_fallback"
)

// Input is the request view the engine matches against the store.
// Query preserves original key casing; Header is the raw header map.
type Input struct {
	UserID      *int64
	Method      string
	Path        string
	Query       map[string]string
	Header      map[string][]string
	Body        []byte
	Version     string
	Platform    string
	Environment string
	Language    string
}

// Result is one successful match.
type Result struct {
	Pair     record.Pair
	Strategy string
	RuleID   int64 // zero when the default directives applied
}

// directives are the effective dimension directives for a lookup, either
// from the selected rule or the defaults (everything exact, 2xx).
type directives struct {
	ruleID       int64
	version      int
	language     int
	platform     int
	environment  string
	status       record.StatusClass
	matchQuery   []string
	matchHeaders []string
	matchBody    []string
}

var defaultDirectives = directives{
	version:     record.MatchExact,
	language:    record.MatchExact,
	platform:    record.MatchExact,
	environment: "exact",
	status:      "2xx",
}

// Engine finds the best recorded response for a request. It is stateless
// and safe for concurrent use; determinism comes from the store's
// updated_at ordering plus the stable sorts applied here.
type Engine struct {
	requests record.RequestStore
	config   record.ConfigStore
	logger   *slog.Logger
}

// NewEngine creates a matching engine over the given stores.
func NewEngine(requests record.RequestStore, config record.ConfigStore, logger *slog.Logger) *Engine {
	return &Engine{requests: requests, config: config, logger: logger}
}

// FindMatch returns the best recorded pair for the input, or nil when no
// strategy yields a candidate. mode is "replay" or "recording" and
// selects which rules apply.
func (e *Engine) FindMatch(ctx context.Context, in Input, mode string) (*Result, error) {
	rules, err := e.config.ListMatchRules(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("list match rules: %w", err)
	}

	dir := e.selectDirectives(rules, in)

	for _, st := range e.buildStrategies(in, dir) {
		candidates, err := e.requests.FindCandidates(ctx, e.buildQuery(in, dir, st))
		if err != nil {
			return nil, fmt.Errorf("find candidates (%s): %w", st.name, err)
		}
		candidates = e.applyFilters(in, dir, st, candidates)
		if len(candidates) > 0 {
			return &Result{Pair: candidates[0], Strategy: st.name, RuleID: dir.ruleID}, nil
		}
	}
	return nil, nil
}

// BodyFields returns the match_body field list of the rule covering the
// input for the given mode, or nil when no rule applies. The recording
// handler uses it to pick which existing row a re-capture updates.
func (e *Engine) BodyFields(ctx context.Context, in Input, mode string) ([]string, error) {
	rules, err := e.config.ListMatchRules(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("list match rules: %w", err)
	}
	return e.selectDirectives(rules, in).matchBody, nil
}

// selectDirectives picks the first enabled rule whose method and endpoint
// pattern cover the input, falling back to the defaults.
func (e *Engine) selectDirectives(rules []record.MatchRule, in Input) directives {
	for _, r := range rules {
		if r.HTTPMethod != "*" && !strings.EqualFold(r.HTTPMethod, in.Method) {
			continue
		}
		re, err := CompilePattern(r.EndpointPattern, r.Regex)
		if err != nil {
			e.logger.Warn("invalid endpoint pattern in matching rule, skipping",
				"rule_id", r.ID, "pattern", r.EndpointPattern, "error", err)
			continue
		}
		if !re.MatchString(in.Path) {
			continue
		}
		d := directives{
			ruleID:       r.ID,
			version:      r.MatchVersion,
			language:     r.MatchLanguage,
			platform:     r.MatchPlatform,
			environment:  r.MatchEnv,
			status:       record.StatusClass(r.MatchStatus),
			matchQuery:   r.MatchQuery,
			matchHeaders: r.MatchHeaders,
			matchBody:    r.MatchBody,
		}
		if d.environment == "" {
			d.environment = "exact"
		}
		if d.status == "" {
			d.status = "2xx"
		}
		return d
	}
	return defaultDirectives
}

// strategy is one relaxation step. Nil filters place no constraint.
type strategy struct {
	name        string
	version     *string
	language    *string
	platform    *string
	sortClosest bool
}

func (s strategy) signature() string {
	f := func(p *string) string {
		if p == nil {
			return "\x00"
		}
		return *p
	}
	return f(s.version) + "|" + f(s.language) + "|" + f(s.platform)
}

// buildStrategies assembles the ordered relaxation list for the input.
func (e *Engine) buildStrategies(in Input, dir directives) []strategy {
	v, l, p := in.Version, in.Language, in.Platform

	// Version filter used by strategies that allow version fallback.
	fallbackVersion := &v
	sortClosest := false
	if dir.version == record.MatchFallback {
		fallbackVersion = nil
		sortClosest = true
	}

	out := []strategy{{name: StrategyExact, version: &v, language: &l, platform: &p}}

	if dir.version == record.MatchFallback {
		out = append(out, strategy{
			name: StrategyVersionClosest, language: &l, platform: &p, sortClosest: true,
		})
	}
	if dir.language == record.MatchFallback && !strings.EqualFold(l, "en") {
		en := "en"
		out = append(out, strategy{
			name: StrategyLanguageEn, version: fallbackVersion, language: &en,
			platform: &p, sortClosest: sortClosest,
		})
	}
	if dir.language == record.MatchFallback {
		out = append(out, strategy{
			name: StrategyLanguageAny, version: fallbackVersion,
			platform: &p, sortClosest: sortClosest,
		})
	}
	if dir.platform == record.MatchFallback {
		out = append(out, strategy{
			name: StrategyPlatformAny, version: &v, language: &l,
		})
	}

	all := strategy{name: StrategyAllFallback, version: &v, language: &l, platform: &p}
	if dir.version == record.MatchFallback {
		all.version = nil
		all.sortClosest = true
	}
	if dir.language == record.MatchFallback {
		all.language = nil
	}
	if dir.platform == record.MatchFallback {
		all.platform = nil
	}
	seen := make(map[string]bool, len(out))
	for _, st := range out {
		seen[st.signature()] = true
	}
	if !seen[all.signature()] {
		out = append(out, all)
	}
	return out
}

// buildQuery composes the base store predicate for one strategy.
func (e *Engine) buildQuery(in Input, dir directives, st strategy) record.CandidateQuery {
	endpointType := record.EndpointPublic
	if in.UserID != nil {
		endpointType = record.EndpointSecure
	}
	q := record.CandidateQuery{
		UserID:       in.UserID,
		Method:       in.Method,
		Path:         in.Path,
		EndpointType: endpointType,
		Status:       dir.status,
		Version:      st.version,
		Language:     st.language,
		Platform:     st.platform,
	}
	if dir.environment == "exact" {
		if in.Environment != "" {
			env := in.Environment
			q.Environment = &env
		}
	} else {
		env := dir.environment
		q.Environment = &env
	}
	return q
}

// applyFilters runs the post-SQL filters and reorderings on a candidate
// set, preserving updated_at order except where the rules reorder.
func (e *Engine) applyFilters(in Input, dir directives, st strategy, candidates []record.Pair) []record.Pair {
	// Query parameters: full normalized equality, or required-key match
	// with optional-key scoring.
	if dir.matchQuery == nil {
		want := NormalizeQuery(in.Query)
		kept := candidates[:0]
		for _, c := range candidates {
			if NormalizeQuery(c.Request.QueryParams) == want {
				kept = append(kept, c)
			}
		}
		candidates = kept
	} else {
		kept := candidates[:0]
		for _, c := range candidates {
			if requiredQueryMatch(in.Query, c.Request.QueryParams, dir.matchQuery) {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	// Headers: every listed header must match in value.
	if len(dir.matchHeaders) > 0 {
		kept := candidates[:0]
		for _, c := range candidates {
			if headerMatch(in.Header, c.Request.RequestHeaders, dir.matchHeaders) {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	// Reorderings, weakest first so later stable sorts dominate.
	if st.sortClosest {
		want := ParseVersion(in.Version)
		sort.SliceStable(candidates, func(i, j int) bool {
			di := ParseVersion(candidates[i].Request.AppVersion).Distance(want)
			dj := ParseVersion(candidates[j].Request.AppVersion).Distance(want)
			return di < dj
		})
	}
	if dir.matchQuery != nil {
		scores := make([]int, len(candidates))
		for i, c := range candidates {
			scores[i] = optionalQueryScore(in.Query, c.Request.QueryParams, dir.matchQuery)
		}
		idx := identity(len(candidates))
		sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
		candidates = reorder(candidates, idx)
	}
	if len(dir.matchBody) > 0 {
		scores := make([]bodyScore, len(candidates))
		for i, c := range candidates {
			scores[i] = scoreBody(in.Body, c.Request.RequestBody, dir.matchBody)
		}
		idx := identity(len(candidates))
		sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]].better(scores[idx[b]]) })
		candidates = reorder(candidates, idx)
	}
	return candidates
}

func identity(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func reorder(pairs []record.Pair, idx []int) []record.Pair {
	out := make([]record.Pair, len(pairs))
	for i, j := range idx {
		out[i] = pairs[j]
	}
	return out
}
