// Package matching implements the priority-ordered multi-strategy lookup
// that finds the best recorded response for an incoming request. The
// store serves the base predicate; dimension fallbacks, query-parameter
// scoring, header equality and body-field scoring are applied here.
package matching

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Version is a parsed semantic-ish app version. Missing or non-numeric
// parts parse as zero: "1.2" is (1,2,0).
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion parses up to three dot-separated numeric parts.
func ParseVersion(s string) Version {
	var v Version
	parts := strings.SplitN(s, ".", 3)
	nums := [3]*int{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		if i >= 3 {
			break
		}
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			continue
		}
		*nums[i] = n
	}
	return v
}

// Distance returns the weighted numeric distance between two versions:
// |dMajor|*10000 + |dMinor|*100 + |dPatch|.
func (v Version) Distance(o Version) int {
	return abs(v.Major-o.Major)*10000 + abs(v.Minor-o.Minor)*100 + abs(v.Patch-o.Patch)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// globMeta are the regexp metacharacters escaped during glob conversion.
const globMeta = `\.+()|[]{}^$?`

// GlobToRegexp converts a plain endpoint glob into an anchored regexp
// source. ":name" segments match one path segment; "*" matches anything.
func GlobToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch {
		case c == '*':
			b.WriteString(".*")
		case c == ':':
			// Consume the parameter name.
			j := i + 1
			for j < len(glob) && glob[j] != '/' {
				j++
			}
			b.WriteString(`[^/]+`)
			i = j - 1
		case strings.IndexByte(globMeta, c) != -1:
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteString("$")
	return b.String()
}

// CompilePattern compiles an endpoint pattern case-insensitively,
// converting from glob form unless the rule marks it as a full regex.
func CompilePattern(pattern string, isRegex bool) (*regexp.Regexp, error) {
	if isRegex {
		return regexp.Compile("(?i)" + pattern)
	}
	return regexp.Compile("(?i)" + GlobToRegexp(pattern))
}

// NormalizeQuery renders query parameters in canonical comparison form:
// keys lowercased and sorted, scalar values lowercased, joined as
// k=v pairs with "&". Empty values are preserved as "k=".
func NormalizeQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		pairs = append(pairs, strings.ToLower(k)+"="+strings.ToLower(v))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// NormalizeQueryValues is NormalizeQuery over url.Values-shaped input,
// using the first value of each key.
func NormalizeQueryValues(values map[string][]string) string {
	flat := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			flat[k] = v[0]
		} else {
			flat[k] = ""
		}
	}
	return NormalizeQuery(flat)
}
