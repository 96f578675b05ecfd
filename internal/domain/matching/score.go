package matching

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// LookupJSONPath resolves a dot path ("user.address.city", array indexes
// as numeric segments) inside a JSON document. The second return is false
// when the document does not parse or the path is absent.
func LookupJSONPath(doc []byte, path string) (any, bool) {
	if len(doc) == 0 || path == "" {
		return nil, false
	}
	var root any
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, false
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// bodyScore captures how well a candidate's recorded body matches the
// incoming body over a priority-ordered field list. For an N-element
// list the field at index i carries weight N-i; BestIndex is the lowest
// matching index (highest priority), which dominates comparisons.
type bodyScore struct {
	BestIndex int // lowest matched index; len(fields) when nothing matched
	Total     int // sum of matched weights
}

// scoreBody compares the incoming and recorded bodies over the rule's
// match_body field list.
func scoreBody(incoming, recorded []byte, fields []string) bodyScore {
	s := bodyScore{BestIndex: len(fields)}
	for i, f := range fields {
		want, okW := LookupJSONPath(incoming, f)
		got, okG := LookupJSONPath(recorded, f)
		if !okW || !okG || !reflect.DeepEqual(want, got) {
			continue
		}
		if i < s.BestIndex {
			s.BestIndex = i
		}
		s.Total += len(fields) - i
	}
	return s
}

// better reports whether s beats o: higher matched priority first, then
// total weight. Equal scores preserve the existing updated_at ordering.
func (s bodyScore) better(o bodyScore) bool {
	if s.BestIndex != o.BestIndex {
		return s.BestIndex < o.BestIndex
	}
	return s.Total > o.Total
}

// BestBodyIndex returns the index of the recorded body that best matches
// incoming over the given field list, scored the same way replay body
// preference works. With no fields or no bodies it returns 0.
func BestBodyIndex(incoming []byte, recorded [][]byte, fields []string) int {
	best := 0
	if len(fields) == 0 || len(recorded) < 2 {
		return best
	}
	bestScore := scoreBody(incoming, recorded[0], fields)
	for i := 1; i < len(recorded); i++ {
		s := scoreBody(incoming, recorded[i], fields)
		if s.better(bestScore) {
			best, bestScore = i, s
		}
	}
	return best
}

// Query parameter scoring for the match_query_params mode: +2 for an
// optional key present with a matching value, +1 for the key present
// with a different value.
const (
	queryValueMatch = 2
	queryKeyMatch   = 1
)

// lowerKeys returns a lowercase-keyed copy of a scalar param map.
func lowerKeys(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[strings.ToLower(k)] = v
	}
	return out
}

// requiredQueryMatch reports whether every required key matches between
// the incoming and recorded params, comparing keys and values
// case-insensitively.
func requiredQueryMatch(incoming, recorded map[string]string, required []string) bool {
	in := lowerKeys(incoming)
	rec := lowerKeys(recorded)
	for _, key := range required {
		k := strings.ToLower(key)
		iv, iok := in[k]
		rv, rok := rec[k]
		if !iok || !rok || !strings.EqualFold(iv, rv) {
			return false
		}
	}
	return true
}

// optionalQueryScore scores the keys not listed as required.
func optionalQueryScore(incoming, recorded map[string]string, required []string) int {
	requiredSet := make(map[string]bool, len(required))
	for _, k := range required {
		requiredSet[strings.ToLower(k)] = true
	}
	in := lowerKeys(incoming)
	rec := lowerKeys(recorded)
	score := 0
	for k, iv := range in {
		if requiredSet[k] {
			continue
		}
		rv, ok := rec[k]
		if !ok {
			continue
		}
		if strings.EqualFold(iv, rv) {
			score += queryValueMatch
		} else {
			score += queryKeyMatch
		}
	}
	return score
}

// headerMatch reports whether every listed header is equal
// case-insensitively between the request and the recorded headers.
func headerMatch(incoming map[string][]string, recorded map[string][]string, names []string) bool {
	for _, name := range names {
		iv := headerGet(incoming, name)
		rv := headerGet(recorded, name)
		if iv == "" || !strings.EqualFold(iv, rv) {
			return false
		}
	}
	return true
}

// headerGet performs a case-insensitive single-value header lookup over
// a raw header map (recorded headers do not go through http.Header
// canonicalization).
func headerGet(h map[string][]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
