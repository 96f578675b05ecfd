package session

import (
	"math/rand"
	"time"

	"github.com/dproxy-io/dproxy/internal/domain/trafficcfg"
)

// Fixed-latency bounds in milliseconds.
const (
	minFixedLatencyMs = 5
	maxFixedLatencyMs = 30000
)

// ReplayDelay computes the delay to apply before serving a replayed
// response. recordedMs is the latency captured with the record, used by
// the "average" policy.
func ReplayDelay(spec trafficcfg.ReplaySpec, recordedMs int64) time.Duration {
	switch spec.Type {
	case trafficcfg.LatencyFixed:
		v := spec.Value
		if v < minFixedLatencyMs {
			v = minFixedLatencyMs
		}
		if v > maxFixedLatencyMs {
			v = maxFixedLatencyMs
		}
		return time.Duration(v) * time.Millisecond
	case trafficcfg.LatencyRandom:
		lo, hi := spec.Start, spec.End
		if hi < lo {
			lo, hi = hi, lo
		}
		if lo < 0 {
			lo = 0
		}
		if hi == lo {
			return time.Duration(lo) * time.Millisecond
		}
		return time.Duration(lo+rand.Int63n(hi-lo+1)) * time.Millisecond
	case trafficcfg.LatencyAverage:
		if recordedMs < 0 {
			recordedMs = 0
		}
		return time.Duration(recordedMs) * time.Millisecond
	default:
		return 0
	}
}
