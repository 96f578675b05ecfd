package session

import (
	"testing"
	"time"

	"github.com/dproxy-io/dproxy/internal/domain/trafficcfg"
)

func TestReplayDelayFixed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value int64
		want  time.Duration
	}{
		{120, 120 * time.Millisecond},
		{0, 5 * time.Millisecond},      // clamped up
		{1, 5 * time.Millisecond},      // clamped up
		{99999, 30 * time.Second},      // clamped down
		{30000, 30 * time.Second},      // at the cap
		{5, 5 * time.Millisecond},      // at the floor
	}
	for _, tc := range tests {
		got := ReplayDelay(trafficcfg.ReplaySpec{Type: trafficcfg.LatencyFixed, Value: tc.value}, 0)
		if got != tc.want {
			t.Errorf("ReplayDelay(fixed %d) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestReplayDelayRandom(t *testing.T) {
	t.Parallel()

	spec := trafficcfg.ReplaySpec{Type: trafficcfg.LatencyRandom, Start: 10, End: 20}
	for i := 0; i < 50; i++ {
		got := ReplayDelay(spec, 0)
		if got < 10*time.Millisecond || got > 20*time.Millisecond {
			t.Fatalf("ReplayDelay(random 10..20) = %v, out of range", got)
		}
	}

	// Inverted bounds are swapped, negative floor is clamped.
	inverted := trafficcfg.ReplaySpec{Type: trafficcfg.LatencyRandom, Start: 20, End: 10}
	if got := ReplayDelay(inverted, 0); got < 10*time.Millisecond || got > 20*time.Millisecond {
		t.Errorf("ReplayDelay(inverted bounds) = %v", got)
	}
	degenerate := trafficcfg.ReplaySpec{Type: trafficcfg.LatencyRandom, Start: 15, End: 15}
	if got := ReplayDelay(degenerate, 0); got != 15*time.Millisecond {
		t.Errorf("ReplayDelay(degenerate range) = %v, want 15ms", got)
	}
}

func TestReplayDelayAverage(t *testing.T) {
	t.Parallel()

	if got := ReplayDelay(trafficcfg.ReplaySpec{Type: trafficcfg.LatencyAverage}, 340); got != 340*time.Millisecond {
		t.Errorf("ReplayDelay(average, 340) = %v", got)
	}
	if got := ReplayDelay(trafficcfg.ReplaySpec{Type: trafficcfg.LatencyAverage}, -1); got != 0 {
		t.Errorf("ReplayDelay(average, -1) = %v, want 0", got)
	}
}

func TestReplayDelayInstant(t *testing.T) {
	t.Parallel()

	if got := ReplayDelay(trafficcfg.ReplaySpec{Type: trafficcfg.LatencyInstant}, 500); got != 0 {
		t.Errorf("ReplayDelay(instant) = %v, want 0", got)
	}
	if got := ReplayDelay(trafficcfg.ReplaySpec{}, 500); got != 0 {
		t.Errorf("ReplayDelay(zero spec) = %v, want 0", got)
	}
}
