package stats

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dproxy-io/dproxy/internal/domain/pipeline"
	"github.com/dproxy-io/dproxy/internal/domain/record"
)

type mockStatsStore struct {
	mu   sync.Mutex
	rows []*record.StatsRow

	gate chan struct{} // when non-nil, InsertStats blocks until closed
}

func (m *mockStatsStore) InsertStats(_ context.Context, row *record.StatsRow) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

func (m *mockStatsStore) SummarizeStats(_ context.Context, _ time.Time) (*record.StatsSummary, error) {
	return &record.StatsSummary{}, nil
}

func (m *mockStatsStore) DeleteStatsBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (m *mockStatsStore) snapshot() []*record.StatsRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*record.StatsRow(nil), m.rows...)
}

type staticMode struct {
	mode record.Mode
}

func (s staticMode) CurrentMode() record.Mode { return s.mode }

func sampleExchange() (*pipeline.RequestContext, *pipeline.ResponseContext) {
	rc := &pipeline.RequestContext{
		Original: pipeline.RequestSnapshot{Host: "api.example.com:443", Path: "/api/accounts"},
		Current: pipeline.RequestSnapshot{
			Method: "GET",
			Host:   "api.example.com:443",
			Path:   "/api/accounts",
			Header: make(http.Header),
		},
		Meta: pipeline.Metadata{
			RequestID:   "req-1",
			AppVersion:  "2.1.0",
			AppPlatform: "ios",
		},
		Monitored: true,
		StartedAt: time.Now(),
	}
	resp := pipeline.NewResponseContext("req-1")
	resp.Status = 200
	resp.Body = []byte(`{"ok":true}`)
	resp.Latency = 120 * time.Millisecond
	resp.TargetURL = "https://api.example.com/api/accounts?page=1"
	resp.Source = pipeline.SourceUpstream
	return rc, resp
}

func TestAggregatorRecordsSample(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockStatsStore{}
	a := NewAggregator(store, staticMode{record.ModePassthrough}, 8, slog.Default())

	rc, resp := sampleExchange()
	a.Record(rc, resp)
	a.Close()

	rows := store.snapshot()
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.Host != "api.example.com" {
		t.Errorf("Host = %q, want the target hostname without port", row.Host)
	}
	if row.EndpointPath != "/api/accounts" {
		t.Errorf("EndpointPath = %q", row.EndpointPath)
	}
	if row.Method != "GET" || row.ResponseStatus != 200 {
		t.Errorf("row = %+v", row)
	}
	if row.AppVersion != "2.1.0" || row.AppPlatform != "ios" {
		t.Errorf("dimensions = %q/%q", row.AppVersion, row.AppPlatform)
	}
	if row.LatencyMs != 120 {
		t.Errorf("LatencyMs = %d", row.LatencyMs)
	}
	if row.ResponseLength != int64(len(`{"ok":true}`)) {
		t.Errorf("ResponseLength = %d", row.ResponseLength)
	}
}

func TestAggregatorSkipsReplayMode(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockStatsStore{}
	a := NewAggregator(store, staticMode{record.ModeReplay}, 8, slog.Default())

	rc, resp := sampleExchange()
	a.Record(rc, resp)
	a.Close()

	if rows := store.snapshot(); len(rows) != 0 {
		t.Errorf("replay-mode samples persisted: %d", len(rows))
	}
}

func TestAggregatorDropsOldestUnderBackpressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	store := &mockStatsStore{gate: gate}
	a := NewAggregator(store, staticMode{record.ModeRecording}, 2, slog.Default())

	rc, resp := sampleExchange()

	// First sample is picked up by the drain goroutine and blocks in the
	// store; give it a moment to leave the queue.
	a.Record(rc, resp)
	time.Sleep(20 * time.Millisecond)

	// Fill the queue, then overflow it.
	a.Record(rc, resp)
	a.Record(rc, resp)
	a.Record(rc, resp)

	if a.Dropped() == 0 {
		t.Error("overflow did not drop any sample")
	}

	close(gate)
	a.Close()

	// Never more rows than queue capacity plus the in-flight insert.
	if rows := store.snapshot(); len(rows) > 3 {
		t.Errorf("rows = %d, want at most 3", len(rows))
	}
}

func TestBuildRowFallbacks(t *testing.T) {
	t.Parallel()

	rc, resp := sampleExchange()
	resp.TargetURL = ""

	row := buildRow(rc, resp)
	if row.Host != "api.example.com" {
		t.Errorf("Host = %q, want the inbound host without port", row.Host)
	}

	rc.Original.Host = ""
	rc.Current.Header.Set("Host", "hdr.example.com")
	row = buildRow(rc, resp)
	if row.Host != "hdr.example.com" {
		t.Errorf("Host = %q, want the Host header fallback", row.Host)
	}

	rc.Current.Header.Del("Host")
	row = buildRow(rc, resp)
	if row.Host != "unknown" {
		t.Errorf("Host = %q, want unknown", row.Host)
	}

	// Content-Length wins over the body length when present.
	resp.Header.Set("Content-Length", "9999")
	row = buildRow(rc, resp)
	if row.ResponseLength != 9999 {
		t.Errorf("ResponseLength = %d, want the declared length", row.ResponseLength)
	}
}
