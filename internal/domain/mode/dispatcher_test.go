package mode

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/dproxy-io/dproxy/internal/domain/matching"
	"github.com/dproxy-io/dproxy/internal/domain/pipeline"
	"github.com/dproxy-io/dproxy/internal/domain/record"
	"github.com/dproxy-io/dproxy/internal/domain/session"
	"github.com/dproxy-io/dproxy/internal/domain/trafficcfg"
)

type fakeRequestStore struct {
	mu         sync.Mutex
	candidates []record.Pair
	byKey      []record.Pair

	keys     []record.RecordingKey
	inserted []record.Pair
	updated  map[int64]record.Pair
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{updated: make(map[int64]record.Pair)}
}

func (f *fakeRequestStore) FindCandidates(_ context.Context, _ record.CandidateQuery) ([]record.Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidates, nil
}

func (f *fakeRequestStore) FindByRecordingKey(_ context.Context, key record.RecordingKey) ([]record.Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return f.byKey, nil
}

func (f *fakeRequestStore) InsertPair(_ context.Context, req *record.Request, resp *record.Response) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, record.Pair{Request: req, Response: resp})
	return int64(len(f.inserted)), nil
}

func (f *fakeRequestStore) UpdatePair(_ context.Context, requestID int64, req *record.Request, resp *record.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[requestID] = record.Pair{Request: req, Response: resp}
	return nil
}

type stubSessionStore struct{}

func (stubSessionStore) CreateSession(context.Context, *record.Session) error { return nil }
func (stubSessionStore) GetByPSession(context.Context, string) (*record.Session, error) {
	return nil, record.ErrNotFound
}
func (stubSessionStore) GetByUpstreamHash(context.Context, string) (*record.Session, error) {
	return nil, record.ErrNotFound
}
func (stubSessionStore) GetByOAuthHash(context.Context, string) (*record.Session, error) {
	return nil, record.ErrNotFound
}
func (stubSessionStore) AppendUpstreamHash(context.Context, int64, string, string) error { return nil }
func (stubSessionStore) AppendOAuthHash(context.Context, int64, string, string) error    { return nil }
func (stubSessionStore) TouchActivity(context.Context, int64, time.Time) error           { return nil }
func (stubSessionStore) DeleteExpired(context.Context, time.Time) (int64, error)         { return 0, nil }
func (stubSessionStore) CountActive(context.Context, time.Time) (int64, error)           { return 0, nil }

type stubUserStore struct{}

func (stubUserStore) GetOrCreateUser(_ context.Context, externalID string) (*record.User, error) {
	return &record.User{ID: 1, UserID: externalID}, nil
}
func (stubUserStore) GetUser(context.Context, int64) (*record.User, error) {
	return nil, record.ErrNotFound
}

type stubForwarder struct {
	mu    sync.Mutex
	calls int
	resp  *pipeline.ResponseContext
}

func (f *stubForwarder) Forward(_ context.Context, req *pipeline.RequestContext) *pipeline.ResponseContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.resp != nil {
		return f.resp
	}
	rc := pipeline.NewResponseContext(req.Meta.RequestID)
	rc.Status = 200
	rc.Body = []byte(`{"live":true}`)
	rc.Source = pipeline.SourceUpstream
	rc.Latency = 30 * time.Millisecond
	return rc
}

func (f *stubForwarder) forwarded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	modes      *Service
	requests   *fakeRequestStore
	forward    *stubForwarder
	config     *fakeConfigStore
}

func newDispatcherFixture(t *testing.T, m record.Mode) *dispatcherFixture {
	t.Helper()
	logger := slog.Default()
	cfgStore := newFakeConfigStore()
	requests := newFakeRequestStore()
	forward := &stubForwarder{}

	modes := NewService(cfgStore, m, logger)
	manager := trafficcfg.NewManager(cfgStore, logger)
	engine := matching.NewEngine(requests, cfgStore, logger)
	fabric := session.NewFabric(stubSessionStore{}, stubUserStore{}, manager, time.Hour, logger)

	return &dispatcherFixture{
		dispatcher: NewDispatcher(modes, forward, engine, fabric, manager, requests, logger),
		modes:      modes,
		requests:   requests,
		forward:    forward,
		config:     cfgStore,
	}
}

func testRequest(path string) *pipeline.RequestContext {
	snap := pipeline.RequestSnapshot{
		Method: "GET",
		Scheme: "https",
		Host:   "api.example.com",
		Path:   path,
		Query:  url.Values{},
		Header: make(http.Header),
	}
	return &pipeline.RequestContext{
		Original:  snap,
		Current:   snap.Clone(),
		Meta:      pipeline.Metadata{RequestID: "req-1", AppVersion: "2.1.0", AppPlatform: "ios", AppLanguage: "en"},
		Monitored: true,
		StartedAt: time.Now(),
	}
}

func TestDispatcherPassthrough(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t, record.ModePassthrough)
	req := testRequest("/api/accounts")

	resp := fx.dispatcher.Handle(context.Background(), req, session.Resolution{})
	if resp.Source != pipeline.SourceUpstream {
		t.Errorf("Source = %q, want upstream", resp.Source)
	}
	if req.Meta.Mode != "passthrough" {
		t.Errorf("Meta.Mode = %q", req.Meta.Mode)
	}
	if fx.forward.forwarded() != 1 {
		t.Errorf("forward calls = %d, want 1", fx.forward.forwarded())
	}
	if len(fx.requests.inserted) != 0 || len(fx.requests.keys) != 0 {
		t.Error("passthrough mode must not touch the request store")
	}
}

func TestDispatcherRecordingInsertsNewPair(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t, record.ModeRecording)
	req := testRequest("/api/accounts")
	req.Current.Query.Set("page", "2")
	req.Current.Body = []byte(`{"q":1}`)

	resp := fx.dispatcher.Handle(context.Background(), req, session.Resolution{})
	if resp.Source != pipeline.SourceUpstream {
		t.Fatalf("Source = %q, want upstream", resp.Source)
	}

	fx.requests.mu.Lock()
	defer fx.requests.mu.Unlock()
	if len(fx.requests.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(fx.requests.inserted))
	}
	rec := fx.requests.inserted[0].Request
	stored := fx.requests.inserted[0].Response
	if rec.Method != "GET" || rec.Host != "api.example.com" || rec.EndpointPath != "/api/accounts" {
		t.Errorf("request = %+v", rec)
	}
	if rec.QueryParams["page"] != "2" {
		t.Errorf("QueryParams = %v", rec.QueryParams)
	}
	if rec.AppVersion != "2.1.0" || rec.AppPlatform != "ios" {
		t.Errorf("dimensions = %q/%q", rec.AppVersion, rec.AppPlatform)
	}
	if stored.Status != 200 || stored.Source != pipeline.SourceRecording {
		t.Errorf("response = %+v", stored)
	}
	if len(fx.requests.keys) != 1 {
		t.Fatalf("recording-key lookups = %d, want 1", len(fx.requests.keys))
	}
	key := fx.requests.keys[0]
	if key.NormalizedQuery != matching.NormalizeQuery(map[string]string{"page": "2"}) {
		t.Errorf("NormalizedQuery = %q", key.NormalizedQuery)
	}
}

func TestDispatcherRecordingUpdatesExistingPair(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t, record.ModeRecording)
	fx.requests.byKey = []record.Pair{{
		Request:  &record.Request{ID: 42, Method: "GET", EndpointPath: "/api/accounts"},
		Response: &record.Response{Status: 200},
	}}

	req := testRequest("/api/accounts")
	fx.dispatcher.Handle(context.Background(), req, session.Resolution{})

	fx.requests.mu.Lock()
	defer fx.requests.mu.Unlock()
	if len(fx.requests.inserted) != 0 {
		t.Error("existing capture should be updated, not duplicated")
	}
	if _, ok := fx.requests.updated[42]; !ok {
		t.Errorf("updated rows = %v, want id 42", fx.requests.updated)
	}
}

func TestDispatcherRecordingSkipsCaptureOnTransportError(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t, record.ModeRecording)
	errResp := pipeline.NewResponseContext("req-1")
	errResp.Status = http.StatusBadGateway
	errResp.Source = pipeline.SourceError
	fx.forward.resp = errResp

	fx.dispatcher.Handle(context.Background(), testRequest("/api/accounts"), session.Resolution{})

	fx.requests.mu.Lock()
	defer fx.requests.mu.Unlock()
	if len(fx.requests.inserted) != 0 || len(fx.requests.keys) != 0 {
		t.Error("synthesized error responses must not be captured")
	}
}

func TestDispatcherReplayHit(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t, record.ModeReplay)
	fx.requests.candidates = []record.Pair{{
		Request: &record.Request{
			ID:           7,
			Method:       "GET",
			EndpointPath: "/api/accounts",
			AppVersion:   "2.1.0",
			AppPlatform:  "ios",
			AppLanguage:  "en",
		},
		Response: &record.Response{
			Status: 200,
			Headers: map[string][]string{
				"Content-Type":   {"application/json"},
				"Content-Length": {"14"},
			},
			Body:      []byte(`{"replay":true}`),
			LatencyMs: 80,
		},
	}}

	req := testRequest("/api/accounts")
	resp := fx.dispatcher.Handle(context.Background(), req, session.Resolution{})

	if resp.Source != pipeline.SourceReplay {
		t.Fatalf("Source = %q, want replay", resp.Source)
	}
	if resp.Status != 200 || string(resp.Body) != `{"replay":true}` {
		t.Errorf("response = %d %q", resp.Status, resp.Body)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Content-Length") != "" {
		t.Error("stale Content-Length must be dropped before re-serialization")
	}
	if fx.forward.forwarded() != 0 {
		t.Error("replay mode must not contact upstream")
	}
}

func TestDispatcherReplayMiss(t *testing.T) {
	t.Parallel()

	fx := newDispatcherFixture(t, record.ModeReplay)
	req := testRequest("/api/unseen")

	resp := fx.dispatcher.Handle(context.Background(), req, session.Resolution{})
	if resp.Source != pipeline.SourceReplayMiss {
		t.Fatalf("Source = %q, want replay-miss", resp.Source)
	}
	if resp.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want 502", resp.Status)
	}
	if resp.Header.Get("Content-Type") != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if fx.forward.forwarded() != 0 {
		t.Error("a replay miss must not fall through to upstream")
	}
}

func TestScalarQuery(t *testing.T) {
	t.Parallel()

	q := url.Values{"Page": {"1", "2"}, "empty": {}}
	got := scalarQuery(q)
	if got["Page"] != "1" {
		t.Errorf("Page = %q, want the first value", got["Page"])
	}
	if v, ok := got["empty"]; !ok || v != "" {
		t.Errorf("empty = %q (present %v)", v, ok)
	}
}
