package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"testing"
	"time"
)

type recordingInterceptor struct {
	base
	calls *[]string
	fail  error

	errSeen []error
}

func (r *recordingInterceptor) InterceptRequest(_ context.Context, _ *RequestContext) error {
	*r.calls = append(*r.calls, r.name)
	return r.fail
}

func (r *recordingInterceptor) InterceptResponse(_ context.Context, _ *RequestContext, _ *ResponseContext) error {
	*r.calls = append(*r.calls, r.name)
	return r.fail
}

func (r *recordingInterceptor) OnError(_ context.Context, _ *RequestContext, err error) {
	r.errSeen = append(r.errSeen, err)
}

func testRequestContext() *RequestContext {
	return &RequestContext{
		Original: RequestSnapshot{Method: "GET", Path: "/x"},
		Current: RequestSnapshot{
			Method: "GET", Path: "/x",
			Header: make(http.Header),
			Query:  make(url.Values),
		},
		Meta:      Metadata{RequestID: "req-1"},
		Monitored: true,
		StartedAt: time.Now(),
	}
}

func TestChainRequestOrder(t *testing.T) {
	t.Parallel()

	var calls []string
	lo := &recordingInterceptor{base: base{name: "lo", priority: 10, enabled: true}, calls: &calls}
	hi := &recordingInterceptor{base: base{name: "hi", priority: 100, enabled: true}, calls: &calls}
	mid := &recordingInterceptor{base: base{name: "mid", priority: 50, enabled: true}, calls: &calls}

	c := NewChain([]RequestInterceptor{lo, hi, mid}, nil, slog.Default())
	if err := c.RunRequest(context.Background(), testRequestContext()); err != nil {
		t.Fatalf("RunRequest() error: %v", err)
	}

	want := []string{"hi", "mid", "lo"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestChainEqualPriorityKeepsRegistrationOrder(t *testing.T) {
	t.Parallel()

	var calls []string
	a := &recordingInterceptor{base: base{name: "a", priority: 50, enabled: true}, calls: &calls}
	b := &recordingInterceptor{base: base{name: "b", priority: 50, enabled: true}, calls: &calls}

	c := NewChain([]RequestInterceptor{a, b}, nil, slog.Default())
	if err := c.RunRequest(context.Background(), testRequestContext()); err != nil {
		t.Fatalf("RunRequest() error: %v", err)
	}
	if calls[0] != "a" || calls[1] != "b" {
		t.Errorf("equal priorities reordered: %v", calls)
	}
}

func TestChainSkipsDisabled(t *testing.T) {
	t.Parallel()

	var calls []string
	on := &recordingInterceptor{base: base{name: "on", priority: 100, enabled: true}, calls: &calls}
	off := &recordingInterceptor{base: base{name: "off", priority: 50, enabled: false}, calls: &calls}

	c := NewChain([]RequestInterceptor{on, off}, nil, slog.Default())
	if err := c.RunRequest(context.Background(), testRequestContext()); err != nil {
		t.Fatalf("RunRequest() error: %v", err)
	}
	if len(calls) != 1 || calls[0] != "on" {
		t.Errorf("disabled interceptor ran: %v", calls)
	}
}

func TestChainRequestErrorNotifiesObservers(t *testing.T) {
	t.Parallel()

	var calls []string
	failErr := errors.New("boom")
	first := &recordingInterceptor{base: base{name: "first", priority: 100, enabled: true}, calls: &calls}
	failing := &recordingInterceptor{base: base{name: "failing", priority: 50, enabled: true}, calls: &calls, fail: failErr}
	after := &recordingInterceptor{base: base{name: "after", priority: 10, enabled: true}, calls: &calls}

	c := NewChain([]RequestInterceptor{first, failing, after}, nil, slog.Default())
	err := c.RunRequest(context.Background(), testRequestContext())
	if !errors.Is(err, failErr) {
		t.Fatalf("RunRequest() error = %v, want %v", err, failErr)
	}

	// The interceptor after the failure never runs.
	for _, name := range calls {
		if name == "after" {
			t.Error("interceptor after the failing one should not run")
		}
	}
	// Only interceptors that already ran are notified.
	if len(first.errSeen) != 1 || !errors.Is(first.errSeen[0], failErr) {
		t.Errorf("first.errSeen = %v, want the chain error", first.errSeen)
	}
	if len(after.errSeen) != 0 {
		t.Error("never-ran interceptor should not be notified")
	}
}

func TestChainResponseStopsOnError(t *testing.T) {
	t.Parallel()

	var calls []string
	failErr := errors.New("resp fail")
	failing := &recordingInterceptor{base: base{name: "failing", priority: 100, enabled: true}, calls: &calls, fail: failErr}
	after := &recordingInterceptor{base: base{name: "after", priority: 10, enabled: true}, calls: &calls}

	c := NewChain(nil, []ResponseInterceptor{failing, after}, slog.Default())
	err := c.RunResponse(context.Background(), testRequestContext(), NewResponseContext("req-1"))
	if !errors.Is(err, failErr) {
		t.Fatalf("RunResponse() error = %v, want %v", err, failErr)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want only the failing interceptor", calls)
	}
}
