package pipeline

import (
	"context"
	"log/slog"
	"sort"
)

// Interceptor is the common surface of request and response interceptors.
// Priorities order execution highest first; disabled interceptors are
// skipped without being removed from the chain.
type Interceptor interface {
	Name() string
	Priority() int
	Enabled() bool
}

// RequestInterceptor mutates the request context before the mode handler.
type RequestInterceptor interface {
	Interceptor
	InterceptRequest(ctx context.Context, rc *RequestContext) error
}

// ResponseInterceptor mutates the response context after the mode handler.
// Response interceptors run only for monitored requests.
type ResponseInterceptor interface {
	Interceptor
	InterceptResponse(ctx context.Context, rc *RequestContext, resp *ResponseContext) error
}

// ErrorObserver is implemented by interceptors that want to see chain
// failures for the request they partially processed.
type ErrorObserver interface {
	OnError(ctx context.Context, rc *RequestContext, err error)
}

// Chain holds the two ordered interceptor lists. Construction sorts by
// priority descending with a stable sort so equal priorities keep their
// registration order.
type Chain struct {
	request  []RequestInterceptor
	response []ResponseInterceptor
	logger   *slog.Logger
}

// NewChain builds a chain from the given interceptors.
func NewChain(reqs []RequestInterceptor, resps []ResponseInterceptor, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{
		request:  append([]RequestInterceptor(nil), reqs...),
		response: append([]ResponseInterceptor(nil), resps...),
		logger:   logger,
	}
	sort.SliceStable(c.request, func(i, j int) bool {
		return c.request[i].Priority() > c.request[j].Priority()
	})
	sort.SliceStable(c.response, func(i, j int) bool {
		return c.response[i].Priority() > c.response[j].Priority()
	})
	return c
}

// RunRequest executes the request interceptors highest priority first.
// On failure the error observers of already-run interceptors are notified
// and the error is returned to the caller; the request fails.
func (c *Chain) RunRequest(ctx context.Context, rc *RequestContext) error {
	var ran []RequestInterceptor
	for _, it := range c.request {
		if !it.Enabled() {
			continue
		}
		if err := it.InterceptRequest(ctx, rc); err != nil {
			c.logger.Warn("request interceptor failed",
				"interceptor", it.Name(), "request_id", rc.Meta.RequestID, "error", err)
			c.notifyError(ctx, rc, ran, err)
			return err
		}
		ran = append(ran, it)
	}
	return nil
}

// RunResponse executes the response interceptors highest priority first.
// Callers skip this entirely for non-monitored requests.
func (c *Chain) RunResponse(ctx context.Context, rc *RequestContext, resp *ResponseContext) error {
	for _, it := range c.response {
		if !it.Enabled() {
			continue
		}
		if err := it.InterceptResponse(ctx, rc, resp); err != nil {
			c.logger.Warn("response interceptor failed",
				"interceptor", it.Name(), "request_id", rc.Meta.RequestID, "error", err)
			return err
		}
	}
	return nil
}

func (c *Chain) notifyError(ctx context.Context, rc *RequestContext, ran []RequestInterceptor, err error) {
	for _, it := range ran {
		if obs, ok := it.(ErrorObserver); ok {
			obs.OnError(ctx, rc, err)
		}
	}
}

// base provides the Name/Priority/Enabled plumbing shared by the concrete
// interceptors in this package.
type base struct {
	name     string
	priority int
	enabled  bool
}

func (b base) Name() string   { return b.name }
func (b base) Priority() int  { return b.priority }
func (b base) Enabled() bool  { return b.enabled }
