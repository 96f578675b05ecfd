// Package service wires the per-request pipeline: monitoring decision,
// session resolution, the interceptor chain, mode dispatch, and the
// traffic log.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dproxy-io/dproxy/internal/adapter/outbound/trafficlog"
	"github.com/dproxy-io/dproxy/internal/domain/mode"
	"github.com/dproxy-io/dproxy/internal/domain/pipeline"
	"github.com/dproxy-io/dproxy/internal/domain/session"
	"github.com/dproxy-io/dproxy/internal/domain/trafficcfg"
)

// TrafficLogger records one entry per processed transaction.
type TrafficLogger interface {
	Log(e trafficlog.Entry)
}

// ProxyService processes one parsed HTTP request end to end and returns
// the response context to serialize. It is shared by the plaintext
// handler and the TLS interceptor.
type ProxyService struct {
	config   *trafficcfg.Manager
	chain    *pipeline.Chain
	fabric   *session.Fabric
	dispatch *mode.Dispatcher
	forward  mode.Forwarder
	traffic  TrafficLogger
	logger   *slog.Logger
}

// NewProxyService wires the request pipeline.
func NewProxyService(config *trafficcfg.Manager, chain *pipeline.Chain, fabric *session.Fabric, dispatch *mode.Dispatcher, forward mode.Forwarder, traffic TrafficLogger, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		config:   config,
		chain:    chain,
		fabric:   fabric,
		dispatch: dispatch,
		forward:  forward,
		traffic:  traffic,
		logger:   logger,
	}
}

// Process runs a request context through the pipeline. Non-monitored
// requests are forwarded as-is: no recording, no response interceptors,
// no stats.
func (s *ProxyService) Process(ctx context.Context, req *pipeline.RequestContext) *pipeline.ResponseContext {
	req.Monitored = s.isMonitored(req)

	if !req.Monitored {
		resp := s.forward.Forward(ctx, req)
		s.logTransaction(req, resp)
		return resp
	}

	res := s.fabric.Resolve(ctx, req)
	if res.Session != nil {
		req.Meta.SessionID = res.Session.PSession
	}

	if err := s.chain.RunRequest(ctx, req); err != nil {
		resp := pipeline.NewResponseContext(req.Meta.RequestID)
		resp.Status = http.StatusBadRequest
		resp.Source = pipeline.SourceError
		resp.Body = pipeline.NewErrorBody(http.StatusBadRequest, err.Error())
		resp.Header.Set("Content-Type", "application/json; charset=utf-8")
		resp.Latency = time.Since(req.StartedAt)
		s.logTransaction(req, resp)
		return resp
	}

	resp := s.dispatch.Handle(ctx, req, res)

	s.fabric.ObserveResponse(ctx, req, resp, res)

	if err := s.chain.RunResponse(ctx, req, resp); err != nil {
		s.logger.Warn("response stage failed",
			"request_id", req.Meta.RequestID, "error", err)
	}

	s.logTransaction(req, resp)
	return resp
}

// isMonitored applies the full monitoring decision: a valid monitor rule
// must match the request and the host must be a monitored domain.
func (s *ProxyService) isMonitored(req *pipeline.RequestContext) bool {
	if !s.config.IsMonitoringEnabled() {
		return false
	}
	if !s.config.IsMonitoredRequest(req.Current.Header, req.Current.Query) {
		return false
	}
	return s.config.IsMonitoredDomain(hostOnly(req.Current.Host))
}

func (s *ProxyService) logTransaction(req *pipeline.RequestContext, resp *pipeline.ResponseContext) {
	if s.traffic == nil {
		return
	}
	s.traffic.Log(trafficlog.Entry{
		Timestamp: time.Now(),
		RequestID: req.Meta.RequestID,
		Method:    req.Current.Method,
		Host:      req.Current.Host,
		Path:      req.Current.Path,
		Status:    resp.Status,
		Source:    resp.Source,
		LatencyMs: resp.Latency.Milliseconds(),
		Mode:      req.Meta.Mode,
		UserID:    req.Meta.UserID,
		SessionID: req.Meta.SessionID,
		Monitored: req.Monitored,
		BodySize:  len(resp.Body),
	})
}

// hostOnly strips a trailing port, leaving IPv6 bracket forms intact.
func hostOnly(host string) string {
	for i := len(host) - 1; i >= 0; i-- {
		switch host[i] {
		case ':':
			return host[:i]
		case ']':
			return host
		}
	}
	return host
}
