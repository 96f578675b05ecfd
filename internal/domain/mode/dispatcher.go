package mode

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/dproxy-io/dproxy/internal/domain/matching"
	"github.com/dproxy-io/dproxy/internal/domain/pipeline"
	"github.com/dproxy-io/dproxy/internal/domain/record"
	"github.com/dproxy-io/dproxy/internal/domain/session"
	"github.com/dproxy-io/dproxy/internal/domain/trafficcfg"
)

// Forwarder issues the upstream exchange. Transport failures come back
// as synthesized error response contexts, never as errors.
type Forwarder interface {
	Forward(ctx context.Context, req *pipeline.RequestContext) *pipeline.ResponseContext
}

// Dispatcher routes each request to the handler for the current mode.
type Dispatcher struct {
	modes    *Service
	forward  Forwarder
	engine   *matching.Engine
	fabric   *session.Fabric
	config   *trafficcfg.Manager
	requests record.RequestStore
	logger   *slog.Logger
}

// NewDispatcher wires the mode handlers.
func NewDispatcher(modes *Service, forward Forwarder, engine *matching.Engine, fabric *session.Fabric, config *trafficcfg.Manager, requests record.RequestStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		modes:    modes,
		forward:  forward,
		engine:   engine,
		fabric:   fabric,
		config:   config,
		requests: requests,
		logger:   logger,
	}
}

// Handle runs the request through the current mode's handler and returns
// the response context. res carries the session resolution performed
// before the request stage.
func (d *Dispatcher) Handle(ctx context.Context, req *pipeline.RequestContext, res session.Resolution) *pipeline.ResponseContext {
	m := d.modes.CurrentMode()
	req.Meta.Mode = string(m)
	switch m {
	case record.ModeReplay:
		return d.handleReplay(ctx, req, res)
	case record.ModeRecording:
		return d.handleRecording(ctx, req, res)
	default:
		return d.forward.Forward(ctx, req)
	}
}

func (d *Dispatcher) handleRecording(ctx context.Context, req *pipeline.RequestContext, res session.Resolution) *pipeline.ResponseContext {
	resp := d.forward.Forward(ctx, req)
	if resp.Source != pipeline.SourceUpstream {
		return resp
	}
	// Capture is best-effort: store failures never fail the exchange.
	if err := d.capture(ctx, req, resp, res); err != nil {
		d.logger.Error("capture failed",
			"request_id", req.Meta.RequestID, "path", req.Current.Path, "error", err)
	}
	return resp
}

// capture upserts the request/response pair. The upsert key is the full
// dimension tuple plus the normalized query; when several rows share the
// key, body-field scoring picks which one to overwrite.
func (d *Dispatcher) capture(ctx context.Context, req *pipeline.RequestContext, resp *pipeline.ResponseContext, res session.Resolution) error {
	var userID *int64
	if res.Session != nil {
		userID = res.Session.UserID
	}
	endpointType := d.config.GetEndpointType(req.Current.Path)
	query := scalarQuery(req.Current.Query)

	rec := &record.Request{
		UserID:         userID,
		Method:         req.Current.Method,
		Host:           req.Current.Host,
		EndpointPath:   req.Current.Path,
		QueryParams:    query,
		RequestHeaders: req.Current.Header,
		RequestBody:    req.Current.Body,
		AppVersion:     req.Meta.AppVersion,
		AppPlatform:    req.Meta.AppPlatform,
		AppEnvironment: req.Meta.AppEnvironment,
		AppLanguage:    req.Meta.AppLanguage,
		EndpointType:   endpointType,
	}
	stored := &record.Response{
		Status:    resp.Status,
		Headers:   resp.Header,
		Body:      resp.Body,
		Source:    pipeline.SourceRecording,
		LatencyMs: resp.Latency.Milliseconds(),
	}

	key := record.RecordingKey{
		UserID:          userID,
		Method:          rec.Method,
		Host:            rec.Host,
		Path:            rec.EndpointPath,
		NormalizedQuery: matching.NormalizeQuery(query),
		AppVersion:      rec.AppVersion,
		AppPlatform:     rec.AppPlatform,
		AppEnvironment:  rec.AppEnvironment,
		AppLanguage:     rec.AppLanguage,
		EndpointType:    endpointType,
	}
	existing, err := d.requests.FindByRecordingKey(ctx, key)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		_, err := d.requests.InsertPair(ctx, rec, stored)
		return err
	}

	target := existing[0]
	if len(existing) > 1 {
		fields, err := d.engine.BodyFields(ctx, d.matchInput(req, userID), "recording")
		if err != nil {
			d.logger.Warn("recording rule lookup failed, updating latest row", "error", err)
		} else if len(fields) > 0 {
			bodies := make([][]byte, len(existing))
			for i, p := range existing {
				bodies[i] = p.Request.RequestBody
			}
			target = existing[matching.BestBodyIndex(req.Current.Body, bodies, fields)]
		}
	}
	return d.requests.UpdatePair(ctx, target.Request.ID, rec, stored)
}

func (d *Dispatcher) handleReplay(ctx context.Context, req *pipeline.RequestContext, res session.Resolution) *pipeline.ResponseContext {
	var userID *int64
	if res.Session != nil {
		userID = res.Session.UserID
	}
	result, err := d.engine.FindMatch(ctx, d.matchInput(req, userID), "replay")
	if err != nil {
		d.logger.Error("replay lookup failed",
			"request_id", req.Meta.RequestID, "path", req.Current.Path, "error", err)
		result = nil
	}
	if result == nil {
		rc := pipeline.NewResponseContext(req.Meta.RequestID)
		rc.Status = http.StatusBadGateway
		rc.Source = pipeline.SourceReplayMiss
		rc.Body = pipeline.NewErrorBody(http.StatusBadGateway, "no-match")
		rc.Header.Set("Content-Type", "application/json; charset=utf-8")
		rc.Latency = time.Since(req.StartedAt)
		return rc
	}

	pair := result.Pair
	rc := pipeline.NewResponseContext(req.Meta.RequestID)
	rc.Status = pair.Response.Status
	rc.Body = append([]byte(nil), pair.Response.Body...)
	rc.Source = pipeline.SourceReplay
	for k, vals := range pair.Response.Headers {
		for _, v := range vals {
			rc.Header.Add(k, v)
		}
	}
	rc.Header.Del("Content-Length")

	if delay := session.ReplayDelay(d.config.ReplayLatency(), pair.Response.LatencyMs); delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
	rc.Latency = time.Since(req.StartedAt)

	d.fabric.RewriteReplay(req, rc, res.Session)

	d.logger.Debug("replay hit",
		"request_id", req.Meta.RequestID,
		"path", req.Current.Path,
		"strategy", result.Strategy,
		"rule_id", result.RuleID,
	)
	return rc
}

func (d *Dispatcher) matchInput(req *pipeline.RequestContext, userID *int64) matching.Input {
	return matching.Input{
		UserID:      userID,
		Method:      req.Current.Method,
		Path:        req.Current.Path,
		Query:       scalarQuery(req.Current.Query),
		Header:      req.Current.Header,
		Body:        req.Current.Body,
		Version:     req.Meta.AppVersion,
		Platform:    req.Meta.AppPlatform,
		Environment: req.Meta.AppEnvironment,
		Language:    req.Meta.AppLanguage,
	}
}

// scalarQuery flattens multi-valued params to their first value,
// preserving original key casing.
func scalarQuery(q url.Values) map[string]string {
	out := make(map[string]string, len(q))
	for k, vals := range q {
		if len(vals) > 0 {
			out[k] = vals[0]
		} else {
			out[k] = ""
		}
	}
	return out
}
