package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// SecurityHeadersInterceptor stamps the standard browser hardening
// headers on every monitored response.
type SecurityHeadersInterceptor struct {
	base
}

// NewSecurityHeadersInterceptor returns the security headers interceptor.
func NewSecurityHeadersInterceptor() *SecurityHeadersInterceptor {
	return &SecurityHeadersInterceptor{base{name: "security-headers", priority: PrioritySecurity, enabled: true}}
}

// InterceptResponse implements ResponseInterceptor.
func (i *SecurityHeadersInterceptor) InterceptResponse(_ context.Context, _ *RequestContext, resp *ResponseContext) error {
	resp.Header.Set("X-Content-Type-Options", "nosniff")
	resp.Header.Set("X-Frame-Options", "DENY")
	resp.Header.Set("X-XSS-Protection", "1; mode=block")
	resp.Header.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	return nil
}

// ErrorFormatInterceptor rewrites 4xx/5xx bodies into the canonical
// error envelope unless the body already carries one.
type ErrorFormatInterceptor struct {
	base
}

// NewErrorFormatInterceptor returns the error formatting interceptor.
func NewErrorFormatInterceptor() *ErrorFormatInterceptor {
	return &ErrorFormatInterceptor{base{name: "error-format", priority: PriorityErrorFormat, enabled: true}}
}

// ErrorBody is the wire shape of every error the proxy emits.
type ErrorBody struct {
	Error     bool   `json:"error"`
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NewErrorBody builds the canonical error envelope.
func NewErrorBody(status int, message string) []byte {
	b, _ := json.Marshal(ErrorBody{
		Error:     true,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}

// InterceptResponse implements ResponseInterceptor.
func (i *ErrorFormatInterceptor) InterceptResponse(_ context.Context, _ *RequestContext, resp *ResponseContext) error {
	if resp.Status < 400 {
		return nil
	}
	// Already shaped bodies pass through untouched.
	var probe struct {
		Error  *bool `json:"error"`
		Status *int  `json:"status"`
	}
	if err := json.Unmarshal(resp.Body, &probe); err == nil && probe.Error != nil && probe.Status != nil {
		return nil
	}
	msg := string(resp.Body)
	if msg == "" {
		msg = "upstream error"
	}
	resp.Body = NewErrorBody(resp.Status, msg)
	resp.Header.Set("Content-Type", "application/json; charset=utf-8")
	return nil
}

// CORSInterceptor opens cross-origin access unless the upstream already
// set a policy.
type CORSInterceptor struct {
	base
}

// NewCORSInterceptor returns the CORS interceptor.
func NewCORSInterceptor() *CORSInterceptor {
	return &CORSInterceptor{base{name: "cors", priority: PriorityCORS, enabled: true}}
}

// InterceptResponse implements ResponseInterceptor.
func (i *CORSInterceptor) InterceptResponse(_ context.Context, _ *RequestContext, resp *ResponseContext) error {
	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		resp.Header.Set("Access-Control-Allow-Origin", "*")
	}
	return nil
}

// JSONTypeInterceptor defaults the content type for structured bodies
// that arrived without one.
type JSONTypeInterceptor struct {
	base
}

// NewJSONTypeInterceptor returns the JSON content-type interceptor.
func NewJSONTypeInterceptor() *JSONTypeInterceptor {
	return &JSONTypeInterceptor{base{name: "json-response", priority: PriorityJSONType, enabled: true}}
}

// InterceptResponse implements ResponseInterceptor.
func (i *JSONTypeInterceptor) InterceptResponse(_ context.Context, _ *RequestContext, resp *ResponseContext) error {
	if resp.Header.Get("Content-Type") == "" && resp.LooksStructured() {
		resp.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	return nil
}

// StatsRecorder receives finalized monitored transactions. Implemented by
// the stats aggregator; recording is fire-and-forget.
type StatsRecorder interface {
	Record(rc *RequestContext, resp *ResponseContext)
}

// StatsInterceptor hands the finalized response to the stats aggregator.
// The aggregator itself decides whether the mode excludes recording.
type StatsInterceptor struct {
	base
	recorder StatsRecorder
}

// NewStatsInterceptor returns the stats recording interceptor.
func NewStatsInterceptor(recorder StatsRecorder) *StatsInterceptor {
	return &StatsInterceptor{
		base:     base{name: "stats", priority: PriorityStats, enabled: true},
		recorder: recorder,
	}
}

// InterceptResponse implements ResponseInterceptor.
func (i *StatsInterceptor) InterceptResponse(_ context.Context, rc *RequestContext, resp *ResponseContext) error {
	i.recorder.Record(rc, resp)
	return nil
}

// ResponseLogInterceptor emits one debug line per response at the tail of
// the response stage.
type ResponseLogInterceptor struct {
	base
	logger *slog.Logger
}

// NewResponseLogInterceptor returns the response logging interceptor.
func NewResponseLogInterceptor(logger *slog.Logger) *ResponseLogInterceptor {
	return &ResponseLogInterceptor{
		base:   base{name: "response-logging", priority: PriorityLogging, enabled: true},
		logger: logger,
	}
}

// InterceptResponse implements ResponseInterceptor.
func (i *ResponseLogInterceptor) InterceptResponse(_ context.Context, rc *RequestContext, resp *ResponseContext) error {
	i.logger.Debug("response",
		"request_id", rc.Meta.RequestID,
		"status", resp.Status,
		"source", resp.Source,
		"latency_ms", resp.Latency.Milliseconds(),
	)
	return nil
}
