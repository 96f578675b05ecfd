package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Interceptor priorities. Higher runs earlier.
const (
	PriorityUserID      = 100
	PriorityMobileDims  = 95
	PriorityHeaderNorm  = 90
	PrioritySecurity    = 100
	PriorityErrorFormat = 100
	PriorityCORS        = 90
	PriorityJSONType    = 80
	PriorityStats       = 50
	PriorityLogging     = 10
)

// DimensionExtractor resolves the mobile dimension values for a request
// via the traffic configuration's mapping rules. Absent values are empty
// strings, never missing keys.
type DimensionExtractor interface {
	ExtractAllMappedValues(header http.Header, query url.Values) map[string]string
}

// Mapping field names returned by ExtractAllMappedValues.
const (
	FieldAppVersion     = "appVersion"
	FieldAppPlatform    = "appPlatform"
	FieldAppEnvironment = "appEnvironment"
	FieldAppLanguage    = "appLanguage"
	FieldCorrelationID  = "correlationId"
	FieldTraceability   = "traceabilityId"
)

// UserIDInterceptor extracts the caller identity hints: an explicit
// X-User-ID header, or the presence of a bearer token (recorded as
// HasJWT; the session fabric resolves it later).
type UserIDInterceptor struct {
	base
}

// NewUserIDInterceptor returns the user-id extraction interceptor.
func NewUserIDInterceptor() *UserIDInterceptor {
	return &UserIDInterceptor{base{name: "user-id", priority: PriorityUserID, enabled: true}}
}

// InterceptRequest implements RequestInterceptor.
func (i *UserIDInterceptor) InterceptRequest(_ context.Context, rc *RequestContext) error {
	if v := rc.Current.Header.Get("X-User-ID"); v != "" {
		rc.Meta.UserID = v
	}
	if auth := rc.Current.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		rc.Meta.HasJWT = true
	}
	return nil
}

// MobileDimsInterceptor pulls appVersion/appPlatform/appEnvironment/
// appLanguage out of the request using the mapping rules.
type MobileDimsInterceptor struct {
	base
	extractor DimensionExtractor
}

// NewMobileDimsInterceptor returns the mobile-dimension interceptor.
func NewMobileDimsInterceptor(extractor DimensionExtractor) *MobileDimsInterceptor {
	return &MobileDimsInterceptor{
		base:      base{name: "mobile-dimensions", priority: PriorityMobileDims, enabled: true},
		extractor: extractor,
	}
}

// InterceptRequest implements RequestInterceptor.
func (i *MobileDimsInterceptor) InterceptRequest(_ context.Context, rc *RequestContext) error {
	vals := i.extractor.ExtractAllMappedValues(rc.Current.Header, rc.Current.Query)
	rc.Meta.AppVersion = vals[FieldAppVersion]
	rc.Meta.AppPlatform = vals[FieldAppPlatform]
	rc.Meta.AppEnvironment = vals[FieldAppEnvironment]
	rc.Meta.AppLanguage = vals[FieldAppLanguage]
	return nil
}

// proxyHeaders are stripped before forwarding. Host is restored by the
// forwarder from the target URL.
var proxyHeaders = []string{
	"Proxy-Connection",
	"Proxy-Authorization",
	"Proxy-Authenticate",
	"Host",
}

// HeaderNormInterceptor strips proxy-only headers from the current
// request so they never reach upstream.
type HeaderNormInterceptor struct {
	base
}

// NewHeaderNormInterceptor returns the header normalization interceptor.
func NewHeaderNormInterceptor() *HeaderNormInterceptor {
	return &HeaderNormInterceptor{base{name: "header-normalization", priority: PriorityHeaderNorm, enabled: true}}
}

// InterceptRequest implements RequestInterceptor.
func (i *HeaderNormInterceptor) InterceptRequest(_ context.Context, rc *RequestContext) error {
	for _, h := range proxyHeaders {
		rc.Current.Header.Del(h)
	}
	return nil
}

// RequestLogInterceptor emits one debug line per request at the tail of
// the request stage.
type RequestLogInterceptor struct {
	base
	logger *slog.Logger
}

// NewRequestLogInterceptor returns the request logging interceptor.
func NewRequestLogInterceptor(logger *slog.Logger) *RequestLogInterceptor {
	return &RequestLogInterceptor{
		base:   base{name: "request-logging", priority: PriorityLogging, enabled: true},
		logger: logger,
	}
}

// InterceptRequest implements RequestInterceptor.
func (i *RequestLogInterceptor) InterceptRequest(_ context.Context, rc *RequestContext) error {
	i.logger.Debug("request",
		"request_id", rc.Meta.RequestID,
		"method", rc.Current.Method,
		"host", rc.Current.Host,
		"path", rc.Current.Path,
		"platform", rc.Meta.AppPlatform,
		"version", rc.Meta.AppVersion,
		"monitored", rc.Monitored,
	)
	return nil
}

// OnError implements ErrorObserver.
func (i *RequestLogInterceptor) OnError(_ context.Context, rc *RequestContext, err error) {
	i.logger.Error("request failed in chain",
		"request_id", rc.Meta.RequestID,
		"method", rc.Current.Method,
		"path", rc.Current.Path,
		"error", err,
	)
}
