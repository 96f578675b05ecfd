// Package upstream forwards intercepted requests to their real
// destination and normalizes the upstream response into a response
// context: hop-by-hop headers stripped, compressed bodies expanded,
// transport failures turned into synthesized error responses.
package upstream

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/dproxy-io/dproxy/internal/domain/pipeline"
	"github.com/dproxy-io/dproxy/internal/domain/trafficcfg"
)

// Config holds forwarder tunables.
type Config struct {
	// ConnectTimeout bounds TCP connection establishment. Default: 5s.
	ConnectTimeout time.Duration
	// TotalTimeout bounds the whole exchange. Default: 30s.
	TotalTimeout time.Duration
	// RetryCount is how many times a failed attempt is retried. Default: 3.
	RetryCount int
	// RetryDelay is the constant delay between attempts. Default: 500ms.
	RetryDelay time.Duration
	// RetryOnTimeout retries attempts that timed out, not only ones that
	// failed to connect.
	RetryOnTimeout bool
	// MaxRedirects caps followed redirects. Default: 5.
	MaxRedirects int
	// InsecureTLS skips upstream certificate verification, for
	// self-signed upstream endpoints.
	InsecureTLS bool
}

// DefaultConfig returns the default forwarder configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		TotalTimeout:   30 * time.Second,
		RetryCount:     3,
		RetryDelay:     500 * time.Millisecond,
		MaxRedirects:   5,
	}
}

// hopByHop headers are stripped in both directions. Proxy-* request
// headers are stripped by the header normalization interceptor before
// the forwarder runs; they are stripped here again as a backstop.
var hopByHop = []string{
	"Connection", "Keep-Alive", "Transfer-Encoding", "Content-Encoding", "Upgrade",
}

// Forwarder performs upstream HTTP exchanges.
type Forwarder struct {
	cfg    Config
	client *http.Client
	config *trafficcfg.Manager
	logger *slog.Logger
}

// NewForwarder creates a forwarder. Zero config fields take defaults.
func NewForwarder(cfg Config, tc *trafficcfg.Manager, logger *slog.Logger) *Forwarder {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = def.TotalTimeout
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = def.RetryCount
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureTLS,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		// The forwarder decompresses explicitly so the stored body is
		// always the expanded form.
		DisableCompression: true,
	}
	client := &http.Client{
		Timeout:   cfg.TotalTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}
	return &Forwarder{cfg: cfg, client: client, config: tc, logger: logger}
}

// TargetURL composes the upstream URL for a request snapshot. The scheme
// comes from the monitored domain's secure flag when the host is
// monitored, otherwise from the inbound scheme.
func (f *Forwarder) TargetURL(snap *pipeline.RequestSnapshot) string {
	scheme := snap.Scheme
	host := stripPort(snap.Host)
	if f.config.IsMonitoredDomain(host) {
		if f.config.IsSecureDomain(host) {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	target := scheme + "://" + snap.Host + snap.Path
	if q := snap.Query.Encode(); q != "" {
		target += "?" + q
	}
	return target
}

// Forward executes the upstream exchange for a request context. Failures
// never surface as errors: connect and DNS failures synthesize a 502,
// timeouts a 504, both with elapsed latency set.
func (f *Forwarder) Forward(ctx context.Context, req *pipeline.RequestContext) *pipeline.ResponseContext {
	target := f.TargetURL(&req.Current)
	started := time.Now()

	var lastErr error
	for attempt := 0; attempt <= f.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return f.errorResponse(req, target, started, ctx.Err())
			case <-time.After(f.cfg.RetryDelay):
			}
		}

		resp, err := f.attempt(ctx, req, target)
		if err == nil {
			resp.Latency = time.Since(started)
			return resp
		}
		lastErr = err
		if isTimeout(err) && !f.cfg.RetryOnTimeout {
			break
		}
		f.logger.Warn("upstream attempt failed",
			"target", target, "attempt", attempt+1, "error", err)
	}
	return f.errorResponse(req, target, started, lastErr)
}

func (f *Forwarder) attempt(ctx context.Context, req *pipeline.RequestContext, target string) (*pipeline.ResponseContext, error) {
	snap := &req.Current
	var body io.Reader
	if len(snap.Body) > 0 {
		body = bytes.NewReader(snap.Body)
	}
	out, err := http.NewRequestWithContext(ctx, snap.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vals := range snap.Header {
		if isHopByHop(k) || strings.HasPrefix(http.CanonicalHeaderKey(k), "Proxy-") {
			continue
		}
		for _, v := range vals {
			out.Header.Add(k, v)
		}
	}
	out.Header.Set("Accept-Encoding", "gzip, deflate, br")

	upstream, err := f.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer upstream.Body.Close()

	raw, err := io.ReadAll(upstream.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	decoded, err := decompress(raw, upstream.Header.Get("Content-Encoding"))
	if err != nil {
		f.logger.Warn("upstream body decompression failed, keeping raw bytes",
			"target", target, "encoding", upstream.Header.Get("Content-Encoding"), "error", err)
		decoded = raw
	}

	rc := pipeline.NewResponseContext(req.Meta.RequestID)
	rc.Status = upstream.StatusCode
	rc.Body = decoded
	rc.Source = pipeline.SourceUpstream
	rc.TargetURL = target
	for k, vals := range upstream.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			rc.Header.Add(k, v)
		}
	}
	rc.Header.Del("Content-Length")
	return rc, nil
}

func (f *Forwarder) errorResponse(req *pipeline.RequestContext, target string, started time.Time, cause error) *pipeline.ResponseContext {
	status := http.StatusBadGateway
	message := "upstream unreachable"
	if isTimeout(cause) {
		status = http.StatusGatewayTimeout
		message = "upstream timeout"
	}
	f.logger.Error("upstream exchange failed",
		"target", target, "status", status, "error", cause)

	rc := pipeline.NewResponseContext(req.Meta.RequestID)
	rc.Status = status
	rc.Source = pipeline.SourceError
	rc.TargetURL = target
	rc.Latency = time.Since(started)
	rc.Body = pipeline.NewErrorBody(status, message)
	rc.Header.Set("Content-Type", "application/json; charset=utf-8")
	return rc
}

func isHopByHop(name string) bool {
	for _, h := range hopByHop {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// decompress expands a response body according to its Content-Encoding.
// Deflate accepts both zlib-wrapped and raw streams.
func decompress(raw []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return raw, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		if r, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer r.Close()
			return io.ReadAll(r)
		}
		r := flate.NewReader(bytes.NewReader(raw))
		defer r.Close()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
