package proxyhttp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dproxy-io/dproxy/internal/domain/pipeline"
	"github.com/dproxy-io/dproxy/internal/service"
)

// maxRequestBody caps inbound request bodies.
const maxRequestBody = 10 * 1024 * 1024

// Handler is the proxy's inbound HTTP surface. CONNECTs go to the
// dispatcher; plaintext requests (absolute-form or origin-form) go
// through the pipeline directly.
type Handler struct {
	dispatcher *ConnectDispatcher
	svc        *service.ProxyService
	limiter    *RateLimiter
	timeout    time.Duration
	logger     *slog.Logger
}

// NewHandler wires the inbound proxy handler.
func NewHandler(dispatcher *ConnectDispatcher, svc *service.ProxyService, limiter *RateLimiter, timeout time.Duration, logger *slog.Logger) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		dispatcher: dispatcher,
		svc:        svc,
		limiter:    limiter,
		timeout:    timeout,
		logger:     logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(clientIP(r.RemoteAddr)) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write(pipeline.NewErrorBody(http.StatusTooManyRequests, "rate limit exceeded"))
		return
	}

	if r.Method == http.MethodConnect {
		h.dispatcher.HandleConnect(w, r)
		return
	}
	h.servePlain(w, r)
}

// servePlain handles cleartext proxy requests. Absolute-form URLs carry
// their own host; origin-form requests fall back to the Host header.
func (h *Handler) servePlain(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		h.logger.Debug("reading request body failed", "error", err)
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	_ = r.Body.Close()

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	req := pipeline.NewRequestContext(r, body, uuid.NewString())
	if req.Current.Host == "" {
		writeError(w, http.StatusBadRequest, "missing host")
		return
	}

	resp := h.svc.Process(ctx, req)
	writeResponseWriter(w, resp)
}

// writeResponseWriter copies a response context onto a standard
// http.ResponseWriter.
func writeResponseWriter(w http.ResponseWriter, resp *pipeline.ResponseContext) {
	header := w.Header()
	for k, vals := range resp.Header {
		if k == "Content-Length" {
			continue
		}
		for _, v := range vals {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(pipeline.NewErrorBody(status, message))
}

func clientIP(remoteAddr string) string {
	return hostOnly(remoteAddr)
}
