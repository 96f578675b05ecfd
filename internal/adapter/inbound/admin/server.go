// Package admin is the operator surface: mode control, CA distribution,
// config refresh, stats summaries, health, and Prometheus metrics. It
// listens on its own port, separate from the proxy listener.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dproxy-io/dproxy/internal/adapter/outbound/trafficlog"
	"github.com/dproxy-io/dproxy/internal/domain/mode"
	"github.com/dproxy-io/dproxy/internal/domain/record"
	"github.com/dproxy-io/dproxy/internal/domain/trafficcfg"
)

// CACertSource provides the CA certificate for client trust installation.
type CACertSource interface {
	CACertPEM() []byte
}

// TrafficRecents exposes the in-memory tail of the traffic log.
type TrafficRecents interface {
	Recent(n int) []trafficlog.Entry
	Dropped() int64
}

// BuildInfo holds build-time version information, injected from the
// command layer.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Server is the admin API handler set.
type Server struct {
	modes     *mode.Service
	config    *trafficcfg.Manager
	ca        CACertSource
	stats     record.StatsStore
	sessions  record.SessionStore
	traffic   TrafficRecents
	gatherer  prometheus.Gatherer
	tokenHash string
	build     BuildInfo
	startTime time.Time
	logger    *slog.Logger
}

// Config collects the admin server dependencies.
type Config struct {
	Modes     *mode.Service
	Traffic   *trafficcfg.Manager
	CA        CACertSource
	Stats     record.StatsStore
	Sessions  record.SessionStore
	Recents   TrafficRecents
	Gatherer  prometheus.Gatherer
	TokenHash string
	Build     BuildInfo
	Logger    *slog.Logger
}

// NewServer creates the admin API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		modes:     cfg.Modes,
		config:    cfg.Traffic,
		ca:        cfg.CA,
		stats:     cfg.Stats,
		sessions:  cfg.Sessions,
		traffic:   cfg.Recents,
		gatherer:  cfg.Gatherer,
		tokenHash: cfg.TokenHash,
		build:     cfg.Build,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Handler returns the admin mux. Health and metrics are unauthenticated;
// everything under /api requires auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /api/mode", s.requireAuth(s.handleGetMode))
	mux.HandleFunc("PUT /api/mode", s.requireAuth(s.handleSetMode))
	mux.HandleFunc("GET /api/ca.pem", s.requireAuth(s.handleCACert))
	mux.HandleFunc("POST /api/config/refresh", s.requireAuth(s.handleConfigRefresh))
	mux.HandleFunc("GET /api/stats/summary", s.requireAuth(s.handleStatsSummary))
	mux.HandleFunc("GET /api/traffic/recent", s.requireAuth(s.handleTrafficRecent))
	mux.HandleFunc("GET /api/system", s.requireAuth(s.handleSystem))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// modeResponse is the JSON shape for GET and PUT /api/mode.
type modeResponse struct {
	Mode string `json:"mode"`
}

func (s *Server) handleGetMode(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, modeResponse{Mode: string(s.modes.CurrentMode())})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeResponse
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	m := record.Mode(req.Mode)
	if !m.Valid() {
		s.respondError(w, http.StatusBadRequest, "mode must be passthrough, recording, or replay")
		return
	}
	if err := s.modes.SetMode(r.Context(), m); err != nil {
		s.logger.Error("mode change failed", "mode", m, "error", err)
		s.respondError(w, http.StatusInternalServerError, "persisting mode failed")
		return
	}
	s.logger.Info("mode changed", "mode", m)
	s.respondJSON(w, http.StatusOK, modeResponse{Mode: string(m)})
}

func (s *Server) handleCACert(w http.ResponseWriter, _ *http.Request) {
	pem := s.ca.CACertPEM()
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="dproxy-ca.pem"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pem)
}

func (s *Server) handleConfigRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.config.RefreshAll(ctx); err != nil {
		s.logger.Error("config refresh failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "config refresh failed")
		return
	}
	s.logger.Info("config refreshed")
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// statsSummaryResponse is the JSON shape for GET /api/stats/summary.
type statsSummaryResponse struct {
	Since          string           `json:"since"`
	TotalRequests  int64            `json:"total_requests"`
	AvgLatencyMs   float64          `json:"avg_latency_ms"`
	ErrorCount     int64            `json:"error_count"`
	ActiveSessions int64            `json:"active_sessions"`
	ByEndpoint     map[string]int64 `json:"by_endpoint"`
}

func (s *Server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.respondError(w, http.StatusBadRequest, "since must be a positive duration, e.g. 24h")
			return
		}
		window = d
	}
	since := time.Now().Add(-window)

	summary, err := s.stats.SummarizeStats(r.Context(), since)
	if err != nil {
		s.logger.Error("stats summary failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "stats query failed")
		return
	}
	active, err := s.sessions.CountActive(r.Context(), time.Now())
	if err != nil {
		s.logger.Warn("active session count failed", "error", err)
	}
	s.respondJSON(w, http.StatusOK, statsSummaryResponse{
		Since:          since.UTC().Format(time.RFC3339),
		TotalRequests:  summary.TotalRequests,
		AvgLatencyMs:   summary.AvgLatencyMs,
		ErrorCount:     summary.ErrorCount,
		ActiveSessions: active,
		ByEndpoint:     summary.ByEndpoint,
	})
}

func (s *Server) handleTrafficRecent(w http.ResponseWriter, r *http.Request) {
	if s.traffic == nil {
		s.respondError(w, http.StatusNotFound, "traffic log disabled")
		return
	}
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			s.respondError(w, http.StatusBadRequest, "n must be between 1 and 1000")
			return
		}
		n = parsed
	}
	entries := s.traffic.Recent(n)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"dropped": s.traffic.Dropped(),
	})
}

// systemResponse is the JSON shape for GET /api/system.
type systemResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	UptimeSec int64  `json:"uptime_seconds"`
}

func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, systemResponse{
		Version:   orDefault(s.build.Version, "dev"),
		Commit:    orDefault(s.build.Commit, "none"),
		BuildDate: orDefault(s.build.BuildDate, "unknown"),
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		UptimeSec: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing admin response failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
