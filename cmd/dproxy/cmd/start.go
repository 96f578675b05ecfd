package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dproxy-io/dproxy/internal/adapter/inbound/admin"
	"github.com/dproxy-io/dproxy/internal/adapter/inbound/proxyhttp"
	"github.com/dproxy-io/dproxy/internal/adapter/outbound/sqlite"
	"github.com/dproxy-io/dproxy/internal/adapter/outbound/trafficlog"
	"github.com/dproxy-io/dproxy/internal/adapter/outbound/upstream"
	"github.com/dproxy-io/dproxy/internal/config"
	"github.com/dproxy-io/dproxy/internal/domain/matching"
	"github.com/dproxy-io/dproxy/internal/domain/mode"
	"github.com/dproxy-io/dproxy/internal/domain/pipeline"
	"github.com/dproxy-io/dproxy/internal/domain/record"
	"github.com/dproxy-io/dproxy/internal/domain/session"
	"github.com/dproxy-io/dproxy/internal/domain/stats"
	"github.com/dproxy-io/dproxy/internal/domain/trafficcfg"
	"github.com/dproxy-io/dproxy/internal/retention"
	"github.com/dproxy-io/dproxy/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy server",
	Long: `Start the dproxy server.

The proxy listens for forward-proxy traffic (plaintext and CONNECT) on
server.port. Domains configured for monitoring are TLS-intercepted with
a locally minted certificate; everything else is tunneled untouched.

Examples:
  # Start with config file settings
  dproxy start

  # Start with a specific config file
  dproxy --config /path/to/dproxy.yaml start

  # Start in replay mode regardless of the stored mode
  dproxy start --mode replay`,
	RunE: runStart,
}

var startMode string

func init() {
	startCmd.Flags().StringVar(&startMode, "mode", "", "override the stored operating mode (passthrough, recording, replay)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if startMode != "" && !record.Mode(startMode).Valid() {
		return fmt.Errorf("invalid --mode %q: must be passthrough, recording, or replay", startMode)
	}

	// stop() restores default signal handling so a second Ctrl+C is a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("dproxy stopped")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// run wires all components together and blocks until shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Record store.
	store, err := sqlite.New(sqlite.Config{Path: cfg.Database.Path}, logger)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer func() { _ = store.Close() }()
	logger.Info("record store opened", "path", cfg.Database.Path)

	// Traffic configuration cache.
	trafficCfg := trafficcfg.NewManager(store, logger)
	if err := trafficCfg.RefreshAll(ctx); err != nil {
		return fmt.Errorf("load traffic config: %w", err)
	}
	logger.Info("traffic config loaded",
		"monitored_domains", len(trafficCfg.MonitoredDomains()))

	// Operating mode.
	modeService := mode.NewService(store, record.ModePassthrough, logger)
	if err := modeService.Load(ctx); err != nil {
		return fmt.Errorf("load mode: %w", err)
	}
	if startMode != "" {
		if err := modeService.SetMode(ctx, record.Mode(startMode)); err != nil {
			return fmt.Errorf("set mode from flag: %w", err)
		}
	}

	// Session fabric.
	fabric := session.NewFabric(store, store, trafficCfg, cfg.SessionExpiry(), logger)

	// Upstream forwarder.
	forwarder := upstream.NewForwarder(upstream.Config{
		ConnectTimeout: time.Duration(cfg.Forwarder.ConnectTimeoutMs) * time.Millisecond,
		TotalTimeout:   time.Duration(cfg.Forwarder.RequestTimeoutMs) * time.Millisecond,
		RetryCount:     cfg.Forwarder.MaxRetries,
		MaxRedirects:   cfg.Forwarder.MaxRedirects,
		InsecureTLS:    cfg.Forwarder.InsecureUpstream,
	}, trafficCfg, logger)

	// Matching engine and mode dispatcher.
	engine := matching.NewEngine(store, store, logger)
	dispatcher := mode.NewDispatcher(modeService, forwarder, engine, fabric, trafficCfg, store, logger)

	// Stats aggregator.
	aggregator := stats.NewAggregator(store, modeService, 0, logger)
	defer aggregator.Close()

	// Traffic log.
	var traffic service.TrafficLogger
	var trafficLog *trafficlog.Logger
	if cfg.TrafficLog.Enabled {
		trafficLog, err = trafficlog.New(trafficlog.Config{
			Dir:           cfg.TrafficLog.Dir,
			RetentionDays: cfg.TrafficLog.RetentionDays,
			MaxFileSizeMB: int(cfg.TrafficLog.MaxFileBytes / (1024 * 1024)),
		}, logger)
		if err != nil {
			return fmt.Errorf("open traffic log: %w", err)
		}
		defer func() { _ = trafficLog.Close() }()
		traffic = trafficLog
	}

	// Metrics.
	registry := prometheus.NewRegistry()
	metrics := admin.NewMetrics(registry)

	// Interceptor chain.
	chain := pipeline.NewChain(
		[]pipeline.RequestInterceptor{
			pipeline.NewUserIDInterceptor(),
			pipeline.NewMobileDimsInterceptor(trafficCfg),
			pipeline.NewHeaderNormInterceptor(),
			pipeline.NewRequestLogInterceptor(logger),
		},
		[]pipeline.ResponseInterceptor{
			pipeline.NewSecurityHeadersInterceptor(),
			pipeline.NewErrorFormatInterceptor(),
			pipeline.NewCORSInterceptor(),
			pipeline.NewJSONTypeInterceptor(),
			pipeline.NewStatsInterceptor(aggregator),
			admin.NewMetricsInterceptor(metrics),
			pipeline.NewResponseLogInterceptor(logger),
		},
		logger,
	)

	proxyService := service.NewProxyService(trafficCfg, chain, fabric, dispatcher, forwarder, traffic, logger)

	// Certificate authority and leaf cache.
	caManager, err := proxyhttp.NewCAManager(proxyhttp.CAConfig{
		CertFile:      cfg.CA.CertFile,
		KeyFile:       cfg.CA.KeyFile,
		Organization:  cfg.CA.Organization,
		ValidityYears: cfg.CA.ValidityYears,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize CA: %w", err)
	}
	certCache := proxyhttp.NewCertCache(caManager, 0, logger)
	certCache.OnMint(metrics.CertMintsTotal.Inc)
	metrics.RegisterGauge("cert_cache_size", "Cached leaf certificates",
		func() float64 { return float64(certCache.Size()) })

	// Rate limiter.
	var limiter *proxyhttp.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = proxyhttp.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		limiter.StartCleanup(ctx)
		defer limiter.Stop()
		metrics.RegisterGauge("rate_limit_keys", "Active rate limit keys",
			func() float64 { return float64(limiter.Size()) })
	}

	// Proxy listener.
	connectDispatcher := proxyhttp.NewConnectDispatcher(trafficCfg, certCache, proxyService, cfg.RequestTimeout(), logger)
	connectDispatcher.OnTunnel(metrics.TunnelsTotal.Inc)
	handler := proxyhttp.NewHandler(connectDispatcher, proxyService, limiter, cfg.RequestTimeout(), logger)

	proxyAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	proxyServer := &http.Server{
		Addr:              proxyAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Admin listener.
	var adminServer *http.Server
	if cfg.Admin.Enabled {
		if trafficLog != nil {
			metrics.RegisterGauge("traffic_log_dropped_total", "Traffic log entries dropped",
				func() float64 { return float64(trafficLog.Dropped()) })
		}
		var recents admin.TrafficRecents
		if trafficLog != nil {
			recents = trafficLog
		}
		adminAPI := admin.NewServer(admin.Config{
			Modes:     modeService,
			Traffic:   trafficCfg,
			CA:        caManager,
			Stats:     store,
			Sessions:  store,
			Recents:   recents,
			Gatherer:  registry,
			TokenHash: cfg.Admin.TokenHash,
			Build:     admin.BuildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate},
			Logger:    logger,
		})
		adminAddr := net.JoinHostPort(cfg.Admin.Host, strconv.Itoa(cfg.Admin.Port))
		adminServer = &http.Server{
			Addr:              adminAddr,
			Handler:           adminAPI.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	// Retention sweeps.
	pruner := retention.NewPruner(store, store, retention.Config{
		Schedule:       cfg.Retention.Schedule,
		SessionGrace:   time.Duration(cfg.Retention.SessionsGraceHours) * time.Hour,
		StatsRetention: time.Duration(cfg.Retention.StatsDays) * 24 * time.Hour,
	}, logger)
	if err := pruner.Start(ctx); err != nil {
		return fmt.Errorf("start retention: %w", err)
	}
	defer pruner.Stop()

	logger.Info("dproxy starting",
		"version", Version,
		"mode", modeService.CurrentMode(),
		"proxy_addr", proxyAddr,
		"admin", cfg.Admin.Enabled,
		"rate_limit", cfg.RateLimit.Enabled,
		"traffic_log", cfg.TrafficLog.Enabled,
	)
	printBanner(cfg, string(modeService.CurrentMode()), len(trafficCfg.MonitoredDomains()))

	errCh := make(chan error, 2)
	go func() {
		if err := proxyServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy listener: %w", err)
		}
	}()
	if adminServer != nil {
		go func() {
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin listener: %w", err)
			}
		}()
		logger.Info("admin API listening", "addr", adminServer.Addr)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("proxy shutdown incomplete", "error", err)
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin shutdown incomplete", "error", err)
		}
	}
	return nil
}

// parseLogLevel converts a string log level to slog.Level, defaulting
// to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a formatted startup banner to stderr.
func printBanner(cfg *config.Config, currentMode string, domains int) {
	const (
		reset = "\033[0m"
		bold  = "\033[1m"
		cyan  = "\033[36m"
		dim   = "\033[2m"
	)

	proxyURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	adminURL := "disabled"
	if cfg.Admin.Enabled {
		adminURL = fmt.Sprintf("http://%s:%d", cfg.Admin.Host, cfg.Admin.Port)
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%sdproxy %s%s\n", bold, cyan, Version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Proxy:", proxyURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Admin API:", adminURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", currentMode)
	fmt.Fprintf(os.Stderr, "  %-14s %d monitored\n", "Domains:", domains)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
