// Package retention prunes expired sessions and aged stats rows on a
// cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dproxy-io/dproxy/internal/domain/record"
)

// Config controls what the pruner removes and when it runs.
type Config struct {
	// Schedule is a standard cron expression. Empty disables pruning.
	Schedule string
	// SessionGrace keeps expired sessions around for this long past
	// their expiry before deletion.
	SessionGrace time.Duration
	// StatsRetention is how long stats rows are kept. Zero keeps them
	// forever.
	StatsRetention time.Duration
}

// DefaultConfig prunes daily at 03:00, drops expired sessions after a
// one-day grace period, and keeps stats for 30 days.
func DefaultConfig() Config {
	return Config{
		Schedule:       "0 3 * * *",
		SessionGrace:   24 * time.Hour,
		StatsRetention: 30 * 24 * time.Hour,
	}
}

// Pruner runs retention sweeps against the session and stats stores.
type Pruner struct {
	sessions record.SessionStore
	stats    record.StatsStore
	config   Config
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewPruner creates a retention pruner.
func NewPruner(sessions record.SessionStore, stats record.StatsStore, cfg Config, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		sessions: sessions,
		stats:    stats,
		config:   cfg,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start schedules the sweeps. It returns immediately; the cron runner
// stops when ctx is done or Stop is called.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.Schedule == "" {
		p.logger.Info("retention schedule not configured, pruning disabled")
		return nil
	}
	if _, err := cron.ParseStandard(p.config.Schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", p.config.Schedule, err)
	}

	if _, err := p.cron.AddFunc(p.config.Schedule, func() { p.runSweep(ctx) }); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	p.cron.Start()
	p.running = true
	p.logger.Info("retention scheduler started",
		"schedule", p.config.Schedule,
		"session_grace", p.config.SessionGrace,
		"stats_retention", p.config.StatsRetention)

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Sweep runs one retention pass immediately.
func (p *Pruner) Sweep(ctx context.Context) (sessions, stats int64, err error) {
	cutoff := time.Now().Add(-p.config.SessionGrace)
	sessions, err = p.sessions.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("prune sessions: %w", err)
	}

	if p.config.StatsRetention > 0 {
		statsCutoff := time.Now().Add(-p.config.StatsRetention)
		stats, err = p.stats.DeleteStatsBefore(ctx, statsCutoff)
		if err != nil {
			return sessions, 0, fmt.Errorf("prune stats: %w", err)
		}
	}
	return sessions, stats, nil
}

func (p *Pruner) runSweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	sessions, stats, err := p.Sweep(sweepCtx)
	if err != nil {
		p.logger.Error("retention sweep failed", "error", err)
		return
	}
	if sessions > 0 || stats > 0 {
		p.logger.Info("retention sweep completed",
			"sessions_deleted", sessions, "stats_deleted", stats)
	} else {
		p.logger.Debug("retention sweep completed, nothing to delete")
	}
}

// Stop halts the scheduler and waits for a running sweep to finish.
// Safe to call more than once.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	<-p.cron.Stop().Done()
	p.running = false
	p.logger.Info("retention scheduler stopped")
}

// NextRun returns the next scheduled sweep time, or the zero time when
// the scheduler is idle.
func (p *Pruner) NextRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
