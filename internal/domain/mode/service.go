// Package mode holds the proxy's operating mode and dispatches each
// request to the passthrough, recording, or replay handler.
package mode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dproxy-io/dproxy/internal/domain/record"
)

// Service owns the current mode. Reads are lock-free; SetMode persists
// the change to the proxy config row before updating the cached value.
type Service struct {
	store  record.ConfigStore
	mode   atomic.Value // record.Mode
	logger *slog.Logger
}

// NewService creates a mode service initialized to the given default.
// Call Load to adopt the persisted mode.
func NewService(store record.ConfigStore, def record.Mode, logger *slog.Logger) *Service {
	if !def.Valid() {
		def = record.ModePassthrough
	}
	s := &Service{store: store, logger: logger}
	s.mode.Store(def)
	return s
}

// Load reads the persisted mode from the proxy config row. A missing row
// or an invalid stored mode keeps the default.
func (s *Service) Load(ctx context.Context) error {
	row, err := s.store.GetConfig(ctx, record.ConfigProxy)
	if errors.Is(err, record.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load proxy config: %w", err)
	}
	var cfg struct {
		Mode record.Mode `json:"mode"`
	}
	if err := json.Unmarshal(row.Config, &cfg); err != nil {
		s.logger.Warn("proxy config is not valid JSON, keeping default mode", "error", err)
		return nil
	}
	if cfg.Mode.Valid() {
		s.mode.Store(cfg.Mode)
		s.logger.Info("mode loaded", "mode", string(cfg.Mode))
	}
	return nil
}

// CurrentMode returns the active mode.
func (s *Service) CurrentMode() record.Mode {
	return s.mode.Load().(record.Mode)
}

// SetMode persists and activates a new mode. The proxy config row is
// patched in place so the replay latency and session rules survive.
func (s *Service) SetMode(ctx context.Context, m record.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("invalid mode %q", m)
	}

	cfg := map[string]json.RawMessage{}
	row, err := s.store.GetConfig(ctx, record.ConfigProxy)
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		return fmt.Errorf("load proxy config: %w", err)
	}
	if err == nil {
		if uerr := json.Unmarshal(row.Config, &cfg); uerr != nil {
			s.logger.Warn("proxy config is not valid JSON, rewriting", "error", uerr)
			cfg = map[string]json.RawMessage{}
		}
	}
	modeJSON, _ := json.Marshal(string(m))
	cfg["mode"] = modeJSON
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode proxy config: %w", err)
	}
	if err := s.store.PutConfig(ctx, record.ConfigProxy, raw); err != nil {
		return fmt.Errorf("persist mode: %w", err)
	}

	prev := s.CurrentMode()
	s.mode.Store(m)
	s.logger.Info("mode changed", "from", string(prev), "to", string(m))
	return nil
}
