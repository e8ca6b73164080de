package dispatch

import (
	"context"
	"time"

	"wacrm/internal/eventbus"
	rtsup "wacrm/internal/runtime/supervisor"
	"wacrm/internal/storage"
	"wacrm/internal/transport"
	logx "wacrm/pkg/logx"
)

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    normalizeConfig(cfg),
		sender: sender,
		log:    log.With(logx.String("comp", "dispatch")),
		bus:    bus,
		store:  store,
		runs:   map[Handle]*run{},
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.Defaults.BaseDelay <= 0 {
		cfg.Defaults = DefaultSettings()
	}
	if cfg.MaxActiveJobs <= 0 {
		cfg.MaxActiveJobs = defaultMaxActiveJobs
	}
	if cfg.StatusMax <= 0 {
		cfg.StatusMax = defaultStatusMax
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = defaultStatusTTL
	}
	return cfg
}

// Defaults returns the settings applied to jobs that carry none.
func (s *Service) Defaults() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Defaults.clone()
}

// Apply swaps configuration. Running jobs keep the settings they started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = normalizeConfig(cfg)
	s.mu.Unlock()
}

// SetSender replaces the transport for jobs started afterwards.
func (s *Service) SetSender(sender transport.Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.log.Info("service started",
		logx.Int("max_active_jobs", s.cfg.MaxActiveJobs),
		logx.Duration("base_delay", s.cfg.Defaults.BaseDelay),
		logx.Bool("adaptive", s.cfg.Defaults.Adaptive),
	)
}

// Stop stops every active job and waits for the loops to exit, bounded by ctx.
// In-flight sends finish on their own; stop continues in background if ctx
// expires first.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	sup.Cancel()
	s.runsMu.RLock()
	for _, r := range s.runs {
		r.ctl.Stop()
	}
	s.runsMu.RUnlock()

	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("service stop timed out; jobs still draining", logx.Err(err))
		return
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Supervisor exposes the job goroutines for health reporting (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}
