package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "wacrm/internal/runtime/supervisor"
	logx "wacrm/pkg/logx"
)

const (
	DefaultAddr            = "127.0.0.1:8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Config controls the API server. Listening on a non-loopback address
// without a Token works but is logged as a warning on every (re)start.
type Config struct {
	Addr           string
	Token          string
	RatePerSec     float64
	Burst          int
	Pprof          bool
	TrustedProxies []string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) normalize() Config {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Server owns the listener. One run (a supervisor plus the http.Server it
// restarts) exists between Start and Stop.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps
	api  *API
	cur  *run

	boundCh chan string
}

type run struct {
	sup *rtsup.Supervisor
	srv atomic.Pointer[http.Server]
}

func NewServer(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.normalize()
	log = log.With(logx.String("comp", "httpapi"))
	return &Server{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		api:     NewAPI(cfg, deps, log),
		boundCh: make(chan string, 1),
	}
}

// Supervisor is nil while stopped.
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

// Bound delivers the first listen address.
func (s *Server) Bound() <-chan string { return s.boundCh }

// Reconfigure swaps the token and rate limits in place. Address, pprof,
// proxy or timeout changes rebuild the engine and restart a running server.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	cfg = cfg.normalize()

	s.mu.Lock()
	prev, api, running := s.cfg, s.api, s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !listenerChanged(prev, cfg) {
		api.apply(cfg)
		return
	}
	s.log.Info("http api settings changed, restarting", logx.String("addr", cfg.Addr))
	if running {
		s.Stop(ctx)
	}
	s.mu.Lock()
	s.api = NewAPI(cfg, s.deps, s.log)
	s.mu.Unlock()
	if running {
		s.Start(ctx)
	}
}

func listenerChanged(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Pprof != b.Pprof ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		!slices.Equal(a.TrustedProxies, b.TrustedProxies)
}

// Start is a no-op when already running.
func (s *Server) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return
	}
	r := &run{sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))}
	s.cur = r
	r.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, r) },
		500*time.Millisecond, 10*time.Second)
}

// Stop drains in-flight requests for up to ShutdownTimeout (or until ctx
// ends) and waits for the serve loop to exit.
func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r, grace := s.cur, s.cfg.ShutdownTimeout
	s.cur = nil
	s.mu.Unlock()
	if r == nil {
		return
	}

	if srv := r.srv.Load(); srv != nil {
		sctx, cancel := context.WithTimeout(ctx, grace)
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Warn("http api drain cut short", logx.Err(err))
			_ = srv.Close()
		}
		cancel()
	}
	r.sup.Cancel()
	if err := r.sup.Wait(ctx); err != nil {
		s.log.Warn("http api serve loop still running", logx.Err(err))
	}
	s.log.Info("http api stopped")
}

func (s *Server) serve(ctx context.Context, r *run) error {
	s.mu.Lock()
	cfg, api := s.cfg, s.api
	s.mu.Unlock()

	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("http api has no token and listens beyond loopback", logx.String("addr", cfg.Addr))
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("http api listen %s: %w", cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       time.Minute,
	}
	r.srv.Store(srv)
	defer r.srv.CompareAndSwap(srv, nil)

	// Supervisor cancellation without Stop (app shutdown) still closes the
	// listener, with a short drain.
	release := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer release()

	addr := ln.Addr().String()
	select {
	case s.boundCh <- addr:
	default:
	}
	s.log.Info("http api listening",
		logx.String("addr", addr),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)

	err = srv.Serve(ln)
	switch {
	case ctx.Err() != nil:
		return context.Canceled
	case errors.Is(err, http.ErrServerClosed):
		// Stop shut the server down before canceling the supervisor.
		return context.Canceled
	default:
		return err
	}
}

// isLoopbackAddr reports whether host:port binds only to loopback. An empty
// host binds every interface.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
