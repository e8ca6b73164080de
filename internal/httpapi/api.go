// Package httpapi exposes inbound submission, dispatch control and the
// unsubscribe list over HTTP (gin).
package httpapi

import (
	"context"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"wacrm/internal/dispatch"
	"wacrm/internal/inbound"
	"wacrm/internal/observability/metrics"
	"wacrm/internal/storage"
	"wacrm/internal/transport"
	logx "wacrm/pkg/logx"
)

// Dispatcher is the subset of *dispatch.Service the API drives.
type Dispatcher interface {
	StartDispatch(ctx context.Context, job dispatch.Job) (dispatch.Handle, error)
	Pause(h dispatch.Handle) (bool, error)
	Resume(h dispatch.Handle) (bool, error)
	StopJob(h dispatch.Handle) (bool, error)
	Progress(h dispatch.Handle) (dispatch.Snapshot, error)
	List() []dispatch.Snapshot
	Defaults() dispatch.Settings
}

// Inbox is the subset of *inbound.Buffer the API drives.
type Inbox interface {
	SubmitFragment(ctx context.Context, senderID string, f inbound.Fragment) error
	Pending(senderID string) int
}

// GatewayState reports the WhatsApp gateway connection state for /healthz.
type GatewayState interface {
	State(ctx context.Context) (string, error)
}

// Deps are the services behind the routes. Store, Render, Gateway and Health
// are optional.
type Deps struct {
	Dispatch Dispatcher
	Inbound  Inbox
	Store    storage.Store
	Render   func(r transport.Recipient, message string) string
	Gateway  GatewayState
	// Health adds extra sections (e.g. supervisor snapshots) to /healthz.
	Health func() map[string]any
}

// API is the gin engine plus the settings that can change without a restart.
type API struct {
	deps   Deps
	log    logx.Logger
	engine *gin.Engine

	mu      sync.RWMutex
	token   string
	limiter *clientLimiter
}

func NewAPI(cfg Config, deps Deps, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.Warn("invalid trusted proxies; trusting none", logx.Err(err))
		_ = engine.SetTrustedProxies(nil)
	}

	a := &API{deps: deps, log: log, engine: engine}
	a.apply(cfg)

	engine.Use(
		a.recovery(),
		a.observe(),
	)
	a.routes(cfg)
	return a
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler { return a.engine }

// apply swaps the token and limiter in place.
func (a *API) apply(cfg Config) {
	a.mu.Lock()
	a.token = strings.TrimSpace(cfg.Token)
	a.limiter = newClientLimiter(cfg.RatePerSec, cfg.Burst)
	a.mu.Unlock()
}

func (a *API) routes(cfg Config) {
	r := a.engine

	// public
	r.GET("/healthz", a.healthz)
	r.GET("/unsubscribe", a.rateLimit(), a.unsubscribeLink)

	auth := r.Group("/", a.rateLimit(), a.auth())
	auth.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := auth.Group("/v1")
	{
		v1.POST("/inbound", a.submitInbound)
		v1.POST("/webhook/evolution", a.evolutionWebhook)

		v1.POST("/dispatch", a.startDispatch)
		v1.GET("/dispatch", a.listDispatch)
		v1.GET("/dispatch/history", a.dispatchHistory)
		v1.GET("/dispatch/:id", a.getDispatch)
		v1.POST("/dispatch/:id/pause", a.pauseDispatch)
		v1.POST("/dispatch/:id/resume", a.resumeDispatch)
		v1.POST("/dispatch/:id/stop", a.stopDispatch)

		v1.POST("/unsubscribe", a.unsubscribe)
		v1.GET("/unsubscribe/:id", a.unsubscribeStatus)
	}

	if cfg.Pprof {
		pp := auth.Group("/debug/pprof")
		pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		pp.GET("/profile", gin.WrapF(hpprof.Profile))
		pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
		pp.POST("/symbol", gin.WrapF(hpprof.Symbol))
		pp.GET("/trace", gin.WrapF(hpprof.Trace))
		// hpprof.Index serves named profiles by path suffix under /debug/pprof/.
		pp.GET("/", gin.WrapF(hpprof.Index))
		pp.GET("/:name", gin.WrapF(hpprof.Index))
	}
}
