package httpapi

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"wacrm/internal/observability/metrics"
	logx "wacrm/pkg/logx"
)

func (a *API) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, rec any) {
		a.log.Error("http handler panicked",
			logx.String("path", c.Request.URL.Path),
			logx.Any("panic", rec),
			logx.String("stack", string(debug.Stack())),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
	})
}

// observe counts every request by route template and logs it at debug.
func (a *API) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		metrics.HTTPRequestTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(code)).Inc()
		a.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("route", route),
			logx.Int("code", code),
			logx.Duration("took", time.Since(start)),
			logx.String("client", c.ClientIP()),
		)
	}
}

// auth accepts either "Authorization: Bearer <token>" or "?token=<token>".
// The query form exists for gateways that cannot set headers on webhooks.
func (a *API) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		a.mu.RLock()
		tok := a.token
		a.mu.RUnlock()
		if tok == "" {
			c.Next()
			return
		}
		if got := c.Query("token"); got != "" {
			if got == tok {
				c.Next()
				return
			}
			unauthorized(c)
			return
		}
		if ah := c.GetHeader("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				c.Next()
				return
			}
		}
		unauthorized(c)
	}
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
}

func (a *API) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		a.mu.RLock()
		lim := a.limiter
		a.mu.RUnlock()
		if !lim.allow(c.ClientIP(), time.Now()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Error: "rate limited"})
			return
		}
		c.Next()
	}
}

const (
	limiterIdleTTL  = 10 * time.Minute
	limiterSweepMax = 4096
)

// clientLimiter keeps one token bucket per client IP. A zero rate disables it.
type clientLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		return &clientLimiter{}
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &clientLimiter{rps: rate.Limit(rps), burst: burst, clients: map[string]*clientBucket{}}
}

func (l *clientLimiter) allow(client string, now time.Time) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.clients[client]
	if !ok {
		if len(l.clients) >= limiterSweepMax {
			l.sweepLocked(now)
		}
		b = &clientBucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.clients[client] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

func (l *clientLimiter) sweepLocked(now time.Time) {
	for k, b := range l.clients {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(l.clients, k)
		}
	}
}
