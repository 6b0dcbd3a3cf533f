// Package httpapi implements C7, the HTTP Surface: the gin routes that
// accept inspect requests, report fleet/queue health, and let an operator
// submit a Steam Guard code or grow the fleet without a restart.
package httpapi

import (
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/user/inspect-gateway/internal/cache"
	"github.com/user/inspect-gateway/internal/fleet"
	"github.com/user/inspect-gateway/internal/metrics"
	"github.com/user/inspect-gateway/internal/proxypool"
	"github.com/user/inspect-gateway/internal/queue"
	"github.com/user/inspect-gateway/internal/ratelimit"
)

// Config carries every operator-supplied knob the HTTP surface needs,
// beyond the fleet/queue/pool it is handed directly.
type Config struct {
	MaxSimultaneousRequests int // per-client cap; 0 disables
	MaxQueueSize            int // 0 disables
	MaxBulkLinks            int // 0 disables the cap entirely
	JobTimeout              time.Duration

	PriceKey string // spec.md §6 "Price submission"; empty disables price capture
	BulkKey  string // empty allows any caller to hit /bulk
	AuthKey  string // empty allows any caller to hit /auth
	AdminKey string // empty disables the admin group entirely

	// ClientCapMax/ClientCapWindow gate a second, windowed per-client cap
	// backed by ratelimit.ClientCapStore (Redis in production, so the cap
	// survives across instances behind the same Redis), independent of the
	// queue's in-flight users[ip] counter. ClientCapMax == 0 disables it.
	ClientCapMax    int64
	ClientCapWindow time.Duration

	CORS CORSConfig
}

func DefaultConfig() Config {
	return Config{
		MaxSimultaneousRequests: 0,
		MaxQueueSize:            0,
		MaxBulkLinks:            50,
		JobTimeout:              30 * time.Second,
	}
}

// Server wires C3-C6 into gin routes.
type Server struct {
	cfg          Config
	fleet        *fleet.Fleet
	pool         *proxypool.Pool
	queue        *queue.Queue
	cache        cache.CacheStore
	accountStore cache.AccountStore
	limiter      *ratelimit.HTTPLimiter
	capStore     ratelimit.ClientCapStore
	log          *slog.Logger

	engine *gin.Engine
}

// New builds a Server and registers every route. accountStore may be nil,
// in which case an admin account addition only grows the fleet's in-memory
// spare pool without persisting. capStore may be nil, in which case the
// windowed per-client cap (Config.ClientCapMax) is skipped regardless of
// configuration.
func New(cfg Config, f *fleet.Fleet, pool *proxypool.Pool, q *queue.Queue, cacheStore cache.CacheStore, accountStore cache.AccountStore, limiter *ratelimit.HTTPLimiter, capStore ratelimit.ClientCapStore, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, fleet: f, pool: pool, queue: q, cache: cacheStore, accountStore: accountStore, limiter: limiter, capStore: capStore, log: log}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(otelgin.Middleware("inspect-gateway"))
	s.engine.Use(metrics.Middleware())
	s.engine.Use(corsMiddleware(cfg.CORS))
	if limiter != nil {
		s.engine.Use(limiter.Middleware())
	}
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin.Engine for ListenAndServe/httptest.
func (s *Server) Engine() *gin.Engine { return s.engine }

// HTTPServer builds an *http.Server bound to addr, serving this Server's
// engine.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{Addr: addr, Handler: s.engine}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.GET("/", s.handleInspect)
	s.engine.POST("/bulk", s.handleBulk)
	s.engine.GET("/stats", s.handleStats)
	s.engine.POST("/auth", s.handleAuth)
	s.engine.GET("/pending-auth", s.handlePendingAuth)
	s.engine.GET("/status", s.handleStatus)

	if s.cfg.AdminKey != "" {
		admin := s.engine.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		admin.POST("/accounts", s.handleAdminAddAccount)
		admin.POST("/proxies", s.handleAdminAddProxy)
	}
}

// CompileOrigins turns raw regex strings (from config) into the
// CORSConfig's compiled form, skipping any pattern that doesn't compile
// rather than failing server startup over an operator typo.
func CompileOrigins(literal []string, patterns []string, log *slog.Logger) CORSConfig {
	c := CORSConfig{AllowedOrigins: literal}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			if log != nil {
				log.Warn("skipping invalid CORS origin pattern", "pattern", p, "error", err)
			}
			continue
		}
		c.AllowedRegexOrigins = append(c.AllowedRegexOrigins, re)
	}
	return c
}
