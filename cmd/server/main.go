package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/user/inspect-gateway/internal/cache"
	"github.com/user/inspect-gateway/internal/config"
	"github.com/user/inspect-gateway/internal/dispatch"
	"github.com/user/inspect-gateway/internal/fleet"
	"github.com/user/inspect-gateway/internal/httpapi"
	"github.com/user/inspect-gateway/internal/metrics"
	"github.com/user/inspect-gateway/internal/proxypool"
	"github.com/user/inspect-gateway/internal/queue"
	"github.com/user/inspect-gateway/internal/ratelimit"
	"github.com/user/inspect-gateway/internal/telemetry"
	"github.com/user/inspect-gateway/internal/upstream"
)

func main() {
	cfg := config.LoadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cacheStore, err := cache.NewDynamoDBCacheStore(context.Background(), cfg.AWSRegion, cfg.CacheTableName)
	if err != nil {
		log.Fatalf("Failed to init cache store: %v", err)
	}

	accountStore, err := cache.NewDynamoDBAccountStore(context.Background(), cfg.AWSRegion, cfg.AccountTableName)
	if err != nil {
		log.Fatalf("Failed to init account store: %v", err)
	}

	proxyAuditStore, err := cache.NewDynamoDBProxyAuditStore(context.Background(), cfg.AWSRegion, cfg.ProxyAuditTableName)
	if err != nil {
		log.Fatalf("Failed to init proxy audit store: %v", err)
	}

	tpShutdown, err := telemetry.InitTracer()
	if err != nil {
		slog.Error("Failed to init telemetry", "error", err)
	} else {
		defer func() {
			if err := tpShutdown(context.Background()); err != nil {
				slog.Error("Failed to shutdown telemetry", "error", err)
			}
		}()
	}

	accounts := upstream.LoadAccountFile(cfg.AccountListPath)
	if len(accounts) == 0 {
		remote, err := accountStore.ListAccounts(context.Background())
		if err != nil {
			slog.Error("Failed to load accounts from store", "error", err)
		}
		accounts = remote
	}
	if len(accounts) == 0 {
		log.Fatal("No accounts configured: set ACCOUNT_LIST_PATH or seed the account table")
	}

	proxyURLs := proxypool.LoadProxyFile(cfg.ProxyFilePath)
	pool := proxypool.NewPool(proxyURLs, cfg.MaxRequestsPerProxy, cfg.ProxyRequestCooldown, proxypool.RetryPolicy{
		Enabled:       cfg.ProxyRetryEnabled,
		MaxRetries:    cfg.ProxyRetryMaxRetries,
		ExcludeFailed: cfg.ProxyRetryExcludeFailed,
		RetryDelay:    cfg.ProxyRetryDelay,
	})

	sessionCfg := upstream.DefaultConfig()
	sessionCfg.InspectTTL = cfg.InspectTTL
	transportFactory := upstream.TransportFactory(func(proxyURL *string) (upstream.Transport, error) {
		return upstream.NewFakeTransport(proxyURL)
	})

	f := fleet.New(accounts, cfg.MaxOnlineBots, pool, transportFactory, sessionCfg, fleet.DefaultRetryConfig(), logger)

	d := dispatch.New(pool, cacheStore, nil)
	q := queue.New(queue.Config{MaxAttempts: cfg.QueueMaxAttempts, SizingInterval: 50 * time.Millisecond}, f.ReadyCount, pool.MaxConcurrency, pool.CanAcceptMoreRequests, d.Handler())
	q.Start()

	go auditProxyPoolPeriodically(pool, proxyAuditStore, logger)
	go sampleMetricsPeriodically(f, pool, q, cfg.MaxOnlineBots)

	var limiter *ratelimit.HTTPLimiter
	if cfg.HTTPRateLimitEnabled {
		limiter = ratelimit.NewHTTPLimiter(cfg.HTTPRateLimitRPS, cfg.HTTPRateLimitBurst)
	}

	var capStore ratelimit.ClientCapStore
	if cfg.ClientCapMax > 0 {
		if cfg.RedisAddr != "" {
			capStore = ratelimit.NewRedisClientCapStore(cfg.RedisAddr, cfg.RedisPassword)
		} else {
			capStore = ratelimit.NewInMemoryClientCapStore()
		}
	}

	httpCfg := httpapi.Config{
		MaxSimultaneousRequests: cfg.MaxSimultaneousRequests,
		MaxQueueSize:            cfg.MaxQueueSize,
		MaxBulkLinks:            cfg.MaxBulkLinks,
		JobTimeout:              cfg.JobTimeout,
		PriceKey:                cfg.PriceKey,
		BulkKey:                 cfg.BulkKey,
		AuthKey:                 cfg.AuthKey,
		AdminKey:                cfg.AdminKey,
		ClientCapMax:            cfg.ClientCapMax,
		ClientCapWindow:         cfg.ClientCapWindow,
		CORS:                    httpapi.CompileOrigins(cfg.CORSAllowedOrigins, cfg.CORSAllowedOriginRegex, logger),
	}

	server := httpapi.New(httpCfg, f, pool, q, cacheStore, accountStore, limiter, capStore, logger)
	srv := server.HTTPServer(":" + cfg.ServerPort)

	go func() {
		slog.Info("Starting server", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server init failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Waiting for fleet and queue to drain...")
	q.Stop()
	if err := f.Shutdown(ctx); err != nil {
		slog.Error("Failed to shut down fleet cleanly", "error", err)
	}

	slog.Info("Server exiting")
}

func auditProxyPoolPeriodically(pool *proxypool.Pool, store cache.ProxyAuditStore, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if err := store.RecordSnapshot(context.Background(), pool.Groups()); err != nil {
			logger.Warn("proxy audit snapshot failed", "error", err)
		}
	}
}

// sampleMetricsPeriodically keeps the fleet/pool/queue Prometheus gauges
// fresh. These three subsystems are polled rather than pushed into because
// their counters change far more often than any scrape interval cares
// about.
func sampleMetricsPeriodically(f *fleet.Fleet, pool *proxypool.Pool, q *queue.Queue, target int) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		metrics.FleetOnline.Set(float64(f.ReadyCount()))
		metrics.FleetTarget.Set(float64(target))
		metrics.QueueDepth.Set(float64(q.Size()))
		metrics.QueueConcurrency.Set(float64(q.Concurrency()))
		for _, g := range pool.Groups() {
			id := strconv.Itoa(g.ID)
			metrics.ProxyGroupActiveRequests.WithLabelValues(id).Set(float64(g.ActiveRequests))
			metrics.ProxyGroupSuccessRate.WithLabelValues(id).Set(g.SuccessRate())
		}
	}
}
