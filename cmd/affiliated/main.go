package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/totegamma/affiliate-ledger"
	"github.com/totegamma/affiliate-ledger/client"
	"github.com/totegamma/affiliate-ledger/internal/cache"
	"github.com/totegamma/affiliate-ledger/internal/config"
	"github.com/totegamma/affiliate-ledger/internal/domain"
	"github.com/totegamma/affiliate-ledger/internal/infra/database"
	"github.com/totegamma/affiliate-ledger/internal/infra/limiter"
	"github.com/totegamma/affiliate-ledger/internal/infra/logging"
	"github.com/totegamma/affiliate-ledger/internal/infra/metrics"
	"github.com/totegamma/affiliate-ledger/internal/infra/repository"
	"github.com/totegamma/affiliate-ledger/internal/infra/telemetry"
	"github.com/totegamma/affiliate-ledger/internal/present/rest"
	restmiddleware "github.com/totegamma/affiliate-ledger/internal/present/rest/middleware"
	"github.com/totegamma/affiliate-ledger/internal/service"
	"github.com/totegamma/affiliate-ledger/internal/usecase"
)

func main() {
	configPath := flag.String("config", os.Getenv("AFFILIATE_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.SetDefault(logging.New(os.Stdout, conf.Logging))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf); err != nil {
		slog.Error("affiliated stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, conf config.Config) error {
	if conf.Trace.Enable {
		shutdown, err := telemetry.SetupTraceProvider(ctx, conf.Trace.Endpoint, "affiliated", affiliate.ServiceVersion)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	affiliates := cache.New[domain.AffiliateRecord](cache.AffiliatesCache, conf.Cache.AffiliateTTL)
	metricsCache := cache.New[affiliate.MetricsResponse](cache.MetricsCache, conf.Cache.MetricsTTL)
	reports := cache.New[affiliate.HealthResponse](cache.HealthCache, conf.Cache.HealthTTL)
	probes := cache.New[affiliate.HealthCheck](cache.ProbesCache, conf.Cache.HealthTTL)

	caches := cache.NewRegistry()
	caches.Register(affiliates)
	caches.Register(metricsCache)
	caches.Register(reports)
	caches.Register(probes)
	caches.RunJanitors(ctx, conf.Cache.CleanupInterval)

	ledger := repository.NewLedgerRepository(conf.Affiliate.DataFile, conf.Affiliate.CommissionRate, affiliates, metricsCache)
	if err := ledger.Load(ctx); err != nil {
		if !errors.Is(err, domain.ErrStorageCorrupt) || !conf.Affiliate.ResetOnCorrupt {
			return err
		}
		moved, qerr := ledger.Quarantine(ctx)
		if qerr != nil {
			return qerr
		}
		slog.Warn(
			"ledger was corrupt and has been reset",
			slog.String("module", "main"),
			slog.String("moved_to", moved),
		)
	}

	promMetrics := metrics.New()
	promMetrics.RegisterCaches(caches)
	promMetrics.RegisterLedger(func() domain.Totals { return ledger.Totals(context.Background()) })

	upstream := client.New(client.Options{
		BaseURL:        conf.Upstream.BaseURL,
		RequestTimeout: conf.Upstream.RequestTimeout,
		ProbeTimeout:   conf.Upstream.ProbeTimeout,
		Retry: client.RetryPolicy{
			MaxAttempts: conf.Upstream.MaxRetries,
			Delay:       conf.Upstream.RetryDelay,
		},
		Observer: promMetrics.UpstreamAttempt,
	})
	if !upstream.Configured() {
		slog.Warn("upstream base url is not configured; purchases will fail", slog.String("module", "main"))
	}

	pingers := map[string]usecase.Pinger{}

	var (
		events    usecase.EventPublisher
		signalSvc *service.SignalService
	)
	rdb, err := database.NewRedis(ctx, conf.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		signalSvc = service.NewSignalService(rdb, conf.Redis.Channel)
		events = signalSvc
		pingers["signal"] = signalSvc
	}

	var rateLimiter limiter.Limiter = limiter.NewLocal()
	mc, err := database.NewMemcached(conf.Memcached)
	if err != nil {
		return err
	}
	if mc != nil {
		rateLimiter = limiter.NewFallback(limiter.NewMemcache(mc), rateLimiter)
		pingers["memcached"] = usecase.PingFunc(func(context.Context) error { return mc.Ping() })
	}

	domainConfig := conf.Domain()
	handler := rest.NewHandler(
		domainConfig,
		usecase.NewAffiliateUsecase(ledger, affiliates, events, promMetrics, domainConfig),
		usecase.NewPurchaseUsecase(ledger, upstream, events, promMetrics, domainConfig),
		usecase.NewHealthUsecase(ledger, upstream, caches, reports, probes, pingers),
		usecase.NewMetricsUsecase(ledger, metricsCache),
		usecase.NewCacheUsecase(caches),
		signalSvc,
		promMetrics.Handler(),
		rest.Limits{
			Register: restmiddleware.RateLimit{
				Limiter:  rateLimiter,
				Recorder: promMetrics,
				Scope:    "register",
				Limit:    conf.Affiliate.MaxAffiliatesPerIP,
				Window:   24 * time.Hour,
			}.Middleware,
			Purchase: restmiddleware.RateLimit{
				Limiter:  rateLimiter,
				Recorder: promMetrics,
				Scope:    "purchase",
				Limit:    conf.Affiliate.MaxRequestsPerMinute,
				Window:   time.Minute,
			}.Middleware,
		},
	)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	if len(conf.Server.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: conf.Server.CORSOrigins}))
	} else {
		e.Use(middleware.CORS())
	}
	if conf.Trace.Enable {
		e.Use(otelecho.Middleware("affiliated", otelecho.WithSkipper(func(c echo.Context) bool {
			return c.Path() == "/metrics/prometheus" || c.Path() == "/health"
		})))
	}
	e.Use(restmiddleware.ClientIP)
	handler.RegisterRoutes(e)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("affiliated listening", slog.String("module", "main"), slog.String("addr", conf.Server.Addr))
		if err := e.Start(conf.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down", slog.String("module", "main"))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ledger.Save(shutdownCtx)
}
