// Command tileserver runs the XYZ map-tile server: the hybrid cache, the
// tile-serving pipeline, the background warming/cleanup task runtime, and
// the thin HTTP adapters over all three.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lapig-ufg/tileserver/internal/backend"
	"github.com/lapig-ufg/tileserver/internal/cache"
	"github.com/lapig-ufg/tileserver/internal/catalog"
	"github.com/lapig-ufg/tileserver/internal/cleanup"
	"github.com/lapig-ufg/tileserver/internal/config"
	"github.com/lapig-ufg/tileserver/internal/httpapi"
	"github.com/lapig-ufg/tileserver/internal/lock"
	"github.com/lapig-ufg/tileserver/internal/monitoring"
	"github.com/lapig-ufg/tileserver/internal/pipeline"
	"github.com/lapig-ufg/tileserver/internal/tracing"
	"github.com/lapig-ufg/tileserver/internal/warming"
	"github.com/lapig-ufg/tileserver/internal/worker"
)

const buildVersion = "dev"

// Exit codes per spec.md §6: 0 clean shutdown, 1 runtime failure, 2 fatal
// configuration error.
const (
	exitOK           = 0
	exitRuntimeError = 1
	exitConfigFatal  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Getenv("TILESERVER_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal config error:", err)
		return exitConfigFatal
	}

	logLevel := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, buildVersion)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.L2URL})
	defer redisClient.Close()

	minioClient, err := minio.New(cfg.L3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.L3AccessKey, cfg.L3SecretKey, ""),
		Secure: cfg.L3UseSSL,
	})
	if err != nil {
		logger.Error("failed to build l3 object store client", "error", err)
		return exitConfigFatal
	}

	l2 := cache.NewRedisMetadataStore(redisClient)
	l3 := cache.NewMinioObjectStore(minioClient, cfg.L3Bucket)
	hybridCache := cache.New(l2, l3, cache.Config{
		PNGTTL: cfg.PNGTTL, MetaTTL: cfg.MetaTTL, L1Max: cfg.L1Max, L1MaxAge: cfg.L1MaxAge,
	}, logger)

	// The lock lease must outlast a tile production round trip (backend
	// lease + fetch), not the URL lifespan the lease itself carries.
	locker := lock.New(redisClient, 60*time.Second, logger)

	catalogStore, err := catalog.Connect(ctx, cfg.MongoURL, cfg.MongoDatabase)
	if err != nil {
		logger.Error("fatal: failed to connect to catalog store", "error", err)
		return exitConfigFatal
	}
	defer catalogStore.Disconnect(context.Background())

	backendClient := backend.New(backend.Config{
		BaseURL: cfg.BackendBaseURL, MaxWorkers: cfg.MaxWorkersBackend,
		LeaseRPS: cfg.LeaseRPS, LeaseBurst: cfg.LeaseBurst,
		BreakerThreshold: uint32(cfg.BreakerThreshold), BreakerRecoveryTimeout: cfg.BreakerRecoveryTimeout,
		RequestTimeout: 30 * time.Second, FetchBackoffBase: 500 * time.Millisecond,
	}, nil, logger)

	registry := catalog.NewRegistry(nil)

	pipelineLayers := make(map[string]bool, len(cfg.Layers))
	for _, layer := range cfg.Layers {
		pipelineLayers[layer] = true
	}
	pipe := pipeline.New(hybridCache, locker, backendClient, registry, pipeline.Config{
		MinZoom: cfg.MinZoom, MaxZoom: cfg.MaxZoom, PNGTTL: cfg.PNGTTL, MetaTTL: cfg.MetaTTL,
		LifespanURL: cfg.LifespanURL, Layers: pipelineLayers,
	}, logger)

	healthChecker := monitoring.NewHealthChecker(monitoring.ServiceName, buildVersion)
	startHealthMonitors(ctx, healthChecker, l2, l3, catalogStore, backendClient)

	cleaner := cleanup.New(l2, l3, healthChecker, catalogStore, backendClient, logger)

	limiter := warming.NewAdaptiveLimiter(1, cfg.MaxWorkersBackend)
	warmer := warming.New(hybridCache, backendClient, catalogStore, limiter, warming.Config{
		ZoomLevels: cfg.ZoomLevels, MaxGrid: 4, BatchSize: 50, PNGTTL: cfg.PNGTTL,
	}, logger)

	runtime := worker.NewRuntime(catalogStore, logger)
	warmer = warmer.WithSubmitter(runtime.Submit)
	registerTasks(runtime, warmer, cleaner, cfg)

	scheduler, err := worker.NewScheduler(runtime, logger)
	if err != nil {
		logger.Error("fatal: failed to build periodic scheduler", "error", err)
		return exitConfigFatal
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	go runtime.Run(workerCtx, worker.DefaultConfig())
	scheduler.Start()
	defer scheduler.Stop()

	httpServer := httpapi.New(pipe, catalogStore, backendClient, runtime, hybridCache, warmer, healthChecker, logger)
	rl := httpapi.NewRateLimiter(50, 100)
	defer rl.Stop()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpServer.Handler(rl),
		ReadHeaderTimeout: 30 * time.Second,
	}

	monitoringMux := http.NewServeMux()
	monitoringMux.Handle("/metrics", promhttp.Handler())
	monitoringServer := &http.Server{
		Addr:              cfg.MonitoringAddr,
		Handler:           monitoringMux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	serveErrors := make(chan error, 2)
	go func() {
		logger.Info("starting http server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrors <- err
		}
	}()
	go func() {
		logger.Info("starting monitoring server", "addr", cfg.MonitoringAddr)
		if err := monitoringServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrors <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrors:
		logger.Error("server error", "error", err)
		return exitRuntimeError
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	monitoringServer.Shutdown(shutdownCtx)
	cancelWorkers()
	runtime.Stop()

	logger.Info("tileserver stopped")
	return exitOK
}

// registerTasks binds every named task the periodic schedule and the
// HTTP surface dispatch onto the runtime's lanes, per spec.md §4.6/§4.7/§4.8.
func registerTasks(runtime *worker.Runtime, warmer *warming.Warmer, cleaner *cleanup.Cleaner, cfg *config.Config) {
	runtime.Register(worker.TaskSpec{
		Name: "cache_point", Lane: worker.LaneStandard, MaxRetries: 3, BaseBackoff: time.Second,
		RatePerMin: cfg.WarmingRateLimitPerMin, Fn: warmer.CachePoint,
	})
	runtime.Register(worker.TaskSpec{
		Name: "cache_campaign", Lane: worker.LaneHighPriority, MaxRetries: 3, BaseBackoff: time.Second,
		Fn: warmer.CacheCampaign,
	})
	runtime.Register(worker.TaskSpec{
		Name: "cache_point_batch", Lane: worker.LaneStandard, MaxRetries: 3, BaseBackoff: time.Second,
		RatePerMin: cfg.WarmingRateLimitPerMin, Fn: warmer.CachePointBatch,
	})
	runtime.Register(worker.TaskSpec{
		Name: "warm-popular-regions", Lane: worker.LaneLowPriority, MaxRetries: 1, BaseBackoff: time.Minute,
		Fn: func(ctx context.Context, jobID string, payload map[string]any) error { return nil },
	})
	runtime.Register(worker.TaskSpec{
		Name: "analyze-usage-patterns", Lane: worker.LaneMaintenance, MaxRetries: 1, BaseBackoff: time.Minute,
		Fn: cleaner.AnalyzeUsage,
	})
	runtime.Register(worker.TaskSpec{
		Name: "cleanup-expired", Lane: worker.LaneMaintenance, MaxRetries: 1, BaseBackoff: time.Minute,
		Fn: cleaner.CleanupExpired,
	})
	runtime.Register(worker.TaskSpec{
		Name: "cleanup-orphaned", Lane: worker.LaneMaintenance, MaxRetries: 1, BaseBackoff: time.Minute,
		Fn: cleaner.CleanupOrphaned,
	})
	runtime.Register(worker.TaskSpec{
		Name: "health-check", Lane: worker.LaneMaintenance, MaxRetries: 1, BaseBackoff: 10 * time.Second,
		Fn: cleaner.HealthCheck,
	})
	runtime.Register(worker.TaskSpec{
		Name: "collect-metrics", Lane: worker.LaneMaintenance, MaxRetries: 1, BaseBackoff: 10 * time.Second,
		Fn: func(ctx context.Context, jobID string, payload map[string]any) error { return nil },
	})
}

// startHealthMonitors wires background probes for every external
// dependency into healthChecker, mirroring cmd/osmmcp/main.go's
// startExternalServiceMonitoring idiom.
func startHealthMonitors(ctx context.Context, hc *monitoring.HealthChecker, l2 cache.MetadataStore, l3 cache.ObjectStore, catalogStore *catalog.Store, backendClient *backend.Client) {
	monitoring.NewConnectionMonitor("l2", hc, l2.Ping, 30*time.Second).Start(ctx)
	monitoring.NewConnectionMonitor("l3", hc, l3.Ping, 30*time.Second).Start(ctx)
	monitoring.NewConnectionMonitor("catalog", hc, catalogStore.Ping, 30*time.Second).Start(ctx)
	monitoring.NewConnectionMonitor("backend", hc, backendClient.Ping, 30*time.Second).Start(ctx)
}
