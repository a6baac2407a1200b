package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/payhook/app/controllers"
	"github.com/ManuelReschke/payhook/app/repository"
	"github.com/ManuelReschke/payhook/internal/pkg/audit"
	"github.com/ManuelReschke/payhook/internal/pkg/cache"
	"github.com/ManuelReschke/payhook/internal/pkg/database"
	"github.com/ManuelReschke/payhook/internal/pkg/effects"
	"github.com/ManuelReschke/payhook/internal/pkg/env"
	"github.com/ManuelReschke/payhook/internal/pkg/ingest"
	"github.com/ManuelReschke/payhook/internal/pkg/jobqueue"
	"github.com/ManuelReschke/payhook/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/payhook/internal/pkg/middleware"
	"github.com/ManuelReschke/payhook/internal/pkg/reconcile"
	"github.com/ManuelReschke/payhook/internal/pkg/router"
	"github.com/ManuelReschke/payhook/internal/pkg/s3archive"
	"github.com/ManuelReschke/payhook/internal/pkg/secrets"
)

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("[Main] Shutting down...")
		manager.Stop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Errorf("[Main] Shutdown error: %v", err)
		}
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))); err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires storage, the pipeline, the background queues and the
// HTTP surface. The returned manager is not started.
func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	if err := database.SetupDatabase(); err != nil {
		log.Fatalf("[Main] Database setup failed: %v", err)
	}
	cache.SetupCache()

	db := database.GetDB()
	redisClient := cache.GetClient()
	repository.InitializeFactory(db)
	repos := repository.GetGlobalFactory()

	sink := audit.NewLogSink()
	stats := counter.NewRecorder(redisClient)

	pipeline := ingest.NewPipeline(
		repos.GetWebhookEventRepository(),
		secrets.NewEnvProvider(),
		effects.NewDefaultRegistry(repos.GetLedgerRepository()),
		sink,
	)
	pipeline.SetStats(stats)

	queue := jobqueue.NewQueue(redisClient, pipeline, jobqueue.Config{
		Workers:    env.GetEnvInt("RETRY_WORKERS", 5),
		MaxRetries: env.GetEnvInt("RETRY_MAX_ATTEMPTS", 5),
		RateLimit:  env.GetEnvInt("RETRY_RATE_LIMIT", 100),
		RateWindow: env.GetEnvDuration("RETRY_RATE_WINDOW", time.Minute),
	})
	queue.SetStats(stats)
	pipeline.SetRetryScheduler(queue)
	setupArchive(queue)

	engine := reconcile.NewEngine(repos.GetAlertRepository(), repos.GetAggregateRepository(), reconcile.Config{})
	manager := jobqueue.NewManager(queue, jobqueue.NewReconcileQueue(redisClient, engine), engine, jobqueue.ManagerConfig{
		ReconcileInterval: env.GetEnvDuration("RECONCILE_INTERVAL", 15*time.Minute),
		CleanupInterval:   env.GetEnvDuration("ALERT_CLEANUP_INTERVAL", time.Hour),
	})

	app := fiber.New(fiber.Config{
		AppName:     "payhook",
		BodyLimit:   env.GetEnvInt("WEBHOOK_BODY_LIMIT", 1<<20),
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: findBasePath() + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	limiterStorage := redisstorage.New(redisstorage.Config{
		Host:     env.GetEnv("CACHE_HOST", "localhost"),
		Port:     env.GetEnvInt("CACHE_PORT", 6379),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		Database: env.GetEnvInt("LIMITER_DB", 1), // cache uses DB 0
		Reset:    false,
	})

	router.InstallRouter(app, router.Dependencies{
		Webhooks:       controllers.NewWebhookController(pipeline),
		Admin:          controllers.NewAdminController(pipeline, repos.GetAlertRepository(), queue, manager, stats, sink),
		Authorizer:     middleware.NewBcryptAuthorizer(middleware.LoadCredentials()...),
		LimiterStorage: limiterStorage,
		Checks: map[string]router.HealthCheck{
			"database": func(context.Context) error { return database.Ping() },
			"redis":    cache.Ping,
		},
	})

	return app, manager
}

func setupArchive(queue *jobqueue.Queue) {
	cfg, err := s3archive.LoadConfig()
	if err != nil {
		log.Warnf("[Main] Dead-letter archive misconfigured, archive disabled: %v", err)
		return
	}
	if !cfg.IsEnabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	archive, err := s3archive.NewClient(ctx, cfg)
	if err != nil {
		log.Warnf("[Main] Dead-letter archive unavailable: %v", err)
		return
	}
	queue.SetArchiver(archive)
}

// findBasePath locates the project root from the usual working directories.
func findBasePath() string {
	for _, path := range []string{"./", "../../", "../../../"} {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			return path
		}
	}
	return "./"
}
