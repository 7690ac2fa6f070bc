// FlowCatalyst combined binary
//
// Runs the outbox processor, the message router, and the dispatch scheduler
// in a single process against an embedded queue. Intended for development
// and small single-instance deployments; production deployments should run
// cmd/outbox and cmd/router as separate binaries against a shared queue.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"go.flowcatalyst.dev/internal/common/apidocs"
	"go.flowcatalyst.dev/internal/common/health"
	"go.flowcatalyst.dev/internal/common/lifecycle"
	"go.flowcatalyst.dev/internal/common/secrets"
	"go.flowcatalyst.dev/internal/config"
	"go.flowcatalyst.dev/internal/dispatch"
	"go.flowcatalyst.dev/internal/outbox"
	"go.flowcatalyst.dev/internal/postbox"
	natsqueue "go.flowcatalyst.dev/internal/queue/nats"
	"go.flowcatalyst.dev/internal/router/manager"
	"go.flowcatalyst.dev/internal/router/mediator"
	"go.flowcatalyst.dev/internal/router/poolconfig"
	"go.flowcatalyst.dev/internal/scheduler"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting FlowCatalyst", "version", version, "build_time", buildTime, "component", "flowcatalyst")

	ctx := context.Background()

	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{NeedsMongoDB: true})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
		return app.MongoClient.Ping(ctx, nil)
	}))

	natsCfg := natsqueue.DefaultEmbeddedConfig()
	if app.Config.DataDir != "" {
		natsCfg.DataDir = app.Config.DataDir + "/nats"
	}
	embeddedQueue, err := natsqueue.NewEmbeddedServer(natsCfg)
	if err != nil {
		slog.Error("Failed to start embedded queue", "error", err)
		os.Exit(1)
	}
	app.AddCleanup(embeddedQueue.Close)
	healthChecker.AddReadinessCheck(health.NATSCheck(func() bool {
		return embeddedQueue.Connection().IsConnected()
	}))

	queueConsumer, err := embeddedQueue.CreateConsumer(ctx, "dispatch-consumer", "dispatch.>", nil)
	if err != nil {
		slog.Error("Failed to create queue consumer", "error", err)
		os.Exit(1)
	}
	queuePublisher := embeddedQueue.Publisher()

	outboxRepo := outbox.NewMongoRepository(app.DB, outbox.DefaultRepositoryConfig())
	apiClient := outbox.NewAPIClient(&outbox.APIClientConfig{
		BaseURL:           getEnv("OUTBOX_API_BASE_URL", fmt.Sprintf("http://localhost:%d", app.Config.HTTP.Port)),
		AuthToken:         getEnv("OUTBOX_API_AUTH_TOKEN", ""),
		ConnectionTimeout: 10 * time.Second,
		RequestTimeout:    30 * time.Second,
	})
	outboxProcessor := outbox.NewProcessor(outboxRepo, apiClient, outbox.DefaultProcessorConfig())

	poolConfigRepo := poolconfig.NewMongoRepository(app.DB)
	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	messageRouter := manager.NewRouter(queueConsumer, mediatorCfg)
	messageRouter.WithConfigSync(poolConfigRepo, nil)
	routerService := manager.NewRouterService(messageRouter)

	schedulerCfg := scheduler.DefaultSchedulerConfig()
	schedulerCfg.Database = app.Config.MongoDB.Database
	schedulerCfg.AppKey = app.Config.Dispatch.AppKey
	dispatchScheduler := scheduler.NewScheduler(app.MongoClient, queuePublisher, schedulerCfg)

	dispatchRepo := dispatch.NewRepository(app.DB)
	dispatchAuthService := dispatch.NewDispatchAuthService(app.Config.Dispatch.AppKey, nil)
	dispatchHandler := dispatch.NewProcessingHandler(dispatchRepo, dispatchAuthService)

	httpRouter := setupHTTPRouter(healthChecker, outboxRepo, dispatchHandler, app.Config)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	services := []lifecycle.Service{
		lifecycle.NewHTTPService("http-server", httpServer),
		outboxProcessorService(outboxProcessor),
		routerService,
		schedulerService(dispatchScheduler),
	}

	slog.Info("FlowCatalyst ready", "port", app.Config.HTTP.Port)

	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst stopped")
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func setupHTTPRouter(healthChecker *health.Checker, outboxRepo outbox.Repository, dispatchHandler *dispatch.ProcessingHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Get("/swagger/doc.json", apidocs.Handler)
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	var verifier *secrets.BearerVerifier
	if cfg.Postbox.BearerSecret != "" {
		verifier = secrets.NewBearerVerifier(cfg.Postbox.BearerSecret)
	}
	postboxHandler := postbox.NewHandler(outboxRepo, cfg.Postbox.MaxPayloadBytes, verifier)
	postboxHandler.RegisterRoutes(r)

	dispatchHandler.RegisterRoutes(r)

	return r
}

// outboxProcessorService adapts outbox.Processor's Start()/Stop() to lifecycle.Service.
func outboxProcessorService(p *outbox.Processor) lifecycle.Service {
	return lifecycle.NewServiceFunc("outbox-processor",
		func(ctx context.Context) error {
			p.Start()
			<-ctx.Done()
			return nil
		},
		func(ctx context.Context) error {
			p.Stop()
			return nil
		},
	)
}

// schedulerService adapts scheduler.Scheduler's Start()/Stop() to lifecycle.Service.
func schedulerService(s *scheduler.Scheduler) lifecycle.Service {
	return lifecycle.NewServiceFunc("dispatch-scheduler",
		func(ctx context.Context) error {
			s.Start()
			<-ctx.Done()
			return nil
		},
		func(ctx context.Context) error {
			s.Stop()
			return nil
		},
	)
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
