package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tempokernel.local/kernel/internal/agentapi"
	"tempokernel.local/kernel/internal/builtins"
	"tempokernel.local/kernel/internal/clock"
	"tempokernel.local/kernel/internal/config"
	"tempokernel.local/kernel/internal/db"
	"tempokernel.local/kernel/internal/eventbus"
	"tempokernel.local/kernel/internal/events"
	"tempokernel.local/kernel/internal/externalclients"
	"tempokernel.local/kernel/internal/flow"
	"tempokernel.local/kernel/internal/httpapi"
	"tempokernel.local/kernel/internal/llm"
	"tempokernel.local/kernel/internal/metrics"
	"tempokernel.local/kernel/internal/registry"
	"tempokernel.local/kernel/internal/reliability"
	"tempokernel.local/kernel/internal/session"
	"tempokernel.local/kernel/internal/tenancy"
	"tempokernel.local/kernel/internal/uploadapi"
)

func main() {
	logger := log.New(os.Stdout, "kernel ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	gormDB, err := db.OpenGorm(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("failed to open database: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatalf("invalid KERNEL_REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Printf("redis client close error: %v", err)
		}
	}()

	bus := eventbus.New(logger, rdb, cfg.EventChannelPrefix)

	eventRepo, err := events.NewRepository(gormDB)
	if err != nil {
		logger.Fatalf("failed to initialize event repository: %v", err)
	}

	flows := flow.NewStore()

	nodes, err := registry.New(logger, gormDB)
	if err != nil {
		logger.Fatalf("failed to initialize node registry: %v", err)
	}

	dataService := externalclients.NewDataServiceClient(cfg.DataServiceBaseURL, logger)
	if err := builtins.RegisterAll(context.Background(), nodes, dataService); err != nil {
		logger.Fatalf("failed to register builtin nodes: %v", err)
	}
	webhookClient := registry.NewWebhookClient(logger, cfg.WebhookTimeout)

	idempotency, err := reliability.NewIdempotencyGuard(logger, gormDB)
	if err != nil {
		logger.Fatalf("failed to initialize idempotency guard: %v", err)
	}
	fanIn := reliability.NewFanInChecker(logger, eventRepo)
	retries := reliability.NewRetryManager(logger, reliability.RetryPolicy{
		MaxAttempts:       cfg.MaxRetryAttempts,
		BackoffBase:       cfg.RetryBackoffBase,
		BackoffMultiplier: cfg.RetryMultiplier,
		MaxBackoff:        cfg.RetryMaxBackoff,
	})

	sessionStore, err := session.NewGormStore(gormDB)
	if err != nil {
		logger.Fatalf("failed to initialize session store: %v", err)
	}

	tempo := clock.New(logger)
	scheduler := session.NewScheduler(logger, 256)

	tenants := tenancy.New(tenancy.Shared{
		Logger:             logger,
		RDB:                rdb,
		Bus:                bus,
		EventRepo:          eventRepo,
		Flows:              flows,
		Sessions:           sessionStore,
		Registry:           nodes,
		Webhooks:           webhookClient,
		Idempotency:        idempotency,
		FanIn:              fanIn,
		Retries:            retries,
		Scheduler:          scheduler,
		Clock:              tempo,
		KeyPrefix:          cfg.EventChannelPrefix,
		SessionTTLSeconds:  int(cfg.SessionTTL.Seconds()),
		FSMConflictRetries: cfg.FSMConflictRetries,
		CallbackBaseURL:    cfg.CallbackBaseURL,
	})

	models := llm.NewRegistry()
	if cfg.AnthropicAPIKey != "" {
		models.Register("anthropic", llm.NewAnthropicProvider(cfg.AnthropicAPIKey))
	}

	metricsRegistry := metrics.New(prometheus.DefaultRegisterer)

	agentController := agentapi.New(logger, tenants, eventRepo, nodes, models, dataService, metricsRegistry, agentapi.Config{
		ProviderName:      "anthropic",
		ModelName:         cfg.AnthropicModel,
		SummaryModelName:  cfg.AnthropicSummaryModel,
		MaxToolIterations: cfg.MaxToolIterations,
		ContextMaxRounds:  cfg.LLMContextMaxRounds,
		ContextSummaryAt:  cfg.LLMContextSummaryAt,
		FileParseTimeout:  cfg.FileParseTimeout,
		LLMTimeout:        cfg.LLMTimeout,
	})

	var uploadHandler *uploadapi.Handler
	if cfg.OSSEndpoint != "" && cfg.OSSBucket != "" {
		objectStore := externalclients.NewObjectStoreClient(cfg.OSSEndpoint, cfg.OSSBucket)
		uploadHandler = uploadapi.New(logger, uploadapi.Config{
			Endpoint:        cfg.OSSEndpoint,
			Bucket:          cfg.OSSBucket,
			AccessKeyID:     cfg.OSSAccessKeyID,
			AccessKeySecret: cfg.OSSAccessKeySecret,
			MaxUploadSize:   cfg.OSSMaxUploadSize,
		}, objectStore)
	} else {
		logger.Printf("KERNEL_OSS_ENDPOINT/KERNEL_OSS_BUCKET unset, direct-upload signing endpoint disabled")
	}

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, agentController, tenants, eventRepo, flows, nodes, fanIn, uploadHandler)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server crashed: %v", err)
		}
	}()

	tickCtx, tickCancel := context.WithCancel(context.Background())
	defer tickCancel()
	if err := tempo.Start(tickCtx); err != nil {
		logger.Fatalf("failed to start tempo clock: %v", err)
	}
	defer tempo.Stop()

	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics server shutdown error: %v", err)
	}
}
