package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/inboxpilot/inboxpilot/cmd/mainconfig"
	"github.com/inboxpilot/inboxpilot/internal/channels/instagram"
	appconfig "github.com/inboxpilot/inboxpilot/internal/config"
	"github.com/inboxpilot/inboxpilot/internal/conversation"
	"github.com/inboxpilot/inboxpilot/internal/http/handlers"
	"github.com/inboxpilot/inboxpilot/internal/observability/metrics"
	"github.com/inboxpilot/inboxpilot/internal/settings"
	"github.com/inboxpilot/inboxpilot/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting inboxpilot API server", "env", cfg.Env, "port", cfg.Port)

	ctx := context.Background()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	store := conversation.NewStore(dynamoClient, cfg.ConversationsTable, logger.Component("store"))

	var delayQueue *conversation.DelayQueue
	if cfg.UseMemoryQueue {
		logger.Info("using in-memory queue; delayed jobs run in-process")
	} else {
		sqsQueue := conversation.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.DeliveryQueueURL)
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect redis", "error", err)
			os.Exit(1)
		}
		delayQueue = conversation.NewDelayQueue(rdb, sqsQueue, logger.Component("delayqueue"))
	}

	var settingsStore *settings.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		settingsStore = settings.NewStore(pool)
	}

	generator, err := conversation.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
	if err != nil {
		logger.Error("failed to create generator", "error", err)
		os.Exit(1)
	}
	defer generator.Close()

	igClient := instagram.NewClient()
	if cfg.GraphAPIBase != "" {
		igClient.SetGraphAPIBase(cfg.GraphAPIBase)
	}

	var provider conversation.SettingsProvider
	if settingsStore != nil {
		provider = settingsStore
	}
	sender := conversation.NewInstagramSender(igClient, provider, cfg.PageAccessToken)

	engineMetrics := metrics.NewEngineMetrics(nil)
	prompts := &conversation.PromptCache{}
	composer := conversation.NewComposer(generator, prompts, logger.Component("composer"))

	deliveryOpts := []conversation.DeliveryOption{
		conversation.WithEngineMetrics(engineMetrics),
	}
	if delayQueue != nil {
		deliveryOpts = append(deliveryOpts, conversation.WithDelayQueue(delayQueue))
	}
	delivery := conversation.NewDelivery(store, sender, conversation.DeliveryConfig{
		ReplyDelayMin: cfg.ReplyDelayMin,
		ReplyDelayMax: cfg.ReplyDelayMax,
		StalenessCut:  cfg.ReplyStalenessCut,
		ChunkGapMin:   cfg.ChunkGapMin,
		ChunkGapMax:   cfg.ChunkGapMax,
		MaxChunks:     cfg.MaxChunksPerReply,
	}, logger.Component("delivery"), deliveryOpts...)

	followups := conversation.NewFollowups(store, delayQueue, sender, logger.Component("followups"),
		conversation.WithFollowupMetrics(engineMetrics))

	service := conversation.NewService(store, composer, delivery, followups, provider,
		logger.Component("service"),
		conversation.WithServiceMetrics(engineMetrics),
		conversation.WithHistoryLimit(cfg.HistoryWindowLimit),
	)

	webhook := instagram.NewWebhookHandler(cfg.WebhookVerifyToken, cfg.AppSecret, func(ev instagram.InboundEvent) {
		// Webhook deliveries are acknowledged before processing; each event
		// gets its own deadline detached from the HTTP request.
		evCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := service.OnInboundMessage(evCtx, ev); err != nil {
			logger.Error("failed to process inbound event", "error", err)
		}
	})

	h := handlers.New(service, webhook, settingsStore, logger.Component("http"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
