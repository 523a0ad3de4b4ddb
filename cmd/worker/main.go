package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/inboxpilot/inboxpilot/cmd/mainconfig"
	"github.com/inboxpilot/inboxpilot/internal/archive"
	"github.com/inboxpilot/inboxpilot/internal/channels/instagram"
	appconfig "github.com/inboxpilot/inboxpilot/internal/config"
	"github.com/inboxpilot/inboxpilot/internal/conversation"
	"github.com/inboxpilot/inboxpilot/internal/observability/metrics"
	"github.com/inboxpilot/inboxpilot/internal/settings"
	"github.com/inboxpilot/inboxpilot/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting inboxpilot delivery worker", "env", cfg.Env, "concurrency", cfg.WorkerCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DeliveryQueueURL == "" {
		logger.Error("delivery worker requires DELIVERY_QUEUE_URL")
		os.Exit(1)
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	store := conversation.NewStore(dynamoClient, cfg.ConversationsTable, logger.Component("store"))

	sqsQueue := conversation.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.DeliveryQueueURL)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect redis", "error", err)
		os.Exit(1)
	}
	delayQueue := conversation.NewDelayQueue(rdb, sqsQueue, logger.Component("delayqueue"))

	var settingsStore *settings.Store
	var archiveStore *archive.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		settingsStore = settings.NewStore(pool)
		archiveStore = archive.NewStore(pool)
	}

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

	deliveryOpts := []conversation.DeliveryOption{
		conversation.WithDelayQueue(delayQueue),
		conversation.WithEngineMetrics(engineMetrics),
	}
	followupOpts := []conversation.FollowupOption{
		conversation.WithFollowupMetrics(engineMetrics),
	}
	if archiveStore != nil {
		deliveryOpts = append(deliveryOpts, conversation.WithArchiver(archiveStore))
		followupOpts = append(followupOpts, conversation.WithFollowupArchiver(archiveStore))
	}

	delivery := conversation.NewDelivery(store, sender, conversation.DeliveryConfig{
		ReplyDelayMin: cfg.ReplyDelayMin,
		ReplyDelayMax: cfg.ReplyDelayMax,
		StalenessCut:  cfg.ReplyStalenessCut,
		ChunkGapMin:   cfg.ChunkGapMin,
		ChunkGapMax:   cfg.ChunkGapMax,
		MaxChunks:     cfg.MaxChunksPerReply,
	}, logger.Component("delivery"), deliveryOpts...)

	followups := conversation.NewFollowups(store, delayQueue, sender, logger.Component("followups"), followupOpts...)

	worker := conversation.NewWorker(sqsQueue, delivery, followups, logger.Component("worker"),
		conversation.WithConcurrency(cfg.WorkerCount))

	go delayQueue.RunPump(ctx, time.Second)
	worker.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("delivery worker shutting down")
	cancel()

	done := make(chan struct{})
	go func() {
		worker.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("delivery worker stopped")
	case <-time.After(30 * time.Second):
		logger.Error("delivery worker drain timed out")
	}
}
