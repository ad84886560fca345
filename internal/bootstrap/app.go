package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"docuchat/internal/ai"
	"docuchat/internal/app"
	"docuchat/internal/cache"
	"docuchat/internal/config"
	"docuchat/internal/model"
	mysqlClient "docuchat/internal/platform/mysql"
	rabbitmqClient "docuchat/internal/platform/rabbitmq"
	redisClient "docuchat/internal/platform/redis"
	"docuchat/internal/repository"
	"docuchat/internal/storage"
	"docuchat/internal/worker"
)

// App holds the wired application: external clients, services and the
// background ingest worker. The HTTP layer and the worker both hang off the
// same service instances.
type App struct {
	Config *config.Config
	MySQL  *gorm.DB
	Redis  *redis.Client
	MQConn *amqp.Connection

	AuthService   *app.AuthService
	IngestService *app.IngestService
	ChatService   *app.ChatService
	IngestWorker  *worker.IngestWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(
		&model.User{},
		&model.Document{},
		&model.Chunk{},
		&model.Conversation{},
		&model.Message{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	blobs, err := storage.New(storage.Config{
		Type:         cfg.Storage.Type,
		LocalPath:    cfg.Storage.LocalPath,
		S3Bucket:     cfg.Storage.S3Bucket,
		S3Region:     cfg.Storage.S3Region,
		AWSAccessKey: cfg.Storage.AWSAccessKey,
		AWSSecretKey: cfg.Storage.AWSSecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("init blob storage failed: %w", err)
	}

	userRepo := repository.NewUserRepository(mysqlDB)
	docRepo := repository.NewDocumentRepository(mysqlDB)
	chunkRepo := repository.NewChunkRepository(mysqlDB)
	convRepo := repository.NewConversationRepository(mysqlDB)
	msgRepo := repository.NewMessageRepository(mysqlDB)

	llm := ai.NewOpenAICompatibleClient()
	embCfg := ai.EmbeddingConfig{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.EmbeddingModel,
		Dimensions: cfg.LLM.EmbeddingDimensions,
	}
	chatCfg := ai.ChatConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.ChatModel,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}

	publisher := rabbitmqClient.NewIngestPublisher(mqConn, cfg.RabbitMQ.IngestQueue)
	ingestLock := cache.NewIngestLock(redisCli, time.Duration(cfg.Ingest.LockTTLSeconds)*time.Second)

	authService := app.NewAuthService(
		userRepo,
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
	)
	ingestService := app.NewIngestService(
		docRepo,
		chunkRepo,
		blobs,
		publisher,
		ingestLock,
		llm,
		embCfg,
		app.IngestParams{
			ChunkSize:          cfg.Ingest.ChunkSize,
			ChunkOverlap:       cfg.Ingest.ChunkOverlap,
			MinChunkSize:       cfg.Ingest.MinChunkSize,
			EmbeddingBatchSize: cfg.Ingest.EmbeddingBatchSize,
		},
	)
	chatService := app.NewChatService(
		docRepo,
		chunkRepo,
		convRepo,
		msgRepo,
		llm,
		embCfg,
		chatCfg,
		app.RetrievalParams{
			PrimaryThreshold:  cfg.Retrieval.PrimaryThreshold,
			FallbackThreshold: cfg.Retrieval.FallbackThreshold,
			MaxChunks:         cfg.Retrieval.MaxChunks,
		},
	)

	ingestWorker := worker.NewIngestWorker(mqConn, ingestService, cfg.RabbitMQ.IngestQueue)
	if err := ingestWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start ingest worker failed: %w", err)
	}

	return &App{
		Config:        cfg,
		MySQL:         mysqlDB,
		Redis:         redisCli,
		MQConn:        mqConn,
		AuthService:   authService,
		IngestService: ingestService,
		ChatService:   chatService,
		IngestWorker:  ingestWorker,
		StartedAt:     time.Now(),
	}, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.IngestWorker != nil {
		a.IngestWorker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
