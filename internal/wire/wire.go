// Package wire 提供依赖装配。
// 所有组件在进程启动时一次性显式构造并注入，不依赖任何全局注册表。
package wire

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"moldcase-kb-api/internal/application/retrieval"
	"moldcase-kb-api/internal/config"
	"moldcase-kb-api/internal/domain/entity"
	"moldcase-kb-api/internal/infrastructure/embedding"
	"moldcase-kb-api/internal/infrastructure/persistence/milvus"
	"moldcase-kb-api/internal/infrastructure/persistence/postgres"
	"moldcase-kb-api/internal/infrastructure/persistence/redis"
	"moldcase-kb-api/internal/interfaces/http/handler"
	"moldcase-kb-api/internal/interfaces/http/router"
	"moldcase-kb-api/pkg/logger"
)

// App 装配完成的应用
type App struct {
	Router     *router.Router
	Gateway    *retrieval.Gateway
	Indexer    *retrieval.Indexer
	VectorRepo *milvus.Repository
}

// Engine 返回 HTTP 引擎
func (a *App) Engine() *gin.Engine {
	return a.Router.Engine()
}

// DataLayer 数据层依赖容器
type DataLayer struct {
	PgClient  *postgres.Client
	TxManager *postgres.TxManager
	CaseRepo  *postgres.CaseRepository
	IssueRepo *postgres.IssueRepository
	ImageRepo *postgres.ImageRepository

	RedisClient *redis.Client
	Cache       *redis.Cache
	RateLimiter *redis.RateLimiter

	MilvusClient *milvus.Client
	MilvusRepo   *milvus.Repository
}

// Close 释放数据层连接
func (d *DataLayer) Close() {
	if d == nil {
		return
	}
	if d.MilvusClient != nil {
		_ = d.MilvusClient.Close()
	}
	if d.RedisClient != nil {
		_ = d.RedisClient.Close()
	}
	if d.PgClient != nil {
		_ = d.PgClient.Close()
	}
}

// InitializeDataLayer 构造数据层
func InitializeDataLayer(ctx context.Context, cfg *config.Config) (*DataLayer, error) {
	pgClient, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	// 表结构迁移（gorm AutoMigrate，幂等）
	if err := pgClient.DB().AutoMigrate(&entity.Case{}, &entity.Issue{}, &entity.Image{}); err != nil {
		_ = pgClient.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	redisClient, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		_ = pgClient.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}

	milvusClient, err := milvus.NewClient(ctx, &cfg.Vector.Milvus)
	if err != nil {
		_ = redisClient.Close()
		_ = pgClient.Close()
		return nil, fmt.Errorf("init milvus: %w", err)
	}

	return &DataLayer{
		PgClient:  pgClient,
		TxManager: postgres.NewTxManager(pgClient),
		CaseRepo:  postgres.NewCaseRepository(pgClient),
		IssueRepo: postgres.NewIssueRepository(pgClient),
		ImageRepo: postgres.NewImageRepository(pgClient),

		RedisClient: redisClient,
		Cache:       redis.NewCache(redisClient),
		RateLimiter: redis.NewRateLimiter(redisClient),

		MilvusClient: milvusClient,
		MilvusRepo:   milvus.NewRepository(milvusClient, cfg.Embedding.Dimension),
	}, nil
}

// InitializeApp 构造完整应用
func InitializeApp(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	data, err := InitializeDataLayer(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanup := data.Close

	embedder := embedding.NewClient(&cfg.Embedding)
	vectorIndex := milvus.NewRetrievalVectorIndex(data.MilvusRepo)

	resolver := retrieval.NewImageResolver(data.ImageRepo)
	engine := retrieval.NewEngine(embedder, vectorIndex, data.CaseRepo, data.IssueRepo, resolver, cfg.Retrieval.FilterBoost)
	indexer := retrieval.NewIndexer(embedder, vectorIndex, data.CaseRepo, data.IssueRepo, data.TxManager,
		cfg.Embedding.BatchSize, cfg.Retrieval.IngestConcurrency)
	budgeter := retrieval.NewBudgeter(cfg.Retrieval.DefaultBudgetChars)

	gateway := retrieval.NewGateway(engine, budgeter, retrieval.GatewayLimits{
		MaxTopK:        cfg.Retrieval.MaxTopK,
		MinBudgetChars: cfg.Retrieval.MinBudgetChars,
		MaxBudgetChars: cfg.Retrieval.MaxBudgetChars,
		DefaultTopK:    cfg.Retrieval.DefaultTopK,
		DefaultBudget:  cfg.Retrieval.DefaultBudgetChars,
	})
	registerDefaultHooks(gateway)

	// 打包结果短缓存（可选），入库后按案例失效
	payloadCache := redis.NewPayloadCache(data.Cache, cfg.Retrieval.PayloadCacheTTL)
	if cfg.Retrieval.PayloadCacheTTL > 0 {
		gateway.SetPayloadCache(payloadCache)
	}
	indexer.SetCacheInvalidator(payloadCache)

	handlers := router.Handlers{
		Health:    handler.NewHealthHandler(data.PgClient, data.RedisClient, data.MilvusClient, cfg.App.Name, cfg.App.Version),
		Retrieval: handler.NewRetrievalHandler(gateway, engine, indexer),
		Case:      handler.NewCaseHandler(data.CaseRepo, data.Cache),
		Image:     handler.NewImageHandler(data.ImageRepo),
	}

	r := router.New(cfg, handlers, data.RateLimiter)

	return &App{
		Router:     r,
		Gateway:    gateway,
		Indexer:    indexer,
		VectorRepo: data.MilvusRepo,
	}, cleanup, nil
}

// registerDefaultHooks 注册内置钩子：查询规整（前置）与出站载荷审计（后置）
func registerDefaultHooks(gw *retrieval.Gateway) {
	gw.RegisterPreHook("normalize-query", 0, func(ctx context.Context, req *retrieval.ToolRequest) error {
		// 繁简混输与全角空白由上游处理，这里只约束长度
		if runes := []rune(req.Query); len(runes) > 1024 {
			req.Query = string(runes[:1024])
		}
		return nil
	})
	gw.RegisterPostHook("audit-payload", 100, func(ctx context.Context, req *retrieval.ToolRequest, payload *retrieval.BoundedPayload) error {
		logger.Info(ctx, "outgoing payload",
			"query", req.Query,
			"total_found", payload.TotalFound,
			"included", payload.IncludedCount,
			"omitted", payload.OmittedCount,
			"truncated", payload.Truncated,
		)
		return nil
	})
}
