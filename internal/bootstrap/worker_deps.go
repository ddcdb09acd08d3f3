package bootstrap

import (
	"context"
	"errors"

	"inbox_worker/adapter/in/http"
	"inbox_worker/adapter/out/graph"
	"inbox_worker/adapter/out/messaging"
	"inbox_worker/adapter/out/mongodb"
	"inbox_worker/adapter/out/persistence"
	"inbox_worker/config"
	"inbox_worker/core/agent/llm"
	"inbox_worker/core/port/out"
	"inbox_worker/core/service/common"
	mail "inbox_worker/core/service/email"
	"inbox_worker/core/service/rule"
	"inbox_worker/infra/database"
	"inbox_worker/pkg/crypto"
	"inbox_worker/pkg/httputil"
	"inbox_worker/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

type Dependencies struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client
	Neo4j   neo4j.DriverWithContext

	// Repositories
	RuleRepo     *persistence.RuleAdapter
	AccountRepo  *persistence.EmailAccountAdapter
	ExecutedRepo *persistence.ExecutedRuleAdapter
	MessageStore *mongodb.MessageAdapter
	PatternStore *graph.PatternAdapter
	UsageStore   *persistence.RedisUsageStore

	// Messaging
	Producer *messaging.RedisProducer

	// Services
	MessageCache      *common.MessageCache
	LLMClient         *llm.Client
	ChooseRuleService *rule.ChooseRuleService
	RunRulesService   *rule.RunRulesService
	FixRuleService    *rule.FixRuleService
}

// NewDependencies connects the stores and builds the rule services. Postgres
// is required; the other stores disable the components that need them when
// they are not configured or unreachable.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}

	// Database (pgxpool)
	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.DefaultPostgresConfig(cfg.DBMaxConns))
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, db.Close)

	// Database (sqlx for the rule and account adapters)
	sqlDB, err := database.NewSQLX(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })

	deps.RuleRepo = persistence.NewRuleAdapter(sqlDB)
	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		if sealer, err = crypto.NewSealer(cfg.EncryptionKey); err != nil {
			cleanup()
			return nil, nil, err
		}
	} else {
		logger.Warn("ENCRYPTION_KEY not set, sealed user API keys cannot be used")
	}
	deps.AccountRepo = persistence.NewEmailAccountAdapter(sqlDB, sealer)
	deps.ExecutedRepo = persistence.NewExecutedRuleAdapter(db)

	// Redis
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(ctx, cfg.RedisURL, database.DefaultRedisConfig(cfg.RedisPoolSize))
		if err != nil {
			logger.Warn("Redis connection failed: %v", err)
		} else {
			deps.Redis = redisClient
			cleanups = append(cleanups, func() { redisClient.Close() })

			deps.Producer = messaging.NewRedisProducer(redisClient, cfg.StreamMaxLen)
			deps.UsageStore = persistence.NewRedisUsageStore(redisClient)
		}
	} else {
		logger.Warn("REDIS_URL not set, streams and usage accounting disabled")
	}

	// MongoDB
	if cfg.MongoDBURL != "" {
		mongoClient, mongoDB, err := mongodb.NewClient(ctx, cfg.MongoDBURL, cfg.MongoDBName, uint64(cfg.MongoMaxPool))
		if err != nil {
			logger.Warn("MongoDB connection failed: %v", err)
		} else {
			deps.MongoDB = mongoClient
			cleanups = append(cleanups, func() {
				mongoClient.Disconnect(context.Background())
			})

			deps.MessageStore = mongodb.NewMessageAdapter(mongoDB)
			if err := deps.MessageStore.EnsureIndexes(ctx); err != nil {
				logger.Warn("Failed to ensure message indexes: %v", err)
			}

			cacheCfg := common.DefaultCacheConfig()
			cacheCfg.RedisTTL = cfg.CacheTTL
			deps.MessageCache = common.NewMessageCache(deps.Redis, deps.MessageStore, cacheCfg)
			logger.Info("Message store initialized (L1 -> Redis -> MongoDB)")
		}
	}

	// Neo4j
	if cfg.Neo4jURL != "" {
		driver, err := graph.NewDriver(ctx, cfg.Neo4jURL, cfg.Neo4jUsername, cfg.Neo4jPassword)
		if err != nil {
			logger.Warn("Neo4j connection failed: %v", err)
		} else {
			deps.Neo4j = driver
			cleanups = append(cleanups, func() {
				driver.Close(context.Background())
			})

			deps.PatternStore = graph.NewPatternAdapter(driver, cfg.Neo4jDatabase)
			if err := deps.PatternStore.EnsureIndexes(ctx); err != nil {
				logger.Warn("Failed to ensure Neo4j constraints: %v", err)
			}
			logger.Info("Learned pattern store initialized")
		}
	}

	// Reasoning backend
	llmCfg := llm.ClientConfig{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMTimeout(),
		MaxRetries:  cfg.LLMMaxRetries,
		HTTPClient:  httputil.NewClient(httputil.DefaultClientConfig()),
	}
	if deps.UsageStore != nil {
		llmCfg.Usage = deps.UsageStore
	}
	deps.LLMClient = llm.NewClientWithConfig(llmCfg)
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, accounts without their own key will fail selection")
	}

	deps.ChooseRuleService = rule.NewChooseRuleService(deps.LLMClient).
		WithEmailMaxLength(cfg.EmailMaxLength).
		WithLogger(logger.Scoped("choose-rule"))

	var patterns out.LearnedPatternStore
	if deps.PatternStore != nil {
		patterns = deps.PatternStore
	}

	if deps.MessageCache != nil {
		runDeps := rule.RunRulesDeps{
			Messages:  deps.MessageCache,
			Rules:     deps.RuleRepo,
			Executed:  deps.ExecutedRepo,
			Patterns:  patterns,
			Chooser:   deps.ChooseRuleService,
			Normalize: mail.DefaultNormalizeOptions(),
		}
		runDeps.Normalize.MaxLength = cfg.EmailMaxLength
		if deps.Producer != nil {
			runDeps.Actions = deps.Producer
			runDeps.Producer = deps.Producer
		}
		deps.RunRulesService = rule.NewRunRulesService(runDeps)
		logger.Info("RunRulesService initialized")
	} else {
		logger.Warn("No message store, rule runs disabled")
	}

	deps.FixRuleService = rule.NewFixRuleService(deps.LLMClient, deps.RuleRepo, patterns)

	return deps, cleanup, nil
}

// HealthChecks lists the configured stores for the readiness probe.
func (d *Dependencies) HealthChecks() []http.Check {
	checks := []http.Check{{Name: "postgres", Ping: d.DB.Ping}}

	redisCheck := http.Check{Name: "redis"}
	if d.Redis != nil {
		redisCheck.Ping = func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() }
	}
	mongoCheck := http.Check{Name: "mongodb"}
	if d.MongoDB != nil {
		mongoCheck.Ping = func(ctx context.Context) error { return d.MongoDB.Ping(ctx, nil) }
	}
	neo4jCheck := http.Check{Name: "neo4j"}
	if d.Neo4j != nil {
		neo4jCheck.Ping = d.Neo4j.VerifyConnectivity
	}

	return append(checks, redisCheck, mongoCheck, neo4jCheck)
}
