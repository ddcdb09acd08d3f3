package bootstrap

import (
	"context"
	"time"

	"inbox_worker/adapter/in/http"
	"inbox_worker/adapter/out/messaging"
	"inbox_worker/config"
	"inbox_worker/infra/database"
	"inbox_worker/infra/middleware"
	"inbox_worker/pkg/logger"
	"inbox_worker/pkg/metrics"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

// NewAPI builds the operational HTTP surface: health, readiness, stats and,
// in development, the /dev routes. w is nil when the worker runs elsewhere.
func NewAPI(cfg *config.Config, deps *Dependencies, w *Worker) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		// go-json: faster than encoding/json
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit:          4 * 1024 * 1024,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       2 * time.Minute,
		DisableDefaultDate: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())

	http.NewHealthHandler(deps.HealthChecks()...).Register(app)
	http.NewStatsHandler(statsSources(deps, w)...).Register(app)

	if cfg.IsDevelopment() {
		RegisterDevTestRoutes(app, deps)
		logger.Info("Development routes enabled under /dev")
	}

	logger.Info("API server initialized")
	return app
}

func statsSources(deps *Dependencies, w *Worker) []http.StatsSource {
	sources := []http.StatsSource{
		{Name: "postgres", Stats: func() any { return database.GetPoolStats(deps.DB) }},
		{Name: "postgres_sql", Stats: func() any { return metrics.GetSQLPoolStats(deps.SQLDB.DB) }},
		{Name: "latency", Stats: func() any { return metrics.GetAllLatencyStats() }},
		{Name: "llm", Stats: func() any {
			return fiber.Map{
				"model":   deps.LLMClient.Model(),
				"usage":   deps.LLMClient.Stats(),
				"circuit": deps.LLMClient.BreakerState(),
			}
		}},
	}

	if w != nil {
		sources = append(sources, http.StatsSource{Name: "pool", Stats: func() any { return w.GetMetrics() }})
	}
	if deps.MessageCache != nil {
		sources = append(sources, http.StatsSource{Name: "message_cache", Stats: func() any { return deps.MessageCache.Stats() }})
	}
	if deps.Redis != nil {
		sources = append(sources,
			http.StatsSource{Name: "redis", Stats: func() any { return database.GetRedisStats(deps.Redis) }},
			http.StatsSource{Name: "streams", Stats: func() any {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()

				backlog, err := messaging.Backlog(ctx, deps.Redis, deps.Config.ConsumerGroup,
					messaging.StreamEmailReceived, messaging.StreamMailActions, messaging.StreamRulesApplied)
				if err != nil {
					return fiber.Map{"error": err.Error()}
				}
				return backlog
			}},
		)
	}
	return sources
}
