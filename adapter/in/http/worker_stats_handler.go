package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// StatsSource reports one component's counters.
type StatsSource struct {
	Name  string
	Stats func() any
}

// StatsHandler exposes in-process counters: worker pool, message cache,
// model usage and circuit breaker state.
type StatsHandler struct {
	sources []StatsSource
}

func NewStatsHandler(sources ...StatsSource) *StatsHandler {
	return &StatsHandler{sources: sources}
}

func (h *StatsHandler) Register(app *fiber.App) {
	app.Get("/stats", h.Stats)
}

func (h *StatsHandler) Stats(c *fiber.Ctx) error {
	stats := make(fiber.Map, len(h.sources)+1)
	for _, s := range h.sources {
		stats[s.Name] = s.Stats()
	}
	stats["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return c.JSON(stats)
}
