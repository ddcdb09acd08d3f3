package llm

import (
	"strings"
	"sync"
	"time"
)

// Pricing per 1M tokens
var modelPricing = map[string]struct {
	InputPer1M  float64
	OutputPer1M float64
}{
	"gpt-4o-mini":  {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4o":       {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4.1-mini": {InputPer1M: 0.40, OutputPer1M: 1.60},
	"gpt-4.1":      {InputPer1M: 2.00, OutputPer1M: 8.00},
	"gpt-4-turbo":  {InputPer1M: 10.00, OutputPer1M: 30.00},
}

// CalculateCost estimates the USD cost of a call. Dated model snapshots
// (gpt-4o-2024-08-06) are priced as their base model; unknown models cost 0.
func CalculateCost(model string, promptTokens, completionTokens int) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		for name, p := range modelPricing {
			if strings.HasPrefix(model, name+"-20") {
				pricing, ok = p, true
				break
			}
		}
	}
	if !ok {
		return 0
	}

	inputCost := float64(promptTokens) / 1_000_000 * pricing.InputPer1M
	outputCost := float64(completionTokens) / 1_000_000 * pricing.OutputPer1M

	return inputCost + outputCost
}

// CostTracker keeps in-process totals of backend usage.
type CostTracker struct {
	mu           sync.RWMutex
	totalCost    float64
	totalTokens  int64
	requestCount int64
	dailyCost    map[string]float64
	modelUsage   map[string]int64
}

func NewCostTracker() *CostTracker {
	return &CostTracker{
		dailyCost:  make(map[string]float64),
		modelUsage: make(map[string]int64),
	}
}

// Track adds one call and returns its cost.
func (t *CostTracker) Track(model string, inputTokens, outputTokens int) float64 {
	cost := CalculateCost(model, inputTokens, outputTokens)

	t.mu.Lock()
	t.totalCost += cost
	t.totalTokens += int64(inputTokens + outputTokens)
	t.requestCount++

	today := time.Now().Format("2006-01-02")
	t.dailyCost[today] += cost
	t.modelUsage[model] += int64(inputTokens + outputTokens)
	t.mu.Unlock()

	return cost
}

func (t *CostTracker) GetStats() CostStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := CostStats{
		TotalCost:    t.totalCost,
		TotalTokens:  t.totalTokens,
		RequestCount: t.requestCount,
		TodayCost:    t.dailyCost[time.Now().Format("2006-01-02")],
	}
	if t.requestCount > 0 {
		stats.AvgCostPerRequest = t.totalCost / float64(t.requestCount)
	}
	return stats
}

type CostStats struct {
	TotalCost         float64 `json:"total_cost"`
	TodayCost         float64 `json:"today_cost"`
	TotalTokens       int64   `json:"total_tokens"`
	RequestCount      int64   `json:"request_count"`
	AvgCostPerRequest float64 `json:"avg_cost_per_request"`
}
