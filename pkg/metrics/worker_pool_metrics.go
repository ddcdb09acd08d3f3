package metrics

import (
	"database/sql"
	"time"
)

// PoolHealthStatus indicates the health of a connection pool.
type PoolHealthStatus string

const (
	PoolHealthy   PoolHealthStatus = "healthy"
	PoolDegraded  PoolHealthStatus = "degraded"
	PoolUnhealthy PoolHealthStatus = "unhealthy"
)

// SQLPoolStats is a database/sql pool snapshot with a health verdict.
type SQLPoolStats struct {
	OpenConnections    int              `json:"open_connections"`
	InUse              int              `json:"in_use"`
	Idle               int              `json:"idle"`
	MaxOpenConnections int              `json:"max_open_connections"`
	WaitCount          int64            `json:"wait_count"`
	WaitDurationMs     int64            `json:"wait_duration_ms"`
	Status             PoolHealthStatus `json:"status"`
	Utilization        float64          `json:"utilization"`
}

// GetSQLPoolStats reads db's pool counters. A nil db reports an empty healthy pool.
func GetSQLPoolStats(db *sql.DB) SQLPoolStats {
	if db == nil {
		return SQLPoolStats{Status: PoolHealthy}
	}
	return assess(db.Stats())
}

func assess(s sql.DBStats) SQLPoolStats {
	stats := SQLPoolStats{
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		MaxOpenConnections: s.MaxOpenConnections,
		WaitCount:          s.WaitCount,
		WaitDurationMs:     s.WaitDuration.Milliseconds(),
		Status:             PoolHealthy,
	}
	if s.MaxOpenConnections == 0 {
		return stats
	}

	stats.Utilization = float64(s.InUse) / float64(s.MaxOpenConnections)
	switch {
	case stats.Utilization >= 0.95:
		stats.Status = PoolUnhealthy
	case stats.Utilization >= 0.80:
		stats.Status = PoolDegraded
	case s.WaitCount > 0 && s.WaitDuration > 5*time.Second:
		stats.Status = PoolDegraded
	}
	return stats
}
