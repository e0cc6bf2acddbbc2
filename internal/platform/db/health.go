package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// pinger is the part of *pgxpool.Pool the health check needs.
type pinger interface {
	Ping(ctx context.Context) error
}

type poolHealth struct {
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Pool   *PoolStats `json:"pool,omitempty"`
}

func checkPool(ctx context.Context, p pinger, stats *PoolStats) poolHealth {
	if err := p.Ping(ctx); err != nil {
		if stats != nil {
			stats.Healthy = false
		}
		return poolHealth{Status: "unhealthy", Error: err.Error(), Pool: stats}
	}
	return poolHealth{Status: "healthy", Pool: stats}
}

// HealthHandler returns a handler for the database health check endpoint.
// It pings the read-write pool and, when distinct, the read pool.
func HealthHandler(pools *Pools) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		write := checkPool(ctx, pools.Write, GetPoolStats(pools.Write))
		read := write
		if pools.Read != pools.Write {
			read = checkPool(ctx, pools.Read, GetPoolStats(pools.Read))
		}

		status := http.StatusOK
		overall := "healthy"
		if write.Status != "healthy" || read.Status != "healthy" {
			status = http.StatusServiceUnavailable
			overall = "unhealthy"
		}

		return c.JSON(status, map[string]interface{}{
			"status": overall,
			"write":  write,
			"read":   read,
		})
	}
}
