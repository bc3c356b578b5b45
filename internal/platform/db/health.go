package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

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

// Pinger is anything that can report liveness, such as the pgx pool or the
// redis relay.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler pings the database and every extra dependency. Any failure
// turns the response into a 503.
func HealthHandler(pool *pgxpool.Pool, extra map[string]Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		body := map[string]interface{}{}
		status := http.StatusOK

		stats := GetPoolStats(pool)
		if err := pool.Ping(ctx); err != nil {
			stats.Healthy = false
			body["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		body["pool"] = stats

		deps, failed := checkAll(ctx, extra)
		if len(deps) > 0 {
			body["dependencies"] = deps
		}
		if failed {
			status = http.StatusServiceUnavailable
		}

		if status == http.StatusOK {
			body["status"] = "healthy"
		} else {
			body["status"] = "unhealthy"
		}
		return c.JSON(status, body)
	}
}

func checkAll(ctx context.Context, deps map[string]Pinger) (map[string]string, bool) {
	out := make(map[string]string, len(deps))
	failed := false
	for name, p := range deps {
		if err := p.Ping(ctx); err != nil {
			out[name] = err.Error()
			failed = true
			continue
		}
		out[name] = "ok"
	}
	return out, failed
}
