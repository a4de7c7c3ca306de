// Package adminapi exposes the gateway-owned operational endpoints,
// /health and /metrics. They ride gin, confined to JSON status
// reporting; the core proxying path stays on raw net/http for the
// precise state-machine control the request pipeline needs.
package adminapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bankotij/Heliox-Proxy/internal/kvstore"
)

// Stats is a read-only snapshot of counters the pipeline updates as it
// runs; adminapi only reads it.
type Stats struct {
	RequestsTotal  func() int64
	CacheHitsTotal func() int64
	CacheMissTotal func() int64
	UpstreamErrors func() int64
	LogsDropped    func() int64
	StartedAt      time.Time
}

// Health reports the liveness of the backends the pipeline depends on, so
// /health can surface per-component state rather than a single bit.
type Health struct {
	DBOk           func() bool
	BloomAvailable func() bool
}

// Handler builds the gin engine serving /health and /metrics.
func Handler(kv kvstore.Store, health Health, stats Stats) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := kvstore.WithOpTimeout(c.Request.Context())
		defer cancel()

		kvOK := kv.Ping(ctx) == nil
		dbOK := health.DBOk == nil || health.DBOk()
		bloomOK := health.BloomAvailable != nil && health.BloomAvailable()

		overallOK := kvOK && dbOK
		status := http.StatusOK
		if !overallOK {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status": map[bool]string{true: "healthy", false: "degraded"}[overallOK],
			"components": gin.H{
				"kv":    map[bool]string{true: "ok", false: "degraded"}[kvOK],
				"db":    map[bool]string{true: "ok", false: "degraded"}[dbOK],
				"bloom": map[bool]string{true: "ok", false: "disabled"}[bloomOK],
			},
			"kv_backend": kv.Name(),
			"uptime_s":   int(time.Since(stats.StartedAt).Seconds()),
		})
	})

	r.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"requests_total":   valueOrZero(stats.RequestsTotal),
			"cache_hits_total": valueOrZero(stats.CacheHitsTotal),
			"cache_miss_total": valueOrZero(stats.CacheMissTotal),
			"upstream_errors":  valueOrZero(stats.UpstreamErrors),
			"logs_dropped":     valueOrZero(stats.LogsDropped),
		})
	})

	return r
}

func valueOrZero(f func() int64) int64 {
	if f == nil {
		return 0
	}
	return f()
}
