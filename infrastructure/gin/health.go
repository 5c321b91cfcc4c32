package gin

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus is the coarse state reported by /health.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// CheckResult is one dependency's health.
type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Latency string       `json:"latency"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  HealthStatus           `json:"status"`
	Service string                 `json:"service"`
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

const checkTimeout = 3 * time.Second

func registerHealthRoutes(router *gin.Engine, cfg *Config, started time.Time, checks map[string]HealthCheck) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	router.HEAD("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	router.GET("/health", func(c *gin.Context) {
		resp := HealthResponse{
			Status:  HealthStatusHealthy,
			Service: cfg.ServiceName,
			Version: cfg.ServiceVersion,
			Uptime:  time.Since(started).Round(time.Second).String(),
		}
		if len(names) > 0 {
			resp.Checks = make(map[string]CheckResult, len(names))
		}
		for _, name := range names {
			result := runCheck(c.Request.Context(), checks[name])
			resp.Checks[name] = result
			if result.Status == HealthStatusUnhealthy {
				resp.Status = HealthStatusUnhealthy
			}
		}
		code := http.StatusOK
		if resp.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, resp)
	})
}

func runCheck(ctx context.Context, check HealthCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	res := CheckResult{Status: HealthStatusHealthy, Latency: time.Since(start).String()}
	if err != nil {
		res.Status = HealthStatusUnhealthy
		res.Message = err.Error()
	}
	return res
}
