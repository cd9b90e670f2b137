package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"render-proxy/internal/cache"
)

// Version is a string type for dependency injection of the build version.
type Version string

// PoolSizer reports how many pages can render at once.
type PoolSizer interface {
	PoolSize() int
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	version Version
	pool    PoolSizer
	cache   *cache.ResourceCache
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(v Version, pool PoolSizer, c *cache.ResourceCache) *HealthHandler {
	return &HealthHandler{version: v, pool: pool, cache: c}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          string(h.version),
		"render_pool_size": h.pool.PoolSize(),
		"cache_entries":    h.cache.Len(),
	})
}
