package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"worktally/internal/core/tenant"
)

// Pinger is the central database as seen by readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats reports tenant pool statistics.
type PoolStats interface {
	Stats() tenant.ManagerStats
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	central Pinger
	pools   PoolStats
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(central Pinger, pools PoolStats) *HealthHandler {
	return &HealthHandler{central: central, pools: pools}
}

// Live reports that the process is up.
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports readiness by pinging the central database.
// GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if err := h.central.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "error",
			"checks": map[string]string{"central_database": "unhealthy: " + err.Error()},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"checks": map[string]string{"central_database": "healthy"},
	})
}

// TenantsStats returns detailed statistics for all tenant pools.
// GET /health/tenants
func (h *HealthHandler) TenantsStats(c *gin.Context) {
	stats := h.pools.Stats()
	if stats.Tenants == nil {
		stats.Tenants = []tenant.TenantPoolStats{}
	}
	c.JSON(http.StatusOK, stats)
}
