package web

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, apiToken string, rps float64, burst int) {
	r.Use(RequestLogger())
	r.Use(SecurityHeaders())

	// Health endpoint (no auth, no rate limit)
	r.GET("/healthz", h.HealthCheck)

	apiRateLimiter := RateLimiter(rps, burst)
	api := r.Group("/api")
	api.Use(apiRateLimiter)
	api.Use(RequireAPIToken(apiToken))
	api.Use(RequireJSONContentType())
	{
		api.GET("/status", h.Status)
		api.GET("/connections", h.ListConnections)
		api.GET("/connections/:id", h.GetConnection)
		api.POST("/connections/:id/sync", h.TriggerConnectionSync)
		api.GET("/connections/:id/logs", h.ConnectionLogs)
		api.POST("/appointments/:id/sync", h.SyncAppointment)
		api.GET("/appointments/:id/conflicts", h.AppointmentConflicts)
		api.GET("/conflicts", h.ListConflicts)
		api.POST("/conflicts/:id/resolve", h.ResolveConflict)
		api.GET("/tenants/:id/busy", h.TenantBusyTimes)
	}
}
