package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hearthworks/calsync/internal/db"
	"github.com/hearthworks/calsync/internal/orchestrator"
	"github.com/hearthworks/calsync/internal/provider"
	"github.com/hearthworks/calsync/internal/scheduler"
)

// Dispatcher fans an appointment operation out to the tenant's connections.
// Satisfied by orchestrator.Orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, op db.Operation, appointmentID string) (*orchestrator.DispatchResult, error)
}

// SyncScheduler exposes the scheduler surface the API needs. Satisfied by
// scheduler.Scheduler.
type SyncScheduler interface {
	Status() scheduler.Status
	TriggerConnectionSync(connectionID string)
}

// AvailabilitySource answers merged busy-time queries and conflict checks.
// Satisfied by busy.Engine.
type AvailabilitySource interface {
	BusyTimes(ctx context.Context, tenantID string, start, end time.Time) ([]provider.BusySlot, map[string]error)
	CheckConflicts(ctx context.Context, appt *db.Appointment) ([]provider.BusySlot, error)
}

// Handlers holds the handler dependencies.
type Handlers struct {
	db         *db.DB
	dispatcher Dispatcher
	scheduler  SyncScheduler
	busy       AvailabilitySource
}

// NewHandlers creates the handler set.
func NewHandlers(database *db.DB, dispatcher Dispatcher, sched SyncScheduler, busy AvailabilitySource) *Handlers {
	return &Handlers{
		db:         database,
		dispatcher: dispatcher,
		scheduler:  sched,
		busy:       busy,
	}
}

// sanitizeError logs the full error server-side and returns a user-safe
// message.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// HealthCheck reports process and database health.
func (h *Handlers) HealthCheck(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  sanitizeError(err, "database unreachable"),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status returns the scheduler snapshot plus conflict backlog.
func (h *Handlers) Status(c *gin.Context) {
	status := h.scheduler.Status()

	conflicts, err := h.db.GetUnresolvedConflicts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "failed to load status"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scheduler":            status,
		"unresolved_conflicts": len(conflicts),
	})
}

// ListConnections returns all connections. Credentials never serialize.
func (h *Handlers) ListConnections(c *gin.Context) {
	connections, err := h.db.ListConnections()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "failed to list connections"),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": connections})
}

// GetConnection returns one connection by id.
func (h *Handlers) GetConnection(c *gin.Context) {
	conn, err := h.db.GetConnectionByID(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "failed to load connection"),
		})
		return
	}
	c.JSON(http.StatusOK, conn)
}

// TriggerConnectionSync schedules an out-of-cadence reconciliation for one
// connection.
func (h *Handlers) TriggerConnectionSync(c *gin.Context) {
	id := c.Param("id")

	conn, err := h.db.GetConnectionByID(id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "failed to load connection"),
		})
		return
	}
	if !conn.IsActive {
		c.JSON(http.StatusConflict, gin.H{"error": "connection is inactive"})
		return
	}

	h.scheduler.TriggerConnectionSync(id)
	c.JSON(http.StatusAccepted, gin.H{"status": "sync scheduled"})
}

type syncAppointmentRequest struct {
	Operation db.Operation `json:"operation"`
}

// SyncAppointment dispatches an appointment operation to every active
// connection of the appointment's tenant and returns the per-connection
// outcome.
func (h *Handlers) SyncAppointment(c *gin.Context) {
	var req syncAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !req.Operation.IsAppointmentOp() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "operation must be appointment_create, appointment_update, or appointment_delete",
		})
		return
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), req.Operation, c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "appointment not found"})
		return
	}
	if errors.Is(err, orchestrator.ErrNoActiveConnections) {
		c.JSON(http.StatusConflict, gin.H{"error": "tenant has no active connections"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "failed to dispatch sync"),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// AppointmentConflicts checks one appointment's slot against the live busy
// times of the tenant's other connections.
func (h *Handlers) AppointmentConflicts(c *gin.Context) {
	appt, err := h.db.GetAppointmentByID(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "appointment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "failed to load appointment"),
		})
		return
	}

	conflicts, err := h.busy.CheckConflicts(c.Request.Context(), appt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "failed to check conflicts"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"appointment_id": appt.ID,
		"has_conflicts":  len(conflicts) > 0,
		"conflicts":      conflicts,
	})
}

// ListConflicts returns unresolved sync conflicts.
func (h *Handlers) ListConflicts(c *gin.Context) {
	conflicts, err := h.db.GetUnresolvedConflicts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "failed to list conflicts"),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

// ResolveConflict marks a conflict handled.
func (h *Handlers) ResolveConflict(c *gin.Context) {
	err := h.db.ResolveSyncConflict(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conflict not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "failed to resolve conflict"),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

// ConnectionLogs returns recent sync history for a connection.
func (h *Handlers) ConnectionLogs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}

	logs, err := h.db.GetSyncLogs(c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "failed to load sync logs"),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// TenantBusyTimes returns merged busy blocks for a tenant. Connections that
// failed to answer are reported alongside the partial result.
func (h *Handlers) TenantBusyTimes(c *gin.Context) {
	start := time.Now()
	end := start.AddDate(0, 0, 7)

	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
		start = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		end = parsed
	}
	if !start.Before(end) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return
	}

	slots, failures := h.busy.BusyTimes(c.Request.Context(), c.Param("id"), start, end)

	unavailable := make(map[string]string, len(failures))
	for connID, err := range failures {
		unavailable[connID] = sanitizeError(err, "connection unavailable")
	}

	c.JSON(http.StatusOK, gin.H{
		"busy":        slots,
		"unavailable": unavailable,
	})
}
