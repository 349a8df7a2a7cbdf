package db

import (
	"time"
)

// Provider identifies an external calendar provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderCalDAV Provider = "caldav"
)

// ValidProviders contains all valid provider values.
var ValidProviders = map[Provider]bool{
	ProviderGoogle: true,
	ProviderCalDAV: true,
}

// IsValid returns true if the provider is a known valid value.
func (p Provider) IsValid() bool {
	return ValidProviders[p]
}

// AppointmentStatus represents the lifecycle state of an appointment.
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentCompleted AppointmentStatus = "completed"
)

// Operation identifies a unit of deferred sync work.
type Operation string

const (
	OpFullSync          Operation = "full_sync"
	OpTokenRefresh      Operation = "token_refresh"
	OpAppointmentCreate Operation = "appointment_create"
	OpAppointmentUpdate Operation = "appointment_update"
	OpAppointmentDelete Operation = "appointment_delete"
)

// IsAppointmentOp returns true for the appointment_* operations.
func (op Operation) IsAppointmentOp() bool {
	switch op {
	case OpAppointmentCreate, OpAppointmentUpdate, OpAppointmentDelete:
		return true
	}
	return false
}

// SyncConnection represents one external-calendar linkage owned by a tenant.
// Connections are soft state: they are deactivated, never hard-deleted.
type SyncConnection struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Provider      Provider   `json:"provider"`
	Credentials   string     `json:"-"` // Encrypted blob - never include in JSON
	CalendarID    string     `json:"calendar_id"`
	ServerURL     string     `json:"server_url,omitempty"` // CalDAV base URL; empty for google
	IsActive      bool       `json:"is_active"`
	LastSyncAt    *time.Time `json:"last_sync_at"`
	LastSyncError string     `json:"last_sync_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Appointment is the locally-scheduled record the sync core keeps consistent
// with external calendars. The booking flow owns creation; the core mutates
// only status and external event links.
type Appointment struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	Title           string            `json:"title"`
	ScheduledStart  time.Time         `json:"scheduled_start"`
	DurationMinutes int               `json:"duration_minutes"`
	Status          AppointmentStatus `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// End returns the exclusive end of the appointment's time slot.
func (a *Appointment) End() time.Time {
	return a.ScheduledStart.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// EventLink maps an appointment to its external event on one connection.
// One appointment syncing to N connections holds N links.
type EventLink struct {
	ID              string    `json:"id"`
	AppointmentID   string    `json:"appointment_id"`
	ConnectionID    string    `json:"connection_id"`
	ExternalEventID string    `json:"external_event_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RetryItem is a durable unit of deferred work for a failed operation.
// Keyed by (connection, operation, appointment) so repeated failures of the
// same operation update in place instead of piling up.
type RetryItem struct {
	ID            string     `json:"id"`
	ConnectionID  string     `json:"connection_id"`
	Operation     Operation  `json:"operation"`
	AppointmentID string     `json:"appointment_id,omitempty"` // Empty for full_sync and token_refresh
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at"`
	LastError     string     `json:"last_error"`
	CreatedAt     time.Time  `json:"created_at"`
}

// SyncConflict records an external time divergence surfaced for manual
// resolution. The core never auto-resolves these.
type SyncConflict struct {
	ID              string    `json:"id"`
	ConnectionID    string    `json:"connection_id"`
	AppointmentID   string    `json:"appointment_id"`
	ExternalEventID string    `json:"external_event_id"`
	LocalStart      time.Time `json:"local_start"`
	ExternalStart   time.Time `json:"external_start"`
	Resolved        bool      `json:"resolved"`
	DetectedAt      time.Time `json:"detected_at"`
}

// SyncLog is a per-run operational record.
type SyncLog struct {
	ID           string        `json:"id"`
	ConnectionID string        `json:"connection_id"`
	Operation    Operation     `json:"operation"`
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}
