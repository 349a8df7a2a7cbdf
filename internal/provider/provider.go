package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hearthworks/calsync/internal/credentials"
	"github.com/hearthworks/calsync/internal/db"
)

// Error taxonomy surfaced to the orchestrator. Anything not matching one of
// these sentinels is an unknown failure, retryable up to the max.
var (
	ErrAuthExpired = errors.New("provider authorization expired")
	ErrNotFound    = errors.New("external event not found")
	ErrRateLimited = errors.New("provider rate limit exceeded")
)

// callTimeout bounds every network call so one unresponsive provider
// cannot stall a full-sync cycle.
const callTimeout = 30 * time.Second

// NormalizedEvent is the provider-independent view of an external event.
type NormalizedEvent struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	IsAllDay  bool      `json:"is_all_day"`
	Attendees []string  `json:"attendees,omitempty"`
}

// BusySlot is a time interval during which an external calendar shows the
// owner as unavailable. Derived, never persisted.
type BusySlot struct {
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Label            string    `json:"label"`
	SourceConnection string    `json:"source_connection"`
}

// Adapter translates the internal appointment model to one external
// calendar's event model and performs the network operation.
type Adapter interface {
	// CreateEvent creates the external event for an appointment. When
	// knownExternalID is non-empty (a previous create succeeded), the call
	// must upsert rather than create a duplicate. Returns the external
	// event id.
	CreateEvent(ctx context.Context, conn *db.SyncConnection, appt *db.Appointment, knownExternalID string) (string, error)

	// UpdateEvent updates the external event in place. A missing external
	// id is logged and ignored - the orchestrator should have created the
	// event first.
	UpdateEvent(ctx context.Context, conn *db.SyncConnection, appt *db.Appointment, externalEventID string) error

	// DeleteEvent removes the external event. "Not found" is treated as
	// success: the event is already gone.
	DeleteEvent(ctx context.Context, conn *db.SyncConnection, externalEventID string) error

	// ListEvents returns the normalized events in [start, end).
	ListEvents(ctx context.Context, conn *db.SyncConnection, start, end time.Time) ([]NormalizedEvent, error)

	// GetBusySlots returns the busy intervals in [start, end), excluding
	// all-day events.
	GetBusySlots(ctx context.Context, conn *db.SyncConnection, start, end time.Time) ([]BusySlot, error)
}

// Registry resolves a connection's provider to its adapter once, at
// connection-resolution time.
type Registry struct {
	adapters map[db.Provider]Adapter
}

// NewRegistry creates a registry with the built-in adapters.
func NewRegistry(creds *credentials.Manager) *Registry {
	return &Registry{
		adapters: map[db.Provider]Adapter{
			db.ProviderGoogle: NewGoogleAdapter(creds),
			db.ProviderCalDAV: NewCalDAVAdapter(creds),
		},
	}
}

// Register adds or replaces the adapter for a provider.
func (r *Registry) Register(p db.Provider, a Adapter) {
	r.adapters[p] = a
}

// ForConnection returns the adapter serving a connection's provider.
func (r *Registry) ForConnection(conn *db.SyncConnection) (Adapter, error) {
	adapter, ok := r.adapters[conn.Provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", conn.Provider)
	}
	return adapter, nil
}

// BusySlotsFromEvents derives busy slots from normalized events, dropping
// all-day events so they never count as scheduling conflicts.
func BusySlotsFromEvents(conn *db.SyncConnection, events []NormalizedEvent) []BusySlot {
	slots := make([]BusySlot, 0, len(events))
	for _, ev := range events {
		if ev.IsAllDay {
			continue
		}
		slots = append(slots, BusySlot{
			Start:            ev.Start,
			End:              ev.End,
			Label:            ev.Title,
			SourceConnection: conn.ID,
		})
	}
	return slots
}

// classifyHTTPError maps error text containing HTTP status hints to the
// adapter error taxonomy. Used where the underlying client surfaces plain
// errors instead of typed responses.
func classifyHTTPError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized"):
		return fmt.Errorf("%w: %w", ErrAuthExpired, err)
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}
