package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hearthworks/calsync/internal/db"
	"github.com/hearthworks/calsync/internal/provider"
)

var (
	// ErrNoActiveConnections means the tenant has nothing to sync to.
	ErrNoActiveConnections = errors.New("tenant has no active connections")
	// ErrUnsupportedOperation rejects retry items the orchestrator does not own.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

const (
	// driftTolerance is how far an external event's start may wander from
	// the local schedule before it becomes a conflict.
	driftTolerance = 60 * time.Second

	// Full-sync reconciliation window around now.
	syncWindowPast   = 7 * 24 * time.Hour
	syncWindowFuture = 30 * 24 * time.Hour
)

// Orchestrator fans appointment changes out to every active connection of
// the owning tenant and reconciles external calendars back into local state.
// Failures are recorded as durable retry items; the scheduler owns draining
// them.
type Orchestrator struct {
	db       *db.DB
	registry *provider.Registry
	creds    CredentialRefresher
	notifier Notifier
	locks    keyedMutex
}

// CredentialRefresher renews a connection's stored credentials after the
// provider rejects them. Satisfied by credentials.Manager.
type CredentialRefresher interface {
	Refresh(ctx context.Context, conn *db.SyncConnection) error
}

// Notifier hears about connections coming back from an error state.
// Satisfied by notify.Notifier; may be nil.
type Notifier interface {
	ConnectionRecovered(conn *db.SyncConnection)
}

// New creates an orchestrator over the store, adapter registry, and
// credential manager. notifier may be nil.
func New(database *db.DB, registry *provider.Registry, creds CredentialRefresher, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		db:       database,
		registry: registry,
		creds:    creds,
		notifier: notifier,
	}
}

// ConnectionResult is the outcome of one connection's part of a dispatch.
type ConnectionResult struct {
	ConnectionID    string `json:"connection_id"`
	ExternalEventID string `json:"external_event_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

// DispatchResult summarizes a fan-out. Partial success is normal: each
// failed connection gets its own retry item while the successes stand.
type DispatchResult struct {
	AppointmentID string             `json:"appointment_id"`
	Operation     db.Operation       `json:"operation"`
	Results       []ConnectionResult `json:"results"`
	Total         int                `json:"total_connections"`
	Succeeded     int                `json:"successful_connections"`
}

// Dispatch propagates an appointment operation to all active connections of
// the appointment's tenant, concurrently. Each connection succeeds or fails
// independently.
func (o *Orchestrator) Dispatch(ctx context.Context, op db.Operation, appointmentID string) (*DispatchResult, error) {
	if !op.IsAppointmentOp() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperation, op)
	}

	appt, err := o.db.GetAppointmentByID(appointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load appointment %s: %w", appointmentID, err)
	}

	connections, err := o.db.GetActiveConnectionsForTenant(appt.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}
	if len(connections) == 0 {
		return nil, ErrNoActiveConnections
	}

	result := &DispatchResult{
		AppointmentID: appointmentID,
		Operation:     op,
		Results:       make([]ConnectionResult, len(connections)),
		Total:         len(connections),
	}

	var wg sync.WaitGroup
	for i, conn := range connections {
		wg.Add(1)
		go func(i int, conn *db.SyncConnection) {
			defer wg.Done()
			result.Results[i], _ = o.syncOne(ctx, op, conn, appt)
		}(i, conn)
	}
	wg.Wait()

	for _, r := range result.Results {
		if r.Error == "" {
			result.Succeeded++
		}
	}
	return result, nil
}

// syncOne performs one operation against one connection, serialized per
// (connection, appointment) so concurrent dispatches for the same pair
// cannot interleave. The raw error comes back alongside the result so
// callers can match sentinels with errors.Is.
func (o *Orchestrator) syncOne(ctx context.Context, op db.Operation, conn *db.SyncConnection, appt *db.Appointment) (ConnectionResult, error) {
	unlock := o.locks.lock(conn.ID + "|" + appt.ID)
	defer unlock()

	started := time.Now()
	externalID, err := o.applyWithAuthRetry(ctx, op, conn, appt)
	o.recordOutcome(conn, op, appt.ID, started, err)

	result := ConnectionResult{ConnectionID: conn.ID, ExternalEventID: externalID}
	if err != nil {
		result.Error = err.Error()
	}
	return result, err
}

// applyWithAuthRetry runs the operation, refreshing credentials and retrying
// once when the provider reports expired authorization.
func (o *Orchestrator) applyWithAuthRetry(ctx context.Context, op db.Operation, conn *db.SyncConnection, appt *db.Appointment) (string, error) {
	externalID, err := o.apply(ctx, op, conn, appt)
	if !errors.Is(err, provider.ErrAuthExpired) {
		return externalID, err
	}

	log.Printf("Connection %s authorization expired during %s, refreshing", conn.ID, op)
	if refreshErr := o.creds.Refresh(ctx, conn); refreshErr != nil {
		return "", fmt.Errorf("refresh after auth failure: %w", refreshErr)
	}
	return o.apply(ctx, op, conn, appt)
}

func (o *Orchestrator) apply(ctx context.Context, op db.Operation, conn *db.SyncConnection, appt *db.Appointment) (string, error) {
	adapter, err := o.registry.ForConnection(conn)
	if err != nil {
		return "", err
	}

	knownID := ""
	if link, err := o.db.GetEventLink(appt.ID, conn.ID); err == nil {
		knownID = link.ExternalEventID
	}

	switch op {
	case db.OpAppointmentCreate:
		externalID, err := adapter.CreateEvent(ctx, conn, appt, knownID)
		if err != nil {
			return "", err
		}
		if err := o.db.UpsertEventLink(appt.ID, conn.ID, externalID); err != nil {
			return "", fmt.Errorf("event created but link not stored: %w", err)
		}
		return externalID, nil

	case db.OpAppointmentUpdate:
		if knownID == "" {
			// The create never landed on this connection. Creating now
			// with the current schedule covers both.
			return o.apply(ctx, db.OpAppointmentCreate, conn, appt)
		}
		if err := adapter.UpdateEvent(ctx, conn, appt, knownID); err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				// The external copy vanished since the last sync. An
				// explicit local update is fresh intent, so recreate
				// instead of retrying a dead event id.
				log.Printf("Event %s gone on connection %s, recreating", knownID, conn.ID)
				externalID, createErr := adapter.CreateEvent(ctx, conn, appt, "")
				if createErr != nil {
					return "", createErr
				}
				if err := o.db.UpsertEventLink(appt.ID, conn.ID, externalID); err != nil {
					return "", fmt.Errorf("event recreated but link not stored: %w", err)
				}
				return externalID, nil
			}
			return "", err
		}
		return knownID, nil

	case db.OpAppointmentDelete:
		if knownID == "" {
			return "", nil
		}
		if err := adapter.DeleteEvent(ctx, conn, knownID); err != nil {
			return "", err
		}
		if err := o.db.DeleteEventLink(appt.ID, conn.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return "", fmt.Errorf("event deleted but link not removed: %w", err)
		}
		return "", nil
	}

	return "", fmt.Errorf("%w: %s", ErrUnsupportedOperation, op)
}

// recordOutcome updates connection health, the retry queue, and the sync
// log after an operation. A success clears any pending retry item for the
// same work.
func (o *Orchestrator) recordOutcome(conn *db.SyncConnection, op db.Operation, appointmentID string, started time.Time, opErr error) {
	entry := &db.SyncLog{
		ConnectionID: conn.ID,
		Operation:    op,
		Success:      opErr == nil,
		Duration:     time.Since(started),
	}

	if opErr != nil {
		entry.Message = opErr.Error()
		if err := o.db.RecordConnectionError(conn.ID, opErr.Error()); err != nil {
			log.Printf("Failed to record connection error for %s: %v", conn.ID, err)
		}
		if _, err := o.db.UpsertRetryItem(conn.ID, op, appointmentID, opErr.Error()); err != nil {
			log.Printf("Failed to enqueue retry for %s: %v", conn.ID, err)
		}
	} else {
		if err := o.db.RecordConnectionSuccess(conn.ID); err != nil {
			log.Printf("Failed to record connection success for %s: %v", conn.ID, err)
		}
		if conn.LastSyncError != "" {
			// This success just cleared a standing error on the connection.
			log.Printf("Connection %s recovered after: %s", conn.ID, conn.LastSyncError)
			if o.notifier != nil {
				o.notifier.ConnectionRecovered(conn)
			}
		}
		if item, err := o.db.GetRetryItem(conn.ID, op, appointmentID); err == nil {
			if err := o.db.DeleteRetryItem(item.ID); err != nil {
				log.Printf("Failed to clear retry item %s: %v", item.ID, err)
			}
		}
	}

	if err := o.db.CreateSyncLog(entry); err != nil {
		log.Printf("Failed to write sync log for %s: %v", conn.ID, err)
	}
}

// keyedMutex serializes work per string key. Entries are refcounted and
// dropped once the last holder unlocks, so the map stays proportional to
// in-flight work rather than every key ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
