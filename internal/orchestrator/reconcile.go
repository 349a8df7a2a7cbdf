package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hearthworks/calsync/internal/db"
)

// SyncWindow returns the reconciliation window around now.
func SyncWindow(now time.Time) (start, end time.Time) {
	return now.Add(-syncWindowPast), now.Add(syncWindowFuture)
}

// PerformFullSync reconciles every active connection. One connection's
// failure enqueues its retry item and moves on.
func (o *Orchestrator) PerformFullSync(ctx context.Context) error {
	connections, err := o.db.GetActiveConnections()
	if err != nil {
		return fmt.Errorf("failed to load connections: %w", err)
	}

	var failed int
	for _, conn := range connections {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.ReconcileConnection(ctx, conn); err != nil {
			log.Printf("Full sync failed for connection %s: %v", conn.ID, err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("full sync finished with %d of %d connections failing", failed, len(connections))
	}
	return nil
}

// ReconcileConnection performs a full two-way pass for one connection:
// local appointments in the window get pushed out, externally deleted
// events cancel their appointments, and drifted start times are surfaced
// as conflicts for manual resolution.
func (o *Orchestrator) ReconcileConnection(ctx context.Context, conn *db.SyncConnection) error {
	started := time.Now()
	err := o.reconcile(ctx, conn)
	o.recordOutcome(conn, db.OpFullSync, "", started, err)
	return err
}

func (o *Orchestrator) reconcile(ctx context.Context, conn *db.SyncConnection) error {
	adapter, err := o.registry.ForConnection(conn)
	if err != nil {
		return err
	}

	start, end := SyncWindow(time.Now())

	events, err := adapter.ListEvents(ctx, conn, start, end)
	if err != nil {
		return fmt.Errorf("failed to list external events: %w", err)
	}
	eventsByID := make(map[string]int, len(events))
	for i, ev := range events {
		eventsByID[ev.ID] = i
	}

	links, err := o.db.GetEventLinksForConnection(conn.ID)
	if err != nil {
		return fmt.Errorf("failed to load event links: %w", err)
	}
	linked := make(map[string]bool, len(links))

	for _, link := range links {
		linked[link.AppointmentID] = true

		appt, err := o.db.GetAppointmentByID(link.AppointmentID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				// Appointment row is gone; the link is an orphan.
				if err := o.db.DeleteEventLink(link.AppointmentID, conn.ID); err != nil {
					log.Printf("Failed to drop orphan link %s: %v", link.ID, err)
				}
				continue
			}
			return fmt.Errorf("failed to load appointment %s: %w", link.AppointmentID, err)
		}

		// Only judge appointments whose slot falls inside the listed
		// window; absence outside it means nothing.
		if appt.ScheduledStart.Before(start) || !appt.ScheduledStart.Before(end) {
			continue
		}

		idx, present := eventsByID[link.ExternalEventID]
		if !present {
			if appt.Status == db.AppointmentCancelled {
				continue
			}
			// Deleted on the provider side: the external calendar wins
			// for deletions.
			log.Printf("Event %s removed externally, cancelling appointment %s", link.ExternalEventID, appt.ID)
			if err := o.db.UpdateAppointmentStatus(appt.ID, db.AppointmentCancelled); err != nil {
				return fmt.Errorf("failed to cancel appointment %s: %w", appt.ID, err)
			}
			if err := o.db.DeleteEventLink(appt.ID, conn.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
				log.Printf("Failed to drop link for cancelled appointment %s: %v", appt.ID, err)
			}
			continue
		}

		ev := events[idx]
		drift := ev.Start.Sub(appt.ScheduledStart)
		if drift < 0 {
			drift = -drift
		}
		if drift > driftTolerance {
			// One open conflict per pair; repeated cycles must not pile up
			// duplicates while the divergence awaits resolution.
			open, err := o.db.HasUnresolvedConflict(conn.ID, appt.ID)
			if err != nil {
				log.Printf("Failed to check open conflicts for appointment %s: %v", appt.ID, err)
				continue
			}
			if open {
				continue
			}
			conflict := &db.SyncConflict{
				ConnectionID:    conn.ID,
				AppointmentID:   appt.ID,
				ExternalEventID: link.ExternalEventID,
				LocalStart:      appt.ScheduledStart,
				ExternalStart:   ev.Start,
			}
			if err := o.db.CreateSyncConflict(conflict); err != nil {
				log.Printf("Failed to record conflict for appointment %s: %v", appt.ID, err)
			}
		}
	}

	// Push appointments that have no event on this connection yet.
	appointments, err := o.db.GetSyncableAppointments(conn.TenantID, start, end)
	if err != nil {
		return fmt.Errorf("failed to load appointments: %w", err)
	}
	for _, appt := range appointments {
		if linked[appt.ID] {
			continue
		}
		if _, err := o.applyWithAuthRetry(ctx, db.OpAppointmentCreate, conn, appt); err != nil {
			return fmt.Errorf("failed to push appointment %s: %w", appt.ID, err)
		}
	}

	return nil
}

// RetryAppointment re-runs a queued appointment operation against its
// connection. The scheduler owns attempt counting; this only performs the
// work.
func (o *Orchestrator) RetryAppointment(ctx context.Context, item *db.RetryItem) error {
	if !item.Operation.IsAppointmentOp() {
		return fmt.Errorf("%w: %s", ErrUnsupportedOperation, item.Operation)
	}

	conn, err := o.db.GetConnectionByID(item.ConnectionID)
	if err != nil {
		return fmt.Errorf("failed to load connection %s: %w", item.ConnectionID, err)
	}

	appt, err := o.db.GetAppointmentByID(item.AppointmentID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) && item.Operation == db.OpAppointmentDelete {
			// Appointment already purged locally; nothing left to delete
			// that a link lookup could address.
			return nil
		}
		return fmt.Errorf("failed to load appointment %s: %w", item.AppointmentID, err)
	}

	_, err = o.syncOne(ctx, item.Operation, conn, appt)
	return err
}
