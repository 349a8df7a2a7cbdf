package busy

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/hearthworks/calsync/internal/db"
	"github.com/hearthworks/calsync/internal/provider"
)

// Engine answers availability questions by merging busy time across a
// tenant's active connections. Busy data is always fetched live and never
// persisted, so a connection removed from the account stops contributing
// immediately.
type Engine struct {
	db       *db.DB
	registry *provider.Registry
}

// NewEngine creates a merge engine over the store and adapter registry.
func NewEngine(database *db.DB, registry *provider.Registry) *Engine {
	return &Engine{db: database, registry: registry}
}

// Overlaps reports whether the half-open intervals [startA, endA) and
// [startB, endB) intersect. Intervals that only touch do not overlap.
func Overlaps(startA, endA, startB, endB time.Time) bool {
	return startA.Before(endB) && startB.Before(endA)
}

// MergeBusySlots collapses overlapping and touching slots into contiguous
// busy blocks. Input order does not matter. A merged block carries the
// labels and source attribution of every member, joined in start order.
func MergeBusySlots(slots []provider.BusySlot) []provider.BusySlot {
	if len(slots) <= 1 {
		return slots
	}

	sorted := make([]provider.BusySlot, len(slots))
	copy(sorted, slots)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := make([]provider.BusySlot, 0, len(sorted))
	current := sorted[0]
	for _, slot := range sorted[1:] {
		if !slot.Start.After(current.End) {
			if slot.End.After(current.End) {
				current.End = slot.End
			}
			current.Label = joinAttribution(current.Label, slot.Label)
			current.SourceConnection = joinAttribution(current.SourceConnection, slot.SourceConnection)
			continue
		}
		merged = append(merged, current)
		current = slot
	}
	return append(merged, current)
}

func joinAttribution(a, b string) string {
	switch {
	case a == "" || a == b:
		return b
	case b == "":
		return a
	}
	return a + "; " + b
}

// BusyTimes returns the merged busy blocks for a tenant in [start, end).
// A connection that fails to answer is logged and skipped so one broken
// calendar does not blind the whole availability picture; its error is
// returned in the per-connection map.
func (e *Engine) BusyTimes(ctx context.Context, tenantID string, start, end time.Time) ([]provider.BusySlot, map[string]error) {
	connections, err := e.db.GetActiveConnectionsForTenant(tenantID)
	if err != nil {
		return nil, map[string]error{"": fmt.Errorf("failed to load connections: %w", err)}
	}

	var all []provider.BusySlot
	failures := make(map[string]error)
	for _, conn := range connections {
		adapter, err := e.registry.ForConnection(conn)
		if err != nil {
			failures[conn.ID] = err
			continue
		}
		slots, err := adapter.GetBusySlots(ctx, conn, start, end)
		if err != nil {
			log.Printf("BusyTimes: connection %s unavailable: %v", conn.ID, err)
			failures[conn.ID] = err
			continue
		}
		all = append(all, slots...)
	}

	return MergeBusySlots(all), failures
}

// CheckConflicts returns the busy slots that collide with an appointment's
// time slot across the tenant's connections. The appointment's own external
// events are excluded via its event links, so a synced appointment never
// conflicts with itself.
func (e *Engine) CheckConflicts(ctx context.Context, appt *db.Appointment) ([]provider.BusySlot, error) {
	connections, err := e.db.GetActiveConnectionsForTenant(appt.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}

	start, end := appt.ScheduledStart, appt.End()

	var conflicts []provider.BusySlot
	for _, conn := range connections {
		adapter, err := e.registry.ForConnection(conn)
		if err != nil {
			return nil, err
		}

		ownEventID := ""
		if link, err := e.db.GetEventLink(appt.ID, conn.ID); err == nil {
			ownEventID = link.ExternalEventID
		}

		events, err := adapter.ListEvents(ctx, conn, start, end)
		if err != nil {
			return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
		}

		for _, ev := range events {
			if ev.IsAllDay || ev.ID == ownEventID {
				continue
			}
			if Overlaps(start, end, ev.Start, ev.End) {
				conflicts = append(conflicts, provider.BusySlot{
					Start:            ev.Start,
					End:              ev.End,
					Label:            ev.Title,
					SourceConnection: conn.ID,
				})
			}
		}
	}

	// Conflicts keep per-connection attribution, so sort without merging.
	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].Start.Before(conflicts[j].Start)
	})
	return conflicts, nil
}
