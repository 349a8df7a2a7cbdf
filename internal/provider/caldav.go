package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/hearthworks/calsync/internal/credentials"
	"github.com/hearthworks/calsync/internal/db"
)

const minTLSVersion = tls.VersionTLS12

// CalDAVAdapter syncs appointments to a CalDAV collection over basic auth.
// Event objects are addressed by a UID derived from the appointment id, so
// creates are natural upserts and repeating a half-failed create never
// produces a duplicate.
type CalDAVAdapter struct {
	creds *credentials.Manager
}

// NewCalDAVAdapter creates a CalDAV adapter backed by the credential manager.
func NewCalDAVAdapter(creds *credentials.Manager) *CalDAVAdapter {
	return &CalDAVAdapter{creds: creds}
}

// client builds a CalDAV client for one connection. Clients are cheap to
// construct and credentials may rotate between calls, so nothing is cached.
func (a *CalDAVAdapter) client(conn *db.SyncConnection) (*caldav.Client, error) {
	if conn.ServerURL == "" {
		return nil, fmt.Errorf("connection %s has no server URL", conn.ID)
	}

	cred, err := a.creds.Credentials(conn)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   callTimeout,
		Transport: transport,
	}

	client, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, cred.Username, cred.Password),
		conn.ServerURL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CalDAV client: %w", err)
	}
	return client, nil
}

// CreateEvent writes the appointment as a VEVENT. A known external id from a
// previous attempt is reused so the PUT overwrites instead of duplicating.
func (a *CalDAVAdapter) CreateEvent(ctx context.Context, conn *db.SyncConnection, appt *db.Appointment, knownExternalID string) (string, error) {
	uid := knownExternalID
	if uid == "" {
		uid = caldavEventUID(appt)
	}
	if err := a.putEvent(ctx, conn, appt, uid); err != nil {
		return "", err
	}
	return uid, nil
}

// UpdateEvent overwrites the existing VEVENT in place.
func (a *CalDAVAdapter) UpdateEvent(ctx context.Context, conn *db.SyncConnection, appt *db.Appointment, externalEventID string) error {
	if externalEventID == "" {
		log.Printf("UpdateEvent: connection %s has no external id for appointment %s, skipping", conn.ID, appt.ID)
		return nil
	}
	return a.putEvent(ctx, conn, appt, externalEventID)
}

func (a *CalDAVAdapter) putEvent(ctx context.Context, conn *db.SyncConnection, appt *db.Appointment, uid string) error {
	client, err := a.client(conn)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	cal := buildEventCalendar(appt, uid)
	path := caldavEventPath(conn.CalendarID, uid)

	if _, err := client.PutCalendarObject(ctx, path, cal); err != nil {
		return classifyHTTPError(fmt.Errorf("failed to put event %s: %w", path, err))
	}
	return nil
}

// DeleteEvent removes the VEVENT. An event the server no longer knows about
// counts as deleted.
func (a *CalDAVAdapter) DeleteEvent(ctx context.Context, conn *db.SyncConnection, externalEventID string) error {
	if externalEventID == "" {
		return nil
	}

	client, err := a.client(conn)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	path := caldavEventPath(conn.CalendarID, externalEventID)
	if err := client.RemoveAll(ctx, path); err != nil {
		classified := classifyHTTPError(err)
		if errors.Is(classified, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete event %s: %w", path, classified)
	}
	return nil
}

// ListEvents queries the collection with a VEVENT time-range filter and
// normalizes the results.
func (a *CalDAVAdapter) ListEvents(ctx context.Context, conn *db.SyncConnection, start, end time.Time) ([]NormalizedEvent, error) {
	client, err := a.client(conn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{
				{Name: "VEVENT"},
			},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{Name: "VEVENT", Start: start, End: end},
			},
		},
	}

	objects, err := client.QueryCalendar(ctx, conn.CalendarID, query)
	if err != nil {
		return nil, classifyHTTPError(fmt.Errorf("failed to query calendar: %w", err))
	}

	return objectsToNormalizedEvents(objects), nil
}

// GetBusySlots lists events and reduces them to busy intervals.
func (a *CalDAVAdapter) GetBusySlots(ctx context.Context, conn *db.SyncConnection, start, end time.Time) ([]BusySlot, error) {
	events, err := a.ListEvents(ctx, conn, start, end)
	if err != nil {
		return nil, err
	}
	return BusySlotsFromEvents(conn, events), nil
}

// caldavEventUID derives the stable event UID for an appointment.
func caldavEventUID(appt *db.Appointment) string {
	return fmt.Sprintf("appt-%s@calsync", appt.ID)
}

func caldavEventPath(calendarPath, uid string) string {
	return strings.TrimSuffix(calendarPath, "/") + "/" + uid + ".ics"
}

// buildEventCalendar renders an appointment as a single-event VCALENDAR.
func buildEventCalendar(appt *db.Appointment, uid string) *ical.Calendar {
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetText(ical.PropSummary, appt.Title)
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, appt.ScheduledStart.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, appt.End().UTC())
	if appt.Status == db.AppointmentCancelled {
		event.Props.SetText(ical.PropStatus, "CANCELLED")
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//HearthWorks//calsync//EN")
	cal.Children = append(cal.Children, event.Component)
	return cal
}

// objectsToNormalizedEvents converts CalDAV objects to normalized events.
// Objects the server returned without parseable data are skipped.
func objectsToNormalizedEvents(objects []caldav.CalendarObject) []NormalizedEvent {
	events := make([]NormalizedEvent, 0, len(objects))
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, evt := range obj.Data.Events() {
			normalized, err := normalizeICalEvent(evt)
			if err != nil {
				log.Printf("Skipping malformed event at %s: %v", obj.Path, err)
				continue
			}
			events = append(events, normalized)
		}
	}
	return events
}

func normalizeICalEvent(evt ical.Event) (NormalizedEvent, error) {
	var out NormalizedEvent

	uid, err := evt.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return out, fmt.Errorf("event has no UID")
	}
	out.ID = uid

	if summary, err := evt.Props.Text(ical.PropSummary); err == nil {
		out.Title = summary
	}

	dtstart := evt.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return out, fmt.Errorf("event %s has no DTSTART", uid)
	}
	start, err := dtstart.DateTime(time.UTC)
	if err != nil {
		return out, fmt.Errorf("event %s has invalid DTSTART: %w", uid, err)
	}
	out.Start = start
	out.IsAllDay = dtstart.ValueType() == ical.ValueDate

	if dtend := evt.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		end, err := dtend.DateTime(time.UTC)
		if err != nil {
			return out, fmt.Errorf("event %s has invalid DTEND: %w", uid, err)
		}
		out.End = end
	} else if out.IsAllDay {
		out.End = start.AddDate(0, 0, 1)
	} else {
		out.End = start
	}

	for _, prop := range evt.Props.Values(ical.PropAttendee) {
		out.Attendees = append(out.Attendees, strings.TrimPrefix(prop.Value, "mailto:"))
	}

	return out, nil
}
