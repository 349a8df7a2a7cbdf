package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/hearthworks/calsync/internal/credentials"
	"github.com/hearthworks/calsync/internal/db"
)

const googleMaxResults = 250

// GoogleAdapter syncs appointments to Google Calendar via the Calendar v3
// API. Outbound calls share a token-bucket limiter so a burst of retries
// cannot trip the per-user quota.
type GoogleAdapter struct {
	creds   *credentials.Manager
	limiter *rate.Limiter
}

// NewGoogleAdapter creates a Google Calendar adapter backed by the
// credential manager.
func NewGoogleAdapter(creds *credentials.Manager) *GoogleAdapter {
	return &GoogleAdapter{
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// service builds a Calendar service authenticated for one connection. The
// token source refreshes transparently, so a service is safe to use for the
// duration of a sync pass.
func (a *GoogleAdapter) service(ctx context.Context, conn *db.SyncConnection) (*calendar.Service, error) {
	ts, err := a.creds.TokenSource(ctx, conn)
	if err != nil {
		return nil, err
	}
	service, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return service, nil
}

// CreateEvent inserts the appointment as a calendar event. If a previous
// attempt already produced an external id, the event is updated instead so
// the operation stays idempotent across retries.
func (a *GoogleAdapter) CreateEvent(ctx context.Context, conn *db.SyncConnection, appt *db.Appointment, knownExternalID string) (string, error) {
	if knownExternalID != "" {
		if err := a.UpdateEvent(ctx, conn, appt, knownExternalID); err != nil {
			if errors.Is(err, ErrNotFound) {
				// Event vanished server-side between attempts, fall
				// through to a fresh insert.
				knownExternalID = ""
			} else {
				return "", err
			}
		} else {
			return knownExternalID, nil
		}
	}

	service, err := a.service(ctx, conn)
	if err != nil {
		return "", err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	created, err := service.Events.Insert(conn.CalendarID, googleEventFromAppointment(appt)).Context(ctx).Do()
	if err != nil {
		return "", classifyGoogleError(fmt.Errorf("failed to insert event: %w", err))
	}
	return created.Id, nil
}

// UpdateEvent updates the calendar event in place.
func (a *GoogleAdapter) UpdateEvent(ctx context.Context, conn *db.SyncConnection, appt *db.Appointment, externalEventID string) error {
	if externalEventID == "" {
		log.Printf("UpdateEvent: connection %s has no external id for appointment %s, skipping", conn.ID, appt.ID)
		return nil
	}

	service, err := a.service(ctx, conn)
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	_, err = service.Events.Update(conn.CalendarID, externalEventID, googleEventFromAppointment(appt)).Context(ctx).Do()
	if err != nil {
		return classifyGoogleError(fmt.Errorf("failed to update event %s: %w", externalEventID, err))
	}
	return nil
}

// DeleteEvent removes the calendar event. 404 and 410 count as success.
func (a *GoogleAdapter) DeleteEvent(ctx context.Context, conn *db.SyncConnection, externalEventID string) error {
	if externalEventID == "" {
		return nil
	}

	service, err := a.service(ctx, conn)
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	err = service.Events.Delete(conn.CalendarID, externalEventID).Context(ctx).Do()
	if err != nil {
		classified := classifyGoogleError(err)
		if errors.Is(classified, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete event %s: %w", externalEventID, classified)
	}
	return nil
}

// ListEvents pages through the calendar within the window, expanding
// recurring events into single instances.
func (a *GoogleAdapter) ListEvents(ctx context.Context, conn *db.SyncConnection, start, end time.Time) ([]NormalizedEvent, error) {
	service, err := a.service(ctx, conn)
	if err != nil {
		return nil, err
	}
	return a.listEvents(ctx, service, conn.CalendarID, start, end)
}

func (a *GoogleAdapter) listEvents(ctx context.Context, service *calendar.Service, calendarID string, start, end time.Time) ([]NormalizedEvent, error) {
	// Each page gets its own callTimeout so a caller-supplied context
	// without a deadline cannot leave the listing hanging mid-page.
	fetchPage := func(pageToken string) (*calendar.Events, error) {
		pageCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		call := service.Events.List(calendarID).
			TimeMin(start.Format(time.RFC3339)).
			TimeMax(end.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			MaxResults(googleMaxResults).
			Context(pageCtx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		return call.Do()
	}

	var events []NormalizedEvent
	pageToken := ""
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		page, err := fetchPage(pageToken)
		if err != nil {
			return nil, classifyGoogleError(fmt.Errorf("failed to list events: %w", err))
		}

		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			normalized, err := normalizeGoogleEvent(item)
			if err != nil {
				log.Printf("Skipping malformed event %s: %v", item.Id, err)
				continue
			}
			events = append(events, normalized)
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return events, nil
}

// GetBusySlots lists events and reduces them to busy intervals.
func (a *GoogleAdapter) GetBusySlots(ctx context.Context, conn *db.SyncConnection, start, end time.Time) ([]BusySlot, error) {
	events, err := a.ListEvents(ctx, conn, start, end)
	if err != nil {
		return nil, err
	}
	return BusySlotsFromEvents(conn, events), nil
}

func googleEventFromAppointment(appt *db.Appointment) *calendar.Event {
	event := &calendar.Event{
		Summary: appt.Title,
		Start: &calendar.EventDateTime{
			DateTime: appt.ScheduledStart.UTC().Format(time.RFC3339),
			TimeZone: "UTC",
		},
		End: &calendar.EventDateTime{
			DateTime: appt.End().UTC().Format(time.RFC3339),
			TimeZone: "UTC",
		},
	}
	if appt.Status == db.AppointmentCancelled {
		event.Status = "cancelled"
	}
	return event
}

func normalizeGoogleEvent(item *calendar.Event) (NormalizedEvent, error) {
	var out NormalizedEvent
	out.ID = item.Id
	out.Title = item.Summary

	if item.Start == nil || item.End == nil {
		return out, fmt.Errorf("event has no start or end")
	}

	if item.Start.Date != "" {
		out.IsAllDay = true
		start, err := time.Parse("2006-01-02", item.Start.Date)
		if err != nil {
			return out, fmt.Errorf("invalid all-day start: %w", err)
		}
		end, err := time.Parse("2006-01-02", item.End.Date)
		if err != nil {
			return out, fmt.Errorf("invalid all-day end: %w", err)
		}
		out.Start = start
		out.End = end
	} else {
		start, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			return out, fmt.Errorf("invalid start time: %w", err)
		}
		end, err := time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			return out, fmt.Errorf("invalid end time: %w", err)
		}
		out.Start = start.UTC()
		out.End = end.UTC()
	}

	for _, attendee := range item.Attendees {
		if attendee.Email != "" {
			out.Attendees = append(out.Attendees, attendee.Email)
		}
	}

	return out, nil
}

// classifyGoogleError maps googleapi errors to the adapter error taxonomy.
func classifyGoogleError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case 401:
		return fmt.Errorf("%w: %w", ErrAuthExpired, err)
	case 403:
		for _, item := range apiErr.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
				return fmt.Errorf("%w: %w", ErrRateLimited, err)
			}
		}
		return fmt.Errorf("%w: %w", ErrAuthExpired, err)
	case 404, 410:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case 429:
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}
