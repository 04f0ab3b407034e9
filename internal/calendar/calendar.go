// Package calendar talks to the studio agenda. It computes bookable slots
// against a fixed daily template and wraps the Google Calendar API for event
// reads and writes.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	gapi "google.golang.org/api/option"
)

// Booking carries the collected slot data needed to create an appointment.
// Name and ServiceName are expected already title-cased by the caller.
type Booking struct {
	Name        string
	ServiceName string
	Phone       string
	Notes       string
	Date        time.Time // midnight in the studio timezone
	TimeStr     string    // "HH:MM"
}

// Event is the core's view of one calendar entry.
type Event struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
}

// Service is the calendar collaborator consumed by the scheduling flow, the
// cancellation flow and the reminder job.
type Service interface {
	// BusyIntervals returns the occupied periods of one day.
	BusyIntervals(ctx context.Context, date time.Time) ([]Interval, error)
	// CreateEvent books an appointment and returns the event ID.
	CreateEvent(ctx context.Context, b Booking) (string, error)
	// FindEventByPhone fuzzy-matches the contact annotation of upcoming
	// events. A nil event with nil error means no match.
	FindEventByPhone(ctx context.Context, phone string) (*Event, error)
	// DeleteEvent removes a booked appointment.
	DeleteEvent(ctx context.Context, eventID string) error
	// ListUpcoming returns events starting within the given window.
	ListUpcoming(ctx context.Context, within time.Duration) ([]Event, error)
	// PatchDescription replaces an event's description text.
	PatchDescription(ctx context.Context, eventID, description string) error
}

// cancelLookupWindow bounds how far ahead the phone lookup scans.
const cancelLookupWindow = 90 * 24 * time.Hour

// Opts holds configurable options for the Google-backed service.
type Opts struct {
	CredentialsFile string
	CalendarID      string
	Location        *time.Location
	Address         string
}

// Option configures the Google-backed service.
type Option func(*Opts)

// WithCredentialsFile sets the service-account credentials path.
func WithCredentialsFile(path string) Option {
	return func(o *Opts) { o.CredentialsFile = path }
}

// WithCalendarID sets the target calendar.
func WithCalendarID(id string) Option {
	return func(o *Opts) { o.CalendarID = id }
}

// WithLocation sets the studio timezone.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithAddress sets the studio address stamped on created events.
func WithAddress(address string) Option {
	return func(o *Opts) { o.Address = address }
}

// GoogleService implements Service on the Google Calendar API.
type GoogleService struct {
	api        *gcal.Service
	calendarID string
	location   *time.Location
	address    string
}

var _ Service = (*GoogleService)(nil)

// NewGoogleService creates a Google Calendar client from service-account
// credentials.
func NewGoogleService(ctx context.Context, opts ...Option) (*GoogleService, error) {
	cfg := Opts{CalendarID: "primary", Location: time.Local}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("credentials file not set")
	}
	api, err := gcal.NewService(ctx,
		gapi.WithCredentialsFile(cfg.CredentialsFile),
		gapi.WithScopes(gcal.CalendarScope))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar API client: %w", err)
	}
	slog.Info("GoogleService initialized", "calendarID", cfg.CalendarID)
	return &GoogleService{
		api:        api,
		calendarID: cfg.CalendarID,
		location:   cfg.Location,
		address:    cfg.Address,
	}, nil
}

// BusyIntervals lists the occupied periods of the given day. All-day entries
// without a concrete start time are ignored.
func (g *GoogleService) BusyIntervals(ctx context.Context, date time.Time) ([]Interval, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, g.location)
	dayEnd := dayStart.AddDate(0, 0, 1)

	items, err := g.listEvents(ctx, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", dayStart.Format("2006-01-02"), err)
	}

	var busy []Interval
	for _, item := range items {
		start, okStart := parseEventTime(item.Start)
		end, okEnd := parseEventTime(item.End)
		if !okStart || !okEnd {
			continue
		}
		busy = append(busy, Interval{Start: start, End: end})
	}
	return busy, nil
}

// CreateEvent books the appointment, stamping the contact annotation into the
// description.
func (g *GoogleService) CreateEvent(ctx context.Context, b Booking) (string, error) {
	start, err := slotStart(b.Date, b.TimeStr)
	if err != nil {
		return "", fmt.Errorf("invalid time %q: %w", b.TimeStr, err)
	}
	end := start.Add(EventDuration)

	event := &gcal.Event{
		Summary:     fmt.Sprintf("%s - %s", b.Name, b.ServiceName),
		Location:    g.address,
		Description: FormatDescription(b.Phone, b.Notes),
		Start:       &gcal.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: g.location.String()},
		End:         &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: g.location.String()},
	}
	created, err := g.api.Events.Insert(g.calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create event: %w", err)
	}
	slog.Info("GoogleService.CreateEvent: event booked", "eventID", created.Id, "start", start)
	return created.Id, nil
}

// FindEventByPhone scans upcoming events for a contact annotation matching
// the given phone under the fuzzy comparison rules.
func (g *GoogleService) FindEventByPhone(ctx context.Context, phone string) (*Event, error) {
	if DigitsOnly(phone) == "" {
		return nil, nil
	}
	now := time.Now().In(g.location)
	items, err := g.listEvents(ctx, now, now.Add(cancelLookupWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming events: %w", err)
	}

	for _, item := range items {
		stored := PhoneFromDescription(item.Description)
		if stored == "" || !PhonesMatch(stored, phone) {
			continue
		}
		start, ok := parseEventTime(item.Start)
		if !ok {
			continue
		}
		return &Event{
			ID:          item.Id,
			Summary:     item.Summary,
			Description: item.Description,
			Start:       start.In(g.location),
		}, nil
	}
	return nil, nil
}

// DeleteEvent removes the event from the calendar.
func (g *GoogleService) DeleteEvent(ctx context.Context, eventID string) error {
	if err := g.api.Events.Delete(g.calendarID, eventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", eventID, err)
	}
	slog.Info("GoogleService.DeleteEvent: event removed", "eventID", eventID)
	return nil
}

// ListUpcoming returns events starting within the given window, ordered by
// start time.
func (g *GoogleService) ListUpcoming(ctx context.Context, within time.Duration) ([]Event, error) {
	now := time.Now().In(g.location)
	items, err := g.listEvents(ctx, now, now.Add(within))
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming events: %w", err)
	}

	var events []Event
	for _, item := range items {
		start, ok := parseEventTime(item.Start)
		if !ok {
			continue
		}
		events = append(events, Event{
			ID:          item.Id,
			Summary:     item.Summary,
			Description: item.Description,
			Start:       start.In(g.location),
		})
	}
	return events, nil
}

// PatchDescription replaces the event's description, preserving every other
// field.
func (g *GoogleService) PatchDescription(ctx context.Context, eventID, description string) error {
	patch := &gcal.Event{Description: description}
	if _, err := g.api.Events.Patch(g.calendarID, eventID, patch).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to patch event %s: %w", eventID, err)
	}
	return nil
}

func (g *GoogleService) listEvents(ctx context.Context, from, to time.Time) ([]*gcal.Event, error) {
	result, err := g.api.Events.List(g.calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

func parseEventTime(edt *gcal.EventDateTime) (time.Time, bool) {
	if edt == nil || edt.DateTime == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, edt.DateTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
