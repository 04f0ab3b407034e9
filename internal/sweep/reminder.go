package sweep

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/glassystudio/agendabot/internal/calendar"
	"github.com/glassystudio/agendabot/internal/messages"
	"github.com/glassystudio/agendabot/internal/models"
	"github.com/glassystudio/agendabot/internal/store"
	"github.com/glassystudio/agendabot/internal/util"
)

// Idempotency tags appended to the event description once a reminder has
// gone out. The reminder job parses these back, so the exact spelling is a
// wire format.
const (
	Reminder24hTag = "Lembrete_24h_OK"
	Reminder1hTag  = "Lembrete_1h_OK"
)

// lookaheadWindow covers both reminder offsets with slack.
const lookaheadWindow = 25 * time.Hour

// reminderTolerance is the ± window around each offset in which the
// reminder fires; with a one-minute cadence every event is seen well inside
// the window.
const reminderTolerance = 5 * time.Minute

type reminderOffset struct {
	before     time.Duration
	tag        string
	messageKey string
}

var reminderOffsets = []reminderOffset{
	{before: 24 * time.Hour, tag: Reminder24hTag, messageKey: "REMINDER_24H"},
	{before: time.Hour, tag: Reminder1hTag, messageKey: "REMINDER_1H"},
}

// ReminderJob scans upcoming appointments and dispatches reminders at fixed
// offsets before their start.
type ReminderJob struct {
	store   store.Store
	cal     calendar.Service
	catalog *messages.Catalog
	address string
	loc     *time.Location
	now     func() time.Time
}

// ReminderOption configures the reminder job.
type ReminderOption func(*ReminderJob)

// WithReminderNow overrides the clock, for tests.
func WithReminderNow(now func() time.Time) ReminderOption {
	return func(j *ReminderJob) { j.now = now }
}

// WithReminderLocation sets the timezone used to format reminder times.
func WithReminderLocation(loc *time.Location) ReminderOption {
	return func(j *ReminderJob) { j.loc = loc }
}

// WithReminderAddress sets the studio address shown in reminders.
func WithReminderAddress(address string) ReminderOption {
	return func(j *ReminderJob) { j.address = address }
}

// NewReminderJob creates the reminder scheduler job.
func NewReminderJob(st store.Store, cal calendar.Service, catalog *messages.Catalog, opts ...ReminderOption) *ReminderJob {
	j := &ReminderJob{
		store:   st,
		cal:     cal,
		catalog: catalog,
		loc:     time.Local,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run performs one reminder pass. Per-event failures are logged and never
// abort the batch.
func (j *ReminderJob) Run(ctx context.Context) {
	events, err := j.cal.ListUpcoming(ctx, lookaheadWindow)
	if err != nil {
		slog.Error("ReminderJob.Run: failed to list upcoming events", "error", err)
		return
	}

	for _, event := range events {
		for _, offset := range reminderOffsets {
			j.sendIfDue(ctx, event, offset)
		}
	}
}

func (j *ReminderJob) sendIfDue(ctx context.Context, event calendar.Event, offset reminderOffset) {
	if strings.Contains(event.Description, offset.tag) {
		return
	}

	timeToEvent := event.Start.Sub(j.now())
	if timeToEvent <= offset.before-reminderTolerance || timeToEvent >= offset.before+reminderTolerance {
		return
	}

	phone := calendar.PhoneFromDescription(event.Description)
	userID := util.JIDFromPhone(phone)
	if userID == "" {
		slog.Warn("ReminderJob.sendIfDue: no contact in event description",
			"eventID", event.ID, "summary", event.Summary)
		return
	}

	_, serviceName := splitSummary(event.Summary)
	text := j.catalog.Get(offset.messageKey,
		"service", serviceName,
		"start_time", event.Start.In(j.loc).Format("15:04"),
		"address", j.address)

	if _, err := j.store.EnqueueJob(userID, text, nil, ""); err != nil {
		slog.Error("ReminderJob.sendIfDue: failed to enqueue reminder", "userID", userID, "error", err)
		return
	}

	session, err := j.store.GetSession(userID)
	if err != nil {
		slog.Error("ReminderJob.sendIfDue: failed to load session", "userID", userID, "error", err)
		return
	}
	if session == nil {
		session = models.NewSession(userID)
	}
	session.SetState(models.StateAwaitingReminderConfirm, j.now())
	if err := j.store.SaveSession(session); err != nil {
		slog.Error("ReminderJob.sendIfDue: failed to save session", "userID", userID, "error", err)
		return
	}

	// Mark the event so the reminder is not resent on the next pass.
	patched := event.Description + " | " + offset.tag
	if err := j.cal.PatchDescription(ctx, event.ID, patched); err != nil {
		slog.Error("ReminderJob.sendIfDue: failed to mark event", "eventID", event.ID, "error", err)
		return
	}

	slog.Info("ReminderJob.sendIfDue: reminder dispatched",
		"eventID", event.ID, "userID", userID, "offset", offset.before)
}

// splitSummary breaks a "Client Name - Service" event summary apart.
func splitSummary(summary string) (client, service string) {
	parts := strings.SplitN(summary, " - ", 2)
	client = strings.TrimSpace(parts[0])
	service = "seu serviço"
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		service = strings.TrimSpace(parts[1])
	}
	return client, service
}
