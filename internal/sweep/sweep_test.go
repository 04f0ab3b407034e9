package sweep

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/glassystudio/agendabot/internal/calendar"
	"github.com/glassystudio/agendabot/internal/messages"
	"github.com/glassystudio/agendabot/internal/models"
	"github.com/glassystudio/agendabot/internal/store"
)

var sweepNow = time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)

func loadCatalog(t *testing.T) *messages.Catalog {
	t.Helper()
	catalog, err := messages.Load()
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	return catalog
}

func drainJobs(t *testing.T, st *store.InMemoryStore) []*models.OutboundJob {
	t.Helper()
	var jobs []*models.OutboundJob
	for {
		job, err := st.ClaimNextJob()
		if err != nil {
			t.Fatalf("ClaimNextJob failed: %v", err)
		}
		if job == nil {
			return jobs
		}
		jobs = append(jobs, job)
	}
}

func saveSessionAt(t *testing.T, st *store.InMemoryStore, userID string, state models.SessionState, at time.Time) {
	t.Helper()
	s := models.NewSession(userID)
	s.SetState(state, at)
	if err := st.SaveSession(s); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
}

func TestTimeoutSweepExpiresInactiveSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	saveSessionAt(t, st, "stale@s.whatsapp.net", models.StateAwaitingDate, sweepNow.Add(-15*time.Minute))
	saveSessionAt(t, st, "fresh@s.whatsapp.net", models.StateAwaitingTime, sweepNow.Add(-5*time.Minute))

	sweeper := NewTimeoutSweeper(st, loadCatalog(t), WithTimeoutNow(func() time.Time { return sweepNow }))
	sweeper.Sweep()

	stale, _ := st.GetSession("stale@s.whatsapp.net")
	if stale.State != models.StateInitial {
		t.Errorf("stale session state = %s, want INITIAL", stale.State)
	}
	fresh, _ := st.GetSession("fresh@s.whatsapp.net")
	if fresh.State != models.StateAwaitingTime {
		t.Errorf("fresh session state = %s, want untouched AWAITING_TIME", fresh.State)
	}

	jobs := drainJobs(t, st)
	if len(jobs) != 1 || jobs[0].Recipient != "stale@s.whatsapp.net" {
		t.Fatalf("expected one timeout notice for the stale session, got %+v", jobs)
	}
}

func TestTimeoutSweepBoundaryIsStrict(t *testing.T) {
	st := store.NewInMemoryStore()
	// Exactly at the threshold: not yet expired.
	saveSessionAt(t, st, "edge@s.whatsapp.net", models.StateAwaitingDate, sweepNow.Add(-DefaultInactivityThreshold))

	sweeper := NewTimeoutSweeper(st, loadCatalog(t), WithTimeoutNow(func() time.Time { return sweepNow }))
	sweeper.Sweep()

	s, _ := st.GetSession("edge@s.whatsapp.net")
	if s.State != models.StateAwaitingDate {
		t.Errorf("session at exact threshold must not expire, state = %s", s.State)
	}
}

func TestTimeoutSweepSkipsMalformedTimestamp(t *testing.T) {
	st := store.NewInMemoryStore()
	s := models.NewSession("broken@s.whatsapp.net")
	s.SetState(models.StateAwaitingDate, sweepNow.Add(-time.Hour))
	s.SetSlot(models.SlotStateTimestamp, "not a timestamp")
	if err := st.SaveSession(s); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	sweeper := NewTimeoutSweeper(st, loadCatalog(t), WithTimeoutNow(func() time.Time { return sweepNow }))
	sweeper.Sweep()

	after, _ := st.GetSession("broken@s.whatsapp.net")
	if after.State != models.StateAwaitingDate {
		t.Errorf("malformed record must be skipped, state = %s", after.State)
	}
	if jobs := drainJobs(t, st); len(jobs) != 0 {
		t.Errorf("no notices expected for skipped records, got %d", len(jobs))
	}
}

type fakeReminderCalendar struct {
	events  []calendar.Event
	patched map[string]string
}

func (f *fakeReminderCalendar) BusyIntervals(_ context.Context, _ time.Time) ([]calendar.Interval, error) {
	return nil, nil
}
func (f *fakeReminderCalendar) CreateEvent(_ context.Context, _ calendar.Booking) (string, error) {
	return "", nil
}
func (f *fakeReminderCalendar) FindEventByPhone(_ context.Context, _ string) (*calendar.Event, error) {
	return nil, nil
}
func (f *fakeReminderCalendar) DeleteEvent(_ context.Context, _ string) error { return nil }
func (f *fakeReminderCalendar) ListUpcoming(_ context.Context, _ time.Duration) ([]calendar.Event, error) {
	return f.events, nil
}
func (f *fakeReminderCalendar) PatchDescription(_ context.Context, eventID, description string) error {
	if f.patched == nil {
		f.patched = make(map[string]string)
	}
	f.patched[eventID] = description
	return nil
}

func newReminderJob(st *store.InMemoryStore, cal *fakeReminderCalendar, catalog *messages.Catalog) *ReminderJob {
	return NewReminderJob(st, cal, catalog,
		WithReminderNow(func() time.Time { return sweepNow }),
		WithReminderLocation(time.UTC),
		WithReminderAddress("Rua das Flores, 123"),
	)
}

func TestReminderDispatchedInsideWindow(t *testing.T) {
	st := store.NewInMemoryStore()
	cal := &fakeReminderCalendar{events: []calendar.Event{{
		ID:          "evt-1",
		Summary:     "Maria Silva - Alongamento",
		Description: "Contato: 5511999998888 | Observações: Nenhuma",
		Start:       sweepNow.Add(24*time.Hour + 2*time.Minute),
	}}}

	newReminderJob(st, cal, loadCatalog(t)).Run(context.Background())

	jobs := drainJobs(t, st)
	if len(jobs) != 1 {
		t.Fatalf("expected one reminder, got %d", len(jobs))
	}
	if jobs[0].Recipient != "5511999998888@s.whatsapp.net" {
		t.Errorf("reminder recipient = %q", jobs[0].Recipient)
	}
	if !strings.Contains(jobs[0].Text, "Alongamento") {
		t.Errorf("reminder text missing service name: %q", jobs[0].Text)
	}

	session, _ := st.GetSession("5511999998888@s.whatsapp.net")
	if session == nil || session.State != models.StateAwaitingReminderConfirm {
		t.Errorf("session not transitioned to reminder confirmation: %+v", session)
	}

	if !strings.Contains(cal.patched["evt-1"], Reminder24hTag) {
		t.Errorf("event description not marked: %q", cal.patched["evt-1"])
	}
}

func TestReminderIdempotencyTagSuppressesResend(t *testing.T) {
	st := store.NewInMemoryStore()
	cal := &fakeReminderCalendar{events: []calendar.Event{{
		ID:          "evt-1",
		Summary:     "Maria Silva - Alongamento",
		Description: "Contato: 5511999998888 | Observações: Nenhuma | " + Reminder24hTag,
		Start:       sweepNow.Add(24 * time.Hour),
	}}}

	newReminderJob(st, cal, loadCatalog(t)).Run(context.Background())

	if jobs := drainJobs(t, st); len(jobs) != 0 {
		t.Errorf("tagged event must not trigger another reminder, got %d", len(jobs))
	}
}

func TestReminderOutsideWindowNotSent(t *testing.T) {
	st := store.NewInMemoryStore()
	cal := &fakeReminderCalendar{events: []calendar.Event{{
		ID:          "evt-1",
		Summary:     "Maria Silva - Alongamento",
		Description: "Contato: 5511999998888 | Observações: Nenhuma",
		Start:       sweepNow.Add(10 * time.Hour),
	}}}

	newReminderJob(st, cal, loadCatalog(t)).Run(context.Background())

	if jobs := drainJobs(t, st); len(jobs) != 0 {
		t.Errorf("event between offsets must not trigger a reminder, got %d", len(jobs))
	}
}

func TestReminderOneHourOffset(t *testing.T) {
	st := store.NewInMemoryStore()
	cal := &fakeReminderCalendar{events: []calendar.Event{{
		ID:          "evt-1",
		Summary:     "Maria Silva - Alongamento",
		Description: "Contato: 5511999998888 | Observações: Nenhuma | " + Reminder24hTag,
		Start:       sweepNow.Add(time.Hour - 2*time.Minute),
	}}}

	newReminderJob(st, cal, loadCatalog(t)).Run(context.Background())

	jobs := drainJobs(t, st)
	if len(jobs) != 1 {
		t.Fatalf("expected one-hour reminder, got %d jobs", len(jobs))
	}
	if !strings.Contains(cal.patched["evt-1"], Reminder1hTag) {
		t.Errorf("event not marked with the one-hour tag: %q", cal.patched["evt-1"])
	}
}

func TestReminderWithoutContactSkipped(t *testing.T) {
	st := store.NewInMemoryStore()
	cal := &fakeReminderCalendar{events: []calendar.Event{{
		ID:      "evt-1",
		Summary: "Maria Silva - Alongamento",
		Start:   sweepNow.Add(24 * time.Hour),
	}}}

	newReminderJob(st, cal, loadCatalog(t)).Run(context.Background())

	if jobs := drainJobs(t, st); len(jobs) != 0 {
		t.Errorf("event without contact must be skipped, got %d jobs", len(jobs))
	}
	if len(cal.patched) != 0 {
		t.Errorf("skipped event must not be marked, got %v", cal.patched)
	}
}
