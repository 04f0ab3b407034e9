package flow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glassystudio/agendabot/internal/calendar"
	"github.com/glassystudio/agendabot/internal/intent"
	"github.com/glassystudio/agendabot/internal/messages"
	"github.com/glassystudio/agendabot/internal/models"
	"github.com/glassystudio/agendabot/internal/store"
)

const (
	testUser  = "11999998888@s.whatsapp.net"
	testAgent = "5511988887777"
	agentJID  = "5511988887777@s.whatsapp.net"
)

// Friday morning.
var testNow = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

type fakeCalendar struct {
	busy      []calendar.Interval
	busyErr   error
	created   []calendar.Booking
	createErr error
	findEvent *calendar.Event
	findErr   error
	deleted   []string
	deleteErr error
}

func (f *fakeCalendar) BusyIntervals(_ context.Context, _ time.Time) ([]calendar.Interval, error) {
	return f.busy, f.busyErr
}

func (f *fakeCalendar) CreateEvent(_ context.Context, b calendar.Booking) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, b)
	return "evt-1", nil
}

func (f *fakeCalendar) FindEventByPhone(_ context.Context, _ string) (*calendar.Event, error) {
	return f.findEvent, f.findErr
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, eventID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeCalendar) ListUpcoming(_ context.Context, _ time.Duration) ([]calendar.Event, error) {
	return nil, nil
}

func (f *fakeCalendar) PatchDescription(_ context.Context, _, _ string) error {
	return nil
}

type testEnv struct {
	engine *Engine
	store  *store.InMemoryStore
	cal    *fakeCalendar
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	catalog, err := messages.Load()
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}

	portfolio := filepath.Join(t.TempDir(), "portfolio.pdf")
	if err := os.WriteFile(portfolio, []byte("%PDF-1.4 test"), 0o644); err != nil {
		t.Fatalf("failed to write portfolio fixture: %v", err)
	}

	st := store.NewInMemoryStore()
	cal := &fakeCalendar{}
	eng := NewEngine(st, intent.NewResolver(nil), cal, catalog,
		WithLocation(time.UTC),
		WithAddress("Rua das Flores, 123"),
		WithAgentNumber(testAgent),
		WithPortfolioPath(portfolio),
		WithNow(func() time.Time { return testNow }),
	)
	return &testEnv{engine: eng, store: st, cal: cal}
}

func (env *testEnv) send(t *testing.T, message string) {
	t.Helper()
	if err := env.engine.HandleMessage(context.Background(), testUser, message); err != nil {
		t.Fatalf("HandleMessage(%q) failed: %v", message, err)
	}
}

func (env *testEnv) drainJobs(t *testing.T) []*models.OutboundJob {
	t.Helper()
	var jobs []*models.OutboundJob
	for {
		job, err := env.store.ClaimNextJob()
		if err != nil {
			t.Fatalf("ClaimNextJob failed: %v", err)
		}
		if job == nil {
			return jobs
		}
		jobs = append(jobs, job)
	}
}

// lastReplyTo drains the queue and returns the text of the last job for the
// given recipient.
func (env *testEnv) lastReplyTo(t *testing.T, recipient string) string {
	t.Helper()
	var last string
	for _, job := range env.drainJobs(t) {
		if job.Recipient == recipient {
			last = job.Text
		}
	}
	return last
}

func (env *testEnv) sessionState(t *testing.T) models.SessionState {
	t.Helper()
	session, err := env.store.GetSession(testUser)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session == nil {
		t.Fatal("no session persisted")
	}
	return session.State
}

func TestGreetingReturnsWelcome(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "oi")

	reply := env.lastReplyTo(t, testUser)
	if !strings.Contains(reply, "Bem-vindo") {
		t.Errorf("expected welcome reply, got %q", reply)
	}
	if got := env.sessionState(t); got != models.StateInitial {
		t.Errorf("state = %s, want INITIAL", got)
	}
}

func TestFullBookingFlow(t *testing.T) {
	env := newTestEnv(t)

	env.send(t, "1")
	if got := env.sessionState(t); got != models.StateAwaitingDate {
		t.Fatalf("after menu option 1: state = %s, want AWAITING_DATE", got)
	}

	env.send(t, "amanhã")
	if got := env.sessionState(t); got != models.StateAwaitingTime {
		t.Fatalf("after date: state = %s, want AWAITING_TIME", got)
	}
	reply := env.lastReplyTo(t, testUser)
	if !strings.Contains(reply, "11/05") || !strings.Contains(reply, "07:00") {
		t.Errorf("slot reply missing date or slots: %q", reply)
	}

	env.send(t, "10h")
	if got := env.sessionState(t); got != models.StateAwaitingService {
		t.Fatalf("after time: state = %s, want AWAITING_SERVICE", got)
	}

	env.send(t, "alongamento")
	if got := env.sessionState(t); got != models.StateAwaitingName {
		t.Fatalf("after service: state = %s, want AWAITING_NAME", got)
	}

	// Single token is not a full name.
	env.send(t, "maria")
	if got := env.sessionState(t); got != models.StateAwaitingName {
		t.Fatalf("after partial name: state = %s, want AWAITING_NAME", got)
	}

	env.send(t, "maria silva")
	if got := env.sessionState(t); got != models.StateAwaitingObs {
		t.Fatalf("after name: state = %s, want AWAITING_OBS", got)
	}

	env.send(t, "não")
	if got := env.sessionState(t); got != models.StateAwaitingPolicyConfirm {
		t.Fatalf("after obs decline: state = %s, want AWAITING_POLICY_CONFIRM", got)
	}

	env.send(t, "sim")
	if got := env.sessionState(t); got != models.StateInitial {
		t.Fatalf("after booking: state = %s, want INITIAL", got)
	}

	if len(env.cal.created) != 1 {
		t.Fatalf("expected 1 created booking, got %d", len(env.cal.created))
	}
	booking := env.cal.created[0]
	if booking.Name != "Maria Silva" {
		t.Errorf("booking name = %q, want title-cased %q", booking.Name, "Maria Silva")
	}
	if booking.ServiceName != "Alongamento" {
		t.Errorf("booking service = %q, want %q", booking.ServiceName, "Alongamento")
	}
	if booking.Phone != "5511999998888" {
		t.Errorf("booking phone = %q, want derived channel number", booking.Phone)
	}
	if booking.Notes != "Nenhuma" {
		t.Errorf("booking notes = %q, want sentinel", booking.Notes)
	}
	if booking.TimeStr != "10:00" {
		t.Errorf("booking time = %q, want normalized 10:00", booking.TimeStr)
	}

	var userReply, agentNote string
	for _, job := range env.drainJobs(t) {
		switch job.Recipient {
		case testUser:
			userReply = job.Text
		case agentJID:
			agentNote = job.Text
		}
	}
	if !strings.Contains(userReply, "Maria Silva") || !strings.Contains(userReply, "Rua das Flores") {
		t.Errorf("final confirmation incomplete: %q", userReply)
	}
	if !strings.Contains(agentNote, "Maria Silva") {
		t.Errorf("agent booking notice missing or incomplete: %q", agentNote)
	}
}

func TestLateRequestHidesEarlySlot(t *testing.T) {
	env := newTestEnv(t)
	late := time.Date(2024, 5, 10, 22, 0, 0, 0, time.UTC)
	env.engine.now = func() time.Time { return late }

	env.send(t, "1")
	env.drainJobs(t)
	env.send(t, "amanhã")

	reply := env.lastReplyTo(t, testUser)
	if strings.Contains(reply, "07:00") {
		t.Errorf("late next-day request should not offer 07:00: %q", reply)
	}
	if !strings.Contains(reply, "10:00") {
		t.Errorf("expected remaining slots in reply: %q", reply)
	}
}

func TestSundayAndPastDates(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "1")

	env.send(t, "12/05") // a Sunday
	reply := env.lastReplyTo(t, testUser)
	if !strings.Contains(reply, "domingo") && !strings.Contains(reply, "fechado") {
		t.Errorf("expected sunday-closed reply, got %q", reply)
	}
	if got := env.sessionState(t); got != models.StateAwaitingDate {
		t.Errorf("state = %s, want AWAITING_DATE after rejection", got)
	}
}

func TestAvailabilityFailureStaysInPlace(t *testing.T) {
	env := newTestEnv(t)
	env.cal.busyErr = errors.New("calendar down")

	env.send(t, "1")
	env.send(t, "amanhã")

	if got := env.sessionState(t); got != models.StateAwaitingDate {
		t.Errorf("state = %s, want AWAITING_DATE after collaborator failure", got)
	}
}

func TestInvalidTimeReprompts(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "1")
	env.send(t, "amanhã")
	env.drainJobs(t)

	env.send(t, "23h")
	reply := env.lastReplyTo(t, testUser)
	if !strings.Contains(reply, "07:00") {
		t.Errorf("invalid time reply should list valid slots: %q", reply)
	}
	if got := env.sessionState(t); got != models.StateAwaitingTime {
		t.Errorf("state = %s, want AWAITING_TIME unchanged", got)
	}
}

func TestCancelIntentAbortsFlow(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "1")
	env.send(t, "amanhã")

	env.send(t, "quero cancelar")
	if got := env.sessionState(t); got != models.StateInitial {
		t.Errorf("state = %s, want INITIAL after mid-flow cancel", got)
	}
}

func TestEscapeIntentKeepsFlow(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "1")
	env.send(t, "amanhã")
	env.drainJobs(t)

	env.send(t, "qual o valor?")
	if got := env.sessionState(t); got != models.StateAwaitingTime {
		t.Errorf("state = %s, want AWAITING_TIME preserved", got)
	}

	jobs := env.drainJobs(t)
	var sawMedia bool
	for _, job := range jobs {
		if job.HasMedia() {
			sawMedia = true
		}
	}
	if !sawMedia {
		t.Error("expected portfolio media job after mid-flow price question")
	}
}

func TestPauseAndResume(t *testing.T) {
	env := newTestEnv(t)

	env.send(t, "#pausarbot")
	if got := env.sessionState(t); got != models.StateHumanAttendance {
		t.Fatalf("state = %s, want HUMAN_ATTENDANCE", got)
	}
	env.drainJobs(t)

	// Paused conversations are silent.
	env.send(t, "tem horário amanhã?")
	if jobs := env.drainJobs(t); len(jobs) != 0 {
		t.Errorf("expected no replies while paused, got %d", len(jobs))
	}

	env.send(t, "#reativarbot")
	if got := env.sessionState(t); got != models.StateInitial {
		t.Errorf("state = %s, want INITIAL after resume", got)
	}
}

func TestReminderConfirmationAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	session := models.NewSession(testUser)
	session.SetState(models.StateAwaitingReminderConfirm, testNow)
	if err := env.store.SaveSession(session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	env.send(t, "obrigado!")
	reply := env.lastReplyTo(t, testUser)
	if !strings.Contains(reply, "esperamos") {
		t.Errorf("expected reminder acknowledgement, got %q", reply)
	}
	if got := env.sessionState(t); got != models.StateInitial {
		t.Errorf("state = %s, want INITIAL", got)
	}
}

func TestReminderFallthroughReprocessesOnce(t *testing.T) {
	env := newTestEnv(t)
	session := models.NewSession(testUser)
	session.SetState(models.StateAwaitingReminderConfirm, testNow)
	if err := env.store.SaveSession(session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	// Not an acknowledgement: the message is treated as a fresh request.
	env.send(t, "preciso cancelar")
	if got := env.sessionState(t); got != models.StateAwaitingCancelPhone {
		t.Errorf("state = %s, want AWAITING_CANCEL_PHONE after fallthrough", got)
	}
	reply := env.lastReplyTo(t, testUser)
	if !strings.Contains(reply, "telefone") {
		t.Errorf("expected phone prompt, got %q", reply)
	}
}

func TestCancellationHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.cal.findEvent = &calendar.Event{
		ID:      "evt-9",
		Summary: "Maria Silva - Alongamento",
		Start:   testNow.Add(48 * time.Hour),
	}

	env.send(t, "quero cancelar")
	if got := env.sessionState(t); got != models.StateAwaitingCancelPhone {
		t.Fatalf("state = %s, want AWAITING_CANCEL_PHONE", got)
	}

	env.send(t, "11999998888")
	if got := env.sessionState(t); got != models.StateAwaitingCancelConfirm {
		t.Fatalf("state = %s, want AWAITING_CANCEL_CONFIRM", got)
	}
	env.drainJobs(t)

	env.send(t, "sim")
	if got := env.sessionState(t); got != models.StateInitial {
		t.Errorf("state = %s, want INITIAL after cancellation", got)
	}
	if len(env.cal.deleted) != 1 || env.cal.deleted[0] != "evt-9" {
		t.Errorf("deleted events = %v, want [evt-9]", env.cal.deleted)
	}

	var agentNote string
	for _, job := range env.drainJobs(t) {
		if job.Recipient == agentJID {
			agentNote = job.Text
		}
	}
	if !strings.Contains(agentNote, "Maria Silva") {
		t.Errorf("agent cancellation notice missing: %q", agentNote)
	}
}

func TestCancellationTooCloseRoutesToHuman(t *testing.T) {
	env := newTestEnv(t)
	env.cal.findEvent = &calendar.Event{
		ID:      "evt-9",
		Summary: "Maria Silva - Alongamento",
		Start:   testNow.Add(2 * time.Hour),
	}

	env.send(t, "quero cancelar")
	env.send(t, "11999998888")
	if got := env.sessionState(t); got != models.StateAwaitingCancelTooClose {
		t.Fatalf("state = %s, want AWAITING_CANCEL_TOO_CLOSE_CONFIRM", got)
	}

	env.send(t, "sim")
	if got := env.sessionState(t); got != models.StateHumanAttendance {
		t.Errorf("state = %s, want HUMAN_ATTENDANCE", got)
	}
	if len(env.cal.deleted) != 0 {
		t.Errorf("too-close cancellation must not delete, got %v", env.cal.deleted)
	}
}

func TestCancellationDeclinePreservesEvent(t *testing.T) {
	env := newTestEnv(t)
	env.cal.findEvent = &calendar.Event{
		ID:      "evt-9",
		Summary: "Maria Silva - Alongamento",
		Start:   testNow.Add(48 * time.Hour),
	}

	env.send(t, "quero cancelar")
	env.send(t, "11999998888")
	env.send(t, "não")

	if len(env.cal.deleted) != 0 {
		t.Errorf("decline must not delete, got %v", env.cal.deleted)
	}
	if got := env.sessionState(t); got != models.StateInitial {
		t.Errorf("state = %s, want INITIAL", got)
	}
}

func TestCancellationUnknownPhoneReprompts(t *testing.T) {
	env := newTestEnv(t)
	env.cal.findEvent = nil

	env.send(t, "quero cancelar")
	env.send(t, "11900000000")
	if got := env.sessionState(t); got != models.StateAwaitingCancelPhone {
		t.Errorf("state = %s, want AWAITING_CANCEL_PHONE", got)
	}
}

func TestBookingFailureRoutesToHuman(t *testing.T) {
	env := newTestEnv(t)
	env.cal.createErr = errors.New("calendar down")

	env.send(t, "1")
	env.send(t, "amanhã")
	env.send(t, "10h")
	env.send(t, "alongamento")
	env.send(t, "maria silva")
	env.send(t, "sem observações")
	env.send(t, "sim")

	if got := env.sessionState(t); got != models.StateHumanAttendance {
		t.Errorf("state = %s, want HUMAN_ATTENDANCE after booking failure", got)
	}
}

func TestCourseInfoOpensTransferConfirm(t *testing.T) {
	env := newTestEnv(t)

	env.send(t, "4")
	if got := env.sessionState(t); got != models.StateAwaitingTransferConfirm {
		t.Fatalf("state = %s, want AWAITING_TRANSFER_CONFIRM", got)
	}

	env.send(t, "sim")
	if got := env.sessionState(t); got != models.StateHumanAttendance {
		t.Errorf("state = %s, want HUMAN_ATTENDANCE", got)
	}
}

func TestUnknownIntentResets(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "xyzzy plugh")

	reply := env.lastReplyTo(t, testUser)
	if !strings.Contains(reply, "menu") {
		t.Errorf("expected fallback pointing at the menu, got %q", reply)
	}
	if got := env.sessionState(t); got != models.StateInitial {
		t.Errorf("state = %s, want INITIAL", got)
	}
}

func TestMenuCommandOverridesMidFlow(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "1")
	env.send(t, "amanhã")

	env.send(t, "menu")
	if got := env.sessionState(t); got != models.StateInitial {
		t.Errorf("state = %s, want INITIAL after menu command", got)
	}
	session, _ := env.store.GetSession(testUser)
	if len(session.Slots) != 0 {
		t.Errorf("menu reset must clear slots, got %v", session.Slots)
	}
}
