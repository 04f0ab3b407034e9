// Package flow implements the conversation engine: a per-user state machine
// that turns resolved intents into replies, driving the scheduling and
// cancellation sub-flows.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glassystudio/agendabot/internal/calendar"
	"github.com/glassystudio/agendabot/internal/intent"
	"github.com/glassystudio/agendabot/internal/messages"
	"github.com/glassystudio/agendabot/internal/models"
	"github.com/glassystudio/agendabot/internal/store"
)

// menuCommands reset the conversation from any state, before intent
// resolution runs.
var menuCommands = map[string]bool{
	"menu": true, "início": true, "inicio": true,
	"oi": true, "olá": true, "ola": true,
}

// Pause/resume commands for the staff to take over a conversation.
const (
	pauseCommand  = "#pausarbot"
	resumeCommand = "#reativarbot"
)

// numericMenu maps the welcome menu digits to intents. Accepted only in the
// INITIAL state.
var numericMenu = map[string]models.Intent{
	"1": models.IntentSchedule,
	"2": models.IntentCancel,
	"3": models.IntentGetInfo,
	"4": models.IntentCourseInfo,
	"5": models.IntentHumanTransfer,
}

// escapeIntents are honored mid-flow without abandoning collected slots.
var escapeIntents = map[models.Intent]bool{
	models.IntentGetInfo:       true,
	models.IntentCourseInfo:    true,
	models.IntentHumanTransfer: true,
}

// Resolver is the intent resolution dependency of the engine.
type Resolver interface {
	Resolve(ctx context.Context, message string, history []models.HistoryMessage) models.ResolvedIntent
}

var _ Resolver = (*intent.Resolver)(nil)

// Opts holds configurable options for the engine.
type Opts struct {
	Location      *time.Location
	Address       string
	AgentNumber   string
	PortfolioPath string
	Now           func() time.Time
}

// Option configures the engine.
type Option func(*Opts)

// WithLocation sets the studio timezone used for date math.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithAddress sets the studio address shown in confirmations and reminders.
func WithAddress(address string) Option {
	return func(o *Opts) { o.Address = address }
}

// WithAgentNumber sets the staff WhatsApp number for notifications.
func WithAgentNumber(number string) Option {
	return func(o *Opts) { o.AgentNumber = number }
}

// WithPortfolioPath sets the portfolio PDF location.
func WithPortfolioPath(path string) Option {
	return func(o *Opts) { o.PortfolioPath = path }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Engine dispatches inbound messages against the per-user session state.
type Engine struct {
	store    store.Store
	resolver Resolver
	cal      calendar.Service
	catalog  *messages.Catalog

	loc           *time.Location
	address       string
	agentNumber   string
	portfolioPath string
	now           func() time.Time
}

// NewEngine creates the conversation engine.
func NewEngine(st store.Store, resolver Resolver, cal calendar.Service, catalog *messages.Catalog, opts ...Option) *Engine {
	cfg := Opts{Location: time.Local, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		store:         st,
		resolver:      resolver,
		cal:           cal,
		catalog:       catalog,
		loc:           cfg.Location,
		address:       cfg.Address,
		agentNumber:   cfg.AgentNumber,
		portfolioPath: cfg.PortfolioPath,
		now:           cfg.Now,
	}
}

// HandleMessage processes one inbound message end to end: it resolves the
// intent, runs the state machine, persists the session and enqueues the reply.
// A reminder-confirmation fallthrough reprocesses the same message once
// against the reset state, never more.
func (e *Engine) HandleMessage(ctx context.Context, userID, raw string) error {
	for pass := 0; pass < 2; pass++ {
		reply, redispatch, err := e.dispatch(ctx, userID, raw)
		if err != nil {
			return err
		}
		if redispatch && pass == 0 {
			continue
		}
		if reply != "" {
			if _, err := e.store.EnqueueJob(userID, reply, nil, ""); err != nil {
				return fmt.Errorf("failed to enqueue reply: %w", err)
			}
		}
		return nil
	}
	return nil
}

// dispatch runs one pass of the state machine. The second return requests a
// single reprocessing after a reminder-confirmation reset.
func (e *Engine) dispatch(ctx context.Context, userID, raw string) (string, bool, error) {
	session, err := e.loadSession(userID)
	if err != nil {
		return "", false, err
	}

	message := strings.TrimSpace(raw)
	lower := strings.ToLower(message)
	now := e.now().In(e.loc)

	// Menu commands override everything, including mid-flow states.
	if menuCommands[lower] {
		session.SetState(models.StateInitial, now)
		return e.finish(session, e.catalog.Get("WELCOME"))
	}

	history := session.History
	resolved := e.resolver.Resolve(ctx, message, history)
	session.AppendHistory(models.RoleUser, message)

	slog.Info("Engine.dispatch: message resolved",
		"userID", userID, "state", session.State, "intent", resolved.Intent)

	if session.State == models.StateAwaitingReminderConfirm {
		session.SetState(models.StateInitial, now)
		switch resolved.Intent {
		case models.IntentThanking, models.IntentGreeting, models.IntentConfirmation:
			return e.finish(session, e.catalog.Get("REMINDER_RESPONSE"))
		default:
			// The reminder reply is really a fresh request; reprocess it
			// once against the reset state.
			if err := e.store.SaveSession(session); err != nil {
				return "", false, fmt.Errorf("failed to save session: %w", err)
			}
			return "", true, nil
		}
	}

	switch lower {
	case pauseCommand:
		session.SetState(models.StateHumanAttendance, now)
		return e.finish(session, e.catalog.Get("AUTOMATION_PAUSED"))
	case resumeCommand:
		session.SetState(models.StateInitial, now)
		return e.finish(session, e.catalog.Get("AUTOMATION_REACTIVATED"))
	}

	// A paused conversation produces no automated replies at all.
	if session.State == models.StateHumanAttendance {
		return "", false, nil
	}

	if session.State == models.StateInitial {
		if mapped, ok := numericMenu[message]; ok {
			resolved.Intent = mapped
		}
	}

	if session.State.IsAwaiting() {
		return e.dispatchAwaiting(ctx, session, resolved, message, now)
	}
	return e.dispatchTopLevel(ctx, session, resolved, message, now)
}

// dispatchAwaiting handles messages arriving mid-flow.
func (e *Engine) dispatchAwaiting(ctx context.Context, session *models.Session, resolved models.ResolvedIntent, message string, now time.Time) (string, bool, error) {
	state := session.State

	if escapeIntents[resolved.Intent] && state != models.StateAwaitingTransferConfirm && state != models.StateAwaitingName {
		lastQuestion := session.Slot(models.SlotLastBotQuestion)
		if lastQuestion == "" {
			lastQuestion = e.catalog.Get("GENERAL_OK_IF_YOU_NEED_ANYTHING")
		}
		switch resolved.Intent {
		case models.IntentGetInfo:
			e.sendPortfolio(session.UserID)
			return e.finish(session, e.catalog.Get("ESCAPE_INTENT_PORTFOLIO", "last_question", lastQuestion))
		case models.IntentCourseInfo:
			return e.finish(session, e.catalog.Get("ESCAPE_INTENT_COURSE_INFO",
				"course_info", e.catalog.Get("COURSE_INFO"),
				"last_question", lastQuestion))
		case models.IntentHumanTransfer:
			return e.finish(session, e.transferToHuman(session, now))
		}
	}

	if resolved.Intent == models.IntentCancel && !state.IsCancelFlow() {
		session.SetState(models.StateInitial, now)
		return e.finish(session, e.catalog.Get("GENERAL_OK_NO_PROBLEM"))
	}

	if state == models.StateAwaitingTransferConfirm {
		if resolved.Confirmation == models.ConfirmationYes {
			return e.finish(session, e.transferToHuman(session, now))
		}
		horarios := strings.Join(session.AvailableSlots(), ", ")
		session.SetState(models.StateAwaitingTime, now)
		return e.finish(session, e.catalog.Get("TRANSFER_CONFIRM_REJECTED", "horarios_str", horarios))
	}

	if state.IsCancelFlow() {
		reply, err := e.handleCancellation(ctx, session, resolved, message, now)
		if err != nil {
			return "", false, err
		}
		return e.finish(session, reply)
	}

	reply, err := e.handleScheduling(ctx, session, resolved, message, now)
	if err != nil {
		return "", false, err
	}
	return e.finish(session, reply)
}

// dispatchTopLevel routes intents arriving outside any flow.
func (e *Engine) dispatchTopLevel(ctx context.Context, session *models.Session, resolved models.ResolvedIntent, message string, now time.Time) (string, bool, error) {
	switch resolved.Intent {
	case models.IntentSchedule:
		reply, err := e.handleScheduling(ctx, session, resolved, message, now)
		if err != nil {
			return "", false, err
		}
		return e.finish(session, reply)

	case models.IntentCancel:
		reply, err := e.handleCancellation(ctx, session, resolved, message, now)
		if err != nil {
			return "", false, err
		}
		return e.finish(session, reply)

	case models.IntentGetInfo:
		e.sendPortfolio(session.UserID)
		session.SetState(models.StateInitial, now)
		return e.finish(session, e.catalog.Get("PORTFOLIO_SENT"))

	case models.IntentCourseInfo:
		session.SetSlot(models.SlotLastBotQuestion, e.catalog.Get("COURSE_INFO_PROMPT"))
		session.SetState(models.StateAwaitingTransferConfirm, now)
		return e.finish(session, e.catalog.Get("COURSE_INFO"))

	case models.IntentHumanTransfer:
		return e.finish(session, e.transferToHuman(session, now))

	case models.IntentGreeting:
		session.SetState(models.StateInitial, now)
		return e.finish(session, e.catalog.Get("WELCOME"))

	case models.IntentThanking:
		session.SetState(models.StateInitial, now)
		return e.finish(session, e.catalog.Get("GENERAL_THANKS"))
	}

	if resolved.Confirmation == models.ConfirmationNo {
		session.SetState(models.StateInitial, now)
		return e.finish(session, e.catalog.Get("GENERAL_OK_IF_YOU_NEED_ANYTHING"))
	}

	slog.Warn("Engine.dispatchTopLevel: unknown intent",
		"userID", session.UserID, "intent", resolved.Intent, "message", message)
	session.SetState(models.StateInitial, now)
	return e.finish(session, e.catalog.Get("GENERAL_UNKNOWN_INTENT"))
}

// transferToHuman pauses the conversation and alerts the staff agent.
func (e *Engine) transferToHuman(session *models.Session, now time.Time) string {
	session.SetState(models.StateHumanAttendance, now)
	e.notifyHumanRequested(session.UserID)
	return e.catalog.Get("TRANSFER_TO_HUMAN")
}

// finish persists the session, then hands the reply back for enqueueing. The
// session must be durable before the reply leaves the engine.
func (e *Engine) finish(session *models.Session, reply string) (string, bool, error) {
	if reply != "" && !session.State.IsTerminal() {
		session.AppendHistory(models.RoleAssistant, reply)
	}
	if err := e.store.SaveSession(session); err != nil {
		return "", false, fmt.Errorf("failed to save session: %w", err)
	}
	return reply, false, nil
}

func (e *Engine) loadSession(userID string) (*models.Session, error) {
	session, err := e.store.GetSession(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		session = models.NewSession(userID)
	}
	return session, nil
}
