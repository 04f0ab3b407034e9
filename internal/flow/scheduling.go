package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/glassystudio/agendabot/internal/calendar"
	"github.com/glassystudio/agendabot/internal/models"
	"github.com/glassystudio/agendabot/internal/util"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// displayDate is the short Brazilian date layout used in replies.
const displayDate = "02/01"

var titleCaser = cases.Title(language.BrazilianPortuguese)

// handleScheduling advances one step of the booking flow. Validation
// failures reprompt without leaving the current state; only collaborator
// failures at the final step divert to human attendance.
func (e *Engine) handleScheduling(ctx context.Context, session *models.Session, resolved models.ResolvedIntent, message string, now time.Time) (string, error) {
	switch session.State {
	case models.StateInitial, models.StateAwaitingDate:
		return e.schedulingDate(ctx, session, resolved, message, now)
	case models.StateAwaitingTime:
		return e.schedulingTime(session, resolved, message, now)
	case models.StateAwaitingService:
		return e.schedulingService(session, resolved, message, now)
	case models.StateAwaitingName:
		return e.schedulingName(session, message, now)
	case models.StateAwaitingObs:
		return e.schedulingObs(session, resolved, message, now)
	case models.StateAwaitingPolicyConfirm:
		return e.schedulingPolicyConfirm(ctx, session, resolved, now)
	}
	return e.catalog.Get("GENERAL_LOST_FALLBACK"), nil
}

func (e *Engine) schedulingDate(ctx context.Context, session *models.Session, resolved models.ResolvedIntent, message string, now time.Time) (string, error) {
	session.MergeResolved(resolved)

	if session.State == models.StateAwaitingDate && resolved.Confirmation == models.ConfirmationNo {
		session.SetState(models.StateInitial, now)
		return e.catalog.Get("SCHEDULING_NO_PROBLEM_ON_CANCEL"), nil
	}

	dateText := resolved.DateStr
	if dateText == "" {
		dateText = message
	}
	parsed, ok := calendar.ParseNaturalDate(dateText, now)
	if !ok {
		session.SetState(models.StateAwaitingDate, now)
		return e.catalog.Get("SCHEDULING_REQUEST_DATE"), nil
	}

	if err := calendar.CheckBookableDate(parsed, now); err != nil {
		session.SetState(models.StateAwaitingDate, now)
		if errors.Is(err, calendar.ErrSundayClosed) {
			nextDay := parsed.AddDate(0, 0, 1)
			return e.catalog.Get("SCHEDULING_SUNDAY_CLOSED", "next_day", nextDay.Format(displayDate)), nil
		}
		return e.catalog.Get("SCHEDULING_PAST_DATE"), nil
	}

	busy, err := e.cal.BusyIntervals(ctx, parsed)
	if err != nil {
		slog.Error("Engine.schedulingDate: availability lookup failed", "userID", session.UserID, "error", err)
		session.SetState(models.StateAwaitingDate, now)
		return e.catalog.Get("SCHEDULING_AVAILABILITY_ERROR"), nil
	}

	slots := calendar.ComputeSlots(parsed, now, busy)
	if len(slots) == 0 {
		session.SetState(models.StateAwaitingDate, now)
		return e.catalog.Get("SCHEDULING_NO_SLOTS"), nil
	}

	session.SetSlot(models.SlotDateStr, dateText)
	session.SetAvailableSlots(slots)
	session.SetState(models.StateAwaitingTime, now)
	return e.catalog.Get("SCHEDULING_AVAILABLE_SLOTS",
		"formatted_date", parsed.Format(displayDate),
		"horarios_str", strings.Join(slots, ", ")), nil
}

func (e *Engine) schedulingTime(session *models.Session, resolved models.ResolvedIntent, message string, now time.Time) (string, error) {
	if resolved.Intent == models.IntentAskAvailability {
		session.SetState(models.StateAwaitingTransferConfirm, now)
		return e.catalog.Get("SCHEDULING_ASK_SWITCH_SLOT"), nil
	}
	if resolved.Confirmation == models.ConfirmationNo {
		session.Slots = make(map[models.SlotKey]string)
		session.SetState(models.StateAwaitingDate, now)
		return e.catalog.Get("SCHEDULING_TRY_ANOTHER_DATE"), nil
	}

	normalized := util.NormalizeTimeInput(message)
	if normalized != "" && contains(session.AvailableSlots(), normalized) {
		session.SetSlot(models.SlotTime, normalized)
		session.SetSlot(models.SlotLastBotQuestion, e.catalog.Get("SCHEDULING_TIME_CONFIRMED"))
		session.SetState(models.StateAwaitingService, now)
		return e.catalog.Get("SCHEDULING_TIME_CONFIRMED"), nil
	}

	return e.catalog.Get("SCHEDULING_INVALID_TIME",
		"horarios_str", strings.Join(session.AvailableSlots(), ", ")), nil
}

func (e *Engine) schedulingService(session *models.Session, resolved models.ResolvedIntent, message string, now time.Time) (string, error) {
	service := strings.TrimSpace(message)
	if resolved.Intent == models.IntentSchedule && resolved.Service != "" {
		service = resolved.Service
	}
	if service == "" {
		return e.catalog.Get("SCHEDULING_REQUEST_SERVICE"), nil
	}

	session.SetSlot(models.SlotService, service)
	session.SetState(models.StateAwaitingName, now)
	return e.catalog.Get("SCHEDULING_SERVICE_CONFIRMED"), nil
}

func (e *Engine) schedulingName(session *models.Session, message string, now time.Time) (string, error) {
	name := strings.TrimSpace(message)
	if len(strings.Fields(name)) < 2 {
		return e.catalog.Get("SCHEDULING_REQUEST_FULL_NAME"), nil
	}

	session.SetSlot(models.SlotName, name)
	// The contact phone comes straight from the channel identifier; no
	// separate confirmation step.
	session.SetSlot(models.SlotPhone, util.PhoneFromUserID(session.UserID))
	session.SetState(models.StateAwaitingObs, now)
	return e.catalog.Get("SCHEDULING_PHONE_CONFIRMED_ASK_OBS"), nil
}

func (e *Engine) schedulingObs(session *models.Session, resolved models.ResolvedIntent, message string, now time.Time) (string, error) {
	obs := message
	if resolved.Confirmation == models.ConfirmationNo {
		obs = "Nenhuma"
	}
	session.SetSlot(models.SlotObs, obs)
	session.SetState(models.StateAwaitingPolicyConfirm, now)
	return e.catalog.Get("SCHEDULING_POLICY_PROMPT"), nil
}

func (e *Engine) schedulingPolicyConfirm(ctx context.Context, session *models.Session, resolved models.ResolvedIntent, now time.Time) (string, error) {
	if resolved.Confirmation != models.ConfirmationYes {
		session.SetState(models.StateInitial, now)
		return e.catalog.Get("SCHEDULING_CANCELLED"), nil
	}

	name := titleCaser.String(session.Slot(models.SlotName))
	service := titleCaser.String(session.Slot(models.SlotService))
	session.SetSlot(models.SlotName, name)
	session.SetSlot(models.SlotService, service)

	dateText := session.Slot(models.SlotDateStr)
	timeStr := session.Slot(models.SlotTime)
	parsed, ok := calendar.ParseNaturalDate(dateText, now)
	formattedDate := dateText
	if ok {
		formattedDate = parsed.Format(displayDate)
	}

	_, err := e.cal.CreateEvent(ctx, calendar.Booking{
		Name:        name,
		ServiceName: service,
		Phone:       session.Slot(models.SlotPhone),
		Notes:       session.Slot(models.SlotObs),
		Date:        parsed,
		TimeStr:     timeStr,
	})
	if err != nil {
		// All slot data is collected; losing it here would strand the user,
		// so route to a human instead.
		slog.Error("Engine.schedulingPolicyConfirm: booking failed", "userID", session.UserID, "error", err)
		return e.transferToHuman(session, now), nil
	}

	e.notifyBooking(session, formattedDate)
	session.SetState(models.StateInitial, now)
	return e.catalog.Get("SCHEDULING_FINAL_CONFIRMATION",
		"name", name,
		"service", service,
		"formatted_date", formattedDate,
		"time", timeStr,
		"address", e.address), nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
