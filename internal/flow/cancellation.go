package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glassystudio/agendabot/internal/models"
	"github.com/glassystudio/agendabot/internal/util"
)

// cancelWindow is the minimum gap before the appointment start below which
// cancellation requires human handling.
const cancelWindow = 24 * time.Hour

// handleCancellation advances one step of the cancellation flow.
func (e *Engine) handleCancellation(ctx context.Context, session *models.Session, resolved models.ResolvedIntent, message string, now time.Time) (string, error) {
	switch session.State {
	case models.StateInitial, models.StateAwaitingCancelPhone:
		return e.cancellationLookup(ctx, session, message, now)
	case models.StateAwaitingCancelConfirm:
		return e.cancellationConfirm(ctx, session, resolved, now)
	case models.StateAwaitingCancelTooClose:
		return e.cancellationTooClose(session, resolved, now)
	}

	session.SetState(models.StateInitial, now)
	return e.catalog.Get("GENERAL_LOST_FALLBACK"), nil
}

func (e *Engine) cancellationLookup(ctx context.Context, session *models.Session, message string, now time.Time) (string, error) {
	if session.State != models.StateAwaitingCancelPhone || !util.HasDigit(message) {
		session.SetState(models.StateAwaitingCancelPhone, now)
		return e.catalog.Get("CANCELLATION_REQUEST_PHONE"), nil
	}

	event, err := e.cal.FindEventByPhone(ctx, message)
	if err != nil {
		slog.Error("Engine.cancellationLookup: calendar lookup failed", "userID", session.UserID, "error", err)
		session.SetState(models.StateAwaitingCancelPhone, now)
		return e.catalog.Get("CANCELLATION_API_ERROR"), nil
	}
	if event == nil {
		session.SetState(models.StateAwaitingCancelPhone, now)
		return e.catalog.Get("CANCELLATION_NOT_FOUND"), nil
	}

	if event.Start.Sub(now) < cancelWindow {
		session.SetState(models.StateAwaitingCancelTooClose, now)
		return e.catalog.Get("CANCELLATION_TOO_CLOSE"), nil
	}

	formatted := fmt.Sprintf("dia %s às %s", event.Start.Format("02/01"), event.Start.Format("15:04"))
	clientName, serviceName := splitSummary(event.Summary)

	session.SetSlot(models.SlotCancelEventID, event.ID)
	session.SetSlot(models.SlotCancelSummary, event.Summary)
	session.SetSlot(models.SlotCancelDatetime, formatted)
	session.SetState(models.StateAwaitingCancelConfirm, now)
	return e.catalog.Get("CANCELLATION_FOUND_PROMPT",
		"client_name", clientName,
		"service_name", serviceName,
		"formatted_datetime", formatted), nil
}

func (e *Engine) cancellationConfirm(ctx context.Context, session *models.Session, resolved models.ResolvedIntent, now time.Time) (string, error) {
	reply := e.catalog.Get("CANCELLATION_ABORTED")
	if resolved.Confirmation == models.ConfirmationYes {
		eventID := session.Slot(models.SlotCancelEventID)
		if err := e.cal.DeleteEvent(ctx, eventID); err != nil {
			slog.Error("Engine.cancellationConfirm: delete failed", "userID", session.UserID, "eventID", eventID, "error", err)
			reply = e.catalog.Get("CANCELLATION_API_ERROR")
		} else {
			e.notifyCancellation(session)
			reply = e.catalog.Get("CANCELLATION_CONFIRMED")
		}
	}

	session.SetState(models.StateInitial, now)
	return reply, nil
}

func (e *Engine) cancellationTooClose(session *models.Session, resolved models.ResolvedIntent, now time.Time) (string, error) {
	if resolved.Confirmation == models.ConfirmationYes {
		return e.transferToHuman(session, now), nil
	}
	session.SetState(models.StateInitial, now)
	return e.catalog.Get("CANCELLATION_TOO_CLOSE_NO_AGENT"), nil
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
