package flow

import (
	"log/slog"
	"os"

	"github.com/glassystudio/agendabot/internal/models"
	"github.com/glassystudio/agendabot/internal/util"
)

// Staff notifications and portfolio delivery go through the same outbound
// queue as user replies; a failure to notify never breaks the user-facing
// flow, it is only logged.

func (e *Engine) notifyHumanRequested(userID string) {
	agentJID := util.JIDFromPhone(e.agentNumber)
	if agentJID == "" {
		slog.Error("Engine.notifyHumanRequested: agent number not configured")
		return
	}
	text := e.catalog.Get("AGENT_NOTIFY_HUMAN", "client_number", util.ClientNumber(userID))
	if _, err := e.store.EnqueueJob(agentJID, text, nil, ""); err != nil {
		slog.Error("Engine.notifyHumanRequested: enqueue failed", "error", err)
	}
}

func (e *Engine) notifyBooking(session *models.Session, formattedDate string) {
	agentJID := util.JIDFromPhone(e.agentNumber)
	if agentJID == "" {
		slog.Error("Engine.notifyBooking: agent number not configured")
		return
	}

	obs := session.Slot(models.SlotObs)
	args := []string{
		"name", session.Slot(models.SlotName),
		"service", session.Slot(models.SlotService),
		"formatted_date", formattedDate,
		"time", session.Slot(models.SlotTime),
	}
	key := "AGENT_NOTIFY_BOOKING"
	if obs != "" && obs != "Nenhuma" {
		key = "AGENT_NOTIFY_BOOKING_WITH_OBS"
		args = append(args, "obs", obs)
	}

	if _, err := e.store.EnqueueJob(agentJID, e.catalog.Get(key, args...), nil, ""); err != nil {
		slog.Error("Engine.notifyBooking: enqueue failed", "error", err)
	}
}

func (e *Engine) notifyCancellation(session *models.Session) {
	agentJID := util.JIDFromPhone(e.agentNumber)
	if agentJID == "" {
		slog.Error("Engine.notifyCancellation: agent number not configured")
		return
	}

	clientName, _ := splitSummary(session.Slot(models.SlotCancelSummary))
	text := e.catalog.Get("AGENT_NOTIFY_CANCELLATION",
		"client_name", clientName,
		"datetime", session.Slot(models.SlotCancelDatetime))
	if _, err := e.store.EnqueueJob(agentJID, text, nil, ""); err != nil {
		slog.Error("Engine.notifyCancellation: enqueue failed", "error", err)
	}
}

// sendPortfolio queues the portfolio document for the user, degrading to an
// apologetic text when the file cannot be read.
func (e *Engine) sendPortfolio(userID string) {
	media, err := os.ReadFile(e.portfolioPath)
	if err != nil {
		slog.Error("Engine.sendPortfolio: portfolio unavailable", "path", e.portfolioPath, "error", err)
		if _, err := e.store.EnqueueJob(userID, e.catalog.Get("PORTFOLIO_ERROR"), nil, ""); err != nil {
			slog.Error("Engine.sendPortfolio: enqueue failed", "error", err)
		}
		return
	}

	caption := e.catalog.Get("PORTFOLIO_CAPTION")
	if _, err := e.store.EnqueueJob(userID, caption, media, "Portfolio - Glassy Studio.pdf"); err != nil {
		slog.Error("Engine.sendPortfolio: enqueue failed", "error", err)
	}
}
