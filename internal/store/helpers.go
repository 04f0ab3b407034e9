package store

import (
	"encoding/json"
	"log/slog"

	"github.com/glassystudio/agendabot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalSession serializes the slots map and history list for storage.
func marshalSession(s *models.Session) (slotsJSON, historyJSON string, err error) {
	if len(s.Slots) > 0 {
		b, err := json.Marshal(s.Slots)
		if err != nil {
			return "", "", err
		}
		slotsJSON = string(b)
	}
	if len(s.History) > 0 {
		b, err := json.Marshal(s.History)
		if err != nil {
			return "", "", err
		}
		historyJSON = string(b)
	}
	return slotsJSON, historyJSON, nil
}

// unmarshalSession rebuilds a session from a stored row. Corrupt slot or
// history payloads are logged and replaced with empty values rather than
// failing the read.
func unmarshalSession(userID, state, slotsJSON, historyJSON string) *models.Session {
	s := models.NewSession(userID)
	s.State = models.SessionState(state)
	if slotsJSON != "" {
		if err := json.Unmarshal([]byte(slotsJSON), &s.Slots); err != nil {
			slog.Warn("store: corrupt session slots, using empty map", "userID", userID, "error", err)
			s.Slots = make(map[models.SlotKey]string)
		}
	}
	if historyJSON != "" {
		if err := json.Unmarshal([]byte(historyJSON), &s.History); err != nil {
			slog.Warn("store: corrupt session history, using empty list", "userID", userID, "error", err)
			s.History = nil
		}
	}
	return s
}
