// Package sweep implements the periodic background jobs: the session
// inactivity sweeper and the appointment reminder scheduler.
package sweep

import (
	"log/slog"
	"time"

	"github.com/glassystudio/agendabot/internal/messages"
	"github.com/glassystudio/agendabot/internal/models"
	"github.com/glassystudio/agendabot/internal/store"
)

// DefaultInactivityThreshold is how long a session may sit in a mid-flow
// state before it is reset.
const DefaultInactivityThreshold = 10 * time.Minute

// TimeoutSweeper expires sessions inactive beyond the threshold.
type TimeoutSweeper struct {
	store     store.Store
	catalog   *messages.Catalog
	threshold time.Duration
	now       func() time.Time
}

// TimeoutOption configures the sweeper.
type TimeoutOption func(*TimeoutSweeper)

// WithThreshold overrides the inactivity threshold.
func WithThreshold(d time.Duration) TimeoutOption {
	return func(s *TimeoutSweeper) { s.threshold = d }
}

// WithTimeoutNow overrides the clock, for tests.
func WithTimeoutNow(now func() time.Time) TimeoutOption {
	return func(s *TimeoutSweeper) { s.now = now }
}

// NewTimeoutSweeper creates the inactivity sweeper.
func NewTimeoutSweeper(st store.Store, catalog *messages.Catalog, opts ...TimeoutOption) *TimeoutSweeper {
	s := &TimeoutSweeper{
		store:     st,
		catalog:   catalog,
		threshold: DefaultInactivityThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep resets every session whose inactivity exceeds the threshold and
// queues a timeout notice for the user. Malformed records are skipped, never
// failing the batch.
func (s *TimeoutSweeper) Sweep() {
	sessions, err := s.store.ListActiveSessions()
	if err != nil {
		slog.Error("TimeoutSweeper.Sweep: failed to list sessions", "error", err)
		return
	}

	now := s.now()
	for _, session := range sessions {
		ts, ok := session.StateTimestamp()
		if !ok {
			slog.Warn("TimeoutSweeper.Sweep: missing or malformed state timestamp, skipping",
				"userID", session.UserID, "state", session.State)
			continue
		}
		if now.Sub(ts) <= s.threshold {
			continue
		}

		slog.Info("TimeoutSweeper.Sweep: expiring inactive session",
			"userID", session.UserID, "state", session.State, "inactive", now.Sub(ts))
		session.SetState(models.StateInitial, now)
		if err := s.store.SaveSession(session); err != nil {
			slog.Error("TimeoutSweeper.Sweep: failed to reset session", "userID", session.UserID, "error", err)
			continue
		}
		if _, err := s.store.EnqueueJob(session.UserID, s.catalog.Get("SESSION_TIMEOUT"), nil, ""); err != nil {
			slog.Error("TimeoutSweeper.Sweep: failed to enqueue timeout notice", "userID", session.UserID, "error", err)
		}
	}
}
