// Package store provides storage backends for AgendaBot.
//
// Two tables back the whole service: sessions keyed by user identifier and the
// outbound delivery queue. SQLite, PostgreSQL and in-memory implementations
// share the Store interface; all three are safe for concurrent use from the
// inbound handler, the delivery loop and the sweeper loop.
package store

import (
	"time"

	"github.com/glassystudio/agendabot/internal/models"
)

// Store defines persistence for sessions and the outbound queue.
type Store interface {
	// GetSession retrieves the session for a user, or nil when none exists.
	GetSession(userID string) (*models.Session, error)

	// SaveSession inserts or replaces the session row atomically.
	SaveSession(s *models.Session) error

	// ListActiveSessions returns sessions whose state is subject to
	// inactivity sweeping (outside the timeout-exempt set). Rows with
	// corrupt slot or history payloads are skipped, not fatal.
	ListActiveSessions() ([]*models.Session, error)

	// EnqueueJob appends an outbound job with zero attempts and returns its id.
	EnqueueJob(recipient, text string, media []byte, filename string) (int64, error)

	// ClaimNextJob atomically claims the oldest unclaimed job with
	// attempts below the delivery cap, or returns nil when none is eligible.
	// A claimed job is invisible to further claims until deleted or failed.
	ClaimNextJob() (*models.OutboundJob, error)

	// DeleteJob removes a job after confirmed delivery.
	DeleteJob(id int64) error

	// FailJob releases a claimed job, incrementing its attempt counter.
	FailJob(id int64) error

	// ReleaseStaleClaims requeues jobs claimed before staleBefore without an
	// outcome (crash recovery). Returns the number of jobs released.
	ReleaseStaleClaims(staleBefore time.Time) (int, error)

	// Close releases underlying resources.
	Close() error
}
