// Package store provides storage backends for AgendaBot.
//
// This file implements the PostgreSQL-backed store. The schema mirrors the
// SQLite one; job claiming uses FOR UPDATE SKIP LOCKED so multiple delivery
// workers could run against the same database.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/glassystudio/agendabot/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions and outbound jobs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("PostgresStore failed to open connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore ready")
	return &PostgresStore{db: db}, nil
}

// GetSession retrieves the session for a user, or nil when none exists.
func (s *PostgresStore) GetSession(userID string) (*models.Session, error) {
	var state string
	var slotsJSON, historyJSON sql.NullString
	err := s.db.QueryRow(
		`SELECT state, slots, history FROM sessions WHERE user_id = $1`, userID,
	).Scan(&state, &slotsJSON, &historyJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query session for %s: %w", userID, err)
	}
	return unmarshalSession(userID, state, slotsJSON.String, historyJSON.String), nil
}

// SaveSession inserts or replaces the session row.
func (s *PostgresStore) SaveSession(sess *models.Session) error {
	slotsJSON, historyJSON, err := marshalSession(sess)
	if err != nil {
		slog.Error("PostgresStore SaveSession marshal failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to marshal session for %s: %w", sess.UserID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (user_id, state, slots, history) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET state = $2, slots = $3, history = $4`,
		sess.UserID, string(sess.State), nilIfEmpty(slotsJSON), nilIfEmpty(historyJSON),
	)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to save session for %s: %w", sess.UserID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "userID", sess.UserID, "state", sess.State)
	return nil
}

// ListActiveSessions returns sessions whose state is subject to inactivity sweeping.
func (s *PostgresStore) ListActiveSessions() ([]*models.Session, error) {
	rows, err := s.db.Query(
		`SELECT user_id, state, slots, history FROM sessions
		 WHERE state NOT IN ($1, $2, $3)`,
		string(models.StateInitial), string(models.StateHumanAttendance), string(models.StateAwaitingReminderConfirm),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var userID, state string
		var slotsJSON, historyJSON sql.NullString
		if err := rows.Scan(&userID, &state, &slotsJSON, &historyJSON); err != nil {
			slog.Warn("PostgresStore ListActiveSessions scan failed, skipping row", "error", err)
			continue
		}
		sessions = append(sessions, unmarshalSession(userID, state, slotsJSON.String, historyJSON.String))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active sessions: %w", err)
	}
	return sessions, nil
}

// EnqueueJob appends an outbound job with zero attempts.
func (s *PostgresStore) EnqueueJob(recipient, text string, media []byte, filename string) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		`INSERT INTO outbound_jobs (recipient, text, media, filename, created_at, attempts, claimed)
		 VALUES ($1, $2, $3, $4, $5, 0, FALSE) RETURNING id`,
		recipient, text, media, nilIfEmpty(filename), time.Now(),
	).Scan(&id)
	if err != nil {
		slog.Error("PostgresStore EnqueueJob failed", "error", err, "recipient", recipient)
		return 0, fmt.Errorf("failed to enqueue job for %s: %w", recipient, err)
	}
	slog.Debug("PostgresStore EnqueueJob succeeded", "id", id, "recipient", recipient, "hasMedia", len(media) > 0)
	return id, nil
}

// ClaimNextJob atomically claims the oldest eligible job using
// FOR UPDATE SKIP LOCKED so concurrent workers never pick the same row.
func (s *PostgresStore) ClaimNextJob() (*models.OutboundJob, error) {
	var j models.OutboundJob
	var media []byte
	var filename sql.NullString
	err := s.db.QueryRow(
		`UPDATE outbound_jobs SET claimed = TRUE, claimed_at = $1
		 WHERE id = (
		     SELECT id FROM outbound_jobs
		     WHERE claimed = FALSE AND attempts < $2
		     ORDER BY created_at ASC, id ASC
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING id, recipient, text, media, filename, created_at, attempts`,
		time.Now(), models.MaxDeliveryAttempts,
	).Scan(&j.ID, &j.Recipient, &j.Text, &media, &filename, &j.CreatedAt, &j.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore ClaimNextJob failed", "error", err)
		return nil, fmt.Errorf("failed to claim next job: %w", err)
	}
	j.Media = media
	j.Filename = filename.String
	return &j, nil
}

// DeleteJob removes a job after confirmed delivery.
func (s *PostgresStore) DeleteJob(id int64) error {
	_, err := s.db.Exec(`DELETE FROM outbound_jobs WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteJob failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	return nil
}

// FailJob releases a claimed job and increments its attempt counter.
func (s *PostgresStore) FailJob(id int64) error {
	_, err := s.db.Exec(
		`UPDATE outbound_jobs SET attempts = attempts + 1, claimed = FALSE, claimed_at = NULL WHERE id = $1`, id,
	)
	if err != nil {
		slog.Error("PostgresStore FailJob failed", "error", err, "id", id)
		return fmt.Errorf("failed to record job failure for %d: %w", id, err)
	}
	return nil
}

// ReleaseStaleClaims requeues jobs claimed before staleBefore (crash recovery).
func (s *PostgresStore) ReleaseStaleClaims(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE outbound_jobs SET claimed = FALSE, claimed_at = NULL WHERE claimed = TRUE AND claimed_at < $1`,
		staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore ReleaseStaleClaims released jobs", "count", n)
	}
	return int(n), nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore closing connection pool")
	return s.db.Close()
}
