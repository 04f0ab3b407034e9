// Package store provides storage backends for AgendaBot.
//
// This file implements the SQLite-backed store for sessions and outbound jobs.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/glassystudio/agendabot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists sessions and outbound jobs in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path; the parent directory is created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("SQLiteStore failed to open connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore ready", "path", cfg.DSN)
	return &SQLiteStore{db: db}, nil
}

// GetSession retrieves the session for a user, or nil when none exists.
func (s *SQLiteStore) GetSession(userID string) (*models.Session, error) {
	var state string
	var slotsJSON, historyJSON sql.NullString
	err := s.db.QueryRow(
		`SELECT state, slots, history FROM sessions WHERE user_id = ?`, userID,
	).Scan(&state, &slotsJSON, &historyJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query session for %s: %w", userID, err)
	}
	return unmarshalSession(userID, state, slotsJSON.String, historyJSON.String), nil
}

// SaveSession inserts or replaces the session row.
func (s *SQLiteStore) SaveSession(sess *models.Session) error {
	slotsJSON, historyJSON, err := marshalSession(sess)
	if err != nil {
		slog.Error("SQLiteStore SaveSession marshal failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to marshal session for %s: %w", sess.UserID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO sessions (user_id, state, slots, history) VALUES (?, ?, ?, ?)`,
		sess.UserID, string(sess.State), nilIfEmpty(slotsJSON), nilIfEmpty(historyJSON),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to save session for %s: %w", sess.UserID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "userID", sess.UserID, "state", sess.State)
	return nil
}

// ListActiveSessions returns sessions whose state is subject to inactivity sweeping.
func (s *SQLiteStore) ListActiveSessions() ([]*models.Session, error) {
	rows, err := s.db.Query(
		`SELECT user_id, state, slots, history FROM sessions
		 WHERE state NOT IN (?, ?, ?)`,
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
			slog.Warn("SQLiteStore ListActiveSessions scan failed, skipping row", "error", err)
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
func (s *SQLiteStore) EnqueueJob(recipient, text string, media []byte, filename string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO outbound_jobs (recipient, text, media, filename, created_at, attempts, claimed)
		 VALUES (?, ?, ?, ?, ?, 0, 0)`,
		recipient, text, media, nilIfEmpty(filename), time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore EnqueueJob failed", "error", err, "recipient", recipient)
		return 0, fmt.Errorf("failed to enqueue job for %s: %w", recipient, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read job id: %w", err)
	}
	slog.Debug("SQLiteStore EnqueueJob succeeded", "id", id, "recipient", recipient, "hasMedia", len(media) > 0)
	return id, nil
}

// ClaimNextJob atomically claims the oldest eligible job. The claim and the
// selection happen in one statement so two delivery loops can never pick the
// same job.
func (s *SQLiteStore) ClaimNextJob() (*models.OutboundJob, error) {
	var j models.OutboundJob
	var media []byte
	var filename sql.NullString
	err := s.db.QueryRow(
		`UPDATE outbound_jobs SET claimed = 1, claimed_at = ?
		 WHERE id = (
		     SELECT id FROM outbound_jobs
		     WHERE claimed = 0 AND attempts < ?
		     ORDER BY created_at ASC, id ASC LIMIT 1
		 )
		 RETURNING id, recipient, text, media, filename, created_at, attempts`,
		time.Now(), models.MaxDeliveryAttempts,
	).Scan(&j.ID, &j.Recipient, &j.Text, &media, &filename, &j.CreatedAt, &j.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore ClaimNextJob failed", "error", err)
		return nil, fmt.Errorf("failed to claim next job: %w", err)
	}
	j.Media = media
	j.Filename = filename.String
	return &j, nil
}

// DeleteJob removes a job after confirmed delivery.
func (s *SQLiteStore) DeleteJob(id int64) error {
	_, err := s.db.Exec(`DELETE FROM outbound_jobs WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteJob failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	return nil
}

// FailJob releases a claimed job and increments its attempt counter.
func (s *SQLiteStore) FailJob(id int64) error {
	_, err := s.db.Exec(
		`UPDATE outbound_jobs SET attempts = attempts + 1, claimed = 0, claimed_at = NULL WHERE id = ?`, id,
	)
	if err != nil {
		slog.Error("SQLiteStore FailJob failed", "error", err, "id", id)
		return fmt.Errorf("failed to record job failure for %d: %w", id, err)
	}
	return nil
}

// ReleaseStaleClaims requeues jobs claimed before staleBefore (crash recovery).
func (s *SQLiteStore) ReleaseStaleClaims(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE outbound_jobs SET claimed = 0, claimed_at = NULL WHERE claimed = 1 AND claimed_at < ?`,
		staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore ReleaseStaleClaims released jobs", "count", n)
	}
	return int(n), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore closing database connection")
	return s.db.Close()
}
