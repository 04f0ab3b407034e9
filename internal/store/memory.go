package store

import (
	"sync"
	"time"

	"github.com/glassystudio/agendabot/internal/models"
)

// InMemoryStore is a mutex-guarded in-memory store, used in tests and when no
// database DSN is configured.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	jobs     []*memJob
	nextID   int64
}

type memJob struct {
	job       models.OutboundJob
	claimed   bool
	claimedAt time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		nextID:   1,
	}
}

// GetSession retrieves a copy of the session for a user, or nil when absent.
func (s *InMemoryStore) GetSession(userID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	return copySession(sess), nil
}

// SaveSession stores a copy of the session.
func (s *InMemoryStore) SaveSession(sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.UserID] = copySession(sess)
	return nil
}

// ListActiveSessions returns sessions subject to inactivity sweeping.
func (s *InMemoryStore) ListActiveSessions() ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if sess.State.IsTimeoutExempt() {
			continue
		}
		out = append(out, copySession(sess))
	}
	return out, nil
}

// EnqueueJob appends an outbound job with zero attempts.
func (s *InMemoryStore) EnqueueJob(recipient, text string, media []byte, filename string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.jobs = append(s.jobs, &memJob{
		job: models.OutboundJob{
			ID:        id,
			Recipient: recipient,
			Text:      text,
			Media:     append([]byte(nil), media...),
			Filename:  filename,
			CreatedAt: time.Now(),
		},
	})
	return id, nil
}

// ClaimNextJob claims the oldest unclaimed job below the attempt cap.
func (s *InMemoryStore) ClaimNextJob() (*models.OutboundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mj := range s.jobs {
		if mj.claimed || mj.job.Attempts >= models.MaxDeliveryAttempts {
			continue
		}
		mj.claimed = true
		mj.claimedAt = time.Now()
		j := mj.job
		return &j, nil
	}
	return nil, nil
}

// DeleteJob removes a job after confirmed delivery.
func (s *InMemoryStore) DeleteJob(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, mj := range s.jobs {
		if mj.job.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return nil
		}
	}
	return nil
}

// FailJob releases a claimed job and increments its attempt counter.
func (s *InMemoryStore) FailJob(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mj := range s.jobs {
		if mj.job.ID == id {
			mj.job.Attempts++
			mj.claimed = false
			return nil
		}
	}
	return nil
}

// ReleaseStaleClaims requeues jobs claimed before staleBefore.
func (s *InMemoryStore) ReleaseStaleClaims(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, mj := range s.jobs {
		if mj.claimed && mj.claimedAt.Before(staleBefore) {
			mj.claimed = false
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// JobCount reports the number of stored jobs, including parked ones (for tests).
func (s *InMemoryStore) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func copySession(in *models.Session) *models.Session {
	out := &models.Session{
		UserID: in.UserID,
		State:  in.State,
		Slots:  make(map[models.SlotKey]string, len(in.Slots)),
	}
	for k, v := range in.Slots {
		out.Slots[k] = v
	}
	out.History = append([]models.HistoryMessage(nil), in.History...)
	return out
}
