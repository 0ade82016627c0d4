package conversation

import (
	"sync"
	"time"
)

// Session is the in-memory view of a user's open conversation session.
type Session struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
}

// Expired reports whether the session saw no activity for timeout.
// A zero timeout never expires.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(s.LastActive) > timeout
}

type SessionTracker struct {
	sessions map[int64]*Session // userID → session
	mu       sync.RWMutex
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessions: make(map[int64]*Session),
	}
}

func (t *SessionTracker) Set(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.UserID] = s
}

// Get returns a copy of the user's session, or nil.
func (t *SessionTracker) Get(userID int64) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[userID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (t *SessionTracker) Remove(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, userID)
}

func (t *SessionTracker) Touch(userID int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[userID]; ok {
		s.LastActive = now
	}
}

func (t *SessionTracker) ListIdle(now time.Time, timeout time.Duration) []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var idle []int64
	for userID, s := range t.sessions {
		if s.Expired(now, timeout) {
			idle = append(idle, userID)
		}
	}
	return idle
}

func (t *SessionTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
