package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Session struct {
	ID           string     `json:"id"`
	UserID       int64      `json:"user_id"`
	StartedAt    time.Time  `json:"started_at"`
	LastActive   time.Time  `json:"last_active"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	MessageCount int        `json:"message_count"`
}

func (s *Store) StartSession(id string, userID int64, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_sessions (id, user_id, started_at, last_active)
		VALUES (?, ?, ?, ?)`, id, userID, sqlTime(now), sqlTime(now))
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// TouchSession bumps the activity time and message counter.
func (s *Store) TouchSession(id string, messages int, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE conversation_sessions
		SET last_active = ?, message_count = message_count + ?
		WHERE id = ?`, sqlTime(now), messages, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *Store) EndSession(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE conversation_sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, sqlTime(now), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// GetActiveSession returns the user's open session, or nil.
func (s *Store) GetActiveSession(userID int64) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRow(`
		SELECT id, user_id, started_at, last_active, ended_at, message_count
		FROM conversation_sessions
		WHERE user_id = ? AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1`, userID).
		Scan(&sess.ID, &sess.UserID, &sess.StartedAt, &sess.LastActive, &sess.EndedAt, &sess.MessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}
