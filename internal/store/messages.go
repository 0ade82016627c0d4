package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Message struct {
	ID               int64           `json:"id"`
	UserID           int64           `json:"user_id"`
	SessionID        string          `json:"session_id,omitempty"`
	Role             string          `json:"role"`
	Content          string          `json:"content"`
	AgentType        string          `json:"agent_type,omitempty"`
	TokensUsed       int             `json:"tokens_used,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func (s *Store) SaveMessage(msg *Message) error {
	var metadata any
	if len(msg.Metadata) > 0 {
		metadata = string(msg.Metadata)
	}
	result, err := s.db.Exec(`
		INSERT INTO messages (user_id, session_id, role, content, agent_type, tokens_used, processing_time_ms, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.UserID, msg.SessionID, msg.Role, msg.Content, msg.AgentType,
		msg.TokensUsed, msg.ProcessingTimeMs, metadata)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	msg.ID, _ = result.LastInsertId()
	return nil
}

func scanMessage(sc scanner) (*Message, error) {
	m := &Message{}
	var sessionID, agentType, metadata sql.NullString
	if err := sc.Scan(&m.ID, &m.UserID, &sessionID, &m.Role, &m.Content, &agentType,
		&m.TokensUsed, &m.ProcessingTimeMs, &metadata, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.SessionID, m.AgentType = sessionID.String, agentType.String
	if metadata.Valid {
		m.Metadata = json.RawMessage(metadata.String)
	}
	return m, nil
}

// GetMessages returns the user's latest messages in chronological order.
func (s *Store) GetMessages(userID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, session_id, role, content, agent_type, tokens_used, processing_time_ms, metadata, created_at
		FROM messages
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}

// GetSessionMessages returns every message of one session, oldest first.
func (s *Store) GetSessionMessages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, session_id, role, content, agent_type, tokens_used, processing_time_ms, metadata, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// DeleteMessagesBefore removes messages created before t.
func (s *Store) DeleteMessagesBefore(t time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE created_at < ?`, sqlTime(t))
	if err != nil {
		return 0, fmt.Errorf("delete old messages: %w", err)
	}
	return res.RowsAffected()
}

type UserMessageStats struct {
	UserID       int64     `json:"user_id"`
	MessageCount int       `json:"message_count"`
	TokensUsed   int       `json:"tokens_used"`
	LastActive   time.Time `json:"last_active"`
}

func (s *Store) GetUserMessageStats() (map[int64]UserMessageStats, error) {
	rows, err := s.db.Query(`
		SELECT user_id, COUNT(*) as cnt, COALESCE(SUM(tokens_used), 0), COALESCE(MAX(created_at), '') as last_active
		FROM messages
		GROUP BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("get user message stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[int64]UserMessageStats)
	for rows.Next() {
		var us UserMessageStats
		var lastActive string
		if err := rows.Scan(&us.UserID, &us.MessageCount, &us.TokensUsed, &lastActive); err != nil {
			return nil, fmt.Errorf("scan user stats: %w", err)
		}
		if lastActive != "" {
			us.LastActive, _ = time.Parse(timeLayout, lastActive)
		}
		stats[us.UserID] = us
	}
	return stats, rows.Err()
}
