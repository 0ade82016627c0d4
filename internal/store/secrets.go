package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UserSecret is an encrypted per-user credential such as an integration
// token. Value and Nonce come from the vault.
type UserSecret struct {
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	Value     []byte    `json:"-"`
	Nonce     []byte    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) SaveUserSecret(sec *UserSecret) error {
	_, err := s.db.Exec(`
		INSERT INTO user_secrets (user_id, name, value, nonce)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET
			value=excluded.value, nonce=excluded.nonce, updated_at=CURRENT_TIMESTAMP`,
		sec.UserID, sec.Name, sec.Value, sec.Nonce)
	if err != nil {
		return fmt.Errorf("save user secret: %w", err)
	}
	return nil
}

func (s *Store) GetUserSecret(userID int64, name string) (*UserSecret, error) {
	sec := &UserSecret{}
	err := s.db.QueryRow(`
		SELECT user_id, name, value, nonce, updated_at
		FROM user_secrets WHERE user_id = ? AND name = ?`, userID, name).
		Scan(&sec.UserID, &sec.Name, &sec.Value, &sec.Nonce, &sec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user secret: %w", err)
	}
	return sec, nil
}

func (s *Store) DeleteUserSecret(userID int64, name string) error {
	_, err := s.db.Exec(`DELETE FROM user_secrets WHERE user_id = ? AND name = ?`, userID, name)
	if err != nil {
		return fmt.Errorf("delete user secret: %w", err)
	}
	return nil
}

// ListUserSecretNames returns secret names per user, values excluded.
func (s *Store) ListUserSecretNames(userID int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM user_secrets WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user secrets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
