package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	LanguageCode string    `json:"language_code,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DisplayName returns the best human name available for the user.
func (u *User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.Username != "":
		return "@" + u.Username
	default:
		return fmt.Sprintf("user %d", u.ID)
	}
}

type Profile struct {
	UserID        int64     `json:"user_id"`
	PreferredName string    `json:"preferred_name,omitempty"`
	Location      string    `json:"location,omitempty"`
	Occupation    string    `json:"occupation,omitempty"`
	Interests     []string  `json:"interests,omitempty"`
	Expertise     []string  `json:"expertise,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Fact struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	Type       string     `json:"type"`
	Key        string     `json:"key"`
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
	Source     string     `json:"source,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// UpsertUser creates the user or refreshes its Telegram details.
func (s *Store) UpsertUser(u *User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, username, first_name, last_name, language_code)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			language_code = excluded.language_code,
			updated_at = CURRENT_TIMESTAMP`,
		u.ID, u.Username, u.FirstName, u.LastName, u.LanguageCode)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func scanUser(sc scanner) (*User, error) {
	u := &User{}
	var username, first, last, lang sql.NullString
	if err := sc.Scan(&u.ID, &username, &first, &last, &lang, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Username, u.FirstName, u.LastName, u.LanguageCode = username.String, first.String, last.String, lang.String
	return u, nil
}

func (s *Store) GetUser(id int64) (*User, error) {
	row := s.db.QueryRow(`
		SELECT id, username, first_name, last_name, language_code, is_active, created_at, updated_at
		FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(`
		SELECT id, username, first_name, last_name, language_code, is_active, created_at, updated_at
		FROM users ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *Store) SaveProfile(p *Profile) error {
	interests, _ := json.Marshal(p.Interests)
	expertise, _ := json.Marshal(p.Expertise)
	_, err := s.db.Exec(`
		INSERT INTO user_profiles (user_id, preferred_name, location, occupation, interests, expertise)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			preferred_name = excluded.preferred_name,
			location = excluded.location,
			occupation = excluded.occupation,
			interests = excluded.interests,
			expertise = excluded.expertise,
			updated_at = CURRENT_TIMESTAMP`,
		p.UserID, p.PreferredName, p.Location, p.Occupation, string(interests), string(expertise))
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(userID int64) (*Profile, error) {
	p := &Profile{}
	var name, location, occupation, interests, expertise sql.NullString
	err := s.db.QueryRow(`
		SELECT user_id, preferred_name, location, occupation, interests, expertise, updated_at
		FROM user_profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &name, &location, &occupation, &interests, &expertise, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.PreferredName, p.Location, p.Occupation = name.String, location.String, occupation.String
	if interests.Valid {
		_ = json.Unmarshal([]byte(interests.String), &p.Interests)
	}
	if expertise.Valid {
		_ = json.Unmarshal([]byte(expertise.String), &p.Expertise)
	}
	return p, nil
}

// SaveFact inserts or replaces the fact identified by user, type and key.
func (s *Store) SaveFact(f *Fact) error {
	if f.Confidence == 0 {
		f.Confidence = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO user_facts (user_id, fact_type, fact_key, fact_value, confidence, source, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, fact_type, fact_key) DO UPDATE SET
			fact_value = excluded.fact_value,
			confidence = excluded.confidence,
			source = excluded.source,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP`,
		f.UserID, f.Type, f.Key, f.Value, f.Confidence, f.Source, sqlTimePtr(f.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save fact: %w", err)
	}
	return nil
}

// ListFacts returns the user's unexpired facts, most confident first.
func (s *Store) ListFacts(userID int64, now time.Time, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, fact_type, fact_key, fact_value, confidence, source, expires_at, updated_at
		FROM user_facts
		WHERE user_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY confidence DESC, updated_at DESC
		LIMIT ?`, userID, sqlTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		var source sql.NullString
		if err := rows.Scan(&f.ID, &f.UserID, &f.Type, &f.Key, &f.Value, &f.Confidence, &source, &f.ExpiresAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.Source = source.String
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// DeleteExpiredFacts removes facts whose expiry is before now.
func (s *Store) DeleteExpiredFacts(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM user_facts WHERE expires_at IS NOT NULL AND expires_at <= ?`, sqlTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired facts: %w", err)
	}
	return res.RowsAffected()
}
