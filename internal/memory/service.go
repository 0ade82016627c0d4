// Package memory builds the long-term context of a user from the store
// and records finished turns.
package memory

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/llm"
	"github.com/mtzanidakis/nergal/internal/store"
)

const (
	recentMessageLimit = 10
	summaryContentMax  = 200
)

// Config tunes the memory service.
type Config struct {
	// FactLimit caps the facts mentioned in the profile summary.
	FactLimit int
	// Retention is how long messages are kept.
	Retention time.Duration
}

type Service struct {
	store *store.Store
	cfg   Config
	now   func() time.Time
}

func NewService(s *store.Store, cfg Config) *Service {
	if cfg.FactLimit <= 0 {
		cfg.FactLimit = 5
	}
	return &Service{store: s, cfg: cfg, now: time.Now}
}

// Context returns the read-only memory of a user.
func (m *Service) Context(userID int64) (dialog.Memory, error) {
	mem := dialog.Memory{UserID: userID}

	user, err := m.store.GetUser(userID)
	if err != nil {
		return mem, err
	}
	if user != nil {
		mem.DisplayName = user.DisplayName()
	}

	profile, err := m.store.GetProfile(userID)
	if err != nil {
		return mem, err
	}
	facts, err := m.store.ListFacts(userID, m.now(), 0)
	if err != nil {
		return mem, err
	}
	if len(facts) > 0 {
		mem.Facts = make(map[string]string, len(facts))
		for _, f := range facts {
			mem.Facts[f.Type+"."+f.Key] = f.Value
		}
	}
	mem.ProfileSummary = profileSummary(user, profile, facts, m.cfg.FactLimit)

	history, err := m.History(userID, recentMessageLimit)
	if err != nil {
		return mem, err
	}
	mem.RecentMessages = history
	return mem, nil
}

// History returns the user's last messages as chat messages.
func (m *Service) History(userID int64, limit int) ([]llm.Message, error) {
	msgs, err := m.store.GetMessages(userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, msg := range msgs {
		role := llm.RoleUser
		if msg.Role == string(llm.RoleAssistant) {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: msg.Content})
	}
	return out, nil
}

// Record persists a message of the user's conversation.
func (m *Service) Record(msg *store.Message) error {
	if msg.Role == "" {
		msg.Role = string(llm.RoleUser)
	}
	return m.store.SaveMessage(msg)
}

// ConversationSummary renders the last messages as "role: text" lines.
func (m *Service) ConversationSummary(userID int64) (string, error) {
	history, err := m.History(userID, recentMessageLimit)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, msg := range history {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, Truncate(msg.Content, summaryContentMax))
	}
	return strings.TrimSpace(b.String()), nil
}

// RememberFact stores a fact about the user. A zero ttl keeps it forever.
func (m *Service) RememberFact(userID int64, factType, key, value string, confidence float64, ttl time.Duration) error {
	f := &store.Fact{
		UserID:     userID,
		Type:       factType,
		Key:        key,
		Value:      value,
		Confidence: confidence,
		Source:     "conversation",
	}
	if ttl > 0 {
		exp := m.now().Add(ttl)
		f.ExpiresAt = &exp
	}
	return m.store.SaveFact(f)
}

// Cleanup removes messages older than the retention window and expired
// facts.
func (m *Service) Cleanup() error {
	now := m.now()
	var removed int64
	if m.cfg.Retention > 0 {
		n, err := m.store.DeleteMessagesBefore(now.Add(-m.cfg.Retention))
		if err != nil {
			return err
		}
		removed = n
	}
	facts, err := m.store.DeleteExpiredFacts(now)
	if err != nil {
		return err
	}
	slog.Info("memory cleanup", "messages_removed", removed, "facts_removed", facts)
	return nil
}

func profileSummary(user *store.User, p *store.Profile, facts []store.Fact, factLimit int) string {
	var parts []string
	switch {
	case p != nil && p.PreferredName != "":
		parts = append(parts, "Name: "+p.PreferredName)
	case user != nil && user.FirstName != "":
		parts = append(parts, "Name: "+user.DisplayName())
	}
	if p != nil {
		if p.Location != "" {
			parts = append(parts, "Location: "+p.Location)
		}
		if p.Occupation != "" {
			parts = append(parts, "Occupation: "+p.Occupation)
		}
		if len(p.Interests) > 0 {
			parts = append(parts, "Interests: "+strings.Join(p.Interests, ", "))
		}
		if len(p.Expertise) > 0 {
			parts = append(parts, "Expertise: "+strings.Join(p.Expertise, ", "))
		}
	}
	for i, f := range facts {
		if i >= factLimit {
			break
		}
		parts = append(parts, fmt.Sprintf("%s: %s", f.Key, f.Value))
	}
	return strings.Join(parts, "\n")
}

// Truncate shortens s to n runes, adding an ellipsis when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
