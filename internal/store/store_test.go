package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/nergal/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, id int64) {
	t.Helper()
	if err := s.UpsertUser(&User{ID: id, FirstName: "Ada", Username: "ada"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertUser(&User{ID: 42, Username: "ada", FirstName: "Ada", LanguageCode: "en"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	got, err := s.GetUser(42)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got == nil {
		t.Fatal("expected user, got nil")
	}
	if got.FirstName != "Ada" || !got.IsActive {
		t.Errorf("unexpected user %+v", got)
	}
	if got.DisplayName() != "Ada" {
		t.Errorf("expected display name Ada, got %s", got.DisplayName())
	}

	// Update
	if err := s.UpsertUser(&User{ID: 42, Username: "ada", FirstName: "Ada", LastName: "Lovelace"}); err != nil {
		t.Fatalf("update user: %v", err)
	}
	got, _ = s.GetUser(42)
	if got.DisplayName() != "Ada Lovelace" {
		t.Errorf("expected 'Ada Lovelace', got '%s'", got.DisplayName())
	}

	users, err := s.ListUsers()
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("expected 1 user, got %d", len(users))
	}

	// Not found
	got, err = s.GetUser(7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent user")
	}
}

func TestProfileAndFacts(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)

	if p, err := s.GetProfile(1); err != nil || p != nil {
		t.Fatalf("expected no profile, got %v %v", p, err)
	}
	err := s.SaveProfile(&Profile{UserID: 1, PreferredName: "Ada", Location: "London", Interests: []string{"math", "engines"}})
	if err != nil {
		t.Fatalf("save profile: %v", err)
	}
	p, err := s.GetProfile(1)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.Location != "London" || len(p.Interests) != 2 || p.Interests[1] != "engines" {
		t.Errorf("unexpected profile %+v", p)
	}

	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	facts := []Fact{
		{UserID: 1, Type: "preference", Key: "language", Value: "Go", Confidence: 0.9},
		{UserID: 1, Type: "plan", Key: "trip", Value: "Paris", ExpiresAt: &past},
		{UserID: 1, Type: "plan", Key: "meeting", Value: "Friday", ExpiresAt: &future, Confidence: 0.5},
	}
	for i := range facts {
		if err := s.SaveFact(&facts[i]); err != nil {
			t.Fatalf("save fact: %v", err)
		}
	}
	// Upsert replaces the value
	if err := s.SaveFact(&Fact{UserID: 1, Type: "preference", Key: "language", Value: "Rust", Confidence: 0.95}); err != nil {
		t.Fatalf("update fact: %v", err)
	}

	got, err := s.ListFacts(1, now, 10)
	if err != nil {
		t.Fatalf("list facts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 live facts, got %d", len(got))
	}
	if got[0].Value != "Rust" {
		t.Errorf("expected most confident fact first, got %+v", got[0])
	}

	n, err := s.DeleteExpiredFacts(now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired fact removed, got %d", n)
	}
}

func TestMessageCRUD(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)

	for i := 0; i < 5; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		_ = s.SaveMessage(&Message{
			UserID:    1,
			SessionID: "sess-1",
			Role:      role,
			Content:   "message " + string(rune('A'+i)),
			AgentType: "default",
			Metadata:  json.RawMessage(`{"n":1}`),
		})
	}

	messages, err := s.GetMessages(1, 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(messages) != 5 {
		t.Errorf("expected 5 messages, got %d", len(messages))
	}
	// Should be in chronological order
	if messages[0].Content != "message A" {
		t.Errorf("expected first message 'message A', got '%s'", messages[0].Content)
	}
	if string(messages[0].Metadata) != `{"n":1}` {
		t.Errorf("unexpected metadata %s", messages[0].Metadata)
	}

	// Limit keeps the newest
	messages, err = s.GetMessages(1, 2)
	if err != nil {
		t.Fatalf("get messages limited: %v", err)
	}
	if len(messages) != 2 || messages[1].Content != "message E" {
		t.Errorf("expected last 2 messages, got %+v", messages)
	}

	sessionMsgs, err := s.GetSessionMessages("sess-1")
	if err != nil {
		t.Fatalf("session messages: %v", err)
	}
	if len(sessionMsgs) != 5 {
		t.Errorf("expected 5 session messages, got %d", len(sessionMsgs))
	}

	stats, err := s.GetUserMessageStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[1].MessageCount != 5 {
		t.Errorf("expected 5 messages in stats, got %d", stats[1].MessageCount)
	}

	n, err := s.DeleteMessagesBefore(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("delete old messages: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 deleted, got %d", n)
	}
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)
	now := time.Now()

	if sess, _ := s.GetActiveSession(1); sess != nil {
		t.Fatal("expected no active session")
	}
	if err := s.StartSession("s1", 1, now); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := s.TouchSession("s1", 2, now.Add(time.Minute)); err != nil {
		t.Fatalf("touch session: %v", err)
	}
	sess, err := s.GetActiveSession(1)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if sess == nil || sess.ID != "s1" || sess.MessageCount != 2 {
		t.Fatalf("unexpected session %+v", sess)
	}
	if err := s.EndSession("s1", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if sess, _ := s.GetActiveSession(1); sess != nil {
		t.Error("expected session ended")
	}
}

func TestSearchTelemetry(t *testing.T) {
	s := newTestStore(t)

	rows := []SearchTelemetry{
		{Query: "go generics", Status: "success", Provider: "zai_mcp", Tool: "webSearchPrime", ResultsCount: 5, DurationMs: 120, Attempts: 1},
		{Query: "weather", Status: "error", Provider: "zai_mcp", DurationMs: 900, Attempts: 4, RetryReasons: "SERVICE,SERVICE,SERVICE", ErrorCategory: "SERVICE", Error: "503"},
	}
	for i := range rows {
		if err := s.SaveSearchTelemetry(&rows[i]); err != nil {
			t.Fatalf("save telemetry: %v", err)
		}
	}

	got, err := s.ListSearchTelemetry(10)
	if err != nil {
		t.Fatalf("list telemetry: %v", err)
	}
	if len(got) != 2 || got[0].Query != "weather" {
		t.Fatalf("expected newest first, got %+v", got)
	}
	if got[0].ErrorCategory != "SERVICE" {
		t.Errorf("unexpected category %s", got[0].ErrorCategory)
	}

	stats, err := s.GetSearchStats(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.AvgAttempts != 2.5 {
		t.Errorf("expected avg attempts 2.5, got %v", stats.AvgAttempts)
	}
}

func TestScheduledTaskCRUD(t *testing.T) {
	s := newTestStore(t)

	next := time.Now().Add(-time.Minute)
	task := &ScheduledTask{
		ID:        "task1",
		UserID:    1,
		ChatID:    100,
		Name:      "Morning news",
		Schedule:  `{"kind":"cron","cron_expr":"0 8 * * *"}`,
		Prompt:    "What's new in Go?",
		NextRunAt: &next,
	}
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	got, err := s.GetTask("task1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got == nil || got.Name != "Morning news" || got.Status != "active" || got.ChatID != 100 {
		t.Fatalf("unexpected task %+v", got)
	}

	due, err := s.GetDueTasks(time.Now())
	if err != nil {
		t.Fatalf("get due tasks: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due task, got %d", len(due))
	}

	later := time.Now().Add(time.Hour)
	if err := s.UpdateTaskRun("task1", "success", "", &later); err != nil {
		t.Fatalf("update task run: %v", err)
	}
	due, _ = s.GetDueTasks(time.Now())
	if len(due) != 0 {
		t.Errorf("expected no due tasks, got %d", len(due))
	}
	got, _ = s.GetTask("task1")
	if got.LastStatus != "success" || got.LastRunAt == nil {
		t.Errorf("expected run recorded, got %+v", got)
	}

	if err := s.UpdateTaskStatus("task1", "paused"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	userTasks, _ := s.ListTasksForUser(1)
	if len(userTasks) != 1 || userTasks[0].Status != "paused" {
		t.Errorf("unexpected user tasks %+v", userTasks)
	}

	if err := s.DeleteTask("task1"); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	tasks, _ := s.ListTasks()
	if len(tasks) != 0 {
		t.Errorf("expected 0 tasks after delete, got %d", len(tasks))
	}
}

func TestUserSecrets(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)

	sec := &UserSecret{UserID: 1, Name: "todoist", Value: []byte{1, 2, 3}, Nonce: []byte{9}}
	if err := s.SaveUserSecret(sec); err != nil {
		t.Fatalf("save secret: %v", err)
	}
	sec.Value = []byte{4, 5}
	if err := s.SaveUserSecret(sec); err != nil {
		t.Fatalf("update secret: %v", err)
	}

	got, err := s.GetUserSecret(1, "todoist")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got == nil || len(got.Value) != 2 || got.Value[1] != 5 {
		t.Fatalf("unexpected secret %+v", got)
	}
	names, _ := s.ListUserSecretNames(1)
	if len(names) != 1 || names[0] != "todoist" {
		t.Errorf("unexpected names %v", names)
	}

	if err := s.DeleteUserSecret(1, "todoist"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	got, _ = s.GetUserSecret(1, "todoist")
	if got != nil {
		t.Error("expected secret deleted")
	}
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)

	path := filepath.Join(t.TempDir(), "snap.db")
	if err := s.Snapshot(path); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat snapshot: %v", err)
	}
	if info.Size() == 0 {
		t.Error("expected non-empty snapshot")
	}

	snap, err := New(config.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()
	u, _ := snap.GetUser(1)
	if u == nil {
		t.Error("expected user in snapshot")
	}
}

func TestConcurrentWriters(t *testing.T) {
	s := newTestStore(t)

	const users, perUser = 4, 10
	var wg sync.WaitGroup
	errs := make(chan error, users*perUser*2)
	for u := int64(1); u <= users; u++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				if err := s.UpsertUser(&User{ID: id, FirstName: "Ada"}); err != nil {
					errs <- err
				}
				if err := s.SaveMessage(&Message{UserID: id, Role: "user", Content: "hi"}); err != nil {
					errs <- err
				}
			}
		}(u)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write failed: %v", err)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != users*perUser {
		t.Errorf("expected %d messages, got %d", users*perUser, count)
	}
}

func TestPragmasOnEveryConnection(t *testing.T) {
	s := newTestStore(t)
	s.DB().SetMaxIdleConns(3)

	conns := make([]interface{ Close() error }, 0, 3)
	for i := 0; i < 3; i++ {
		c, err := s.DB().Conn(t.Context())
		if err != nil {
			t.Fatalf("conn: %v", err)
		}
		conns = append(conns, c)

		var timeout int
		if err := c.QueryRowContext(t.Context(), `PRAGMA busy_timeout`).Scan(&timeout); err != nil {
			t.Fatalf("read busy_timeout: %v", err)
		}
		if timeout != 5000 {
			t.Errorf("connection %d: busy_timeout = %d, want 5000", i, timeout)
		}
	}
	for _, c := range conns {
		c.Close()
	}
}
