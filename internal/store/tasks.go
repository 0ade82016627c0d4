package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledTask is a prompt that runs on a schedule on behalf of a user
// and is answered in the given chat.
type ScheduledTask struct {
	ID         string     `json:"id"`
	UserID     int64      `json:"user_id"`
	ChatID     int64      `json:"chat_id"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Prompt     string     `json:"prompt"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const taskColumns = `id, user_id, chat_id, name, schedule, prompt, status,
	next_run_at, last_run_at, last_status, last_error, created_at`

func scanTask(sc scanner) (*ScheduledTask, error) {
	t := &ScheduledTask{}
	var lastStatus, lastError sql.NullString
	err := sc.Scan(&t.ID, &t.UserID, &t.ChatID, &t.Name, &t.Schedule, &t.Prompt, &t.Status,
		&t.NextRunAt, &t.LastRunAt, &lastStatus, &lastError, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.LastStatus, t.LastError = lastStatus.String, lastError.String
	return t, nil
}

func (s *Store) SaveTask(t *ScheduledTask) error {
	if t.Status == "" {
		t.Status = "active"
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (id, user_id, chat_id, name, schedule, prompt, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			prompt = excluded.prompt,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		t.ID, t.UserID, t.ChatID, t.Name, t.Schedule, t.Prompt, t.Status, sqlTimePtr(t.NextRunAt))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) queryTasks(query string, args ...any) ([]ScheduledTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) ListTasks() ([]ScheduledTask, error) {
	tasks, err := s.queryTasks(`SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) ListTasksForUser(userID int64) ([]ScheduledTask, error) {
	tasks, err := s.queryTasks(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for user: %w", err)
	}
	return tasks, nil
}

func (s *Store) GetDueTasks(now time.Time) ([]ScheduledTask, error) {
	tasks, err := s.queryTasks(`
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, sqlTime(now))
	if err != nil {
		return nil, fmt.Errorf("get due tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) UpdateTaskRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, sqlTimePtr(nextRunAt), id)
	return err
}

func (s *Store) UpdateTaskStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return err
}
