// Package scheduler runs due scheduled prompts through the conversation
// pipeline and delivers the answers, and runs periodic housekeeping.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/nergal/internal/config"
	"github.com/mtzanidakis/nergal/internal/conversation"
	"github.com/mtzanidakis/nergal/internal/natsbus"
	"github.com/mtzanidakis/nergal/internal/schedule"
	"github.com/mtzanidakis/nergal/internal/store"
)

// Task statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Runner answers a prompt synchronously.
type Runner interface {
	Process(ctx context.Context, msg conversation.Incoming) (*conversation.Reply, error)
}

// Notifier delivers a message to a chat.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

type housekeeping struct {
	name string
	fn   func() error
}

type Scheduler struct {
	store           *store.Store
	runner          Runner
	notifier        Notifier
	events          conversation.Publisher
	pollInterval    time.Duration
	cleanupInterval time.Duration
	jobs            []housekeeping
	now             func() time.Time
}

// New creates a scheduler. notifier and events may be nil.
func New(s *store.Store, runner Runner, notifier Notifier, events conversation.Publisher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:           s,
		runner:          runner,
		notifier:        notifier,
		events:          events,
		pollInterval:    cfg.PollInterval,
		cleanupInterval: cfg.CleanupInterval,
		now:             time.Now,
	}
}

// AddHousekeeping registers fn to run every cleanup interval.
func (s *Scheduler) AddHousekeeping(name string, fn func() error) {
	s.jobs = append(s.jobs, housekeeping{name: name, fn: fn})
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}
	if s.cleanupInterval == 0 {
		s.cleanupInterval = time.Hour
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(s.cleanupInterval)
	defer cleanup.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval, "cleanup_interval", s.cleanupInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		case <-cleanup.C:
			s.housekeep()
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	tasks, err := s.store.GetDueTasks(s.now())
	if err != nil {
		slog.Error("failed to get due tasks", "error", err)
		return
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		s.execute(ctx, task)
	}
}

func (s *Scheduler) housekeep() {
	for _, j := range s.jobs {
		if err := j.fn(); err != nil {
			slog.Error("housekeeping failed", "job", j.name, "error", err)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, task store.ScheduledTask) {
	slog.Info("executing scheduled task", "id", task.ID, "name", task.Name, "user", task.UserID)

	user := store.User{ID: task.UserID}
	if u, err := s.store.GetUser(task.UserID); err != nil {
		slog.Warn("load task user failed", "id", task.ID, "error", err)
	} else if u != nil {
		user = *u
	}

	var lastStatus, lastError string
	reply, err := s.runner.Process(ctx, conversation.Incoming{
		User:   user,
		ChatID: task.ChatID,
		Text:   task.Prompt,
		Meta:   map[string]string{"sender": "scheduler", "task_id": task.ID},
	})
	switch {
	case err != nil:
		lastError = err.Error()
	case reply.Failed:
		lastError = "no agent could answer"
	case s.notifier != nil:
		text := task.Name + "\n\n" + reply.Text
		if err := s.notifier.Notify(ctx, task.ChatID, text); err != nil {
			lastError = "deliver: " + err.Error()
		}
	}
	if lastError != "" {
		lastStatus = "error"
		slog.Error("task execution failed", "id", task.ID, "error", lastError)
	} else {
		lastStatus = "success"
	}

	nextRun := schedule.NextRun(task.Schedule, s.now())

	if err := s.store.UpdateTaskRun(task.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update task run", "id", task.ID, "error", err)
	}

	if s.events != nil {
		s.events.Publish(natsbus.TopicEventsTask(task.ID), natsbus.TaskEvent{
			Type:   natsbus.EventTask,
			TaskID: task.ID,
			UserID: task.UserID,
			Status: lastStatus,
			Error:  lastError,
			Time:   s.now(),
		})
	}

	// Mark one-off tasks as completed when they have no next run
	if nextRun == nil {
		slog.Info("no next run, marking task as completed", "id", task.ID, "name", task.Name)
		if err := s.store.UpdateTaskStatus(task.ID, StatusCompleted); err != nil {
			slog.Error("failed to complete task", "id", task.ID, "error", err)
		}
	}
}
