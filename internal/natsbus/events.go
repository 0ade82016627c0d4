package natsbus

import (
	"log/slog"
	"time"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/reliability"
)

// Event type tags, carried in every payload.
const (
	EventTurn    = "turn"
	EventStep    = "step"
	EventBreaker = "breaker"
	EventTask    = "task"
)

// TurnEvent is published when a user turn has been answered.
type TurnEvent struct {
	Type       string             `json:"type"`
	ID         string             `json:"id"`
	UserID     int64              `json:"user_id"`
	SessionID  string             `json:"session_id"`
	Agent      dialog.AgentType   `json:"agent"`
	Fallback   bool               `json:"fallback"`
	Failed     bool               `json:"failed,omitempty"`
	Confidence float64            `json:"confidence"`
	TokensUsed int                `json:"tokens_used"`
	DurationMs int64              `json:"duration_ms"`
	Steps      []dialog.StepTrace `json:"steps,omitempty"`
	Time       time.Time          `json:"time"`
}

// StepEvent mirrors one orchestrator step trace.
type StepEvent struct {
	Type   string           `json:"type"`
	UserID int64            `json:"user_id"`
	Step   dialog.StepTrace `json:"step"`
	Time   time.Time        `json:"time"`
}

// BreakerEvent reports a circuit breaker state change.
type BreakerEvent struct {
	Type string    `json:"type"`
	Name string    `json:"name"`
	From string    `json:"from"`
	To   string    `json:"to"`
	Time time.Time `json:"time"`
}

// TaskEvent reports a scheduled task run.
type TaskEvent struct {
	Type   string    `json:"type"`
	TaskID string    `json:"task_id"`
	UserID int64     `json:"user_id"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Emitter publishes orchestrator and reliability events on the bus.
// A nil client drops every event.
type Emitter struct {
	client *Client
	now    func() time.Time
}

func NewEmitter(client *Client) *Emitter {
	return &Emitter{client: client, now: time.Now}
}

// Publish sends v as JSON on topic and logs failures.
func (e *Emitter) Publish(topic string, v any) {
	if e == nil || e.client == nil {
		return
	}
	if err := e.client.PublishJSON(topic, v); err != nil {
		slog.Warn("publish event failed", "topic", topic, "error", err)
	}
}

func (e *Emitter) ObserveStep(userID int64, trace dialog.StepTrace) {
	if e == nil || e.client == nil {
		return
	}
	e.Publish(TopicEventsStep(userID), StepEvent{Type: EventStep, UserID: userID, Step: trace, Time: e.now()})
}

// BreakerChanged is a reliability.StateListener.
func (e *Emitter) BreakerChanged(name string, from, to reliability.State) {
	if e == nil || e.client == nil {
		return
	}
	e.Publish(TopicEventsBreaker(name), BreakerEvent{
		Type: EventBreaker, Name: name, From: from.String(), To: to.String(), Time: e.now(),
	})
}
