// Package conversation turns incoming user messages into answered turns:
// it serializes the turns of each user, tracks sessions, plans and runs
// the agents, then records and announces the result.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/memory"
	"github.com/mtzanidakis/nergal/internal/natsbus"
	"github.com/mtzanidakis/nergal/internal/router"
	"github.com/mtzanidakis/nergal/internal/store"
)

// Apology is sent when no agent, the fallback included, could answer.
const Apology = "Sorry, I could not answer that right now. Please try again in a moment."

// Planner creates the execution plan of a turn.
type Planner interface {
	CreatePlan(ctx context.Context, message string, mem dialog.Memory) (*dialog.ExecutionPlan, error)
}

// Publisher delivers bus events. *natsbus.Emitter satisfies it.
type Publisher interface {
	Publish(topic string, v any)
}

// TurnObserver is told about every finished turn.
type TurnObserver interface {
	ObserveTurn(res *dialog.ProcessResult, failed bool)
}

type Config struct {
	UsePlanner     bool
	HistoryLimit   int
	SessionTimeout time.Duration
}

// Reply is the answer to one Incoming message.
type Reply struct {
	TurnID    string
	UserID    int64
	ChatID    int64
	SessionID string
	Text      string
	Failed    bool
	Result    *dialog.ProcessResult
	Meta      map[string]string
}

type ReplyListener func(Reply)

type Manager struct {
	store     *store.Store
	memory    *memory.Service
	registry  *dialog.Registry
	orch      *dialog.Orchestrator
	planner   Planner
	router    *router.Router
	events    Publisher
	observers []TurnObserver
	cfg       Config
	sessions  *SessionTracker
	queues    map[int64]*UserQueue
	mu        sync.Mutex
	// turns serializes Process per user for callers outside the queue.
	turns      map[int64]*sync.Mutex
	listeners  []ReplyListener
	listenerMu sync.RWMutex
	now        func() time.Time
}

// NewManager wires the turn pipeline. planner and events may be nil.
func NewManager(s *store.Store, mem *memory.Service, reg *dialog.Registry, orch *dialog.Orchestrator, planner Planner, events Publisher, cfg Config, observers ...TurnObserver) *Manager {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	return &Manager{
		store:     s,
		memory:    mem,
		registry:  reg,
		orch:      orch,
		planner:   planner,
		router:    router.New(reg),
		events:    events,
		observers: observers,
		cfg:       cfg,
		sessions:  NewSessionTracker(),
		queues:    make(map[int64]*UserQueue),
		turns:     make(map[int64]*sync.Mutex),
		now:       time.Now,
	}
}

func (m *Manager) OnReply(listener ReplyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Submit queues msg and returns immediately. Replies reach the listeners
// in the order the messages of a user were submitted.
func (m *Manager) Submit(ctx context.Context, msg Incoming) {
	q := m.getQueue(msg.User.ID)
	q.Enqueue(msg)
	go m.processQueue(ctx, msg.User.ID)
}

// Pending returns the number of queued messages of a user.
func (m *Manager) Pending(userID int64) int {
	return m.getQueue(userID).Len()
}

// ActiveSessions returns the number of tracked sessions.
func (m *Manager) ActiveSessions() int {
	return m.sessions.Len()
}

func (m *Manager) getQueue(userID int64) *UserQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[userID]
	if !ok {
		q = NewUserQueue(userID)
		m.queues[userID] = q
	}
	return q
}

func (m *Manager) turnLock(userID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.turns[userID]
	if !ok {
		l = &sync.Mutex{}
		m.turns[userID] = l
	}
	return l
}

func (m *Manager) processQueue(ctx context.Context, userID int64) {
	q := m.getQueue(userID)

	for {
		if !q.TryLock() {
			return // Already processing
		}
		for {
			msg, ok := q.Dequeue()
			if !ok {
				break
			}
			reply, err := m.Process(ctx, msg)
			if err != nil {
				slog.Error("process message failed", "user", userID, "error", err)
				reply = &Reply{UserID: userID, ChatID: msg.ChatID, Text: Apology, Failed: true, Meta: msg.Meta}
			}
			m.notify(*reply)
		}
		if !q.Unlock() {
			return
		}
	}
}

func (m *Manager) notify(r Reply) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for _, l := range m.listeners {
		l(r)
	}
}

// Process answers msg synchronously. Turns of the same user never overlap.
// Agent failures are answered with Apology; the error is reserved for
// failures to record the user.
func (m *Manager) Process(ctx context.Context, msg Incoming) (*Reply, error) {
	userID := msg.User.ID
	lock := m.turnLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.UpsertUser(&msg.User); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	sess, err := m.session(userID)
	if err != nil {
		return nil, err
	}

	mem, err := m.memory.Context(userID)
	if err != nil {
		slog.Warn("load memory failed", "user", userID, "error", err)
		mem = dialog.Memory{UserID: userID, DisplayName: msg.User.DisplayName()}
	}
	history, err := m.memory.History(userID, m.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("load history failed", "user", userID, "error", err)
	}

	text := msg.Text
	var plan *dialog.ExecutionPlan
	if agent, cleaned, ok := m.router.Route(text); ok && cleaned != "" {
		slog.Info("message addressed to agent", "user", userID, "agent", agent)
		text, plan = cleaned, m.router.Plan(agent)
	} else {
		plan = m.plan(ctx, text, mem)
	}
	res, err := m.orch.Execute(ctx, dialog.Turn{Message: text, Memory: mem, History: history}, plan)

	reply := &Reply{
		TurnID:    uuid.New().String(),
		UserID:    userID,
		ChatID:    msg.ChatID,
		SessionID: sess.ID,
		Meta:      msg.Meta,
	}
	if err != nil {
		var oe *dialog.OrchestrationError
		if errors.As(err, &oe) {
			slog.Error("turn failed", "user", userID, "reason", oe.Reason, "error", oe.Err)
		} else {
			slog.Error("turn failed", "user", userID, "error", err)
		}
		reply.Text = Apology
		reply.Failed = true
		res = &dialog.ProcessResult{Response: Apology, AgentType: dialog.AgentDefault}
	} else {
		reply.Text = res.Response
	}
	reply.Result = res

	m.record(sess.ID, msg, res)
	m.publish(reply)
	for _, o := range m.observers {
		o.ObserveTurn(res, reply.Failed)
	}

	slog.Info("turn answered",
		"user", userID,
		"agent", res.AgentType,
		"steps", len(res.Steps),
		"tokens", res.TokensUsed,
		"duration_ms", res.ProcessingTimeMs,
		"failed", reply.Failed)
	return reply, nil
}

// plan asks the planner, or picks the best agent when planning is off.
// A planner error yields an empty plan, which the orchestrator answers
// with the fallback agent.
func (m *Manager) plan(ctx context.Context, text string, mem dialog.Memory) *dialog.ExecutionPlan {
	if m.cfg.UsePlanner && m.planner != nil {
		plan, err := m.planner.CreatePlan(ctx, text, mem)
		if err != nil {
			slog.Warn("planning failed, using fallback", "user", mem.UserID, "error", err)
			return &dialog.ExecutionPlan{}
		}
		return plan
	}

	c := &dialog.Context{Memory: mem, Results: dialog.NewAccumulatedContext(), Original: text}
	best, score := m.registry.Best(ctx, text, c, dialog.AgentDispatcher)
	if best == nil || best.Type() == dialog.AgentDefault {
		return dialog.SingleStepPlan(dialog.AgentDefault, "direct answer")
	}
	return &dialog.ExecutionPlan{
		Steps: []dialog.PlanStep{
			{Agent: best.Type(), Description: best.Type().Description(), IsOptional: true},
			{Agent: dialog.AgentDefault, Description: "final answer"},
		},
		Reasoning: fmt.Sprintf("best match %s (%.2f)", best.Type(), score),
	}
}

func (m *Manager) record(sessionID string, msg Incoming, res *dialog.ProcessResult) {
	userID := msg.User.ID
	if err := m.memory.Record(&store.Message{
		UserID:    userID,
		SessionID: sessionID,
		Role:      "user",
		Content:   msg.Text,
	}); err != nil {
		slog.Warn("save user message failed", "user", userID, "error", err)
	}

	var meta json.RawMessage
	if len(res.Metadata) > 0 {
		if data, err := json.Marshal(res.Metadata); err == nil {
			meta = data
		} else {
			slog.Warn("encode turn metadata failed", "user", userID, "error", err)
		}
	}
	if err := m.memory.Record(&store.Message{
		UserID:           userID,
		SessionID:        sessionID,
		Role:             "assistant",
		Content:          res.Response,
		AgentType:        string(res.AgentType),
		TokensUsed:       res.TokensUsed,
		ProcessingTimeMs: res.ProcessingTimeMs,
		Metadata:         meta,
	}); err != nil {
		slog.Warn("save assistant message failed", "user", userID, "error", err)
	}

	now := m.now()
	if err := m.store.TouchSession(sessionID, 2, now); err != nil {
		slog.Warn("touch session failed", "session", sessionID, "error", err)
	}
	m.sessions.Touch(userID, now)
}

func (m *Manager) publish(r *Reply) {
	if m.events == nil {
		return
	}
	res := r.Result
	_, fallback := res.Metadata["fallback"]
	m.events.Publish(natsbus.TopicEventsTurn(r.UserID), natsbus.TurnEvent{
		Type:       natsbus.EventTurn,
		ID:         r.TurnID,
		UserID:     r.UserID,
		SessionID:  r.SessionID,
		Agent:      res.AgentType,
		Fallback:   fallback,
		Failed:     r.Failed,
		Confidence: res.Confidence,
		TokensUsed: res.TokensUsed,
		DurationMs: res.ProcessingTimeMs,
		Steps:      res.Steps,
		Time:       m.now(),
	})
}

// session returns the user's open session, rotating it after
// SessionTimeout of inactivity. Sessions left open by a previous run are
// resumed from the store.
func (m *Manager) session(userID int64) (*Session, error) {
	now := m.now()
	sess := m.sessions.Get(userID)
	if sess == nil {
		stored, err := m.store.GetActiveSession(userID)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			sess = &Session{ID: stored.ID, UserID: userID, StartedAt: stored.StartedAt, LastActive: stored.LastActive}
		}
	}

	if sess != nil && !sess.Expired(now, m.cfg.SessionTimeout) {
		m.sessions.Set(sess)
		return sess, nil
	}
	if sess != nil {
		slog.Info("session expired", "user", userID, "session", sess.ID)
		if err := m.store.EndSession(sess.ID, now); err != nil {
			return nil, err
		}
	}
	return m.startSession(userID, now)
}

func (m *Manager) startSession(userID int64, now time.Time) (*Session, error) {
	sess := &Session{ID: uuid.New().String(), UserID: userID, StartedAt: now, LastActive: now}
	if err := m.store.StartSession(sess.ID, userID, now); err != nil {
		return nil, err
	}
	m.sessions.Set(sess)
	slog.Info("session started", "user", userID, "session", sess.ID)
	return sess, nil
}

// Reset ends the user's session. The next message starts a new one.
func (m *Manager) Reset(userID int64) error {
	now := m.now()
	if sess := m.sessions.Get(userID); sess != nil {
		if err := m.store.EndSession(sess.ID, now); err != nil {
			return err
		}
	}
	stored, err := m.store.GetActiveSession(userID)
	if err != nil {
		return err
	}
	if stored != nil {
		if err := m.store.EndSession(stored.ID, now); err != nil {
			return err
		}
	}
	m.sessions.Remove(userID)
	slog.Info("session reset", "user", userID)
	return nil
}

// ExpireIdle ends every tracked session idle for longer than the timeout.
func (m *Manager) ExpireIdle() int {
	now := m.now()
	idle := m.sessions.ListIdle(now, m.cfg.SessionTimeout)
	for _, userID := range idle {
		sess := m.sessions.Get(userID)
		if sess == nil {
			continue
		}
		if err := m.store.EndSession(sess.ID, now); err != nil {
			slog.Warn("end idle session failed", "user", userID, "error", err)
			continue
		}
		m.sessions.Remove(userID)
	}
	return len(idle)
}
