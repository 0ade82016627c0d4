package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/nergal/internal/schedule"
	"github.com/mtzanidakis/nergal/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Users and conversations
	mux.HandleFunc("GET /api/users", s.listUsers)
	mux.HandleFunc("GET /api/users/{id}/messages", s.getUserMessages)
	mux.HandleFunc("GET /api/users/{id}/secrets", s.listUserSecrets)
	mux.HandleFunc("DELETE /api/users/{id}/secrets/{name}", s.deleteUserSecret)

	// Agents and reliability
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/breakers", s.listBreakers)
	mux.HandleFunc("POST /api/breakers/{name}/reset", s.resetBreaker)

	// Web search telemetry
	mux.HandleFunc("GET /api/search/telemetry", s.listSearchTelemetry)
	mux.HandleFunc("GET /api/search/stats", s.getSearchStats)

	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("PUT /api/tasks/{id}", s.updateTask)
	mux.HandleFunc("DELETE /api/tasks/completed", s.deleteCompletedTasks)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.deleteTask)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	msgStats, _ := s.store.GetUserMessageStats()

	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		entry := map[string]any{
			"id":           u.ID,
			"username":     u.Username,
			"display_name": u.DisplayName(),
			"is_active":    u.IsActive,
			"created_at":   u.CreatedAt,
		}
		if stats, ok := msgStats[u.ID]; ok {
			entry["message_count"] = stats.MessageCount
			entry["tokens_used"] = stats.TokensUsed
			entry["last_active"] = formatMessageTime(stats.LastActive)
		} else {
			entry["message_count"] = 0
			entry["tokens_used"] = 0
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) getUserMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)

	messages, err := s.store.GetMessages(userID, limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		entry := map[string]any{
			"id":   strconv.FormatInt(m.ID, 10),
			"role": m.Role,
			"text": m.Content,
			"time": formatMessageTime(m.CreatedAt),
		}
		if m.AgentType != "" {
			entry["agent"] = m.AgentType
			entry["tokens_used"] = m.TokensUsed
			entry["processing_time_ms"] = m.ProcessingTimeMs
		}
		if len(m.Metadata) > 0 {
			entry["metadata"] = m.Metadata
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]string, 0)
	if s.deps.Registry != nil {
		for _, t := range s.deps.Registry.Types() {
			out = append(out, map[string]string{
				"type":        string(t),
				"description": t.Description(),
			})
		}
	}
	jsonResponse(w, out)
}

func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.breakerSnapshots())
}

func (s *Server) breakerSnapshots() []map[string]any {
	out := make([]map[string]any, 0, len(s.deps.Breakers))
	for _, b := range s.deps.Breakers {
		snap := b.Snapshot()
		entry := map[string]any{
			"name":                  snap.Name,
			"state":                 snap.State.String(),
			"consecutive_failures":  snap.ConsecutiveFailures,
			"consecutive_successes": snap.ConsecutiveSuccesses,
		}
		if !snap.LastFailure.IsZero() {
			entry["last_failure"] = snap.LastFailure
		}
		out = append(out, entry)
	}
	return out
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, b := range s.deps.Breakers {
		if b.Name() == name {
			b.Reset()
			jsonResponse(w, map[string]string{"status": "reset", "state": b.State().String()})
			return
		}
	}
	jsonError(w, "breaker not found", http.StatusNotFound)
}

func (s *Server) listSearchTelemetry(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListSearchTelemetry(queryInt(r, "limit", 100))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []store.SearchTelemetry{}
	}
	jsonResponse(w, records)
}

func (s *Server) getSearchStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			jsonError(w, "invalid window", http.StatusBadRequest)
			return
		}
		window = d
	}
	stats, err := s.store.GetSearchStats(time.Now().Add(-window))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, stats)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []store.ScheduledTask
		err   error
	)
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		userID, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			jsonError(w, "invalid user_id", http.StatusBadRequest)
			return
		}
		tasks, err = s.store.ListTasksForUser(userID)
	} else {
		tasks, err = s.store.ListTasks()
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToAPI(t))
	}
	jsonResponse(w, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if t == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, taskToAPI(*t))
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID   int64  `json:"user_id"`
		ChatID   int64  `json:"chat_id"`
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Prompt   string `json:"prompt"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.UserID == 0 || body.Name == "" || body.Schedule == "" || body.Prompt == "" {
		jsonError(w, "user_id, name, schedule, and prompt are required", http.StatusBadRequest)
		return
	}

	u, err := s.store.GetUser(body.UserID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if u == nil {
		jsonError(w, "user not found", http.StatusNotFound)
		return
	}

	now := time.Now()
	normalized, err := schedule.Normalize(body.Schedule, now)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	// Private chats share the user's id
	chatID := body.ChatID
	if chatID == 0 {
		chatID = body.UserID
	}

	t := store.ScheduledTask{
		ID:       uuid.New().String(),
		UserID:   body.UserID,
		ChatID:   chatID,
		Name:     body.Name,
		Schedule: normalized,
		Prompt:   body.Prompt,
		Status:   status,
	}
	if status == "active" {
		t.NextRunAt = schedule.NextRun(normalized, now)
	}

	if err := s.store.SaveTask(&t); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, taskToAPI(t))
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := s.store.GetTask(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name     *string `json:"name"`
		Schedule *string `json:"schedule"`
		Prompt   *string `json:"prompt"`
		Enabled  *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Prompt != nil {
		existing.Prompt = *body.Prompt
	}

	// Completed tasks stay completed unless explicitly re-enabled
	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = "active"
		} else if existing.Status != "completed" {
			existing.Status = "paused"
		}
	}

	now := time.Now()
	if body.Schedule != nil {
		normalized, err := schedule.Normalize(*body.Schedule, now)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}

	if existing.Status == "active" {
		existing.NextRunAt = schedule.NextRun(existing.Schedule, now)
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveTask(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, taskToAPI(*existing))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) deleteCompletedTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	count := 0
	for _, t := range tasks {
		if t.Status != "completed" {
			continue
		}
		if err := s.store.DeleteTask(t.ID); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		count++
	}
	jsonResponse(w, map[string]any{"status": "deleted", "count": count})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":   "ok",
		"version":  s.deps.Version,
		"uptime":   formatUptime(time.Since(s.startedAt)),
		"breakers": s.breakerSnapshots(),
		"clients":  s.hub.Clients(),
	}

	if err := s.store.Ping(); err != nil {
		status["status"] = "degraded"
		status["store_error"] = err.Error()
	}

	if s.deps.Registry != nil {
		agents := make([]string, 0)
		for _, t := range s.deps.Registry.Types() {
			agents = append(agents, string(t))
		}
		status["agents"] = agents
	}
	if s.deps.Sessions != nil {
		status["active_sessions"] = s.deps.Sessions.ActiveSessions()
	}

	if tasks, err := s.store.ListTasks(); err == nil {
		active := 0
		for _, t := range tasks {
			if t.Status == "active" {
				active++
			}
		}
		status["active_tasks"] = active
	}

	if users, err := s.store.ListUsers(); err == nil {
		status["users"] = len(users)
	}

	if stats, err := s.store.GetSearchStats(time.Now().Add(-24 * time.Hour)); err == nil {
		status["search_24h"] = stats
	}

	jsonResponse(w, status)
}

func taskToAPI(t store.ScheduledTask) map[string]any {
	m := map[string]any{
		"id":               t.ID,
		"user_id":          t.UserID,
		"chat_id":          t.ChatID,
		"name":             t.Name,
		"schedule":         t.Schedule,
		"schedule_display": schedule.Format(t.Schedule),
		"prompt":           t.Prompt,
		"enabled":          t.Status == "active",
		"status":           t.Status,
	}
	if t.LastRunAt != nil {
		m["last_run"] = formatMessageTime(*t.LastRunAt)
		m["last_status"] = t.LastStatus
		if t.LastError != "" {
			m["last_error"] = t.LastError
		}
	}
	if t.NextRunAt != nil {
		m["next_run"] = formatMessageTime(*t.NextRunAt)
	}
	return m
}

func pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		jsonError(w, "invalid user id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func formatMessageTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
