package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/nergal/internal/config"
	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/llm"
	"github.com/mtzanidakis/nergal/internal/reliability"
	"github.com/mtzanidakis/nergal/internal/store"
)

type stubAgent struct{ t dialog.AgentType }

func (a stubAgent) Type() dialog.AgentType { return a.t }

func (a stubAgent) CanHandle(context.Context, string, *dialog.Context) float64 { return 0 }

func (a stubAgent) Process(context.Context, string, *dialog.Context, []llm.Message) (*dialog.AgentResult, error) {
	return &dialog.AgentResult{}, nil
}

type stubSessions int

func (s stubSessions) ActiveSessions() int { return int(s) }

func newTestServer(t *testing.T, auth string) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := dialog.NewRegistry()
	reg.Register(stubAgent{dialog.AgentDefault})
	reg.Register(stubAgent{dialog.AgentWebSearch})

	srv := NewServer(config.WebConfig{Enabled: true, Auth: auth}, Deps{
		Store:    st,
		Registry: reg,
		Breakers: []*reliability.CircuitBreaker{
			reliability.NewCircuitBreaker("llm", reliability.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Hour}),
		},
		Sessions: stubSessions(2),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("nergal_turns_total 1\n"))
		}),
		Version: "test",
	})
	return srv, st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	h := srv.Handler()

	if rec := do(t, h, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz: got %d", rec.Code)
	}
	rec := do(t, h, "GET", "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "nergal_turns_total") {
		t.Errorf("metrics: got %d %q", rec.Code, rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	h := srv.Handler()

	if rec := do(t, h, "GET", "/api/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("basic auth: got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer: got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong bearer: got %d", rec.Code)
	}
}

func TestLoginSession(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	h := srv.Handler()

	if rec := do(t, h, "POST", "/api/login", `{"password":"nope"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: got %d", rec.Code)
	}

	rec := do(t, h, "POST", "/api/login", `{"password":"secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: got %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 || cookies[0].Name != sessionCookieName {
		t.Fatalf("expected session cookie, got %v", cookies)
	}

	req := httptest.NewRequest("GET", "/api/auth/check", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("auth check: got %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/api/logout", nil)
	req.AddCookie(cookies[0])
	h.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest("GET", "/api/users", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("after logout: got %d", rec.Code)
	}
}

func TestAuthCheckWithoutPassword(t *testing.T) {
	srv, _ := newTestServer(t, "")
	if rec := do(t, srv.Handler(), "GET", "/api/auth/check", ""); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := do(t, srv.Handler(), "GET", "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)

	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("unexpected status body: %v", body)
	}
	if body["active_sessions"] != float64(2) {
		t.Errorf("active_sessions: got %v", body["active_sessions"])
	}
	agents, _ := body["agents"].([]any)
	if len(agents) != 2 {
		t.Errorf("agents: got %v", body["agents"])
	}
}

func TestUsersAndMessages(t *testing.T) {
	srv, st := newTestServer(t, "")
	h := srv.Handler()

	if err := st.UpsertUser(&store.User{ID: 7, FirstName: "Ada", Username: "ada"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_ = st.SaveMessage(&store.Message{UserID: 7, Role: "user", Content: "hi"})
	_ = st.SaveMessage(&store.Message{UserID: 7, Role: "assistant", Content: "hello", AgentType: "default", TokensUsed: 12})

	var users []map[string]any
	decode(t, do(t, h, "GET", "/api/users", ""), &users)
	if len(users) != 1 || users[0]["message_count"] != float64(2) || users[0]["display_name"] != "Ada" {
		t.Fatalf("unexpected users: %v", users)
	}

	var msgs []map[string]any
	decode(t, do(t, h, "GET", "/api/users/7/messages", ""), &msgs)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %v", msgs)
	}

	if rec := do(t, h, "GET", "/api/users/abc/messages", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: got %d", rec.Code)
	}
}

func TestUserSecrets(t *testing.T) {
	srv, st := newTestServer(t, "")
	h := srv.Handler()

	_ = st.UpsertUser(&store.User{ID: 7, FirstName: "Ada"})
	if err := st.SaveUserSecret(&store.UserSecret{UserID: 7, Name: "todoist", Value: []byte("x"), Nonce: []byte("n")}); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	var body struct {
		Secrets []string `json:"secrets"`
	}
	decode(t, do(t, h, "GET", "/api/users/7/secrets", ""), &body)
	if len(body.Secrets) != 1 || body.Secrets[0] != "todoist" {
		t.Fatalf("unexpected secrets: %v", body.Secrets)
	}

	if rec := do(t, h, "DELETE", "/api/users/7/secrets/todoist", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete: got %d", rec.Code)
	}
	decode(t, do(t, h, "GET", "/api/users/7/secrets", ""), &body)
	if len(body.Secrets) != 0 {
		t.Errorf("secret not deleted: %v", body.Secrets)
	}
}

func TestTaskCRUD(t *testing.T) {
	srv, st := newTestServer(t, "")
	h := srv.Handler()
	_ = st.UpsertUser(&store.User{ID: 7, FirstName: "Ada"})

	if rec := do(t, h, "POST", "/api/tasks", `{"user_id":7,"name":"n","schedule":"bogus","prompt":"p"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid schedule: got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/tasks", `{"user_id":99,"name":"n","schedule":"every 1h","prompt":"p"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user: got %d", rec.Code)
	}

	rec := do(t, h, "POST", "/api/tasks", `{"user_id":7,"name":"News","schedule":"0 9 * * *","prompt":"morning news"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: got %d %s", rec.Code, rec.Body.String())
	}
	var created map[string]any
	decode(t, rec, &created)
	id, _ := created["id"].(string)
	if id == "" || created["chat_id"] != float64(7) || created["next_run"] == nil {
		t.Fatalf("unexpected task: %v", created)
	}

	rec = do(t, h, "PUT", "/api/tasks/"+id, `{"enabled":false}`)
	var updated map[string]any
	decode(t, rec, &updated)
	if updated["status"] != "paused" || updated["next_run"] != nil {
		t.Errorf("pause: %v", updated)
	}

	var list []map[string]any
	decode(t, do(t, h, "GET", "/api/tasks?user_id=7", ""), &list)
	if len(list) != 1 {
		t.Fatalf("list: %v", list)
	}

	if err := st.UpdateTaskStatus(id, "completed"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	var del map[string]any
	decode(t, do(t, h, "DELETE", "/api/tasks/completed", ""), &del)
	if del["count"] != float64(1) {
		t.Errorf("delete completed: %v", del)
	}
	if rec := do(t, h, "GET", "/api/tasks/"+id, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestBreakerReset(t *testing.T) {
	srv, _ := newTestServer(t, "")
	h := srv.Handler()

	b := srv.deps.Breakers[0]
	b.RecordFailure()
	if b.State() != reliability.StateOpen {
		t.Fatalf("expected open breaker, got %s", b.State())
	}

	var breakers []map[string]any
	decode(t, do(t, h, "GET", "/api/breakers", ""), &breakers)
	if len(breakers) != 1 || breakers[0]["state"] != "OPEN" {
		t.Fatalf("unexpected breakers: %v", breakers)
	}

	rec := do(t, h, "POST", "/api/breakers/llm/reset", "")
	if rec.Code != http.StatusOK || b.State() != reliability.StateClosed {
		t.Errorf("reset: got %d, state %s", rec.Code, b.State())
	}
	if rec := do(t, h, "POST", "/api/breakers/nope/reset", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown breaker: got %d", rec.Code)
	}
}

func TestSearchTelemetry(t *testing.T) {
	srv, st := newTestServer(t, "")
	h := srv.Handler()

	_ = st.SaveSearchTelemetry(&store.SearchTelemetry{Query: "go", Status: "success", ResultsCount: 3, DurationMs: 40, Attempts: 1})
	_ = st.SaveSearchTelemetry(&store.SearchTelemetry{Query: "rust", Status: "failed", Attempts: 3, ErrorCategory: "TRANSIENT"})

	var records []store.SearchTelemetry
	decode(t, do(t, h, "GET", "/api/search/telemetry?limit=10", ""), &records)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	var stats store.SearchStats
	decode(t, do(t, h, "GET", "/api/search/stats?window=1h", ""), &stats)
	if stats.Total != 2 || stats.Failed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	if rec := do(t, h, "GET", "/api/search/stats?window=x", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad window: got %d", rec.Code)
	}
}

func TestForwardWrapsEvents(t *testing.T) {
	srv, _ := newTestServer(t, "")
	srv.forward("turn", []byte(`{"type":"turn","agent":"default"}`))

	select {
	case ev := <-srv.hub.broadcast:
		if ev.Type != "turn" {
			t.Errorf("expected turn event, got %q", ev.Type)
		}
		raw, ok := ev.Payload.(json.RawMessage)
		if !ok || !strings.Contains(string(raw), `"agent":"default"`) {
			t.Errorf("unexpected payload %v", ev.Payload)
		}
	default:
		t.Fatal("expected a broadcast event")
	}
}

func TestHubFiltersByType(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	all := newSubscriber(nil, parseTypes(""))
	turns := newSubscriber(nil, parseTypes("turn, breaker"))
	h.Register(all)
	h.Register(turns)

	h.Broadcast(Event{Type: "step"})
	h.Broadcast(Event{Type: "turn"})

	for _, want := range []string{"step", "turn"} {
		select {
		case data := <-all.send:
			if !strings.Contains(string(data), `"type":"`+want+`"`) {
				t.Errorf("expected %s event, got %s", want, data)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	select {
	case data := <-turns.send:
		if !strings.Contains(string(data), `"type":"turn"`) {
			t.Errorf("filtered subscriber got %s", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for turn event")
	}

	h.Unregister(turns)
	h.Unregister(turns)
	if got := h.Clients(); got != 1 {
		t.Errorf("expected 1 client, got %d", got)
	}
}

func TestWebSocketStream(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.hub.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?types=breaker"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	srv.forward("turn", []byte(`{"type":"turn"}`))
	srv.forward("breaker", []byte(`{"type":"breaker","name":"llm","to":"OPEN"}`))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "breaker" || !strings.Contains(string(ev.Payload), `"name":"llm"`) {
		t.Errorf("unexpected event %s", data)
	}
}
