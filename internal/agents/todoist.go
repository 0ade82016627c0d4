package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/llm"
	"github.com/mtzanidakis/nergal/internal/todoist"
)

// TodoistSecret is the secret name holding a user's Todoist token.
const TodoistSecret = "todoist"

// SecretSource returns a stored secret of a user, "" when absent.
type SecretSource interface {
	Get(userID int64, name string) (string, error)
}

// TaskClient is the part of the Todoist API the agent uses.
type TaskClient interface {
	GetTasks(ctx context.Context, filter string) ([]todoist.Task, error)
	AddTask(ctx context.Context, t todoist.NewTask) (*todoist.Task, error)
	CloseTask(ctx context.Context, id string) error
}

// ClientFactory builds a TaskClient for a user token.
type ClientFactory func(token string) TaskClient

type todoAction struct {
	Action  string `json:"action"`
	Filter  string `json:"filter"`
	Content string `json:"content"`
	Due     string `json:"due"`
}

const todoActionPrompt = `Translate the user's message into one Todoist action.
Reply with JSON only:
{"action": "list" | "add" | "complete", "filter": "<todoist filter for list, e.g. today, overdue, 7 days>", "content": "<task text for add or complete>", "due": "<natural language due date for add>"}`

var todoKeywords = []string{"todo", "to-do", "task", "remind me", "reminder", "my list"}

// Todoist lists, adds and completes tasks in the user's Todoist account.
type Todoist struct {
	base
	secrets   SecretSource
	newClient ClientFactory
}

func NewTodoist(p llm.Provider, secrets SecretSource, newClient ClientFactory) *Todoist {
	return &Todoist{base: base{kind: dialog.AgentTodoist, llm: p}, secrets: secrets, newClient: newClient}
}

func (a *Todoist) CanHandle(ctx context.Context, message string, c *dialog.Context) float64 {
	m := strings.ToLower(message)
	if strings.Contains(m, "todoist") {
		return 0.9
	}
	for _, kw := range todoKeywords {
		if strings.Contains(m, kw) {
			return 0.6
		}
	}
	return 0.05
}

func (a *Todoist) Process(ctx context.Context, message string, c *dialog.Context, history []llm.Message) (*dialog.AgentResult, error) {
	var userID int64
	if c != nil {
		userID = c.Memory.UserID
	}
	token, err := a.secrets.Get(userID, TodoistSecret)
	if err != nil {
		return nil, fmt.Errorf("todoist token: %w", err)
	}
	if token == "" {
		return &dialog.AgentResult{
			Response:   "Todoist is not connected. Send /todoist <api token> to connect it.",
			AgentType:  a.kind,
			Confidence: 0.5,
			Metadata:   map[string]any{"todoist_connected": false},
		}, nil
	}

	act, tokens := a.action(ctx, message)
	client := a.newClient(token)

	var text string
	meta := map[string]any{"todoist_connected": true, "action": act.Action}
	switch act.Action {
	case "add":
		if act.Content == "" {
			act.Content = message
		}
		task, err := client.AddTask(ctx, todoist.NewTask{Content: act.Content, DueString: act.Due})
		if err != nil {
			return nil, fmt.Errorf("add task: %w", err)
		}
		text = "Added: " + task.Content
		if act.Due != "" {
			text += " (due " + act.Due + ")"
		}
	case "complete":
		tasks, err := client.GetTasks(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		task := findTask(tasks, act.Content)
		if task == nil {
			text = fmt.Sprintf("I could not find a task matching %q.", act.Content)
			break
		}
		if err := client.CloseTask(ctx, task.ID); err != nil {
			return nil, fmt.Errorf("close task: %w", err)
		}
		text = "Completed: " + task.Content
	default:
		tasks, err := client.GetTasks(ctx, act.Filter)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		meta["tasks_count"] = len(tasks)
		header := "Your tasks"
		if act.Filter != "" {
			header += " (" + act.Filter + ")"
		}
		text = header + ":\n" + todoist.FormatTasks(tasks)
	}

	return &dialog.AgentResult{
		Response:   text,
		AgentType:  a.kind,
		Confidence: 0.9,
		Metadata:   meta,
		TokensUsed: tokens,
	}, nil
}

// action asks the model for the action and falls back to keyword rules.
func (a *Todoist) action(ctx context.Context, message string) (todoAction, int) {
	resp, err := a.generate(ctx, []llm.Message{llm.System(todoActionPrompt), llm.User(message)},
		llm.WithMaxTokens(150), llm.WithTemperature(0))
	if err == nil {
		var act todoAction
		if raw := extractJSON(resp.Content, '{', '}'); raw != "" && json.Unmarshal([]byte(raw), &act) == nil {
			switch act.Action {
			case "list", "add", "complete":
				return act, resp.Usage.TotalTokens
			}
		}
		slog.Debug("unusable todoist action, using keyword rules", "content", resp.Content)
	} else {
		slog.Warn("todoist action generation failed", "error", err)
	}
	return keywordAction(message), 0
}

func keywordAction(message string) todoAction {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "add") || strings.Contains(m, "remind me") || strings.Contains(m, "create"):
		return todoAction{Action: "add", Content: message}
	case strings.Contains(m, "done") || strings.Contains(m, "complete") || strings.Contains(m, "finished"):
		return todoAction{Action: "complete", Content: message}
	case strings.Contains(m, "overdue"):
		return todoAction{Action: "list", Filter: "overdue"}
	case strings.Contains(m, "today"):
		return todoAction{Action: "list", Filter: "today"}
	default:
		return todoAction{Action: "list"}
	}
}

// minTaskMatch is the shortest task content matched inside a request.
const minTaskMatch = 3

// findTask picks the task content refers to: an exact match first, then a
// task containing content, then the longest task named inside content.
// Tasks without content never match.
func findTask(tasks []todoist.Task, content string) *todoist.Task {
	want := strings.ToLower(strings.TrimSpace(content))
	if want == "" {
		return nil
	}

	names := make([]string, len(tasks))
	for i := range tasks {
		names[i] = strings.ToLower(strings.TrimSpace(tasks[i].Content))
	}
	for i, c := range names {
		if c != "" && c == want {
			return &tasks[i]
		}
	}
	for i, c := range names {
		if c != "" && strings.Contains(c, want) {
			return &tasks[i]
		}
	}
	var best *todoist.Task
	bestLen := 0
	for i, c := range names {
		if len([]rune(c)) >= minTaskMatch && len(c) > bestLen && strings.Contains(want, c) {
			best, bestLen = &tasks[i], len(c)
		}
	}
	return best
}
