// Package todoist is a small client for the Todoist REST API.
package todoist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.todoist.com/rest/v2"

// APIError is a non-2xx answer from Todoist.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("todoist: status %d: %s", e.Status, e.Message)
}

// StatusCode lets the reliability classifier see the HTTP status.
func (e *APIError) StatusCode() int { return e.Status }

type Due struct {
	Date     string `json:"date"`
	String   string `json:"string"`
	Datetime string `json:"datetime,omitempty"`
}

type Task struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Content     string `json:"content"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Due         *Due   `json:"due"`
	URL         string `json:"url"`
}

type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewTask is the payload of AddTask.
type NewTask struct {
	Content   string `json:"content"`
	DueString string `json:"due_string,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetTasks returns active tasks, optionally narrowed by a Todoist filter
// such as "today" or "overdue".
func (c *Client) GetTasks(ctx context.Context, filter string) ([]Task, error) {
	path := "/tasks"
	if filter != "" {
		path += "?filter=" + url.QueryEscape(filter)
	}
	var tasks []Task
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) AddTask(ctx context.Context, t NewTask) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodPost, "/tasks", t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CloseTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/close", nil, nil)
}

func (c *Client) GetProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("todoist %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode todoist response: %w", err)
	}
	return nil
}

// FormatTasks renders tasks as a bullet list with due dates.
func FormatTasks(tasks []Task) string {
	if len(tasks) == 0 {
		return "No tasks."
	}
	var b strings.Builder
	for _, t := range tasks {
		b.WriteString("- ")
		b.WriteString(t.Content)
		if t.Due != nil && t.Due.String != "" {
			fmt.Fprintf(&b, " (due %s)", t.Due.String)
		}
		if t.Priority > 1 {
			fmt.Fprintf(&b, " [p%d]", 5-t.Priority)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
