package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SearchTelemetry records one web search call including its retries.
type SearchTelemetry struct {
	ID            int64     `json:"id"`
	Query         string    `json:"query"`
	Status        string    `json:"status"`
	Provider      string    `json:"provider,omitempty"`
	Tool          string    `json:"tool,omitempty"`
	ResultsCount  int       `json:"results_count"`
	DurationMs    int64     `json:"duration_ms"`
	Attempts      int       `json:"attempts"`
	RetryReasons  string    `json:"retry_reasons,omitempty"`
	ErrorCategory string    `json:"error_category,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Store) SaveSearchTelemetry(t *SearchTelemetry) error {
	res, err := s.db.Exec(`
		INSERT INTO web_search_telemetry
			(query, status, provider, tool, results_count, duration_ms, attempts, retry_reasons, error_category, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Query, t.Status, t.Provider, t.Tool, t.ResultsCount, t.DurationMs,
		t.Attempts, t.RetryReasons, t.ErrorCategory, t.Error)
	if err != nil {
		return fmt.Errorf("save search telemetry: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) ListSearchTelemetry(limit int) ([]SearchTelemetry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, query, status, provider, tool, results_count, duration_ms, attempts,
		       retry_reasons, error_category, error, created_at
		FROM web_search_telemetry
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list search telemetry: %w", err)
	}
	defer rows.Close()

	var out []SearchTelemetry
	for rows.Next() {
		var t SearchTelemetry
		var provider, tool, reasons, category, errMsg sql.NullString
		if err := rows.Scan(&t.ID, &t.Query, &t.Status, &provider, &tool, &t.ResultsCount, &t.DurationMs,
			&t.Attempts, &reasons, &category, &errMsg, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan search telemetry: %w", err)
		}
		t.Provider, t.Tool, t.RetryReasons = provider.String, tool.String, reasons.String
		t.ErrorCategory, t.Error = category.String, errMsg.String
		out = append(out, t)
	}
	return out, rows.Err()
}

type SearchStats struct {
	Total         int     `json:"total"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	AvgAttempts   float64 `json:"avg_attempts"`
}

// GetSearchStats aggregates telemetry recorded since the given time.
func (s *Store) GetSearchStats(since time.Time) (*SearchStats, error) {
	st := &SearchStats{}
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'success' THEN 0 ELSE 1 END), 0),
		       COALESCE(AVG(duration_ms), 0),
		       COALESCE(AVG(attempts), 0)
		FROM web_search_telemetry
		WHERE created_at >= ?`, sqlTime(since)).
		Scan(&st.Total, &st.Succeeded, &st.Failed, &st.AvgDurationMs, &st.AvgAttempts)
	if err != nil {
		return nil, fmt.Errorf("get search stats: %w", err)
	}
	return st, nil
}
