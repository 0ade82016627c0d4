package schedule

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var ref = time.Date(2026, 5, 4, 8, 30, 0, 0, time.Local)

func TestParseCron(t *testing.T) {
	s, err := Parse(`{"kind":"cron","cron_expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindCron {
		t.Errorf("expected kind 'cron', got '%s'", s.Kind)
	}
	if s.CronExpr != "0 9 * * *" {
		t.Errorf("expected cron expr '0 9 * * *', got '%s'", s.CronExpr)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, raw := range []string{
		`invalid json`,
		`{"kind":"unknown"}`,
		`{"kind":"cron","cron_expr":"bad"}`,
		`{"kind":"interval","interval_ms":1000}`,
		`{"kind":"once"}`,
	} {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("Parse(%s): expected ErrInvalidSchedule, got %v", raw, err)
		}
	}
}

func TestNextCron(t *testing.T) {
	s := &Schedule{Kind: KindCron, CronExpr: "0 9 * * *"}
	next := s.Next(ref)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	want := time.Date(2026, 5, 4, 9, 0, 0, 0, time.Local)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextInterval(t *testing.T) {
	s := &Schedule{Kind: KindInterval, IntervalMs: 60000}
	next := s.Next(ref)
	if next == nil || !next.Equal(ref.Add(time.Minute)) {
		t.Errorf("expected next run 60s after ref, got %v", next)
	}
}

func TestNextOnce(t *testing.T) {
	future := &Schedule{Kind: KindOnce, AtMs: ref.Add(time.Hour).UnixMilli()}
	if next := future.Next(ref); next == nil {
		t.Fatal("expected next run time, got nil")
	}

	// Past time should return nil
	past := &Schedule{Kind: KindOnce, AtMs: ref.Add(-time.Hour).UnixMilli()}
	if next := past.Next(ref); next != nil {
		t.Error("expected nil for past once schedule")
	}
}

func TestNextRunInvalid(t *testing.T) {
	if next := NextRun(`invalid json`, ref); next != nil {
		t.Error("expected nil for invalid schedule")
	}
	if next := NextRun(`{"kind":"interval","interval_ms":300000}`, ref); next == nil {
		t.Error("expected next run for valid interval")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want Schedule
	}{
		{"0 9 * * *", Schedule{Kind: KindCron, CronExpr: "0 9 * * *"}},
		{"  */5 * * * *  ", Schedule{Kind: KindCron, CronExpr: "*/5 * * * *"}},
		{"@daily", Schedule{Kind: KindCron, CronExpr: "@daily"}},
		{"every 30m", Schedule{Kind: KindInterval, IntervalMs: 1800000}},
		{"Every 2h", Schedule{Kind: KindInterval, IntervalMs: 7200000}},
		{"in 90m", Schedule{Kind: KindOnce, AtMs: ref.Add(90 * time.Minute).UnixMilli()}},
		{"at 2026-06-01T10:00:00Z", Schedule{Kind: KindOnce, AtMs: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC).UnixMilli()}},
		{`{"kind":"interval","interval_ms":300000}`, Schedule{Kind: KindInterval, IntervalMs: 300000}},
	}
	for _, tt := range tests {
		result, err := Normalize(tt.in, ref)
		if err != nil {
			t.Errorf("Normalize(%q): unexpected error: %v", tt.in, err)
			continue
		}
		s, err := Parse(result)
		if err != nil {
			t.Errorf("Normalize(%q): result not valid: %v", tt.in, err)
			continue
		}
		if *s != tt.want {
			t.Errorf("Normalize(%q) = %+v, want %+v", tt.in, *s, tt.want)
		}
	}
}

func TestNormalizeInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"not a cron",
		"every 10s",
		"every soon",
		"in -5m",
		"at tomorrow",
		`{"kind":"cron","cron_expr":"bad"}`,
		`{"kind":"bogus"}`,
	} {
		if _, err := Normalize(in, ref); err == nil {
			t.Errorf("Normalize(%q): expected error", in)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"kind":"cron","cron_expr":"0 9 * * *"}`, "Cron: 0 9 * * *"},
		{`{"kind":"interval","interval_ms":3600000}`, "Every hour"},
		{`{"kind":"interval","interval_ms":10800000}`, "Every 3 hours"},
		{`{"kind":"interval","interval_ms":60000}`, "Every minute"},
		{`{"kind":"interval","interval_ms":900000}`, "Every 15 minutes"},
		{`{"kind":"interval","interval_ms":90000}`, "Every 1m30s"},
		{fmt.Sprintf(`{"kind":"once","at_ms":%d}`, ref.UnixMilli()), "Once at May 4 08:30"},
		{`garbage`, "garbage"},
	}
	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
