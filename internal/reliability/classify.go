// Package reliability protects calls to external dependencies with error
// classification, bounded retries and per-dependency circuit breakers.
package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorCategory groups failures by how a caller should react to them.
type ErrorCategory int8

const (
	CategoryUnknown ErrorCategory = iota
	CategoryAuthentication
	CategoryQuota
	CategoryService
	CategoryTransient
	CategoryInvalidResponse
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryAuthentication:
		return "AUTHENTICATION"
	case CategoryQuota:
		return "QUOTA"
	case CategoryService:
		return "SERVICE"
	case CategoryTransient:
		return "TRANSIENT"
	case CategoryInvalidResponse:
		return "INVALID_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Severity is used for log levels and alerting.
type Severity int8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityCritical:
		return "critical"
	default:
		return "warning"
	}
}

// ErrInvalidResponse marks a reply whose shape could not be understood.
var ErrInvalidResponse = errors.New("invalid response")

// StatusError carries the HTTP status code of a failed upstream call.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error   { return e.Err }
func (e *StatusError) StatusCode() int { return e.Code }

type statusCoder interface {
	StatusCode() int
}

// ClassifiedError is a failure annotated with its retry decision.
type ClassifiedError struct {
	Category    ErrorCategory
	ShouldRetry bool
	Severity    Severity
	Err         error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify maps err to a category. The first matching rule wins:
// authentication, quota, service, transient, invalid response, unknown.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	status := 0
	var sc statusCoder
	if errors.As(err, &sc) {
		status = sc.StatusCode()
	}
	msg := strings.ToLower(err.Error())

	switch {
	case status == 401 || status == 403 ||
		containsAny(msg, "unauthorized", "forbidden", "invalid api key", "authentication"):
		return &ClassifiedError{Category: CategoryAuthentication, Severity: SeverityCritical, Err: err}
	case status == 429 ||
		containsAny(msg, "rate limit", "too many requests", "quota"):
		return &ClassifiedError{Category: CategoryQuota, ShouldRetry: true, Severity: SeverityWarning, Err: err}
	case status == 500 || status == 502 || status == 503 || status == 504 ||
		containsAny(msg, "unavailable", "bad gateway", "internal server error"):
		return &ClassifiedError{Category: CategoryService, ShouldRetry: true, Severity: SeverityWarning, Err: err}
	case isTransient(err) ||
		containsAny(msg, "timeout", "timed out", "connection reset", "connection refused", "broken pipe", "eof"):
		return &ClassifiedError{Category: CategoryTransient, ShouldRetry: true, Severity: SeverityInfo, Err: err}
	case isInvalidResponse(err) ||
		containsAny(msg, "unexpected response", "malformed", "invalid json", "decode"):
		return &ClassifiedError{Category: CategoryInvalidResponse, Severity: SeverityWarning, Err: err}
	default:
		return &ClassifiedError{Category: CategoryUnknown, Severity: SeverityWarning, Err: err}
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isInvalidResponse(err error) bool {
	if errors.Is(err, ErrInvalidResponse) {
		return true
	}
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.As(err, &syn) || errors.As(err, &typ)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
