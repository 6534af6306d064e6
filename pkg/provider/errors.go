package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies provider failures for retry and reporting decisions.
type ErrorType int8

const (
	// ErrorTypeAuth marks authentication/session failures (401/403, expired
	// session token).
	ErrorTypeAuth ErrorType = iota
	// ErrorTypeNetwork marks transient transport failures (5xx, EOF,
	// connection reset, timeout).
	ErrorTypeNetwork
	// ErrorTypeRateLimit marks 429/quota failures.
	ErrorTypeRateLimit
	// ErrorTypeContextMissing marks continuation state the backend no longer
	// recognizes (expired cursor, deleted conversation).
	ErrorTypeContextMissing
	// ErrorTypeBadPrompt marks malformed or rejected requests.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default for unclassified failures.
	ErrorTypeUnknown
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeContextMissing:
		return "context_missing"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure. Always captured into the
// ProviderResponse rather than propagated as a pipeline error.
type Error struct {
	Cause      error
	Message    string
	Type       ErrorType
	StatusCode int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(typ ErrorType, message string) *Error {
	return &Error{Type: typ, Message: message}
}

// Classify maps an SDK error to a structured provider error using status
// codes when present and message patterns otherwise.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if pe := (*Error)(nil); errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Type: ErrorTypeNetwork, Cause: err, Message: "request timeout"}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Type: ErrorTypeNetwork, Cause: err, Message: "request canceled"}
	}

	errStr := err.Error()
	switch code := extractStatusCode(errStr); code {
	case 401, 403:
		return &Error{Type: ErrorTypeAuth, StatusCode: code, Cause: err, Message: "authentication failed"}
	case 404, 410:
		return &Error{Type: ErrorTypeContextMissing, StatusCode: code, Cause: err, Message: "continuation context not found"}
	case 429:
		return &Error{Type: ErrorTypeRateLimit, StatusCode: code, Cause: err, Message: "rate limit exceeded"}
	case 400:
		return &Error{Type: ErrorTypeBadPrompt, StatusCode: code, Cause: err, Message: "bad request"}
	case 500, 502, 503, 504:
		return &Error{Type: ErrorTypeNetwork, StatusCode: code, Cause: err, Message: "server error"}
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "eof"),
		strings.Contains(lower, "reset"):
		return &Error{Type: ErrorTypeNetwork, Cause: err, Message: "network error"}
	case strings.Contains(lower, "rate"), strings.Contains(lower, "quota"):
		return &Error{Type: ErrorTypeRateLimit, Cause: err, Message: "rate limiting detected"}
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "auth"):
		return &Error{Type: ErrorTypeAuth, Cause: err, Message: "authentication error"}
	}
	return &Error{Type: ErrorTypeUnknown, Cause: err, Message: "unclassified error"}
}

// extractStatusCode pulls an HTTP status code out of an SDK error string.
func extractStatusCode(errStr string) int {
	lower := strings.ToLower(errStr)
	for _, pattern := range []string{"status code: ", "status: ", "http "} {
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		rest := lower[idx+len(pattern):]
		for _, code := range []int{400, 401, 403, 404, 410, 429, 500, 502, 503, 504} {
			if strings.HasPrefix(rest, fmt.Sprintf("%d", code)) {
				return code
			}
		}
	}
	return 0
}
