package protocol

import (
	"fmt"
	"time"
)

// ErrorKind categorizes upstream provider failures.
type ErrorKind string

const (
	ErrAuth          ErrorKind = "auth"
	ErrRateLimit     ErrorKind = "rate-limit"
	ErrContentFilter ErrorKind = "content-filter"
	ErrBadRequest    ErrorKind = "bad-request"
	ErrUnavailable   ErrorKind = "provider-unavailable"
	ErrUnknown       ErrorKind = "unknown"
)

// ProviderError wraps an upstream LLM API failure. The provider message is
// preserved verbatim inside a generic envelope.
type ProviderError struct {
	Kind       ErrorKind     `json:"kind"`
	Status     int           `json:"status,omitempty"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider error (%s, HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
}

// ClassifyStatus maps an HTTP status code to an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrAuth
	case status == 429:
		return ErrRateLimit
	case status >= 400 && status < 500:
		return ErrBadRequest
	case status >= 500:
		return ErrUnavailable
	default:
		return ErrUnknown
	}
}
