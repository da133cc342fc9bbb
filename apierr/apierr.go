package apierr

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind categorizes a failed API call for consistent retry and propagation decisions.
type Kind string

const (
	Configuration Kind = "configuration"
	Unauthorized  Kind = "unauthorized"
	NotFound      Kind = "not_found"
	Validation    Kind = "validation"
	RateLimited   Kind = "rate_limited"
	ServerError   Kind = "server_error"
	Transport     Kind = "transport"
)

// Retryable reports whether a call that failed with this kind may be retried.
// Only rate-limit responses, server errors, and transport failures qualify.
func (k Kind) Retryable() bool {
	switch k {
	case RateLimited, ServerError, Transport:
		return true
	default:
		return false
	}
}

// Error is a structured, typed error for a failed API call.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int           // zero when no HTTP response was received
	RetryAfter time.Duration // only set for RateLimited, from the Retry-After header
	Err        error         // optional underlying error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error's kind allows a retry.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// New constructs a new Error.
func New(k Kind, msg string, err error) *Error { return &Error{Kind: k, Message: msg, Err: err} }

// Classify maps a non-2xx HTTP response to exactly one Error.
func Classify(status int, body []byte, header http.Header) *Error {
	msg := ParseMessage(body)
	switch {
	case status == http.StatusUnauthorized:
		return &Error{Kind: Unauthorized, Message: msg, StatusCode: status}
	case status == http.StatusNotFound:
		return &Error{Kind: NotFound, Message: msg, StatusCode: status}
	case status == http.StatusTooManyRequests:
		var ra time.Duration
		if header != nil {
			ra = ParseRetryAfter(header.Get("Retry-After"))
		}
		return &Error{Kind: RateLimited, Message: msg, StatusCode: status, RetryAfter: ra}
	case status >= 500:
		return &Error{Kind: ServerError, Message: msg, StatusCode: status}
	default:
		return &Error{Kind: Validation, Message: msg, StatusCode: status}
	}
}

// FromTransport wraps a network or timeout failure that produced no HTTP response.
func FromTransport(err error) *Error {
	return &Error{Kind: Transport, Message: err.Error(), Err: err}
}

// errorEnvelope covers the error body shapes the API is known to return.
type errorEnvelope struct {
	Errors []struct {
		Title string `json:"title"`
	} `json:"errors"`
	ErrorCode string `json:"error"`
	ErrorDesc string `json:"error_description"`
	Message   string `json:"message"`
}

// ParseMessage extracts a primary human-readable message from an error body.
// It tries the known envelope shapes in order and falls back to "Unknown error".
func ParseMessage(body []byte) string {
	if len(body) == 0 {
		return "Unknown error"
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		if len(env.Errors) > 0 && env.Errors[0].Title != "" {
			return env.Errors[0].Title
		}
		if env.ErrorDesc != "" {
			return env.ErrorDesc
		}
		if env.ErrorCode != "" {
			return env.ErrorCode
		}
		if env.Message != "" {
			return env.Message
		}
	}
	return "Unknown error"
}

// ParseRetryAfter parses a Retry-After header value. Both the seconds form and
// the HTTP-date forms are supported. Returns 0 if the value is unusable.
func ParseRetryAfter(val string) time.Duration {
	if val == "" {
		return 0
	}
	val = strings.TrimSpace(val)

	if secs, err := strconv.ParseFloat(val, 64); err == nil && secs >= 0 {
		return time.Duration(math.Ceil(secs)) * time.Second
	}

	for _, layout := range []string{time.RFC1123, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, val); err == nil {
			d := time.Until(t)
			if d < 0 {
				return 0
			}
			return d
		}
	}
	return 0
}
