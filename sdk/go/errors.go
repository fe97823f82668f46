package ttmsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds reported by the server envelope.
const (
	KindPermissionDenied  = "permission_denied"
	KindInvalidTransition = "invalid_transition"
	KindNotFound          = "not_found"
	KindValidation        = "validation_error"
	KindUnauthorized      = "unauthorized"
	KindInternal          = "internal"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation error")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInternal          = errors.New("internal server error")
)

var kindErrors = map[string]error{
	KindPermissionDenied:  ErrPermissionDenied,
	KindInvalidTransition: ErrInvalidTransition,
	KindNotFound:          ErrNotFound,
	KindValidation:        ErrValidation,
	KindUnauthorized:      ErrUnauthorized,
	KindInternal:          ErrInternal,
}

// APIError wraps non-2xx responses. errors.Is matches it against the
// sentinel for its kind.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("api error: status=%d kind=%s: %s", e.StatusCode, e.Kind, e.Message)
}

func (e *APIError) Is(target error) bool {
	sentinel, ok := kindErrors[e.Kind]
	return ok && sentinel == target
}

// Permission is the missing permission of a permission_denied error.
func (e *APIError) Permission() string {
	p, _ := e.Details["permission"].(string)
	return p
}

// NetworkError is a transport failure or timeout; the request may or may not
// have reached the server.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the client gave up waiting.
func (e *NetworkError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

func decodeAPIError(status int, body []byte) *APIError {
	out := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error   string         `json:"error"`
		Kind    string         `json:"kind"`
		Details map[string]any `json:"details"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		out.Message = envelope.Error
		out.Kind = envelope.Kind
		out.Details = envelope.Details
	}
	if out.Kind == "" {
		out.Kind = kindForStatus(status)
	}
	return out
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindPermissionDenied
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindInvalidTransition
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindValidation
	}
	return KindInternal
}
