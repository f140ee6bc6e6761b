package core

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrDisconnected is returned by a transport asked to emit while it has no live connection.
	ErrDisconnected = errors.New("disconnected")
	// ErrInactiveUser is returned when a command needs an authenticated user and there is none.
	ErrInactiveUser = errors.New("no active user")
	// ErrChatNotLoaded is returned when a message is sent to a chat whose history is not loaded.
	ErrChatNotLoaded = errors.New("chat history not loaded")
	// ErrUnknownChat is returned when a chat is neither joined nor known to the server.
	ErrUnknownChat = errors.New("unknown chat")
)

// ServerError is the error body of a failed HTTP call.
// A zero StatusCode means the request never got a response.
type ServerError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Reason     string `json:"error,omitempty"`
}

func (e *ServerError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// NetworkError builds the ServerError used for client-side or network failures.
func NetworkError(cause error) *ServerError {
	return &ServerError{
		StatusCode: 0,
		Message:    "A client-side or network error occurred.",
		Reason:     cause.Error(),
	}
}

// FetchError is a failed HTTP read or write. It is returned, never panicked,
// and the operation can be retried by the caller.
type FetchError struct {
	Op     string
	ChatID ChatID
	Err    *ServerError
}

func (e *FetchError) Error() string {
	if e.ChatID != "" {
		return fmt.Sprintf("%s(%s): %v", e.Op, e.ChatID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// AuthorizationError ends the session: the credential was rejected.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "unauthorized: " + e.Reason
}

// ValidationError rejects a malformed command before it reaches the network.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether err is an AuthorizationError or wraps a 401 server error.
func IsUnauthorized(err error) bool {
	var authErr *AuthorizationError
	if errors.As(err, &authErr) {
		return true
	}
	var serverErr *ServerError
	return errors.As(err, &serverErr) && serverErr.StatusCode == http.StatusUnauthorized
}

// Validate checks v against its validate tags and converts the first
// failure into a ValidationError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fe.Field(), Reason: fe.Tag(), Err: err}
	}
	return &ValidationError{Field: "input", Reason: err.Error(), Err: err}
}
