package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected rejects a command issued while the session is not Active.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrEmptyMessage rejects blank message text before any network call.
	ErrEmptyMessage = errors.New("chatsync: message is empty")
	// ErrLoadInProgress is returned by the loader while another fetch is outstanding.
	ErrLoadInProgress = errors.New("chatsync: history load already in progress")
	// ErrClosed is returned to callers once the session has been stopped.
	ErrClosed = errors.New("chatsync: session closed")
	// ErrUnknownMessage rejects edits of entries the server has not confirmed.
	ErrUnknownMessage = errors.New("chatsync: message has no server id")

	ErrMessageNotFound = errors.New("chatsync: message not found")
	ErrForbidden       = errors.New("chatsync: forbidden")
)

// TransportError reports a failure to connect to, or write on, the push channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chatsync: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HistoryUnavailableError reports a failed history fetch. The conversation
// stays usable with whatever is already loaded.
type HistoryUnavailableError struct {
	Err error
}

func (e *HistoryUnavailableError) Error() string {
	return fmt.Sprintf("chatsync: history unavailable: %v", e.Err)
}

func (e *HistoryUnavailableError) Unwrap() error { return e.Err }

// ServerRejectedError carries an error event sent by the push server.
type ServerRejectedError struct {
	Code    string
	Message string
}

func (e *ServerRejectedError) Error() string {
	if e.Code == "" {
		return "chatsync: server rejected: " + e.Message
	}
	return fmt.Sprintf("chatsync: server rejected (%s): %s", e.Code, e.Message)
}

// ConfigurationError is fatal to session start.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return "chatsync: missing configuration: " + e.Field
}

// RequestError is a non-success status from the request/response API.
type RequestError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("chatsync: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}
