package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrDaemonNotRunning is returned when the daemon is not running
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied is returned when the user does not have permission to perform the requested action
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when 404 is returned from the daemon
	ErrNotFound = errors.New("404 not found")
)

// StatusError is a non-2xx response from the daemon.
type StatusError struct {
	Code int
	// Body is the raw response body.
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("got %d: %s", e.Code, e.Message())
}

// Message returns the error text sent by the daemon, which is a JSON
// string for most endpoints.
func (e *StatusError) Message() string {
	var msg string
	if err := json.Unmarshal([]byte(e.Body), &msg); err == nil {
		return msg
	}
	return e.Body
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}
