package hub

import (
	"errors"
	"fmt"
)

// Predefined error values
var (
	ErrNotConnected   = errors.New("hub connection not established")
	ErrAuthInvalid    = errors.New("hub rejected access token")
	ErrConnectTimeout = errors.New("hub handshake timed out")
	ErrInvalidURL     = errors.New("invalid hub URL")
	ErrMissingToken   = errors.New("hub access token not configured")
	ErrRequestTimeout = errors.New("request timed out")
	ErrDisconnected   = errors.New("connection closed before response arrived")
)

// CommandError carries the error object the hub returned for a rejected
// command, verbatim. Callers decide domain-specific recovery; the client
// never retries on their behalf.
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *CommandError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("hub command failed (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("hub command failed: %s", e.Message)
}

// IsAuthError checks if the error is an authentication error
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthInvalid) || errors.Is(err, ErrMissingToken)
}

// IsConnectionError checks if the error is a connection-related error
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrDisconnected)
}
