// Package bridgeerr defines the error taxonomy shared by the HA client,
// entity mapper, and Core server so that a single switch at the Core
// Server's response layer can derive an HTTP-style status code from any
// error returned by the layers underneath it.
package bridgeerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra payload. Wrap with
// fmt.Errorf("...: %w", ErrX) to preserve errors.Is matching while adding
// context.
var (
	// ErrBadRequest: malformed Core frame, unknown msg, invalid params.
	ErrBadRequest = errors.New("bad request")
	// ErrNotFound: entity_id unknown to the Entity Store.
	ErrNotFound = errors.New("entity not found")
	// ErrUnsupportedCommand: mapper has no encode rule for the command.
	ErrUnsupportedCommand = errors.New("unsupported command")
	// ErrInvalidParams: cmd_id is recognized but required params are
	// missing or malformed, distinct from a structurally bad request.
	ErrInvalidParams = errors.New("invalid command params")
	// ErrAuthFailed: HA rejected the configured token.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrTimeout: a pending HA request exceeded its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrProtocolError: HA sent a structurally invalid or unexpected frame.
	ErrProtocolError = errors.New("protocol error")
	// ErrUnavailable: no active HA connection to service the request.
	ErrUnavailable = errors.New("ha client unavailable")
	// ErrCancelled: request dropped due to reconfiguration or shutdown.
	ErrCancelled = errors.New("request cancelled")
)

// ServiceCallFailed wraps the message HA returned alongside success:false
// for a call_service request.
type ServiceCallFailed struct {
	Message string
}

func (e *ServiceCallFailed) Error() string {
	return fmt.Sprintf("service call failed: %s", e.Message)
}

// NewServiceCallFailed builds a ServiceCallFailed error from the message
// HA returned in its error payload.
func NewServiceCallFailed(message string) error {
	return &ServiceCallFailed{Message: message}
}

// StatusCode derives the Core Server response code for err per spec.md §7.
// Unrecognized errors map to 500.
func StatusCode(err error) int {
	if err == nil {
		return 200
	}
	var svcErr *ServiceCallFailed
	switch {
	case errors.As(err, &svcErr):
		return 500
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrUnsupportedCommand):
		return 400
	case errors.Is(err, ErrAuthFailed):
		return 401
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrInvalidParams):
		return 422
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable), errors.Is(err, ErrCancelled):
		return 503
	default:
		return 500
	}
}
