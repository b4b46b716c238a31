package engine

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors forming the engine's caller-visible taxonomy. The HTTP
// layer maps them to response codes via HTTPStatus; everything else is
// treated as an internal fault.
var (
	// ErrNotFound means the requested generation does not exist for the uid.
	ErrNotFound = errors.New("generation not found")

	// ErrInvalidStateTransition means a lifecycle transition was requested
	// from a state that does not allow it (failing a non-generating item).
	ErrInvalidStateTransition = errors.New("invalid status transition")

	// ErrStorageFault means the durable record store misbehaved on the
	// primary write path (e.g. a create's read-back returned nothing).
	ErrStorageFault = errors.New("history store fault")
)

func notFound(uid, historyID string) error {
	return fmt.Errorf("%w: uid=%s historyId=%s", ErrNotFound, uid, historyID)
}

// HTTPStatus maps an engine error to an HTTP response code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidStateTransition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
