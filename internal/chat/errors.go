package chat

import (
	"errors"
)

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w", err) and test
// with errors.Is.
var (
	ErrAuth        = errors.New("authentication failed")
	ErrForbidden   = errors.New("forbidden")
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrTransport   = errors.New("transport error")
	ErrPersistence = errors.New("persistence failed")
)

// Wire reasons carried by sendError and error events.
const (
	ReasonAuth        = "unauthorized"
	ReasonForbidden   = "forbidden"
	ReasonValidation  = "validation"
	ReasonPersistence = "persistence"
	ReasonInternal    = "internal"
)

// Reason maps an error onto the reason string sent to clients. NotFound is
// reported as forbidden so a client cannot probe which conversations exist.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return ReasonAuth
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotFound):
		return ReasonForbidden
	case errors.Is(err, ErrValidation):
		return ReasonValidation
	case errors.Is(err, ErrPersistence):
		return ReasonPersistence
	default:
		return ReasonInternal
	}
}
