package dialogue

import (
	"context"
	"errors"

	"issuedesk/internal/tracker"
)

// ErrorKind classifies a failed turn for the caller.
type ErrorKind string

const (
	KindExtraction ErrorKind = "extraction_failure"
	KindValidation ErrorKind = "validation_failure"
	KindNotFound   ErrorKind = "not_found"
	KindPermission ErrorKind = "permission_denied"
	KindTransport  ErrorKind = "transport_failure"
	KindInternal   ErrorKind = "internal"
)

// ErrorInfo is attached to replies that end in a failure or a rejected value.
type ErrorInfo struct {
	Kind   ErrorKind `json:"kind"`
	Field  SlotName  `json:"field,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// KindOf maps a collaborator error onto the taxonomy. Unrecognised errors are
// treated as transport failures.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, tracker.ErrPermission):
		return KindPermission
	case errors.Is(err, tracker.ErrNotFound):
		return KindNotFound
	case errors.Is(err, tracker.ErrValidation):
		return KindValidation
	case errors.Is(err, tracker.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	default:
		return KindTransport
	}
}
