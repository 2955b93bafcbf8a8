package pipeline

import (
	"errors"
	"fmt"
)

// Common errors for the message delivery pipeline.
var (
	// ErrNotFound indicates no message with the given local ID exists.
	ErrNotFound = errors.New("message not found")

	// ErrNotFailed indicates a retry was requested for a message that
	// is not currently failed.
	ErrNotFailed = errors.New("message is not failed")

	// ErrNotDeletable indicates a delete was requested for a message
	// that does not currently allow it.
	ErrNotDeletable = errors.New("message cannot be deleted")

	// ErrClosed indicates the pipeline has been closed.
	ErrClosed = errors.New("pipeline closed")

	// ErrContentEmpty indicates a submission with no payload.
	ErrContentEmpty = errors.New("empty content")

	// ErrContentTooLarge indicates a submission exceeding the size limits.
	ErrContentTooLarge = errors.New("content too large")

	// ErrAckTimeout indicates the acknowledgement wait expired. The
	// message surfaces as failed, like an explicit rejection, but the
	// cause is logged distinctly.
	ErrAckTimeout = errors.New("acknowledgement timed out")
)

// DeliveryError describes an explicit per-message rejection from the
// server. It affects exactly one message and never the rest of the log.
type DeliveryError struct {
	LocalID string
	Reason  string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery rejected for %s: %s", e.LocalID, e.Reason)
}
