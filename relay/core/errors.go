package core

import (
	"errors"
	"fmt"
)

// SendError is returned by the per-connection send primitive when a
// frame cannot be queued. It is logged once at the dispatcher boundary
// and never propagated past it; delivery for the affected frame
// degrades to at-most-once with no retry.
type SendError struct {
	ConnID string
	Reason string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %s", e.ConnID, e.Reason)
}

func IsSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se)
}
