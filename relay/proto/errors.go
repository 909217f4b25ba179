package proto

import (
	"errors"
	"fmt"
)

type ProtocolErrorKind int

const (
	// UnknownVerb means the first frame element is not a verb this
	// relay speaks.
	UnknownVerb ProtocolErrorKind = iota

	// MalformedRequest means the verb was recognized but the frame
	// does not satisfy the verb's shape contract.
	MalformedRequest
)

// ProtocolError is returned for inbound frames that cannot be decoded.
// The connection stays open; the client receives a NOTICE.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Reason string
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case UnknownVerb:
		return fmt.Sprintf("unknown verb: %s", e.Reason)
	default:
		return fmt.Sprintf("malformed request: %s", e.Reason)
	}
}

func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
