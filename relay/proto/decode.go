package proto

import (
	"encoding/json"

	"github.com/strandlabs/strand/relay/filter"
	"github.com/strandlabs/strand/relay/models"
)

const (
	VerbReq    = "REQ"
	VerbClose  = "CLOSE"
	VerbEvent  = "EVENT"
	VerbEOSE   = "EOSE"
	VerbOK     = "OK"
	VerbNotice = "NOTICE"
)

/*
	Inbound frames are JSON arrays whose first element is a verb.
	Decode turns them into a tagged variant exactly once; downstream
	code switches on the variant and never re-inspects raw arrays.
*/

type Message interface {
	message()
}

// ReqMessage registers or replaces a subscription.
type ReqMessage struct {
	SubscriptionID string
	Filters        []filter.Filter

	// DroppedFilters counts filter objects in the frame that failed
	// to decode. A bad filter never aborts its siblings.
	DroppedFilters int
}

// CloseMessage discards a subscription.
type CloseMessage struct {
	SubscriptionID string
}

// EventMessage publishes an event.
type EventMessage struct {
	Event models.Event
}

func (*ReqMessage) message()   {}
func (*CloseMessage) message() {}
func (*EventMessage) message() {}

// Decode parses one inbound frame. Field-level validation of event
// payloads is deferred to models.Event.Validate; Decode only enforces
// frame shape.
func Decode(raw []byte) (Message, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, &ProtocolError{Kind: MalformedRequest, Reason: "frame is not a JSON array"}
	}
	if len(elements) == 0 {
		return nil, &ProtocolError{Kind: MalformedRequest, Reason: "frame is empty"}
	}

	var verb string
	if err := json.Unmarshal(elements[0], &verb); err != nil {
		return nil, &ProtocolError{Kind: MalformedRequest, Reason: "frame verb is not a string"}
	}

	switch verb {
	case VerbReq:
		return decodeReq(elements[1:])
	case VerbClose:
		return decodeClose(elements[1:])
	case VerbEvent:
		return decodeEvent(elements[1:])
	default:
		return nil, &ProtocolError{Kind: UnknownVerb, Reason: verb}
	}
}

func decodeReq(elements []json.RawMessage) (Message, error) {
	if len(elements) < 1 {
		return nil, &ProtocolError{Kind: MalformedRequest, Reason: "REQ requires a subscription id"}
	}
	var subID string
	if err := json.Unmarshal(elements[0], &subID); err != nil || subID == "" {
		return nil, &ProtocolError{Kind: MalformedRequest, Reason: "REQ subscription id must be a non-empty string"}
	}
	if len(elements) < 2 {
		return nil, &ProtocolError{Kind: MalformedRequest, Reason: "REQ requires at least one filter"}
	}

	msg := &ReqMessage{SubscriptionID: subID}
	for _, element := range elements[1:] {
		var f filter.Filter
		if err := json.Unmarshal(element, &f); err != nil {
			msg.DroppedFilters++
			continue
		}
		msg.Filters = append(msg.Filters, f)
	}
	if len(msg.Filters) == 0 {
		return nil, &ProtocolError{Kind: MalformedRequest, Reason: "REQ carried no decodable filters"}
	}
	return msg, nil
}

func decodeClose(elements []json.RawMessage) (Message, error) {
	// Trailing elements are ignored.
	if len(elements) < 1 {
		return nil, &ProtocolError{Kind: MalformedRequest, Reason: "CLOSE requires a subscription id"}
	}
	var subID string
	if err := json.Unmarshal(elements[0], &subID); err != nil || subID == "" {
		return nil, &ProtocolError{Kind: MalformedRequest, Reason: "CLOSE subscription id must be a non-empty string"}
	}
	return &CloseMessage{SubscriptionID: subID}, nil
}

func decodeEvent(elements []json.RawMessage) (Message, error) {
	if len(elements) != 1 {
		return nil, &ProtocolError{Kind: MalformedRequest, Reason: "EVENT requires exactly one payload object"}
	}
	var ev models.Event
	if err := json.Unmarshal(elements[0], &ev); err != nil {
		return nil, &ProtocolError{Kind: MalformedRequest, Reason: "EVENT payload does not match the event shape"}
	}
	return &EventMessage{Event: ev}, nil
}
