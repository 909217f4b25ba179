package proto

import (
	"encoding/json"

	"github.com/strandlabs/strand/relay/models"
)

/*
	Outbound frames come in three canonical shapes:

		["EVENT", subscriptionId, event]
		["EOSE", subscriptionId]
		["OK", eventId, accepted, message]

	Event frames are produced in two steps: the formatter establishes
	the envelope shared by every frame in a batch, and the dispatcher
	attaches the per-frame payload.
*/

// Envelope is the (verb, subscriptionId) pair every event frame in a
// dispatch batch shares.
type Envelope struct {
	Verb           string
	SubscriptionID string
}

func EventEnvelope(subscriptionID string) Envelope {
	return Envelope{Verb: VerbEvent, SubscriptionID: subscriptionID}
}

// WithPayload renders one complete event frame from the envelope.
func (e Envelope) WithPayload(ev *models.Event) ([]byte, error) {
	return json.Marshal([]any{e.Verb, e.SubscriptionID, ev})
}

// EOSEFrame marks the end of stored events for a subscription.
// Frames after it belong to the live stream.
func EOSEFrame(subscriptionID string) ([]byte, error) {
	return json.Marshal([]any{VerbEOSE, subscriptionID})
}

// OKFrame acknowledges acceptance or rejection of a published event.
func OKFrame(eventID string, accepted bool, message string) ([]byte, error) {
	return json.Marshal([]any{VerbOK, eventID, accepted, message})
}

// NoticeFrame carries a human-readable message for protocol errors
// that have no event id to acknowledge against.
func NoticeFrame(message string) ([]byte, error) {
	return json.Marshal([]any{VerbNotice, message})
}
