package models

import (
	"encoding/json"
	"fmt"
)

/*
	The event is the single unit of data moving through the relay.
	Once an event has been accepted it is immutable; an "edit" in the
	protocol sense is always a brand new event with a new id.
*/

type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// TagValues returns the value (element 1) of every tag whose name
// (element 0) equals the given name. Tags shorter than two elements
// carry no value and are skipped.
func (e *Event) TagValues(name string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// Attr exposes the event's top-level attributes by their wire name.
// Used by the filter fallback path for field names the matcher does
// not recognize.
func (e *Event) Attr(name string) (any, bool) {
	switch name {
	case "id":
		return e.ID, true
	case "pubkey":
		return e.PubKey, true
	case "kind":
		return e.Kind, true
	case "created_at":
		return e.CreatedAt, true
	case "content":
		return e.Content, true
	case "sig":
		return e.Sig, true
	case "tags":
		return e.Tags, true
	}
	return nil, false
}

// Validate performs the structural checks the relay applies before an
// event is persisted. Signature verification happens upstream and is
// not repeated here.
func (e *Event) Validate() error {
	if len(e.ID) != 64 || !isLowerHex(e.ID) {
		return fmt.Errorf("event id must be 64 lowercase hex characters, got %q", e.ID)
	}
	if len(e.PubKey) != 64 || !isLowerHex(e.PubKey) {
		return fmt.Errorf("event pubkey must be 64 lowercase hex characters, got %q", e.PubKey)
	}
	if e.Kind < 0 {
		return fmt.Errorf("event kind must be non-negative, got %d", e.Kind)
	}
	if e.CreatedAt <= 0 {
		return fmt.Errorf("event created_at must be a positive unix timestamp, got %d", e.CreatedAt)
	}
	for i, tag := range e.Tags {
		if len(tag) == 0 {
			return fmt.Errorf("event tag %d is empty", i)
		}
	}
	return nil
}

// Serialize renders the event in its canonical wire shape.
func (e *Event) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
