package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the unit of communication on the channel socket.
// Wire format: {"topic": string, "event": string, "payload": object, "ref": string}
// Ref is a pointer so that an absent ref (a server push) stays distinct from
// an explicit empty string.
type Envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref,omitempty"`
}

// HasRef reports whether the envelope carries a correlation ref.
func (e *Envelope) HasRef() bool { return e.Ref != nil }

// DecodeError wraps a JSON parse failure for an inbound message. Decode
// failures are dropped with a warning by the dispatcher, never fatal.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decoding envelope: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Encode marshals an envelope to its wire form.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire message into an envelope. A message that is not valid
// JSON (or not an object) yields a *DecodeError.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &env, nil
}

// NewRequest builds a request envelope with the given correlation ref.
// The payload is marshalled immediately so send failures surface before
// anything hits the wire.
func NewRequest(topic, event string, payload any, ref string) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return &Envelope{Topic: topic, Event: event, Payload: raw, Ref: &ref}, nil
}
