package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/nexus-chat/internal/chat"
)

// Envelope wraps every event on the wire.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an event and its payload into a single envelope.
func Encode(event EventType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// MustEncode is Encode for payload types that cannot fail to marshal.
func MustEncode(event EventType, payload any) []byte {
	b, err := Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses one envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: malformed envelope: %v", chat.ErrValidation, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", chat.ErrValidation)
	}
	return env, nil
}

// DecodeFrame splits a websocket frame holding one or more newline-separated
// envelopes.
func DecodeFrame(frame []byte) ([]Envelope, error) {
	var out []Envelope
	for _, part := range bytes.Split(frame, []byte{'\n'}) {
		part = bytes.TrimSpace(part)
		if len(part) == 0 {
			continue
		}
		env, err := Decode(part)
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Bind unmarshals the envelope data into v.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s event has no data", chat.ErrValidation, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", chat.ErrValidation, e.Event, err)
	}
	return nil
}
