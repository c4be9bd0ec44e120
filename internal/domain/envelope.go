// Package domain holds the wire and storage records shared across every
// component: the bus envelope, scene requests/results, scene records, and
// broadcast frames described in spec.md §3.
package domain

import (
	"encoding/json"
	"time"
)

// EnvelopeVersion is the only version this build understands. Any other
// value fails decode (IncompatibleVersion): the NATS client's Request
// returns an errs.InvalidRequest error, and its subscriptions log and drop
// the envelope.
const EnvelopeVersion = 1

// Envelope is the wire format every bus message is wrapped in:
//
//	{ "v": 1, "type": <subject>, "id": <uuid>, "ts": <ms>, "body": {...} }
type Envelope struct {
	V       int               `json:"v"`
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	TS      int64             `json:"ts"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body"`
}

// NewEnvelope wraps body (marshaled to JSON) in an Envelope for subject,
// stamped with id and the current time.
func NewEnvelope(subject, id string, now time.Time, body any) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		V:    EnvelopeVersion,
		Type: subject,
		ID:   id,
		TS:   now.UnixMilli(),
		Body: raw,
	}, nil
}
