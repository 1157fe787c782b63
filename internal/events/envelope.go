// Package events defines the wire envelope shared by every service on the bus
// and the data each service publishes inside it.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every envelope this module creates.
const SchemaVersion = "1.0"

// ErrMalformed marks a message that can never be processed: bad JSON, missing
// envelope fields or a payload missing required data. Such messages are
// dead-lettered without retry.
var ErrMalformed = errors.New("malformed event")

// derivedNamespace seeds name-based ids for follow-up events.
var derivedNamespace = uuid.MustParse("6f1c9a52-8a57-4bde-9a0e-3c1f8a2d7e41")

// Metadata links an event to its saga instance and its cause.
type Metadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
	UserID        string `json:"userId,omitempty"`
}

// Envelope is the canonical message body. Values are passed by copy and never
// modified after New or Derive returns.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
	Metadata  *Metadata       `json:"metadata,omitempty"`
}

// Payload is implemented by every typed event body.
type Payload interface {
	Validate() error
}

// New creates an envelope with a fresh random event id.
func New(eventType, source string, data any, meta Metadata) (Envelope, error) {
	return build(uuid.NewString(), eventType, source, data, meta)
}

// Derive creates a follow-up event caused by cause. The event id is derived
// from the cause id, the event type and key, so re-running a handler for the
// same delivery emits the same id and downstream dedup drops the repeat.
func Derive(cause Envelope, eventType, source, key string, data any) (Envelope, error) {
	name := cause.EventID + "|" + eventType + "|" + key
	id := uuid.NewSHA1(derivedNamespace, []byte(name)).String()

	meta := Metadata{CausationID: cause.EventID}
	if cause.Metadata != nil {
		meta.CorrelationID = cause.Metadata.CorrelationID
		meta.UserID = cause.Metadata.UserID
	}
	return build(id, eventType, source, data, meta)
}

func build(id, eventType, source string, data any, meta Metadata) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s data: %w", eventType, err)
	}

	env := Envelope{
		EventID:   id,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Version:   SchemaVersion,
		Source:    source,
		Data:      raw,
	}
	if meta != (Metadata{}) {
		m := meta
		env.Metadata = &m
	}
	return env, nil
}

// Decode parses a message body and checks the envelope fields every consumer
// relies on.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case env.EventID == "":
		return Envelope{}, fmt.Errorf("%w: missing eventId", ErrMalformed)
	case env.EventType == "":
		return Envelope{}, fmt.Errorf("%w: missing eventType", ErrMalformed)
	case env.Source == "":
		return Envelope{}, fmt.Errorf("%w: missing source", ErrMalformed)
	case len(env.Data) == 0 || string(env.Data) == "null":
		return Envelope{}, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	return env, nil
}

// Encode returns the JSON wire form.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeData unmarshals the payload into p and validates it. Unknown fields are
// ignored; missing required fields yield ErrMalformed.
func (e Envelope) DecodeData(p Payload) error {
	if err := json.Unmarshal(e.Data, p); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, e.EventType, err)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, e.EventType, err)
	}
	return nil
}

// CorrelationID returns the saga instance id, or "" when absent.
func (e Envelope) CorrelationID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata.CorrelationID
}
