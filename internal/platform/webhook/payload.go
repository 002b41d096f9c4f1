package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload is the body sent to subscribers. It is serialized once at
// construction so every subscription in a fan-out receives, and signs,
// the same bytes.
type Payload struct {
	id        uuid.UUID
	event     Event
	timestamp time.Time
	body      []byte
}

type wirePayload struct {
	ID        uuid.UUID       `json:"id"`
	Event     Event           `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewPayload builds a payload for event. data must encode to a JSON object;
// nil becomes {}.
func NewPayload(event Event, data any, now time.Time) (*Payload, error) {
	if !event.Valid() {
		return nil, fmt.Errorf("unknown webhook event %q", event)
	}

	raw := json.RawMessage("{}")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", event, err)
		}
		if t := bytes.TrimSpace(b); len(t) == 0 || t[0] != '{' {
			return nil, fmt.Errorf("%s data must be a JSON object", event)
		}
		raw = b
	}

	p := &Payload{id: uuid.New(), event: event, timestamp: now.UTC()}
	body, err := json.Marshal(wirePayload{
		ID:        p.id,
		Event:     event,
		Timestamp: p.timestamp.Format(time.RFC3339Nano),
		Data:      raw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	p.body = body
	return p, nil
}

func (p *Payload) ID() uuid.UUID        { return p.id }
func (p *Payload) Event() Event         { return p.event }
func (p *Payload) Timestamp() time.Time { return p.timestamp }

// Body returns a copy of the serialized payload.
func (p *Payload) Body() []byte {
	return append([]byte(nil), p.body...)
}

func (p *Payload) MarshalJSON() ([]byte, error) {
	return p.Body(), nil
}
