package outbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the payload layout written by Emit.
const EnvelopeVersion = 1

var ErrEmptyEnvelopeData = errors.New("envelope data missing")

// ActorRef is the user whose action produced the event.
type ActorRef struct {
	UserID uuid.UUID `json:"userId"`
	Role   string    `json:"role,omitempty"`
}

// PayloadEnvelope wraps every outbox_events.payload. Data holds the typed
// event body and is decoded by the registry.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

func newEnvelope(version int, occurredAt time.Time, actor *ActorRef, data any) (PayloadEnvelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return PayloadEnvelope{}, fmt.Errorf("encode event data: %w", err)
	}
	if version == 0 {
		version = EnvelopeVersion
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return PayloadEnvelope{
		Version:    version,
		EventID:    uuid.NewString(),
		OccurredAt: occurredAt,
		Actor:      actor,
		Data:       raw,
	}, nil
}

// DecodeEnvelope parses a stored payload and rejects versions this build cannot read.
func DecodeEnvelope(raw []byte) (PayloadEnvelope, error) {
	var env PayloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version < 1 || env.Version > EnvelopeVersion {
		return env, fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return env, ErrEmptyEnvelopeData
	}
	return env, nil
}

// ID returns the parsed event id, or uuid.Nil when it is absent or malformed.
func (e PayloadEnvelope) ID() uuid.UUID {
	id, err := uuid.Parse(e.EventID)
	if err != nil {
		return uuid.Nil
	}
	return id
}
