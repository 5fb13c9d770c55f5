package realtime

import (
	"encoding/json"
	"time"
)

// Envelope is the outbound wire frame. Payload is marshalled in place.
type Envelope struct {
	Type           string         `json:"type"`
	Payload        any            `json:"payload"`
	Timestamp      time.Time      `json:"timestamp"`
	UserID         UserID         `json:"userId,omitempty"`
	ConversationID ConversationID `json:"conversationId,omitempty"`
}

// RawEnvelope is the inbound wire frame. Payload stays raw until the matched
// handler decodes it into its typed form.
type RawEnvelope struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
	UserID         UserID          `json:"userId,omitempty"`
	ConversationID ConversationID  `json:"conversationId,omitempty"`
}

func decodeEnvelope(raw []byte) (RawEnvelope, error) {
	var env RawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return RawEnvelope{}, err
	}
	if env.Type == "" {
		return RawEnvelope{}, ErrInvalidPayload
	}
	return env, nil
}

func newEnvelope(eventType string, payload any) Envelope {
	return Envelope{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
