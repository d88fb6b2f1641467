package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// New builds an envelope stamped with the current time.
func New(msgType MessageType, sender Sender, sessionID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
	}
	if payload != nil {
		b, err := sonic.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("protocol: marshal payload for %q: %w", msgType, err)
		}
		env.Payload = b
	}
	return env, nil
}

// NewEvent builds a MsgEvent envelope from the system sender.
func NewEvent(sessionID, eventType string, data any) (Envelope, error) {
	p := EventPayload{EventType: eventType}
	if data != nil {
		b, err := sonic.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("protocol: marshal event %q: %w", eventType, err)
		}
		p.EventData = b
	}
	return New(MsgEvent, SenderSystem, sessionID, p)
}

// Marshal encodes an envelope.
func Marshal(env Envelope) ([]byte, error) {
	return sonic.Marshal(env)
}

// Unmarshal decodes an envelope and checks that it carries a type.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("protocol: envelope missing type field")
	}
	return env, nil
}

// UnmarshalPayload decodes a raw payload into T.
func UnmarshalPayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, errors.New("protocol: empty payload")
	}
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("protocol: unmarshal payload: %w", err)
	}
	return v, nil
}
