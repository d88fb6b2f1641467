// Package protocol defines the JSON envelope exchanged with clients over
// the transport's text channel.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType enumerates envelope types.
type MessageType string

const (
	MsgUserMessage        MessageType = "user_message"
	MsgAssistantStreaming MessageType = "assistant_streaming"
	MsgAssistant          MessageType = "assistant"
	MsgToolStart          MessageType = "tool_start"
	MsgToolProgress       MessageType = "tool_progress"
	MsgToolEnd            MessageType = "tool_end"
	MsgEvent              MessageType = "event"
)

// Sender identifies who produced an envelope.
type Sender string

const (
	SenderUser      Sender = "User"
	SenderAssistant Sender = "Assistant"
	SenderTool      Sender = "Tool"
	SenderSystem    Sender = "System"
)

// Event types carried in MsgEvent payloads.
const (
	EventSessionStarted         = "session_started"
	EventSessionClosed          = "session_closed"
	EventTurnState              = "turn_state"
	EventBargeIn                = "barge_in"
	EventClearAudio             = "clear_audio"
	EventHandoff                = "handoff"
	EventRecognitionUnavailable = "recognition_unavailable"
	EventTruncated              = "truncated"
	EventCapacity               = "capacity_exhausted"
)

// Envelope is the outer wrapper for every text message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Sender    Sender          `json:"sender"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
	SessionID string          `json:"session_id"`
	Topic     string          `json:"topic,omitempty"`
}

// TextPayload carries user transcripts and assistant replies. Clients may
// number typed user messages with Seq; a message whose Seq is not above the
// last one seen is a replay.
type TextPayload struct {
	Text   string `json:"text"`
	Final  bool   `json:"final,omitempty"`
	TurnID int64  `json:"turn_id,omitempty"`
	Agent  string `json:"agent,omitempty"`
	Seq    int64  `json:"seq,omitempty"`
}

// ToolPayload carries tool lifecycle notifications.
type ToolPayload struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	TurnID    int64          `json:"turn_id"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Progress  string         `json:"progress,omitempty"`
}

// EventPayload carries a named system event.
type EventPayload struct {
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data,omitempty"`
}
