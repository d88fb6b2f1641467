package sessionstore

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is the durable part of a session.
type Snapshot struct {
	SessionID   string         `json:"session_id" msgpack:"session_id" yaml:"session_id"`
	Version     uint64         `json:"version" msgpack:"version" yaml:"version"`
	TurnCounter int64          `json:"turn_counter" msgpack:"turn_counter" yaml:"turn_counter"`
	Agent       string         `json:"agent" msgpack:"agent" yaml:"agent"`
	Slots       map[string]any `json:"slots,omitempty" msgpack:"slots,omitempty" yaml:"slots,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at" msgpack:"updated_at" yaml:"updated_at"`
}

// Codec encodes snapshots for storage. Unmarshal returns slots in the form
// produced by NormalizeSlots.
type Codec interface {
	Name() string
	Marshal(Snapshot) ([]byte, error)
	Unmarshal([]byte, *Snapshot) error
}

// JSON encodes snapshots as JSON. It is the default codec.
var JSON Codec = jsonCodec{}

// Msgpack encodes snapshots as MessagePack.
var Msgpack Codec = msgpackCodec{}

// CodecByName returns the codec registered under name. The empty name
// selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("sessionstore: unknown codec %q", name)
	}
}

// jsonAPI keeps integers beyond 2^53 exact.
var jsonAPI = sonic.Config{UseInt64: true}.Froze()

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(s Snapshot) ([]byte, error) {
	return sonic.Marshal(s)
}

func (jsonCodec) Unmarshal(b []byte, s *Snapshot) error {
	if err := jsonAPI.Unmarshal(b, s); err != nil {
		return err
	}
	s.Slots = NormalizeSlots(s.Slots)
	return nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(s Snapshot) ([]byte, error) {
	return msgpack.Marshal(s)
}

func (msgpackCodec) Unmarshal(b []byte, s *Snapshot) error {
	if err := msgpack.Unmarshal(b, s); err != nil {
		return err
	}
	s.Slots = NormalizeSlots(s.Slots)
	return nil
}
