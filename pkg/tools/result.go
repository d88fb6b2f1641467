package tools

import (
	"maps"

	"github.com/bytedance/sonic"
)

// Result is what a tool returns to the orchestrator. It is serialized back
// to the model verbatim, so the JSON shape is part of the tool contract.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`

	// Handoff requests a transfer to TargetAgent.
	Handoff        bool           `json:"handoff,omitempty"`
	TargetAgent    string         `json:"target_agent,omitempty"`
	HandoffType    string         `json:"handoff_type,omitempty"`
	HandoffSummary string         `json:"handoff_summary,omitempty"`
	HandoffContext map[string]any `json:"handoff_context,omitempty"`

	// Slots are merged into the session slot bag and persisted.
	Slots map[string]any `json:"slots,omitempty"`

	// Extra holds tool-specific fields, flattened into the JSON object.
	Extra map[string]any `json:"-"`
}

// Failure builds the structured payload returned to the model when a tool
// errors.
func Failure(err error) Result {
	return Result{Success: false, Message: err.Error(), Extra: map[string]any{"error": err.Error()}}
}

// Map returns the result as a flat JSON object.
func (r Result) Map() map[string]any {
	m := make(map[string]any, len(r.Extra)+8)
	maps.Copy(m, r.Extra)
	m["success"] = r.Success
	if r.Message != "" {
		m["message"] = r.Message
	}
	if r.Handoff {
		m["handoff"] = true
	}
	if r.TargetAgent != "" {
		m["target_agent"] = r.TargetAgent
	}
	if r.HandoffType != "" {
		m["handoff_type"] = r.HandoffType
	}
	if r.HandoffSummary != "" {
		m["handoff_summary"] = r.HandoffSummary
	}
	if r.HandoffContext != nil {
		m["handoff_context"] = r.HandoffContext
	}
	if r.Slots != nil {
		m["slots"] = r.Slots
	}
	return m
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(r.Map())
}

// String returns the JSON form, or a minimal failure object if encoding
// fails.
func (r Result) String() string {
	b, err := r.MarshalJSON()
	if err != nil {
		return `{"success":false,"message":"unencodable tool result"}`
	}
	return string(b)
}
