package tools

import (
	"github.com/bytedance/sonic"
	"github.com/kaptinlin/jsonrepair"
)

// DecodeArgs unmarshals tool-call arguments into v. Models occasionally emit
// truncated or slightly malformed JSON; when decoding fails the arguments
// are repaired once and decoded again.
func DecodeArgs(data string, v any) error {
	if data == "" {
		data = "{}"
	}
	err := sonic.UnmarshalString(data, v)
	if err == nil {
		return nil
	}
	fixed, rerr := jsonrepair.JSONRepair(data)
	if rerr != nil || fixed == data {
		return err
	}
	return sonic.UnmarshalString(fixed, v)
}

// NormalizeArgs returns data as canonical JSON, repairing it if needed.
func NormalizeArgs(data string) (string, map[string]any, error) {
	var m map[string]any
	if err := DecodeArgs(data, &m); err != nil {
		return "", nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	s, err := sonic.MarshalString(m)
	if err != nil {
		return "", nil, err
	}
	return s, m, nil
}
