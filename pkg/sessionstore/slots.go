package sessionstore

import (
	"math"

	"github.com/bytedance/sonic"
)

// NormalizeSlots returns a copy of slots in the canonical form every codec
// decodes to: strings, bools, nil, int64 for integral numbers, float64 for
// the rest, []any and map[string]any. Slots stored in this form load back
// unchanged. Other values, such as structs, are converted through JSON.
func NormalizeSlots(slots map[string]any) map[string]any {
	if slots == nil {
		return nil
	}
	out := make(map[string]any, len(slots))
	for k, v := range slots {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int64:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return unsigned(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return unsigned(x)
	case float32:
		return number(float64(x))
	case float64:
		return number(x)
	case map[string]any:
		return NormalizeSlots(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	default:
		b, err := sonic.Marshal(x)
		if err != nil {
			return x
		}
		var generic any
		if err := sonic.Unmarshal(b, &generic); err != nil {
			return x
		}
		return normalize(generic)
	}
}

func unsigned(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return float64(u)
}

func number(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}
