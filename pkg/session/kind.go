package session

import (
	"encoding/json"
	"fmt"

	"github.com/haivivi/parley/pkg/audio"
)

// Kind identifies the transport a session arrived on. It selects the audio
// profile used for ingest and egress.
type Kind int

const (
	KindUnknown Kind = iota
	KindTelephony
	KindTelephonyULaw
	KindBrowser
	KindModelNative
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTelephony:
		return "telephony"
	case KindTelephonyULaw:
		return "telephony_ulaw"
	case KindBrowser:
		return "browser"
	case KindModelNative:
		return "model_native"
	default:
		return "unknown"
	}
}

// Format returns the audio profile frames use in both directions.
// Unknown kinds are treated as browser sessions.
func (k Kind) Format() audio.Format {
	switch k {
	case KindTelephony:
		return audio.L16Mono16K
	case KindTelephonyULaw:
		return audio.ULawMono8K
	case KindModelNative:
		return audio.L16Mono24K
	default:
		return audio.L16Mono48K
	}
}

// ParseKind returns the kind for name.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "telephony":
		return KindTelephony, nil
	case "telephony_ulaw":
		return KindTelephonyULaw, nil
	case "browser":
		return KindBrowser, nil
	case "model_native":
		return KindModelNative, nil
	default:
		return KindUnknown, fmt.Errorf("session: unknown transport kind %q", name)
	}
}

// MarshalJSON implements json.Marshaler.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseKind(name)
	if err != nil {
		*k = KindUnknown
		return nil
	}
	*k = parsed
	return nil
}

// Lifecycle is the coarse state of a session.
type Lifecycle int

const (
	Active Lifecycle = iota
	Draining
	Closed
)

func (l Lifecycle) String() string {
	switch l {
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
