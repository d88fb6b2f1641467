package audio

import (
	"fmt"
	"time"
)

// Format is a wire audio format.
type Format int

const (
	// L16Mono16K is telephony PCM.
	L16Mono16K Format = iota
	// L16Mono24K is the model-native PCM rate.
	L16Mono24K
	// L16Mono48K is browser PCM.
	L16Mono48K
	// ULawMono8K is G.711 µ-law from carrier media streams.
	ULawMono8K
)

// SampleRate returns the sample rate in Hz.
func (f Format) SampleRate() int {
	switch f {
	case L16Mono16K:
		return 16000
	case L16Mono24K:
		return 24000
	case L16Mono48K:
		return 48000
	case ULawMono8K:
		return 8000
	}
	panic("audio: invalid format")
}

// SampleBytes returns the size of one sample in bytes.
func (f Format) SampleBytes() int {
	if f == ULawMono8K {
		return 1
	}
	return 2
}

// IsULaw reports whether samples are G.711 µ-law.
func (f Format) IsULaw() bool {
	return f == ULawMono8K
}

// BytesRate returns bytes per second.
func (f Format) BytesRate() int {
	return f.SampleRate() * f.SampleBytes()
}

// BytesInDuration returns the number of bytes in d.
func (f Format) BytesInDuration(d time.Duration) int {
	return int(int64(f.BytesRate()) * int64(d) / int64(time.Second))
}

// Duration returns the play time of n bytes.
func (f Format) Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(f.BytesRate())
}

func (f Format) String() string {
	switch f {
	case L16Mono16K:
		return "audio/L16; rate=16000; channels=1"
	case L16Mono24K:
		return "audio/L16; rate=24000; channels=1"
	case L16Mono48K:
		return "audio/L16; rate=48000; channels=1"
	case ULawMono8K:
		return "audio/PCMU; rate=8000; channels=1"
	}
	return fmt.Sprintf("audio: format(%d)", int(f))
}
