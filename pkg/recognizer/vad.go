package recognizer

import (
	"time"

	"github.com/haivivi/parley/pkg/audio"
)

// VADConfig tunes the energy voice activity detector.
type VADConfig struct {
	// ThresholdDB is the RMS level, in dBFS, above which a frame is voiced.
	ThresholdDB float64

	// Onset is how much continuous voiced audio starts an utterance.
	Onset time.Duration

	// SilenceTimeout is how much continuous silence ends an utterance.
	SilenceTimeout time.Duration
}

const (
	defaultThresholdDB    = -40
	defaultOnset          = 100 * time.Millisecond
	defaultSilenceTimeout = 700 * time.Millisecond
)

func (c VADConfig) withDefaults() VADConfig {
	if c.ThresholdDB == 0 {
		c.ThresholdDB = defaultThresholdDB
	}
	if c.Onset <= 0 {
		c.Onset = defaultOnset
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = defaultSilenceTimeout
	}
	return c
}

type vadEvent int

const (
	vadNone vadEvent = iota
	vadStart
	vadEnd
)

// vad is a frame-energy detector with onset and hangover. It is owned by
// the supervisor loop.
type vad struct {
	cfg      VADConfig
	speaking bool
	voiced   time.Duration
	silent   time.Duration
}

func newVAD(cfg VADConfig) *vad {
	return &vad{cfg: cfg.withDefaults()}
}

// push feeds one PCM frame of duration d. silence overrides the configured
// silence timeout when positive.
func (v *vad) push(pcm []byte, d time.Duration, silence time.Duration) vadEvent {
	if silence <= 0 {
		silence = v.cfg.SilenceTimeout
	}
	loud := audio.Energy(pcm) >= v.cfg.ThresholdDB

	if !v.speaking {
		if loud {
			v.voiced += d
		} else {
			v.voiced = 0
		}
		if v.voiced >= v.cfg.Onset {
			v.speaking = true
			v.silent = 0
			return vadStart
		}
		return vadNone
	}

	if loud {
		v.silent = 0
		return vadNone
	}
	v.silent += d
	if v.silent >= silence {
		v.speaking = false
		v.voiced = 0
		return vadEnd
	}
	return vadNone
}
