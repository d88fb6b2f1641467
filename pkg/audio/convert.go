package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
	"github.com/zaf/g711"
)

// Converter turns frames of one format into another. It keeps resampler
// state across calls, so a Converter belongs to a single stream and is not
// safe for concurrent use.
type Converter struct {
	src, dst  Format
	resampler resampling.Resampler
}

// NewConverter creates a converter from src to dst.
func NewConverter(src, dst Format) (*Converter, error) {
	c := &Converter{src: src, dst: dst}
	if src.SampleRate() != dst.SampleRate() {
		rs, err := resampling.New(&resampling.Config{
			InputRate:  float64(src.SampleRate()),
			OutputRate: float64(dst.SampleRate()),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("audio: create resampler %d->%d: %w", src.SampleRate(), dst.SampleRate(), err)
		}
		c.resampler = rs
	}
	return c, nil
}

// Source returns the input format.
func (c *Converter) Source() Format { return c.src }

// Target returns the output format.
func (c *Converter) Target() Format { return c.dst }

// Convert converts one frame. The resampler may buffer internally, so the
// output length is not always proportional to the input length.
func (c *Converter) Convert(frame []byte) ([]byte, error) {
	if c.src == c.dst {
		return frame, nil
	}
	pcm := frame
	if c.src.IsULaw() {
		pcm = g711.DecodeUlaw(frame)
	}
	if c.resampler != nil {
		var err error
		pcm, err = c.resample(pcm)
		if err != nil {
			return nil, err
		}
	}
	if c.dst.IsULaw() {
		return g711.EncodeUlaw(pcm), nil
	}
	return pcm, nil
}

func (c *Converter) resample(pcm []byte) ([]byte, error) {
	n := len(pcm) / 2
	if n == 0 {
		return nil, nil
	}
	input := make([]float64, n)
	for i, s := range Samples(pcm) {
		input[i] = float64(s) / 32768.0
	}
	output, err := c.resampler.Process(input)
	if err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}
	samples := make([]int16, len(output))
	for i, s := range output {
		switch {
		case s > 1.0:
			samples[i] = 32767
		case s < -1.0:
			samples[i] = -32768
		default:
			samples[i] = int16(s * 32767.0)
		}
	}
	return Bytes(samples), nil
}
