package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/openai/openai-go"

	"github.com/haivivi/parley/pkg/audio"
	"github.com/haivivi/parley/pkg/synth"
)

// Synthesis defaults. The speech endpoint's pcm format is 24 kHz mono
// 16-bit little endian.
const (
	DefaultSpeechModel = string(openai.SpeechModelGPT4oMiniTTS)
	DefaultVoice       = string(openai.AudioSpeechNewParamsVoiceAlloy)
)

// SynthesizerConfig configures OpenAI speech synthesis.
type SynthesizerConfig struct {
	Client *openai.Client

	// Model defaults to DefaultSpeechModel.
	Model string
	// Voice defaults to DefaultVoice.
	Voice string

	// Instructions steer delivery on models that support it.
	Instructions string

	// ChunkDuration sizes the chunks handed to the dispatcher. Defaults to
	// 40ms.
	ChunkDuration int

	Logger *slog.Logger
}

// Synthesizer dials synthesis connections.
type Synthesizer struct {
	cfg       SynthesizerConfig
	chunkSize int
	logger    *slog.Logger
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(cfg SynthesizerConfig) *Synthesizer {
	if cfg.Model == "" {
		cfg.Model = DefaultSpeechModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 40
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		cfg:       cfg,
		chunkSize: audio.L16Mono24K.BytesRate() * cfg.ChunkDuration / 1000,
		logger:    logger.With("component", "speech.synthesizer"),
	}
}

// Dial returns a connection. It matches pool.DialFunc.
func (s *Synthesizer) Dial(context.Context) (synth.Conn, error) {
	if s.cfg.Client == nil {
		return nil, fmt.Errorf("speech: synthesizer has no client")
	}
	return &synthConn{s: s}, nil
}

type synthConn struct {
	s *Synthesizer
}

func (c *synthConn) Format() audio.Format { return audio.L16Mono24K }

func (c *synthConn) Close() error { return nil }

func (c *synthConn) Synthesize(ctx context.Context, text, voice string) (synth.Stream, error) {
	model, v := splitProfile(voice)
	params := openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(or(model, c.s.cfg.Model)),
		Voice:          openai.AudioSpeechNewParamsVoice(or(v, c.s.cfg.Voice)),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if c.s.cfg.Instructions != "" {
		params.Instructions = openai.String(c.s.cfg.Instructions)
	}
	resp, err := c.s.cfg.Client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("speech: synthesize: %w", err)
	}
	return &pcmStream{body: resp.Body, buf: make([]byte, c.s.chunkSize)}, nil
}

// pcmStream reads an HTTP body in whole-sample chunks.
type pcmStream struct {
	body io.ReadCloser
	buf  []byte
}

func (s *pcmStream) Next() ([]byte, error) {
	n, err := io.ReadFull(s.body, s.buf)
	n -= n % 2
	if n > 0 {
		return append([]byte(nil), s.buf[:n]...), nil
	}
	if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	return nil, err
}

func (s *pcmStream) Close() error {
	return s.body.Close()
}
