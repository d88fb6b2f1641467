package speech

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openai/openai-go"

	"github.com/haivivi/parley/pkg/audio"
	"github.com/haivivi/parley/pkg/recognizer"
)

// DefaultTranscriptionModel is used when a profile names no model.
const DefaultTranscriptionModel = string(openai.AudioModelGPT4oMiniTranscribe)

// RecognizerConfig configures OpenAI transcription.
type RecognizerConfig struct {
	Client *openai.Client

	// Model defaults to DefaultTranscriptionModel.
	Model string
	// Language is the default ISO-639-1 hint. Empty lets the service
	// detect it.
	Language string

	// MaxUtterance caps buffered audio per utterance. Defaults to 30s.
	MaxUtterance int

	Logger *slog.Logger
}

// Recognizer dials transcription connections.
type Recognizer struct {
	cfg    RecognizerConfig
	logger *slog.Logger
}

// NewRecognizer creates a Recognizer.
func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	if cfg.Model == "" {
		cfg.Model = DefaultTranscriptionModel
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = audio.L16Mono16K.BytesRate() * 30
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{cfg: cfg, logger: logger.With("component", "speech.recognizer")}
}

// Dial returns a connection. It matches pool.DialFunc.
func (r *Recognizer) Dial(context.Context) (recognizer.Conn, error) {
	if r.cfg.Client == nil {
		return nil, fmt.Errorf("speech: recognizer has no client")
	}
	return &recognizerConn{r: r}, nil
}

type recognizerConn struct {
	r *Recognizer

	mu      sync.Mutex
	streams []*transcriptStream
}

func (c *recognizerConn) Format() audio.Format { return audio.L16Mono16K }

func (c *recognizerConn) Open(ctx context.Context, profile string) (recognizer.Stream, error) {
	model, lang := splitProfile(profile)
	ctx, cancel := context.WithCancel(ctx)
	s := &transcriptStream{
		r:       c.r,
		model:   or(model, c.r.cfg.Model),
		lang:    or(lang, c.r.cfg.Language),
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan recognizer.Result, 8),
	}
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

func (c *recognizerConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.streams {
		s.Close()
	}
	c.streams = nil
	return nil
}

// transcriptStream buffers audio until Finalize and then transcribes it
// in the background. It never emits partials.
type transcriptStream struct {
	r      *Recognizer
	model  string
	lang   string
	ctx    context.Context
	cancel context.CancelFunc

	results chan recognizer.Result

	mu      sync.Mutex
	buf     []byte
	dropped bool
	wg      sync.WaitGroup
}

func (s *transcriptStream) Send(pcm []byte) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf)+len(pcm) > s.r.cfg.MaxUtterance {
		if !s.dropped {
			s.r.logger.Warn("speech: utterance too long, dropping audio", "max_bytes", s.r.cfg.MaxUtterance)
			s.dropped = true
		}
		return nil
	}
	s.buf = append(s.buf, pcm...)
	return nil
}

func (s *transcriptStream) Finalize() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	pcm := s.buf
	s.buf, s.dropped = nil, false
	s.mu.Unlock()
	if len(pcm) == 0 {
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		text, err := s.transcribe(pcm)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.deliver(recognizer.Result{Err: err})
			return
		}
		if text != "" {
			s.deliver(recognizer.Result{Text: text, Final: true})
		}
	}()
	return nil
}

func (s *transcriptStream) transcribe(pcm []byte) (string, error) {
	wav, err := audio.WAV(pcm, audio.L16Mono16K)
	if err != nil {
		return "", err
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model: openai.AudioModel(s.model),
	}
	if s.lang != "" {
		params.Language = openai.String(s.lang)
	}
	resp, err := s.r.cfg.Client.Audio.Transcriptions.New(s.ctx, params)
	if err != nil {
		return "", fmt.Errorf("speech: transcribe: %w", err)
	}
	return resp.Text, nil
}

func (s *transcriptStream) deliver(r recognizer.Result) {
	select {
	case s.results <- r:
	case <-s.ctx.Done():
	}
}

func (s *transcriptStream) Results() <-chan recognizer.Result { return s.results }

func (s *transcriptStream) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
