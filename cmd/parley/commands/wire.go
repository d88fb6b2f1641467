package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/haivivi/parley/pkg/archive"
	"github.com/haivivi/parley/pkg/config"
	"github.com/haivivi/parley/pkg/model"
	"github.com/haivivi/parley/pkg/orchestrator"
	"github.com/haivivi/parley/pkg/pool"
	"github.com/haivivi/parley/pkg/recognizer"
	"github.com/haivivi/parley/pkg/sessionstore"
	"github.com/haivivi/parley/pkg/speech"
	"github.com/haivivi/parley/pkg/synth"
)

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

func newModel(ctx context.Context, cfg config.ModelConfig) (model.Model, error) {
	key := config.Secret(cfg.APIKeyEnv)
	switch cfg.Provider {
	case "gemini":
		cc := &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI}
		if cfg.BaseURL != "" {
			cc.HTTPOptions.BaseURL = cfg.BaseURL
		}
		client, err := genai.NewClient(ctx, cc)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return &model.Gemini{
			Client:      client,
			Model:       cfg.Name,
			Temperature: float32(cfg.Temperature),
			MaxTokens:   int32(cfg.MaxTokens),
		}, nil
	default:
		client := openaiClient(key, cfg.BaseURL)
		return &model.OpenAI{
			Client:        &client,
			Model:         cfg.Name,
			Temperature:   cfg.Temperature,
			MaxTokens:     cfg.MaxTokens,
			UseSystemRole: true,
		}, nil
	}
}

func openaiClient(key, baseURL string) openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(key), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return openai.NewClient(opts...)
}

// newSpeechPools builds the speech connection pools and warms them to
// their low-water marks. A failed warm-up is logged; checkouts dial on
// demand.
func newSpeechPools(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pool.Pool[recognizer.Conn], *pool.Pool[synth.Conn], error) {
	client := openaiClient(config.Secret(cfg.Speech.APIKeyEnv), cfg.Speech.BaseURL)

	rec := speech.NewRecognizer(speech.RecognizerConfig{
		Client:   &client,
		Model:    cfg.Speech.TranscriptionModel,
		Language: cfg.Speech.Language,
		Logger:   logger,
	})
	rp := cfg.Pools.Recognizer
	recPool, err := pool.New(pool.Config[recognizer.Conn]{
		Name:        "recognizer",
		Dial:        rec.Dial,
		Policy:      rp.ParsedPolicy(),
		MaxSize:     rp.MaxSize,
		MinIdle:     rp.MinIdle,
		MaxIdleTime: rp.MaxIdleTime.D(),
		WaitTimeout: rp.WaitTimeout.D(),
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, err
	}

	syn := speech.NewSynthesizer(speech.SynthesizerConfig{
		Client:       &client,
		Model:        cfg.Speech.SpeechModel,
		Voice:        cfg.Speech.Voice,
		Instructions: cfg.Speech.Instructions,
		Logger:       logger,
	})
	sp := cfg.Pools.Synthesizer
	synPool, err := pool.New(pool.Config[synth.Conn]{
		Name:        "synthesizer",
		Dial:        syn.Dial,
		Policy:      sp.ParsedPolicy(),
		MaxSize:     sp.MaxSize,
		MinIdle:     sp.MinIdle,
		MaxIdleTime: sp.MaxIdleTime.D(),
		WaitTimeout: sp.WaitTimeout.D(),
		Logger:      logger,
	})
	if err != nil {
		recPool.Close()
		return nil, nil, err
	}
	if err := recPool.Warm(ctx); err != nil {
		logger.Warn("parley: warm recognizer pool", "error", err)
	}
	if err := synPool.Warm(ctx); err != nil {
		logger.Warn("parley: warm synthesizer pool", "error", err)
	}
	return recPool, synPool, nil
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (sessionstore.Store, error) {
	switch cfg.Driver {
	case "badger":
		return sessionstore.NewBadger(sessionstore.BadgerOptions{Dir: cfg.Dir, Logger: logger})
	default:
		return sessionstore.NewMemory(), nil
	}
}

func newArchive(cfg config.ArchiveConfig, logger *slog.Logger) (orchestrator.Archiver, error) {
	var store archive.Store
	switch cfg.Driver {
	case "":
		return nil, nil
	case "local":
		local, err := archive.NewLocal(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		store = local
	case "s3":
		client := archive.NewS3Client(archive.S3Options{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: config.Secret(cfg.AccessKeyEnv),
			SecretKey: config.Secret(cfg.SecretKeyEnv),
			PathStyle: cfg.PathStyle,
		})
		store = archive.NewS3(client, cfg.Bucket, "")
	}
	return archive.New(store, archive.Config{Prefix: cfg.Prefix, Logger: logger}), nil
}
