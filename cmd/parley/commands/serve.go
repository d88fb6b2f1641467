package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/spf13/cobra"

	"github.com/haivivi/parley/pkg/config"
	"github.com/haivivi/parley/pkg/gateway"
	"github.com/haivivi/parley/pkg/model"
	"github.com/haivivi/parley/pkg/sessionstore"
)

var (
	serveListen        string
	serveShutdownGrace time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the call gateway",
	Long: `Serve voice calls over websocket.

Callers connect to the configured path (default /call) with optional query
parameters:
  session   id of the session to start or resume
  kind      telephony, telephony_ulaw, browser (default) or model_native

On SIGINT or SIGTERM the gateway stops accepting calls, ends the live ones,
and persists and archives them before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveListen != "" {
			cfg.Listen = serveListen
		}
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		agents, err := cfg.Registry()
		if err != nil {
			return err
		}
		toolbox, err := cfg.ToolRegistry()
		if err != nil {
			return err
		}
		llm, err := newModel(ctx, cfg.Model)
		if err != nil {
			return err
		}
		recPool, synPool, err := newSpeechPools(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer recPool.Close()
		defer synPool.Close()

		store, err := openStore(cfg.Store, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		codec, err := sessionstore.CodecByName(cfg.Store.Codec)
		if err != nil {
			return err
		}
		syncer := sessionstore.NewSyncer(sessionstore.SyncerConfig{
			Store:         store,
			Codec:         codec,
			WriteInterval: cfg.Store.WriteInterval.D(),
			Logger:        logger,
		})
		arch, err := newArchive(cfg.Archive, logger)
		if err != nil {
			return err
		}

		gw, err := gateway.New(gateway.Config{
			Agents:     agents,
			StartAgent: cfg.StartAgent,
			Tools:      toolbox,
			Model:      llm,
			ModelRetry: model.RetryConfig{
				MaxAttempts: cfg.Model.MaxAttempts,
				Backoff:     gax.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2},
				Timeout:     cfg.Model.Timeout.D(),
			},
			Recognizers:  recPool,
			Synthesizers: synPool,
			Syncer:       syncer,
			Archive:      arch,
			Session:      sessionConfig(cfg.Session),
			Logger:       logger,
		})
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle(cfg.Path, gw)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "ok sessions=%d\n", gw.Sessions())
		})
		srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		logger.Info("parley: serving", "listen", cfg.Listen, "path", cfg.Path,
			"agents", len(agents.Agents()), "tools", len(toolbox.Names()), "model", cfg.Model.Name)

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
		}

		logger.Info("parley: shutting down", "sessions", gw.Sessions())
		sctx, cancel := context.WithTimeout(context.Background(), serveShutdownGrace)
		defer cancel()
		if err := gw.Shutdown(sctx); err != nil {
			logger.Warn("parley: gateway shutdown", "error", err)
		}
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("parley: http shutdown", "error", err)
		}
		return syncer.Close(sctx)
	},
}

func sessionConfig(c config.SessionConfig) gateway.SessionConfig {
	return gateway.SessionConfig{
		MaxToolCalls:      c.MaxToolCalls,
		InterruptBudget:   c.InterruptBudget.D(),
		MaxReplyDuration:  c.MaxReplyDuration.D(),
		Greet:             c.Greet,
		FallbackReply:     c.FallbackReply,
		HoldMessage:       c.HoldMessage,
		TruncationNotice:  c.TruncationNotice,
		RecognizerRetries: c.RecognizerRetries,
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address, overrides the deployment file")
	serveCmd.Flags().DurationVar(&serveShutdownGrace, "shutdown-grace", 15*time.Second, "how long to wait for live sessions on shutdown")
	rootCmd.AddCommand(serveCmd)
}
