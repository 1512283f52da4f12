// Command lecturerd is the main entry point for the lecture-assistance
// session runtime.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/lecturerd/lecturerd/internal/analysis"
	"github.com/lecturerd/lecturerd/internal/config"
	"github.com/lecturerd/lecturerd/internal/controller"
	"github.com/lecturerd/lecturerd/internal/health"
	"github.com/lecturerd/lecturerd/internal/observe"
	"github.com/lecturerd/lecturerd/internal/store"
	"github.com/lecturerd/lecturerd/pkg/provider/llm/anyllm"
	"github.com/lecturerd/lecturerd/pkg/provider/stt"
	"github.com/lecturerd/lecturerd/pkg/provider/stt/wsvendor"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lecturerd: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("lecturerd starting",
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "lecturerd",
	})
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "error", err)
		return 1
	}

	sttProvider, err := wsvendor.New(cfg.STT.EndpointURL, cfg.STT.APIKey, cfg.STT.Language, cfg.STT.Encoding, cfg.STT.SampleRate, cfg.STT.WordTimestamps)
	if err != nil {
		slog.Error("failed to create stt provider", "error", err)
		return 1
	}

	var llmOpts []anyllmlib.Option
	if cfg.LLM.APIKey != "" {
		llmOpts = append(llmOpts, anyllmlib.WithAPIKey(cfg.LLM.APIKey))
	}
	if cfg.LLM.BaseURL != "" {
		llmOpts = append(llmOpts, anyllmlib.WithBaseURL(cfg.LLM.BaseURL))
	}
	llmProvider, err := anyllm.New(cfg.LLM.Provider, cfg.LLM.Model, llmOpts...)
	if err != nil {
		slog.Error("failed to create llm provider", "error", err)
		return 1
	}
	analyzer := analysis.New(llmProvider, cfg.LLM.CallTimeout)

	artifactStore, err := store.New(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to artifact store", "error", err)
		return 1
	}
	defer artifactStore.Close()

	ctrl := controller.New(controller.Deps{
		STT: sttProvider,
		STTConfig: stt.StreamConfig{
			Language:   cfg.STT.Language,
			SampleRate: cfg.STT.SampleRate,
			Channels:   1,
		},
		ConnectTimeout: cfg.STT.ConnectTimeout,
		Analyzer:       analyzer,
		Store:          artifactStore,
		Metrics:        metrics,
	})

	healthHandler := health.New(health.Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			_, err := artifactStore.ListLectures(ctx)
			return err
		},
	})

	mux := http.NewServeMux()
	healthHandler.Register(mux)
	ctrl.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
