package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rapidvoice/voicetrigger/internal/audio"
	"github.com/rapidvoice/voicetrigger/internal/config"
	"github.com/rapidvoice/voicetrigger/internal/dispatch"
	"github.com/rapidvoice/voicetrigger/internal/history"
	"github.com/rapidvoice/voicetrigger/internal/observability"
	"github.com/rapidvoice/voicetrigger/internal/pipeline"
	"github.com/rapidvoice/voicetrigger/internal/transcribe"
	"github.com/rapidvoice/voicetrigger/internal/trigger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("backend", cfg.TranscriptionBackend).
		Str("dispatch_url", cfg.DispatchBaseURL).
		Str("log_level", cfg.LogLevel).
		Msg("Voice trigger daemon starting")

	// Transcription backend selection.
	var transcriber transcribe.Transcriber
	switch cfg.TranscriptionBackend {
	case config.BackendDeepgram:
		transcriber = transcribe.NewDeepgramClient(transcribe.DeepgramConfig{
			APIKey:     cfg.DeepgramAPIKey,
			Model:      cfg.DeepgramModel,
			Language:   cfg.DeepgramLanguage,
			SampleRate: cfg.SampleRate,
		}, logger)
	default:
		transcriber = transcribe.NewWorkerClient(transcribe.WorkerConfig{
			URL:          cfg.WorkerURL,
			Model:        cfg.WorkerModel,
			Multilingual: cfg.WorkerMultilingual,
			Subtask:      cfg.WorkerSubtask,
			Language:     cfg.WorkerLanguage,
		}, func(p transcribe.Progress) {
			logger.Debug().Str("file", p.File).Float64("progress", p.Progress).Msg("model loading")
		}, logger)
	}

	capture := audio.NewMalgoCapture(logger)
	matcher := trigger.NewMatcher(cfg.TriggerPhrase, logger)
	dispatcher := dispatch.NewClient(cfg.DispatchBaseURL, dispatch.Metadata{
		UserName:        cfg.UserName,
		BroadcastUserID: cfg.BroadcastUserID,
		CurrentGame:     cfg.CurrentGame,
		CurrentTitle:    cfg.CurrentTitle,
	}, logger)
	ledger := history.NewLedger()

	pipe := pipeline.New(cfg, capture, transcriber, matcher, dispatcher, ledger, logger)

	// Connectivity probe to the automation endpoint, self-healing per tick.
	probeCtx, probeCancel := context.WithCancel(context.Background())
	defer probeCancel()
	probe := dispatch.NewProbe(cfg.DispatchBaseURL, time.Duration(cfg.ProbeIntervalSec)*time.Second, logger)
	go probe.Run(probeCtx)

	if cfg.AutoStart {
		if err := pipe.Start(); err != nil {
			// Microphone failures are fatal to the attempt, not the daemon;
			// the pipeline stays idle until restarted via the control surface.
			logger.Error().Err(err).Msg("Failed to start listening; staying idle")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"automation": func(ctx context.Context) (bool, error) {
			if !probe.Connected() {
				return false, fmt.Errorf("automation endpoint unreachable")
			}
			return true, nil
		},
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, struct {
			pipeline.Status
			Connected bool `json:"connected"`
		}{pipe.Status(), probe.Connected()})
	})

	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ledger.Snapshot())
	})

	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		devices, err := capture.Devices()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, devices)
	})

	// Control surface for the UI collaborator: toggle the listening session.
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := pipe.Start(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, pipe.Status())
	})

	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		pipe.Stop()
		writeJSON(w, pipe.Status())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Control server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Control server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down...")

	pipe.Stop()
	probeCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Control server forced to shutdown")
	}

	logger.Info().Msg("Exited gracefully")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
