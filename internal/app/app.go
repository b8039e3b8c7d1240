// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/voxlay/transcriptd/internal/api"
	"github.com/voxlay/transcriptd/internal/breaker"
	"github.com/voxlay/transcriptd/internal/config"
	"github.com/voxlay/transcriptd/internal/credentials"
	"github.com/voxlay/transcriptd/internal/pipeline"
	"github.com/voxlay/transcriptd/internal/proxy"
	"github.com/voxlay/transcriptd/internal/publisher"
	"github.com/voxlay/transcriptd/internal/stage/audio"
	"github.com/voxlay/transcriptd/internal/stage/captions"
	"github.com/voxlay/transcriptd/internal/stage/capture"
	"github.com/voxlay/transcriptd/internal/stage/timedtext"
	"github.com/voxlay/transcriptd/internal/storage"
	"github.com/voxlay/transcriptd/internal/store"
	"github.com/voxlay/transcriptd/internal/webfetch"
)

// App holds all shared long-lived services. It is initialized once at
// startup and handed to the components that need it.
type App struct {
	Logger       *zap.Logger
	Config       config.Config
	Proxies      *proxy.Manager
	Orchestrator *pipeline.Orchestrator
	Server       *api.Server

	attempts  store.Provider
	artifacts storage.Provider
	events    publisher.Provider
}

// New builds the full service graph from configuration. It fails fast if
// any critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	logger.Info("initializing services")

	attempts, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	artifacts, err := newStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	events, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := proxy.NewRegistry(cfg.Proxy.BlacklistMax,
		time.Duration(cfg.Proxy.SessionTTLMin)*time.Minute)
	manager, err := proxy.NewManager(ctx, fileSecretFetcher(cfg.Proxy.SecretFile), registry, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize proxy manager: %w", err)
	}
	manager.SetCountry(cfg.Proxy.Country)
	manager.SetPreflight(proxy.NewPreflight(
		proxy.HTTPProbe(cfg.Preflight.TargetURL, manager.ProbeURL),
		proxy.PreflightConfig{
			TTL:          time.Duration(cfg.Preflight.TTLSeconds) * time.Second,
			JitterPct:    cfg.Preflight.JitterPct,
			ProbeTimeout: time.Duration(cfg.Preflight.ProbeTimeoutSec) * time.Second,
			ProbesPerMin: float64(cfg.Preflight.ProbesPerMin),
		},
		logger,
	))

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CountingWindow:   time.Duration(cfg.Breaker.CountingWindowMin) * time.Minute,
		RecoveryWindow:   time.Duration(cfg.Breaker.RecoveryWindowMin) * time.Minute,
	}, logger)

	resolver := credentials.NewChainResolver(nil, "TRANSCRIPTD_COOKIES_FILE", cfg.Pipeline.CookiesFile, logger)

	httpClient := webfetch.New(cfg.Pipeline.UserAgent,
		time.Duration(cfg.Pipeline.HTTPTimeoutSec)*time.Second)

	captionsStage := captions.New(httpClient, captions.Config{
		PlayerURL:     cfg.Stages.Captions.PlayerURL,
		ClientVersion: cfg.Stages.Captions.ClientVersion,
		Language:      cfg.Pipeline.Language,
	}, logger)
	timedtextStage := timedtext.New(httpClient, timedtext.Config{
		BaseURL:  cfg.Stages.Captions.TimedTextURL,
		Language: cfg.Pipeline.Language,
	}, logger)
	captureStage := capture.New(capture.Config{
		EndpointFragment:    cfg.Stages.Capture.EndpointFragment,
		UserAgent:           cfg.Pipeline.UserAgent,
		Language:            cfg.Pipeline.Language,
		RequireAuth:         cfg.Stages.Capture.RequireAuth,
		MaxParallel:         cfg.Stages.Capture.MaxParallel,
		NavTimeout:          time.Duration(cfg.Stages.Capture.NavTimeoutSec) * time.Second,
		CaptureTimeout:      time.Duration(cfg.Stages.Capture.CaptureTimeoutSec) * time.Second,
		ConsentSelectors:    cfg.Stages.Capture.ConsentSelectors,
		ExpandSelectors:     cfg.Stages.Capture.ExpandSelectors,
		TranscriptSelectors: cfg.Stages.Capture.TranscriptSelectors,
	}, httpClient, logger)

	var transcriber audio.Transcriber
	if cfg.Stages.Audio.ASREndpoint != "" {
		transcriber = audio.NewHTTPTranscriber(audio.HTTPTranscriberConfig{
			Endpoint: cfg.Stages.Audio.ASREndpoint,
			Model:    cfg.Stages.Audio.ASRModel,
			APIKey:   cfg.Stages.Audio.ASRAPIKey,
		}, nil)
	}
	var audioStage pipeline.Stage
	if transcriber != nil {
		audioStage = audio.New(audio.Config{
			ToolPath:        cfg.Stages.Audio.ToolPath,
			Format:          cfg.Stages.Audio.Format,
			FallbackFormat:  cfg.Stages.Audio.FallbackFormat,
			ProxyRequired:   cfg.Stages.Audio.ProxyRequired,
			MinBytes:        cfg.Stages.Audio.MinBytes,
			WorkDir:         cfg.Stages.Audio.WorkDir,
			BlockedPatterns: cfg.Stages.Audio.BlockedPatterns,
			Timeout:         time.Duration(cfg.Stages.Audio.TimeoutSec) * time.Second,
		}, transcriber, logger)
	} else {
		logger.Warn("no transcription backend configured; audio stage disabled")
	}

	orchestrator := pipeline.New(
		manager,
		brk,
		resolver,
		[]pipeline.Stage{captionsStage, timedtextStage},
		captureStage,
		audioStage,
		attempts,
		artifacts,
		events,
		pipeline.Config{CaptureTimeout: cfg.CaptureBudget()},
		logger,
	)

	server := api.NewServer(orchestrator, manager, cfg.RequestTimeout(), logger)

	logger.Info("services initialized")
	return &App{
		Logger:       logger,
		Config:       cfg,
		Proxies:      manager,
		Orchestrator: orchestrator,
		Server:       server,
		attempts:     attempts,
		artifacts:    artifacts,
		events:       events,
	}, nil
}

// Close shuts down every provider the container owns.
func (a *App) Close() {
	a.Logger.Info("shutting down services")
	if err := a.attempts.Close(); err != nil {
		a.Logger.Warn("attempt store close failed", zap.Error(err))
	}
	if err := a.artifacts.Close(); err != nil {
		a.Logger.Warn("artifact storage close failed", zap.Error(err))
	}
	if err := a.events.Close(); err != nil {
		a.Logger.Warn("event publisher close failed", zap.Error(err))
	}
}

func newStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Provider, error) {
	switch cfg.Store.Kind {
	case "postgres":
		logger.Info("connecting to postgres attempt store")
		provider, err := store.NewPostgresProvider(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("initialize attempt store: %w", err)
		}
		return provider, nil
	case "memory":
		logger.Info("using in-memory attempt store")
		return store.NewMemoryProvider(), nil
	default:
		return nil, fmt.Errorf("unknown store kind: %s", cfg.Store.Kind)
	}
}

func newStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Provider, error) {
	switch cfg.Storage.Kind {
	case "gcs":
		logger.Info("using gcs artifact storage", zap.String("bucket", cfg.Storage.GCSBucket))
		provider, err := storage.NewGCSProvider(ctx, cfg.Storage.GCSBucket, cfg.Storage.Prefix)
		if err != nil {
			return nil, fmt.Errorf("initialize artifact storage: %w", err)
		}
		return provider, nil
	case "memory":
		return storage.NewMemoryProvider(), nil
	case "noop":
		logger.Info("artifact storage disabled; transcripts are not persisted")
		return storage.NoOpProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown storage kind: %s", cfg.Storage.Kind)
	}
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (publisher.Provider, error) {
	switch cfg.Events.Kind {
	case "pubsub":
		logger.Info("connecting to pub/sub", zap.String("topic", cfg.Events.TopicName))
		provider, err := publisher.NewPubSubProvider(ctx, cfg.Events.ProjectID, cfg.Events.TopicName)
		if err != nil {
			return nil, fmt.Errorf("initialize event publisher: %w", err)
		}
		return provider, nil
	case "memory":
		return publisher.NewMemoryProvider(), nil
	case "noop":
		return publisher.NoOpProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown events kind: %s", cfg.Events.Kind)
	}
}

// fileSecretFetcher reads the proxy credential document from a JSON file.
// Re-reading on every call lets secret rotation happen by replacing the
// file, no restart needed.
func fileSecretFetcher(path string) proxy.SecretFetcher {
	return func(context.Context) (map[string]any, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read secret file: %w", err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse secret file: %w", err)
		}
		return doc, nil
	}
}
