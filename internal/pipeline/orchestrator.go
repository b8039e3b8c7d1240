package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxlay/transcriptd/internal/breaker"
	"github.com/voxlay/transcriptd/internal/credentials"
	"github.com/voxlay/transcriptd/internal/metrics"
	"github.com/voxlay/transcriptd/internal/proxy"
	"github.com/voxlay/transcriptd/internal/publisher"
	"github.com/voxlay/transcriptd/internal/storage"
	"github.com/voxlay/transcriptd/internal/store"
	"github.com/voxlay/transcriptd/internal/transcript"
)

// upstreamChangeMarkers match failure text that usually means the
// extraction tooling is behind an upstream API change, not that the video
// is unavailable.
var upstreamChangeMarkers = []string{
	"unable to extract",
	"no caption events",
	"unexpected json",
	"player response",
}

// Config tunes the orchestrator.
type Config struct {
	// CaptureTimeout bounds the browser stage; expiry short-circuits
	// straight to the audio stage.
	CaptureTimeout time.Duration
}

// Orchestrator runs the fixed fallback chain:
// captions API → direct timed-text HTTP → browser capture → audio ASR.
// Stage order never changes and no failed stage is re-entered within one
// call.
type Orchestrator struct {
	proxies   *proxy.Manager
	breaker   *breaker.Breaker
	resolver  credentials.Resolver
	httpStage []Stage
	capture   Stage
	audio     Stage
	attempts  store.Provider
	artifacts storage.Provider
	events    publisher.Provider
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// New wires the orchestrator. httpStages run first in the given order;
// capture and audio may be nil when disabled, and the chain simply skips
// them.
func New(
	proxies *proxy.Manager,
	brk *breaker.Breaker,
	resolver credentials.Resolver,
	httpStages []Stage,
	capture Stage,
	audio Stage,
	attempts store.Provider,
	artifacts storage.Provider,
	events publisher.Provider,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 120 * time.Second
	}
	return &Orchestrator{
		proxies:   proxies,
		breaker:   brk,
		resolver:  resolver,
		httpStage: httpStages,
		capture:   capture,
		audio:     audio,
		attempts:  attempts,
		artifacts: artifacts,
		events:    events,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// GetTranscript runs the chain for videoID and returns the transcript
// text from the first succeeding stage.
func (o *Orchestrator) GetTranscript(ctx context.Context, videoID, userID string) (string, error) {
	correlationID := CorrelationIDFrom(ctx)
	if correlationID == "" {
		correlationID = o.newID()
	}
	logger := o.logger.With(zap.String("video_id", videoID), zap.String("correlation_id", correlationID))

	if strings.TrimSpace(videoID) == "" {
		return "", &Failure{Code: CodeExtraction, CorrelationID: correlationID, Reasons: []string{"empty video id"}}
	}

	// Preflight gate: a proxy that cannot authenticate means no stage can
	// do useful work, so nothing is attempted.
	if healthy, err := o.proxies.Preflight(ctx); !healthy {
		return "", o.preflightFailure(correlationID, err)
	}

	// Cookie/auth context is resolved once and propagated unchanged.
	creds := o.resolver.Resolve(ctx, userID)
	logger.Debug("credentials resolved", zap.String("source", string(creds.Source)))

	req := Request{
		VideoID:       videoID,
		CorrelationID: correlationID,
		Proxy:         o.proxies.ProxiesFor(videoID),
		Creds:         creds,
	}

	var reasons []string
	var audioReason string

	for _, stage := range o.httpStage {
		segments, err := o.runHTTPStage(ctx, stage, &req, logger)
		if err == nil {
			return o.finish(ctx, req, stage.Name(), segments, reasons, logger)
		}
		reasons = append(reasons, stageReason(stage.Name(), err))
	}

	if o.capture != nil {
		segments, err := o.runCaptureStage(ctx, req, logger)
		if err == nil {
			return o.finish(ctx, req, o.capture.Name(), segments, reasons, logger)
		}
		reasons = append(reasons, stageReason(o.capture.Name(), err))
	}

	// The audio stage always runs last, independent of circuit state: it
	// is the one fallback with no DOM dependency.
	if o.audio != nil {
		segments, err := o.runStage(ctx, o.audio, req, logger)
		if err == nil {
			return o.finish(ctx, req, o.audio.Name(), segments, reasons, logger)
		}
		audioReason = stageReason(o.audio.Name(), err)
		reasons = append(reasons, audioReason)
	}

	o.recordAttempt(ctx, req, "", strings.Join(reasons, reasonSeparator), audioReason, false)
	return "", o.exhaustionFailure(correlationID, reasons)
}

// LastAttempt exposes the diagnostic snapshot for a video.
func (o *Orchestrator) LastAttempt(ctx context.Context, videoID string) (store.Attempt, error) {
	return o.attempts.LastAttempt(ctx, videoID)
}

// runHTTPStage runs one HTTP-based stage. Blocked/invalid content earns a
// single retry with elevated credentials; an auth rejection rotates the
// proxy session before the chain moves on.
func (o *Orchestrator) runHTTPStage(ctx context.Context, stage Stage, req *Request, logger *zap.Logger) ([]transcript.Segment, error) {
	segments, err := o.runStage(ctx, stage, *req, logger)
	if err == nil {
		return segments, nil
	}

	switch transcript.KindOf(err) {
	case transcript.KindContentInvalid:
		retry := *req
		retry.Elevated = true
		logger.Info("retrying stage with elevated credentials", zap.String("stage", stage.Name()))
		if segments, retryErr := o.runStage(ctx, stage, retry, logger); retryErr == nil {
			return segments, nil
		}
	case transcript.KindAuth:
		o.proxies.RotateSession(req.Proxy.Token)
		req.Proxy = o.proxies.ProxiesFor(req.VideoID)
	}
	return nil, err
}

// runCaptureStage gates the browser stage behind the circuit breaker and
// bounds it with its own timeout. Only this stage feeds the breaker.
func (o *Orchestrator) runCaptureStage(ctx context.Context, req Request, logger *zap.Logger) ([]transcript.Segment, error) {
	if !o.breaker.Allow() {
		logger.Info("capture stage skipped", zap.String("breaker", string(o.breaker.State())))
		metrics.ObserveStage(o.capture.Name(), "skipped_circuit_open")
		return nil, transcript.Errorf(transcript.KindUnavailable, "skipped: circuit open")
	}

	captureCtx, cancel := context.WithTimeout(ctx, o.cfg.CaptureTimeout)
	defer cancel()

	segments, err := o.runStage(captureCtx, o.capture, req, logger)
	if err == nil {
		o.breaker.RecordSuccess()
		return segments, nil
	}

	kind := transcript.KindOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		kind = transcript.KindTimeout
	}
	o.breaker.RecordFailure(string(kind))
	if kind == transcript.KindAuth {
		o.proxies.RotateSession(req.Proxy.Token)
	}
	return nil, err
}

// runStage invokes one stage and converts any panic into a stage failure;
// a stage bug must not take down the whole service.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, req Request, logger *zap.Logger) (segments []transcript.Segment, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("stage panicked", zap.String("stage", stage.Name()), zap.Any("panic", rec))
			err = transcript.Errorf(transcript.KindUnavailable, "stage panic: %v", rec)
		}
	}()

	start := o.now()
	segments, err = stage.Fetch(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = string(transcript.KindOf(err))
	}
	metrics.ObserveStage(stage.Name(), outcome)
	logger.Info("stage finished",
		zap.String("stage", stage.Name()),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", o.now().Sub(start)),
	)

	if err == nil && len(segments) == 0 {
		return nil, transcript.Errorf(transcript.KindUnavailable, "no segments produced")
	}
	return segments, err
}

func (o *Orchestrator) finish(ctx context.Context, req Request, stageName string, segments []transcript.Segment, priorReasons []string, logger *zap.Logger) (string, error) {
	text := transcript.Join(segments)
	o.recordAttempt(ctx, req, stageName, strings.Join(priorReasons, reasonSeparator), "", true)

	artifactURL := ""
	if o.artifacts != nil {
		url, err := o.artifacts.Save(ctx, req.VideoID, text)
		if err != nil {
			logger.Warn("artifact save failed", zap.Error(err))
		} else {
			artifactURL = url
		}
	}
	if o.events != nil {
		_, err := o.events.Publish(ctx, publisher.Event{
			VideoID:       req.VideoID,
			Stage:         stageName,
			SegmentCount:  len(segments),
			ArtifactURL:   artifactURL,
			CorrelationID: req.CorrelationID,
		})
		if err != nil {
			logger.Warn("completion event publish failed", zap.Error(err))
		}
	}
	logger.Info("transcript extracted",
		zap.String("stage", stageName),
		zap.Int("segments", len(segments)),
	)
	return text, nil
}

func (o *Orchestrator) recordAttempt(ctx context.Context, req Request, stageName, step1Err, step2Err string, success bool) {
	if o.attempts == nil {
		return
	}
	attempt := store.Attempt{
		VideoID:       req.VideoID,
		Success:       success,
		CookiesUsed:   req.Creds.Source != credentials.SourceNone,
		CookieSource:  string(req.Creds.Source),
		ClientUsed:    stageName,
		ProxyUsed:     req.Proxy.HTTP != "",
		Step1Error:    step1Err,
		Step2Error:    step2Err,
		CorrelationID: req.CorrelationID,
		Timestamp:     o.now(),
	}
	if err := o.attempts.SaveAttempt(ctx, attempt); err != nil {
		o.logger.Warn("attempt snapshot save failed", zap.Error(err))
	}
}

func (o *Orchestrator) preflightFailure(correlationID string, err error) *Failure {
	code := CodeUnreachable
	var authErr *proxy.AuthError
	if errors.As(err, &authErr) {
		code = CodeAuthFailed
	}
	reason := "proxy preflight failed"
	if err != nil {
		reason = fmt.Sprintf("proxy preflight failed: %v", err)
	}
	return &Failure{Code: code, CorrelationID: correlationID, Reasons: []string{reason}}
}

func (o *Orchestrator) exhaustionFailure(correlationID string, reasons []string) *Failure {
	code := CodeExtraction
	joined := strings.ToLower(strings.Join(reasons, reasonSeparator))
	switch {
	case strings.Contains(joined, string(transcript.KindAuth)):
		code = CodeAuthFailed
	case strings.Contains(joined, string(transcript.KindUnreachable)):
		code = CodeUnreachable
	case o.proxies.Misconfigured():
		code = CodeMisconfigured
	}

	hint := ""
	for _, marker := range upstreamChangeMarkers {
		if strings.Contains(joined, marker) {
			hint = "failure pattern matches an upstream API change; extraction tool may need updating"
			break
		}
	}
	return &Failure{Code: code, CorrelationID: correlationID, Reasons: reasons, Hint: hint}
}

func stageReason(stage string, err error) string {
	return fmt.Sprintf("%s: %s=%v", stage, transcript.KindOf(err), err)
}
