// Package api exposes the HTTP interface for the transcript service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxlay/transcriptd/internal/metrics"
	"github.com/voxlay/transcriptd/internal/pipeline"
	"github.com/voxlay/transcriptd/internal/proxy"
	"github.com/voxlay/transcriptd/internal/store"
)

// Extractor is the pipeline surface the server depends on.
type Extractor interface {
	GetTranscript(ctx context.Context, videoID, userID string) (string, error)
	LastAttempt(ctx context.Context, videoID string) (store.Attempt, error)
}

// ProxyHealth exposes the cached preflight verdict for readiness checks.
type ProxyHealth interface {
	PreflightCached() (proxy.Result, bool)
}

// Server wires HTTP handlers to the extraction pipeline.
type Server struct {
	router    chi.Router
	extractor Extractor
	health    ProxyHealth
	logger    *zap.Logger
	timeout   time.Duration
	now       func() time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(extractor Extractor, health ProxyHealth, timeout time.Duration, logger *zap.Logger) *Server {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	s := &Server{
		extractor: extractor,
		health:    health,
		logger:    logger,
		timeout:   timeout,
		now:       time.Now,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/health/live", s.live)
	r.Get("/health/ready", s.ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/transcripts/{video_id}", func(r chi.Router) {
			r.Get("/", s.getTranscript)
			r.Get("/attempt", s.getLastAttempt)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready reports only the cached preflight verdict. The readiness probe
// must never trigger a live probe of the upstream proxy.
func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	result, ok := s.health.PreflightCached()
	if !ok {
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"proxy_healthy": false,
			"reason":        "no preflight result yet",
		})
		return
	}
	if !result.Healthy {
		reason := "proxy preflight failed"
		if result.Err != nil {
			reason = result.Err.Error()
		}
		w.Header().Set("Retry-After", retryAfter(result, s.now()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"proxy_healthy": false,
			"reason":        reason,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxy_healthy": true})
}

func (s *Server) getTranscript(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	userID := r.URL.Query().Get("user_id")

	text, err := s.extractor.GetTranscript(r.Context(), videoID, userID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"video_id":   videoID,
		"transcript": text,
	})
}

func (s *Server) getLastAttempt(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	attempt, err := s.extractor.LastAttempt(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "NOT_FOUND", "no attempt recorded for video", "")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "attempt lookup failed", "")
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// writeFailure maps a pipeline failure onto HTTP. Proxy faults are
// gateway errors; only unreachability earns a 503.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var failure *pipeline.Failure
	if !errors.As(err, &failure) {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), "")
		return
	}

	status := http.StatusBadGateway
	switch failure.Code {
	case pipeline.CodeUnreachable:
		status = http.StatusServiceUnavailable
	case pipeline.CodeAuthFailed, pipeline.CodeMisconfigured, pipeline.CodeExtraction:
		status = http.StatusBadGateway
	}
	s.writeError(w, status, failure.Code, failure.Error(), failure.CorrelationID)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, errorBody{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Timestamp:     s.now().UTC().Format(time.RFC3339),
	})
}

// retryAfter derives the Retry-After header from the cached result's
// remaining TTL, floored at one second.
func retryAfter(result proxy.Result, now time.Time) string {
	remaining := result.Timestamp.Add(result.TTL).Sub(now)
	seconds := int(remaining.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// requestIDMiddleware mints the request id and hands it to the pipeline
// as the correlation id, so the X-Request-ID header matches the
// correlation_id in any error body and attempt snapshot.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := pipeline.WithCorrelationID(r.Context(), reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", pipeline.CorrelationIDFrom(r.Context())),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
