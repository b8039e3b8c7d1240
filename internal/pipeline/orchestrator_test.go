package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voxlay/transcriptd/internal/breaker"
	"github.com/voxlay/transcriptd/internal/credentials"
	"github.com/voxlay/transcriptd/internal/proxy"
	"github.com/voxlay/transcriptd/internal/publisher"
	"github.com/voxlay/transcriptd/internal/storage"
	"github.com/voxlay/transcriptd/internal/store"
	"github.com/voxlay/transcriptd/internal/transcript"
)

type stubStage struct {
	mu    sync.Mutex
	name  string
	fn    func(req Request) ([]transcript.Segment, error)
	calls []Request
}

func (s *stubStage) Name() string { return s.name }

func (s *stubStage) Fetch(_ context.Context, req Request) ([]transcript.Segment, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.fn(req)
}

func (s *stubStage) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubStage) call(i int) Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

type stubResolver struct{ creds credentials.Credentials }

func (s stubResolver) Resolve(context.Context, string) credentials.Credentials { return s.creds }

func okSegments() []transcript.Segment {
	return []transcript.Segment{
		{Text: "hello", Start: 0, Duration: 1},
		{Text: "world", Start: 1, Duration: 1},
	}
}

func failWith(kind transcript.Kind, msg string) func(Request) ([]transcript.Segment, error) {
	return func(Request) ([]transcript.Segment, error) {
		return nil, transcript.Errorf(kind, "%s", msg)
	}
}

func succeed() func(Request) ([]transcript.Segment, error) {
	return func(Request) ([]transcript.Segment, error) { return okSegments(), nil }
}

func testManager(t *testing.T) *proxy.Manager {
	t.Helper()
	fetch := func(context.Context) (map[string]any, error) {
		return map[string]any{
			"provider": "brightdata",
			"host":     "proxy.example.net",
			"port":     float64(8080),
			"username": "customer-abc",
			"password": "secret",
		}, nil
	}
	m, err := proxy.NewManager(context.Background(), fetch, proxy.NewRegistry(100, time.Hour), zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

type harness struct {
	orch      *Orchestrator
	manager   *proxy.Manager
	breaker   *breaker.Breaker
	attempts  *store.MemoryProvider
	artifacts *storage.MemoryProvider
	events    *publisher.MemoryProvider
}

func newHarness(t *testing.T, httpStages []Stage, capture, audio Stage) *harness {
	t.Helper()
	m := testManager(t)
	brk := breaker.New(breaker.Config{FailureThreshold: 3}, zap.NewNop())
	attempts := store.NewMemoryProvider()
	artifacts := storage.NewMemoryProvider()
	events := publisher.NewMemoryProvider()
	orch := New(
		m, brk, stubResolver{creds: credentials.Credentials{Source: credentials.SourceNone}},
		httpStages, capture, audio,
		attempts, artifacts, events,
		Config{CaptureTimeout: time.Second},
		zap.NewNop(),
	)
	return &harness{orch: orch, manager: m, breaker: brk, attempts: attempts, artifacts: artifacts, events: events}
}

func TestFirstStageSuccessShortCircuits(t *testing.T) {
	first := &stubStage{name: "captions_api", fn: succeed()}
	second := &stubStage{name: "timedtext", fn: succeed()}
	capture := &stubStage{name: "capture", fn: succeed()}
	h := newHarness(t, []Stage{first, second}, capture, nil)

	text, err := h.orch.GetTranscript(context.Background(), "vid-1", "")
	if err != nil {
		t.Fatalf("GetTranscript() error = %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}
	if second.callCount() != 0 || capture.callCount() != 0 {
		t.Error("later stages ran after a success")
	}

	attempt, err := h.attempts.LastAttempt(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("LastAttempt() error = %v", err)
	}
	if !attempt.Success || attempt.ClientUsed != "captions_api" {
		t.Errorf("attempt = %+v", attempt)
	}
	if attempt.CorrelationID == "" {
		t.Error("attempt has no correlation id")
	}

	if _, err := h.artifacts.Load(context.Background(), "vid-1"); err != nil {
		t.Errorf("artifact not saved: %v", err)
	}
	events := h.events.Events()
	if len(events) != 1 || events[0].Stage != "captions_api" || events[0].SegmentCount != 2 {
		t.Errorf("events = %+v", events)
	}
}

func TestCallerCorrelationIDPropagates(t *testing.T) {
	stage := &stubStage{name: "captions_api", fn: succeed()}
	h := newHarness(t, []Stage{stage}, nil, nil)

	ctx := WithCorrelationID(context.Background(), "req-1234")
	if _, err := h.orch.GetTranscript(ctx, "vid-1", ""); err != nil {
		t.Fatalf("GetTranscript() error = %v", err)
	}

	if got := stage.call(0).CorrelationID; got != "req-1234" {
		t.Errorf("stage correlation id = %q, want req-1234", got)
	}
	attempt, err := h.attempts.LastAttempt(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("LastAttempt() error = %v", err)
	}
	if attempt.CorrelationID != "req-1234" {
		t.Errorf("attempt correlation id = %q, want req-1234", attempt.CorrelationID)
	}
	if events := h.events.Events(); len(events) != 1 || events[0].CorrelationID != "req-1234" {
		t.Errorf("events = %+v", events)
	}
}

func TestEmptyVideoID(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	_, err := h.orch.GetTranscript(context.Background(), "  ", "")
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("error = %v, want *Failure", err)
	}
	if failure.Code != CodeExtraction {
		t.Errorf("Code = %s", failure.Code)
	}
}

func TestPreflightAuthFailureRunsNoStages(t *testing.T) {
	first := &stubStage{name: "captions_api", fn: succeed()}
	h := newHarness(t, []Stage{first}, nil, nil)
	h.manager.SetPreflight(proxy.NewPreflight(
		func(context.Context) error { return &proxy.AuthError{Status: 407} },
		proxy.PreflightConfig{TTL: time.Minute, ProbesPerMin: 600},
		zap.NewNop(),
	))

	_, err := h.orch.GetTranscript(context.Background(), "vid-1", "")
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("error = %v, want *Failure", err)
	}
	if failure.Code != CodeAuthFailed {
		t.Errorf("Code = %s, want %s", failure.Code, CodeAuthFailed)
	}
	if first.callCount() != 0 {
		t.Error("stage ran despite failed preflight")
	}
}

func TestPreflightUnreachableFailure(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	h.manager.SetPreflight(proxy.NewPreflight(
		func(context.Context) error { return &proxy.UnreachableError{Err: errors.New("refused")} },
		proxy.PreflightConfig{TTL: time.Minute, ProbesPerMin: 600},
		zap.NewNop(),
	))

	_, err := h.orch.GetTranscript(context.Background(), "vid-1", "")
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("error = %v, want *Failure", err)
	}
	if failure.Code != CodeUnreachable {
		t.Errorf("Code = %s, want %s", failure.Code, CodeUnreachable)
	}
}

func TestContentInvalidEarnsOneElevatedRetry(t *testing.T) {
	stage := &stubStage{name: "captions_api"}
	stage.fn = func(req Request) ([]transcript.Segment, error) {
		if req.Elevated {
			return okSegments(), nil
		}
		return nil, transcript.Errorf(transcript.KindContentInvalid, "blocked by consent page")
	}
	h := newHarness(t, []Stage{stage}, nil, nil)

	text, err := h.orch.GetTranscript(context.Background(), "vid-1", "")
	if err != nil {
		t.Fatalf("GetTranscript() error = %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}
	if stage.callCount() != 2 {
		t.Fatalf("calls = %d, want plain then elevated", stage.callCount())
	}
	if stage.call(0).Elevated || !stage.call(1).Elevated {
		t.Error("elevation flags wrong across the retry")
	}
}

func TestAuthFailureRotatesSessionBeforeNextStage(t *testing.T) {
	first := &stubStage{name: "captions_api", fn: failWith(transcript.KindAuth, "proxy rejected")}
	second := &stubStage{name: "timedtext", fn: succeed()}
	h := newHarness(t, []Stage{first, second}, nil, nil)

	if _, err := h.orch.GetTranscript(context.Background(), "vid-1", ""); err != nil {
		t.Fatalf("GetTranscript() error = %v", err)
	}
	firstToken := first.call(0).Proxy.Token
	secondToken := second.call(0).Proxy.Token
	if firstToken == secondToken {
		t.Error("session token not rotated after auth failure")
	}
}

func TestCaptureTimeoutsOpenBreakerThenSkip(t *testing.T) {
	httpFail := &stubStage{name: "captions_api", fn: failWith(transcript.KindUnavailable, "no tracks")}
	capture := &stubStage{name: "capture", fn: failWith(transcript.KindTimeout, "navigation timed out")}
	h := newHarness(t, []Stage{httpFail}, capture, nil)

	for i := 0; i < 3; i++ {
		if _, err := h.orch.GetTranscript(context.Background(), "vid-1", ""); err == nil {
			t.Fatal("GetTranscript() = nil error, want exhaustion")
		}
	}
	if capture.callCount() != 3 {
		t.Fatalf("capture calls = %d, want 3", capture.callCount())
	}
	if h.breaker.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want OPEN", h.breaker.State())
	}

	// The open circuit skips capture entirely on the next request.
	if _, err := h.orch.GetTranscript(context.Background(), "vid-1", ""); err == nil {
		t.Fatal("GetTranscript() = nil error")
	}
	if capture.callCount() != 3 {
		t.Errorf("capture calls = %d after open circuit, want still 3", capture.callCount())
	}
}

func TestAudioRunsEvenWithOpenBreaker(t *testing.T) {
	httpFail := &stubStage{name: "captions_api", fn: failWith(transcript.KindUnavailable, "no tracks")}
	capture := &stubStage{name: "capture", fn: failWith(transcript.KindTimeout, "navigation timed out")}
	audio := &stubStage{name: "audio_asr", fn: succeed()}
	h := newHarness(t, []Stage{httpFail}, capture, audio)

	// Audio succeeding means every request succeeds, while capture keeps
	// feeding the breaker until it opens.
	for i := 0; i < 4; i++ {
		text, err := h.orch.GetTranscript(context.Background(), "vid-1", "")
		if err != nil {
			t.Fatalf("request %d error = %v", i, err)
		}
		if text != "hello world" {
			t.Errorf("text = %q", text)
		}
	}
	if h.breaker.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want OPEN", h.breaker.State())
	}
	if capture.callCount() != 3 {
		t.Errorf("capture calls = %d, want 3 then skipped", capture.callCount())
	}
	if audio.callCount() != 4 {
		t.Errorf("audio calls = %d, want 4; audio must never be gated", audio.callCount())
	}
}

func TestExhaustionCollectsAllReasons(t *testing.T) {
	first := &stubStage{name: "captions_api", fn: failWith(transcript.KindUnavailable, "video has no caption tracks")}
	second := &stubStage{name: "timedtext", fn: failWith(transcript.KindContentInvalid, "blocked by consent page")}
	audio := &stubStage{name: "audio_asr", fn: failWith(transcript.KindUnavailable, "tool failed")}
	h := newHarness(t, []Stage{first, second}, nil, audio)

	_, err := h.orch.GetTranscript(context.Background(), "vid-1", "")
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("error = %v, want *Failure", err)
	}
	if failure.Code != CodeExtraction {
		t.Errorf("Code = %s, want %s", failure.Code, CodeExtraction)
	}
	if len(failure.Reasons) != 3 {
		t.Fatalf("Reasons = %v, want one per stage", failure.Reasons)
	}
	for _, want := range []string{"captions_api", "timedtext", "audio_asr"} {
		if !strings.Contains(failure.Error(), want) {
			t.Errorf("Error() missing %q: %s", want, failure.Error())
		}
	}

	attempt, err := h.attempts.LastAttempt(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("LastAttempt() error = %v", err)
	}
	if attempt.Success {
		t.Error("attempt recorded as success")
	}
	if !strings.Contains(attempt.Step2Error, "tool failed") {
		t.Errorf("Step2Error = %q, want the audio reason", attempt.Step2Error)
	}
}

func TestExhaustionAuthCodeWins(t *testing.T) {
	first := &stubStage{name: "captions_api", fn: failWith(transcript.KindAuth, "proxy rejected")}
	h := newHarness(t, []Stage{first}, nil, nil)

	_, err := h.orch.GetTranscript(context.Background(), "vid-1", "")
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("error = %v", err)
	}
	if failure.Code != CodeAuthFailed {
		t.Errorf("Code = %s, want %s", failure.Code, CodeAuthFailed)
	}
}

func TestExhaustionHintOnUpstreamChangeMarker(t *testing.T) {
	first := &stubStage{name: "captions_api", fn: failWith(transcript.KindUnavailable, "unexpected json from player response")}
	h := newHarness(t, []Stage{first}, nil, nil)

	_, err := h.orch.GetTranscript(context.Background(), "vid-1", "")
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("error = %v", err)
	}
	if failure.Hint == "" {
		t.Error("no upstream-change hint on a matching failure")
	}
	if !strings.Contains(failure.Error(), failure.Hint) {
		t.Error("Error() does not carry the hint")
	}
}

func TestEmptySegmentsBecomeUnavailable(t *testing.T) {
	stage := &stubStage{name: "captions_api", fn: func(Request) ([]transcript.Segment, error) {
		return []transcript.Segment{}, nil
	}}
	h := newHarness(t, []Stage{stage}, nil, nil)

	_, err := h.orch.GetTranscript(context.Background(), "vid-1", "")
	if err == nil {
		t.Fatal("GetTranscript() = nil error for empty segments")
	}
}

func TestStagePanicIsContained(t *testing.T) {
	panicky := &stubStage{name: "captions_api", fn: func(Request) ([]transcript.Segment, error) {
		panic("selector index out of range")
	}}
	fallback := &stubStage{name: "timedtext", fn: succeed()}
	h := newHarness(t, []Stage{panicky, fallback}, nil, nil)

	text, err := h.orch.GetTranscript(context.Background(), "vid-1", "")
	if err != nil {
		t.Fatalf("GetTranscript() error = %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}
}
