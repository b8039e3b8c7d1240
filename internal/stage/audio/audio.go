// Package audio implements the last-resort stage: download the audio
// track with an external extraction tool and transcribe it with a
// speech-to-text backend.
package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voxlay/transcriptd/internal/pipeline"
	"github.com/voxlay/transcriptd/internal/transcript"
)

// Config tunes the audio stage.
type Config struct {
	// ToolPath is the audio extraction binary.
	ToolPath string
	// Format and FallbackFormat are the tool's format selectors, tried in
	// that order.
	Format         string
	FallbackFormat string
	// ProxyRequired refuses to download without an active proxy rather
	// than exposing the host address.
	ProxyRequired bool
	// MinBytes is the smallest artifact accepted as a real audio track.
	MinBytes int64
	// WorkDir hosts per-request scratch directories; empty means the
	// system temp dir.
	WorkDir string
	// BlockedPatterns are substrings of tool output that indicate a
	// bot-detection block rather than a transient failure.
	BlockedPatterns []string
	// Timeout bounds one tool invocation.
	Timeout time.Duration
}

// defaultBlockedPatterns match the tool output seen when the upstream
// refuses automated clients.
var defaultBlockedPatterns = []string{
	"sign in to confirm",
	"not a bot",
	"unable to extract",
	"http error 403",
}

// CommandRunner executes the extraction tool. The seam exists so tests
// never spawn a real process.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return []byte(out.String()), []byte(errBuf.String()), err
}

// Stage downloads audio and hands it to the transcriber.
type Stage struct {
	cfg         Config
	runner      CommandRunner
	transcriber Transcriber
	logger      *zap.Logger
}

// New builds the audio stage with the real process runner.
func New(cfg Config, transcriber Transcriber, logger *zap.Logger) *Stage {
	return newStage(cfg, execRunner{}, transcriber, logger)
}

// NewWithRunner builds the stage with a custom runner, for tests.
func NewWithRunner(cfg Config, runner CommandRunner, transcriber Transcriber, logger *zap.Logger) *Stage {
	return newStage(cfg, runner, transcriber, logger)
}

func newStage(cfg Config, runner CommandRunner, transcriber Transcriber, logger *zap.Logger) *Stage {
	if cfg.ToolPath == "" {
		cfg.ToolPath = "yt-dlp"
	}
	if cfg.Format == "" {
		cfg.Format = "bestaudio[ext=m4a]"
	}
	if cfg.FallbackFormat == "" {
		cfg.FallbackFormat = "bestaudio"
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 10 * 1024
	}
	if len(cfg.BlockedPatterns) == 0 {
		cfg.BlockedPatterns = defaultBlockedPatterns
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Stage{cfg: cfg, runner: runner, transcriber: transcriber, logger: logger}
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return "audio_asr" }

// Fetch downloads the audio track and transcribes it. A download whose
// output matches a blocked pattern is retried once with cookies disabled;
// a format failure is retried once with the fallback format. Both
// attempts' errors are reported together so the operator sees the full
// picture.
func (s *Stage) Fetch(ctx context.Context, req pipeline.Request) ([]transcript.Segment, error) {
	logger := s.logger.With(zap.String("video_id", req.VideoID))

	if s.cfg.ProxyRequired && req.Proxy.HTTP == "" {
		return nil, s.fail(transcript.KindUnreachable,
			errors.New("no proxy configured; refusing direct audio download"))
	}

	workDir, err := os.MkdirTemp(s.cfg.WorkDir, "asr-")
	if err != nil {
		return nil, s.fail(transcript.KindUnavailable, fmt.Errorf("create scratch dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	audioPath, err := s.downloadWithRetries(ctx, req, workDir, logger)
	if err != nil {
		return nil, err
	}

	segments, err := s.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, s.fail(transcript.KindUnavailable, errors.New("transcriber returned no segments"))
	}
	logger.Info("audio transcription succeeded", zap.Int("segments", len(segments)))
	return segments, nil
}

// downloadWithRetries runs the retry ladder: primary format with
// credentials, then without credentials on a blocked pattern, then the
// fallback format with the same two-step ladder.
func (s *Stage) downloadWithRetries(ctx context.Context, req pipeline.Request, workDir string, logger *zap.Logger) (string, error) {
	var attemptErrs []string
	for _, format := range []string{s.cfg.Format, s.cfg.FallbackFormat} {
		path, output, err := s.download(ctx, req, workDir, format, true)
		if err == nil {
			return path, nil
		}
		attemptErrs = append(attemptErrs, fmt.Sprintf("format %q with cookies: %v", format, err))

		if s.blocked(output) {
			// A bot-detection block is often keyed to the stored session,
			// so the retry drops credentials entirely.
			logger.Info("download blocked, retrying without cookies", zap.String("format", format))
			path, _, err = s.download(ctx, req, workDir, format, false)
			if err == nil {
				return path, nil
			}
			attemptErrs = append(attemptErrs, fmt.Sprintf("format %q without cookies: %v", format, err))
		}
		if format == s.cfg.FallbackFormat {
			break
		}
		logger.Info("primary format failed, trying fallback", zap.String("fallback", s.cfg.FallbackFormat))
	}
	return "", s.fail(transcript.KindUnavailable, errors.New(strings.Join(attemptErrs, "; ")))
}

// download runs one tool invocation and validates the artifact.
func (s *Stage) download(ctx context.Context, req pipeline.Request, workDir, format string, withCookies bool) (string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	outTemplate := filepath.Join(workDir, "audio.%(ext)s")
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--print-json",
		"-f", format,
		"-o", outTemplate,
	}
	if req.Proxy.HTTP != "" {
		args = append(args, "--proxy", req.Proxy.HTTP)
	}
	if withCookies && req.Creds.CookiePath != "" {
		args = append(args, "--cookies", req.Creds.CookiePath)
	}
	args = append(args, req.VideoID)

	stdout, stderr, err := s.runner.Run(runCtx, s.cfg.ToolPath, args...)
	combined := string(stdout) + "\n" + string(stderr)
	if runCtx.Err() == context.DeadlineExceeded {
		return "", combined, fmt.Errorf("download timed out after %s", s.cfg.Timeout)
	}
	if err != nil {
		return "", combined, fmt.Errorf("tool failed: %w: %s", err, firstLine(string(stderr)))
	}

	path, duration, err := parseToolOutput(stdout)
	if err != nil {
		return "", combined, err
	}
	if duration <= 0 {
		return "", combined, fmt.Errorf("artifact reports non-positive duration %.1fs", duration)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", combined, fmt.Errorf("artifact missing: %w", err)
	}
	if info.Size() < s.cfg.MinBytes {
		return "", combined, fmt.Errorf("artifact too small: %d bytes < %d", info.Size(), s.cfg.MinBytes)
	}
	return path, combined, nil
}

// toolInfo is the subset of the tool's JSON metadata line the stage
// validates against.
type toolInfo struct {
	Filename string  `json:"_filename"`
	Duration float64 `json:"duration"`
}

// parseToolOutput finds the metadata JSON line on stdout. The tool can
// emit progress noise around it, so each line is tried.
func parseToolOutput(stdout []byte) (string, float64, error) {
	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var info toolInfo
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			continue
		}
		if info.Filename == "" {
			continue
		}
		return info.Filename, info.Duration, nil
	}
	return "", 0, errors.New("no artifact metadata in tool output")
}

func (s *Stage) blocked(output string) bool {
	lower := strings.ToLower(output)
	for _, pattern := range s.cfg.BlockedPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func (s *Stage) fail(kind transcript.Kind, err error) error {
	return &transcript.StageError{Kind: kind, Stage: s.Name(), Err: err}
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

var _ pipeline.Stage = (*Stage)(nil)
