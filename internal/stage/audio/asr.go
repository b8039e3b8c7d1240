package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/voxlay/transcriptd/internal/transcript"
)

// Transcriber converts a downloaded audio file into transcript segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]transcript.Segment, error)
}

// HTTPTranscriberConfig points at a speech-to-text HTTP backend.
type HTTPTranscriberConfig struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// HTTPTranscriber uploads audio to a whisper-style transcription endpoint.
type HTTPTranscriber struct {
	cfg    HTTPTranscriberConfig
	client *http.Client
}

// NewHTTPTranscriber builds the transcriber. A nil client gets a default
// with the configured timeout.
func NewHTTPTranscriber(cfg HTTPTranscriberConfig, client *http.Client) *HTTPTranscriber {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPTranscriber{cfg: cfg, client: client}
}

type asrSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type asrResponse struct {
	Segments []asrSegment `json:"segments"`
}

// Transcribe uploads the audio file as multipart form data and maps the
// backend's start/end segments onto start/duration.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, audioPath string) ([]transcript.Segment, error) {
	body, contentType, err := t.buildUpload(audioPath)
	if err != nil {
		return nil, transcript.Errorf(transcript.KindUnavailable, "prepare upload: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, body)
	if err != nil {
		return nil, transcript.Errorf(transcript.KindUnavailable, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if t.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, transcript.Errorf(transcript.KindUnreachable, "transcription backend: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, transcript.Errorf(transcript.KindUnreachable, "read transcription response: %v", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, transcript.Errorf(transcript.KindAuth, "transcription backend rejected credentials: status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, transcript.Errorf(transcript.KindUnreachable, "transcription backend unavailable: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, transcript.Errorf(transcript.KindUnavailable, "transcription backend error: status %d", resp.StatusCode)
	}

	var parsed asrResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, transcript.Errorf(transcript.KindContentInvalid, "unexpected transcription response: %v", err)
	}
	segments := make([]transcript.Segment, 0, len(parsed.Segments))
	for _, s := range parsed.Segments {
		if s.Text == "" {
			continue
		}
		segments = append(segments, transcript.Segment{
			Text:     s.Text,
			Start:    s.Start,
			Duration: s.End - s.Start,
		})
	}
	return segments, nil
}

func (t *HTTPTranscriber) buildUpload(audioPath string) (io.Reader, string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", err
	}
	if t.cfg.Model != "" {
		if err := writer.WriteField("model", t.cfg.Model); err != nil {
			return nil, "", err
		}
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

var _ Transcriber = (*HTTPTranscriber)(nil)
