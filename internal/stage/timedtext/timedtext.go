// Package timedtext implements the second fallback stage: a direct HTTP
// fetch of the timed-text endpoint, no player API involved.
package timedtext

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/voxlay/transcriptd/internal/credentials"
	"github.com/voxlay/transcriptd/internal/pipeline"
	"github.com/voxlay/transcriptd/internal/transcript"
	"github.com/voxlay/transcriptd/internal/webfetch"
)

// Config tunes the timed-text stage.
type Config struct {
	// BaseURL is the timed-text endpoint.
	BaseURL string
	// Language is the caption language requested.
	Language string
	// CookieDomain scopes which cookies are attached on elevated retries.
	CookieDomain string
}

// Stage fetches captions straight from the timed-text endpoint.
type Stage struct {
	client *webfetch.Client
	cfg    Config
	logger *zap.Logger
}

// New builds the timed-text stage.
func New(client *webfetch.Client, cfg Config, logger *zap.Logger) *Stage {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.youtube.com/api/timedtext"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.CookieDomain == "" {
		cfg.CookieDomain = "youtube.com"
	}
	return &Stage{client: client, cfg: cfg, logger: logger}
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return "timedtext" }

// Fetch requests the caption document for the video and parses it.
func (s *Stage) Fetch(ctx context.Context, req pipeline.Request) ([]transcript.Segment, error) {
	endpoint, err := s.requestURL(req.VideoID)
	if err != nil {
		return nil, transcript.Errorf(transcript.KindUnavailable, "build timedtext url: %v", err)
	}

	body, err := s.client.Get(ctx, endpoint, req.Proxy.HTTP, s.headers(req))
	if err != nil {
		return nil, err
	}
	if err := transcript.ValidateBody(body); err != nil {
		return nil, err
	}
	return transcript.ParseTimedText(body)
}

func (s *Stage) requestURL(videoID string) (string, error) {
	u, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("v", videoID)
	q.Set("lang", s.cfg.Language)
	q.Set("fmt", "json3")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Stage) headers(req pipeline.Request) map[string]string {
	headers := map[string]string{}
	for k, v := range req.Creds.Headers {
		headers[k] = v
	}
	if !req.Elevated || req.Creds.CookiePath == "" {
		return headers
	}
	cookies, err := credentials.ParseCookieFile(req.Creds.CookiePath)
	if err != nil {
		s.logger.Debug("cookie file unusable for elevated retry", zap.Error(err))
		return headers
	}
	if header := credentials.CookieHeader(cookies, s.cfg.CookieDomain); header != "" {
		headers["Cookie"] = header
	}
	return headers
}

var _ pipeline.Stage = (*Stage)(nil)
