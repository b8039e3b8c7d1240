// Package captions implements the first fallback stage: the upstream
// player API, which lists caption tracks and their fetch URLs.
package captions

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/voxlay/transcriptd/internal/credentials"
	"github.com/voxlay/transcriptd/internal/pipeline"
	"github.com/voxlay/transcriptd/internal/transcript"
	"github.com/voxlay/transcriptd/internal/webfetch"
)

// Config tunes the captions stage.
type Config struct {
	// PlayerURL is the player API endpoint.
	PlayerURL string
	// ClientVersion is the API client version sent in the request body.
	ClientVersion string
	// Language is the preferred caption language code.
	Language string
	// CookieDomain scopes which cookies are attached on elevated retries.
	CookieDomain string
}

// Stage fetches caption tracks via the player API.
type Stage struct {
	client *webfetch.Client
	cfg    Config
	logger *zap.Logger
}

// New builds the captions stage.
func New(client *webfetch.Client, cfg Config, logger *zap.Logger) *Stage {
	if cfg.PlayerURL == "" {
		cfg.PlayerURL = "https://www.youtube.com/youtubei/v1/player"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "2.20240101.00.00"
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
func (s *Stage) Name() string { return "captions_api" }

type playerRequest struct {
	VideoID string `json:"videoId"`
	Context struct {
		Client struct {
			ClientName    string `json:"clientName"`
			ClientVersion string `json:"clientVersion"`
		} `json:"client"`
	} `json:"context"`
}

type playerResponse struct {
	Captions struct {
		Renderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

// Fetch lists the video's caption tracks and downloads the best one.
func (s *Stage) Fetch(ctx context.Context, req pipeline.Request) ([]transcript.Segment, error) {
	body := playerRequest{VideoID: req.VideoID}
	body.Context.Client.ClientName = "WEB"
	body.Context.Client.ClientVersion = s.cfg.ClientVersion
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, transcript.Errorf(transcript.KindUnavailable, "marshal player request: %v", err)
	}

	headers := s.headers(req)
	raw, err := s.client.Post(ctx, s.cfg.PlayerURL, req.Proxy.HTTP, headers, payload, "application/json")
	if err != nil {
		return nil, err
	}
	if err := transcript.ValidateBody(raw); err != nil {
		return nil, err
	}

	var parsed playerResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, transcript.Errorf(transcript.KindUnavailable, "unexpected json from player response: %v", err)
	}
	track, ok := pickTrack(parsed.Captions.Renderer.CaptionTracks, s.cfg.Language)
	if !ok {
		return nil, transcript.Errorf(transcript.KindUnavailable, "video has no caption tracks")
	}

	trackBody, err := s.client.Get(ctx, trackURL(track.BaseURL), req.Proxy.HTTP, headers)
	if err != nil {
		return nil, err
	}
	if err := transcript.ValidateBody(trackBody); err != nil {
		return nil, err
	}
	return transcript.ParseTimedText(trackBody)
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

// pickTrack selects the track for lang, preferring human-authored tracks
// over ASR ones, falling back to the first track listed.
func pickTrack(tracks []captionTrack, lang string) (captionTrack, bool) {
	if len(tracks) == 0 {
		return captionTrack{}, false
	}
	var asrMatch *captionTrack
	for i := range tracks {
		if !strings.EqualFold(tracks[i].LanguageCode, lang) {
			continue
		}
		if tracks[i].Kind != "asr" {
			return tracks[i], true
		}
		if asrMatch == nil {
			asrMatch = &tracks[i]
		}
	}
	if asrMatch != nil {
		return *asrMatch, true
	}
	return tracks[0], true
}

// trackURL appends the json3 format parameter to a track base URL.
func trackURL(baseURL string) string {
	if strings.Contains(baseURL, "?") {
		return baseURL + "&fmt=json3"
	}
	return baseURL + "?fmt=json3"
}

var _ pipeline.Stage = (*Stage)(nil)
