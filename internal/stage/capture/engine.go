// Package capture implements the browser-automation stage: a headless
// session that reads embedded caption metadata when it can, intercepts
// the internal transcript endpoint when it must, and scrapes the rendered
// transcript panel as a last resort.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/voxlay/transcriptd/internal/credentials"
	"github.com/voxlay/transcriptd/internal/pipeline"
	"github.com/voxlay/transcriptd/internal/proxy"
	"github.com/voxlay/transcriptd/internal/transcript"
	"github.com/voxlay/transcriptd/internal/webfetch"
)

// Failure classifications. They exist purely for logging; the caller only
// distinguishes success from failure.
const (
	reasonAuthMissing = "authentication_missing"
	reasonNavTimeout  = "navigation_timeout"
	reasonParse       = "response_parsing_error"
	reasonProxy       = "proxy_connection_error"
	reasonButton      = "button_not_found"
)

// Config tunes the capture engine.
type Config struct {
	// WatchURLFormat builds the video page URL from the video id.
	WatchURLFormat string
	// EndpointFragment is the URL substring identifying the internal
	// transcript-fetch endpoint.
	EndpointFragment string
	UserAgent        string
	Language         string
	// RequireAuth rejects requests without stored session state instead
	// of navigating anonymously.
	RequireAuth bool
	MaxParallel int
	// NavTimeout bounds page navigation; CaptureTimeout bounds the wait
	// for the intercepted response.
	NavTimeout     time.Duration
	CaptureTimeout time.Duration

	// Selector overrides; defaults in selectors.go apply when empty.
	ConsentSelectors    []string
	ExpandSelectors     []string
	TranscriptSelectors []string
}

// Engine drives the headless browser. One Engine is shared process-wide;
// each Fetch gets its own browser context torn down on every exit path.
type Engine struct {
	cfg        Config
	httpClient *webfetch.Client
	sem        chan struct{}
	logger     *zap.Logger

	consent       []strategy
	expand        []strategy
	transcriptSel []strategy
}

// New builds the engine.
func New(cfg Config, httpClient *webfetch.Client, logger *zap.Logger) *Engine {
	if cfg.WatchURLFormat == "" {
		cfg.WatchURLFormat = "https://www.youtube.com/watch?v=%s"
	}
	if cfg.EndpointFragment == "" {
		cfg.EndpointFragment = "/youtubei/v1/get_transcript"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 60 * time.Second
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 25 * time.Second
	}
	var sem chan struct{}
	if cfg.MaxParallel > 0 {
		sem = make(chan struct{}, cfg.MaxParallel)
	}
	return &Engine{
		cfg:           cfg,
		httpClient:    httpClient,
		sem:           sem,
		logger:        logger,
		consent:       strategiesFrom(cfg.ConsentSelectors, defaultConsentSelectors, "consent"),
		expand:        strategiesFrom(cfg.ExpandSelectors, defaultExpandSelectors, "expand"),
		transcriptSel: strategiesFrom(cfg.TranscriptSelectors, defaultTranscriptSelectors, "transcript"),
	}
}

// Name implements pipeline.Stage.
func (e *Engine) Name() string { return "capture" }

// Fetch runs the three-technique capture inside one browser session:
// embedded metadata, endpoint interception, DOM scrape. Helpers below the
// session boundary log-and-continue; only the session as a whole fails.
func (e *Engine) Fetch(ctx context.Context, req pipeline.Request) ([]transcript.Segment, error) {
	logger := e.logger.With(zap.String("video_id", req.VideoID))

	if e.cfg.RequireAuth && req.Creds.Source == credentials.SourceNone {
		return nil, classify(reasonAuthMissing, errors.New("no stored session state"))
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)
	if e.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(e.cfg.UserAgent))
	}
	if req.Proxy.Server != "" {
		opts = append(opts, chromedp.ProxyServer(req.Proxy.Server))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	e.installProxyAuth(tabCtx, req.Proxy)
	// Interception is armed before any DOM interaction so the transcript
	// request cannot fire unobserved.
	capture := newResponseCapture(tabCtx, e.cfg.EndpointFragment, logger)

	navCtx, navCancel := context.WithTimeout(tabCtx, e.cfg.NavTimeout)
	defer navCancel()

	pageURL := fmt.Sprintf(e.cfg.WatchURLFormat, req.VideoID)
	setup := chromedp.Tasks{
		network.Enable(),
		fetch.Enable().WithHandleAuthRequests(true),
		e.cookieAction(req.Creds),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if err := chromedp.Run(navCtx, setup); err != nil {
		return nil, classifyNavError(err)
	}

	// Technique 1: embedded caption metadata, no DOM interaction. Cheaper
	// and more deterministic than anything below, so always first.
	if segments, ok := e.fastPath(navCtx, req, logger); ok {
		return segments, nil
	}

	// Technique 2: drive the UI until the transcript endpoint fires.
	e.openTranscriptPanel(tabCtx, logger)
	var parseErr error
	if body, ok := capture.Wait(tabCtx, e.cfg.CaptureTimeout); ok {
		segments, err := parseInterceptedBody(body)
		if err == nil {
			return segments, nil
		}
		parseErr = err
		logger.Warn("intercepted transcript body unparseable", zap.Error(err))
		// Fall through to the DOM scrape rather than giving up.
	}

	// Technique 3: scrape the rendered panel.
	if segments, ok := e.domScrape(tabCtx, logger); ok {
		return segments, nil
	}
	return nil, captureOutcome(parseErr)
}

// captureOutcome picks the terminal classification: an intercepted body
// that would not parse outranks "never found the control".
func captureOutcome(parseErr error) error {
	if parseErr != nil {
		return classify(reasonParse, parseErr)
	}
	return classify(reasonButton, errors.New("no transcript obtained from interception or DOM"))
}

func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if e.sem == nil {
		return func() {}, nil
	}
	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem }, nil
	case <-ctx.Done():
		return nil, classify(reasonNavTimeout, fmt.Errorf("acquire browser slot: %w", ctx.Err()))
	}
}

// installProxyAuth answers the proxy's auth challenge with the session
// credentials and lets every other paused request straight through.
func (e *Engine) installProxyAuth(tabCtx context.Context, cfg proxy.Config) {
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch event := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				execCtx := executorFor(tabCtx)
				if execCtx == nil {
					return
				}
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: cfg.Username,
					Password: cfg.Password,
				}
				if err := fetch.ContinueWithAuth(event.RequestID, resp).Do(execCtx); err != nil {
					e.logger.Debug("proxy auth continue failed", zap.Error(err))
				}
			}()
		case *fetch.EventRequestPaused:
			go func() {
				execCtx := executorFor(tabCtx)
				if execCtx == nil {
					return
				}
				if err := fetch.ContinueRequest(event.RequestID).Do(execCtx); err != nil {
					e.logger.Debug("request continue failed", zap.Error(err))
				}
			}()
		}
	})
}

func executorFor(tabCtx context.Context) context.Context {
	c := chromedp.FromContext(tabCtx)
	if c == nil {
		return nil
	}
	return cdp.WithExecutor(tabCtx, c.Target)
}

// cookieAction loads the Netscape cookie file into the browser session.
// An unusable file degrades to an anonymous session, it does not fail the
// engine.
func (e *Engine) cookieAction(creds credentials.Credentials) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if creds.CookiePath == "" {
			return nil
		}
		cookies, err := credentials.ParseCookieFile(creds.CookiePath)
		if err != nil {
			e.logger.Warn("cookie file unusable for browser session", zap.Error(err))
			return nil
		}
		for _, c := range cookies {
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				Do(ctx)
			if err != nil {
				e.logger.Debug("set cookie failed", zap.String("name", c.Name), zap.Error(err))
			}
		}
		return nil
	})
}

type playerTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

const fastPathJS = `JSON.stringify((window.ytInitialPlayerResponse ` +
	`&& window.ytInitialPlayerResponse.captions ` +
	`&& window.ytInitialPlayerResponse.captions.playerCaptionsTracklistRenderer ` +
	`&& window.ytInitialPlayerResponse.captions.playerCaptionsTracklistRenderer.captionTracks) || null)`

// fastPath reads the caption track list embedded in the initial page
// payload and fetches the track URL directly over HTTP through the
// active proxy.
func (e *Engine) fastPath(ctx context.Context, req pipeline.Request, logger *zap.Logger) ([]transcript.Segment, bool) {
	var raw string
	if err := chromedp.Run(ctx, chromedp.Evaluate(fastPathJS, &raw)); err != nil {
		logger.Debug("fast path evaluate failed", zap.Error(err))
		return nil, false
	}
	if raw == "" || raw == "null" {
		logger.Debug("no embedded caption tracks")
		return nil, false
	}
	var tracks []playerTrack
	if err := json.Unmarshal([]byte(raw), &tracks); err != nil {
		logger.Debug("embedded caption tracks unparseable", zap.Error(err))
		return nil, false
	}
	track, ok := selectTrack(tracks, e.cfg.Language)
	if !ok {
		return nil, false
	}

	trackURL := track.BaseURL
	if strings.Contains(trackURL, "?") {
		trackURL += "&fmt=json3"
	} else {
		trackURL += "?fmt=json3"
	}
	body, err := e.httpClient.Get(ctx, trackURL, req.Proxy.HTTP, nil)
	if err != nil {
		logger.Debug("fast path track fetch failed", zap.Error(err))
		return nil, false
	}
	segments, err := transcript.ParseTimedText(body)
	if err != nil {
		logger.Debug("fast path track unparseable", zap.Error(err))
		return nil, false
	}
	logger.Info("transcript captured via fast path", zap.Int("segments", len(segments)))
	return segments, true
}

func selectTrack(tracks []playerTrack, lang string) (playerTrack, bool) {
	if len(tracks) == 0 {
		return playerTrack{}, false
	}
	var asrMatch *playerTrack
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

// openTranscriptPanel performs the best-effort UI walk: dismiss consent,
// expand the description, click "show transcript". Every step is allowed
// to fail; a failed step is logged and the walk continues.
func (e *Engine) openTranscriptPanel(tabCtx context.Context, logger *zap.Logger) {
	if name, ok := clickFirst(tabCtx, e.consent, 2*time.Second, logger); ok {
		logger.Debug("consent dialog dismissed", zap.String("strategy", name))
	}
	if name, ok := clickFirst(tabCtx, e.expand, 2*time.Second, logger); ok {
		logger.Debug("description expanded", zap.String("strategy", name))
	}

	if _, ok := clickFirst(tabCtx, e.transcriptSel, 3*time.Second, logger); ok {
		return
	}
	// One scroll-to-bottom and retry: the control is lazily rendered on
	// some layouts.
	scrollCtx, cancel := context.WithTimeout(tabCtx, 3*time.Second)
	defer cancel()
	if err := chromedp.Run(scrollCtx,
		chromedp.Evaluate(`window.scrollTo(0, document.documentElement.scrollHeight)`, nil),
	); err != nil {
		logger.Debug("scroll retry failed", zap.Error(err))
		return
	}
	if _, ok := clickFirst(tabCtx, e.transcriptSel, 3*time.Second, logger); !ok {
		logger.Info("transcript control not found", zap.String("reason", reasonButton))
	}
}

// interceptedBody mirrors the get_transcript response shape far enough to
// reach the segment list.
type interceptedBody struct {
	Actions []struct {
		UpdateEngagementPanelAction struct {
			Content struct {
				TranscriptRenderer struct {
					Content struct {
						TranscriptSearchPanelRenderer struct {
							Body struct {
								TranscriptSegmentListRenderer struct {
									InitialSegments []struct {
										TranscriptSegmentRenderer struct {
											StartMs string `json:"startMs"`
											EndMs   string `json:"endMs"`
											Snippet struct {
												Runs []struct {
													Text string `json:"text"`
												} `json:"runs"`
											} `json:"snippet"`
										} `json:"transcriptSegmentRenderer"`
									} `json:"initialSegments"`
								} `json:"transcriptSegmentListRenderer"`
							} `json:"body"`
						} `json:"transcriptSearchPanelRenderer"`
					} `json:"content"`
				} `json:"transcriptRenderer"`
			} `json:"content"`
		} `json:"updateEngagementPanelAction"`
	} `json:"actions"`
}

// parseInterceptedBody converts the intercepted endpoint payload into
// segments.
func parseInterceptedBody(body []byte) ([]transcript.Segment, error) {
	var parsed interceptedBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse intercepted response: %w", err)
	}
	var segments []transcript.Segment
	for _, action := range parsed.Actions {
		initial := action.UpdateEngagementPanelAction.Content.TranscriptRenderer.
			Content.TranscriptSearchPanelRenderer.Body.TranscriptSegmentListRenderer.InitialSegments
		for _, seg := range initial {
			r := seg.TranscriptSegmentRenderer
			var text strings.Builder
			for _, run := range r.Snippet.Runs {
				text.WriteString(run.Text)
			}
			trimmed := strings.TrimSpace(text.String())
			if trimmed == "" {
				continue
			}
			startMs, _ := strconv.ParseFloat(r.StartMs, 64)
			endMs, _ := strconv.ParseFloat(r.EndMs, 64)
			segments = append(segments, transcript.Segment{
				Text:     trimmed,
				Start:    startMs / 1000,
				Duration: (endMs - startMs) / 1000,
			})
		}
	}
	if len(segments) == 0 {
		return nil, errors.New("intercepted response carried no segments")
	}
	return segments, nil
}

type domSegment struct {
	TS   string `json:"ts"`
	Text string `json:"text"`
}

const domScrapeJS = `(() => {
	const out = [];
	document.querySelectorAll('ytd-transcript-segment-renderer').forEach((el) => {
		const ts = el.querySelector('.segment-timestamp');
		const text = el.querySelector('.segment-text');
		if (text) {
			out.push({ts: ts ? ts.textContent.trim() : '', text: text.textContent.trim()});
		}
	});
	return out;
})()`

// domScrape reads the rendered transcript panel directly. Durations are
// reconstructed from consecutive start timestamps; the last segment gets
// zero.
func (e *Engine) domScrape(tabCtx context.Context, logger *zap.Logger) ([]transcript.Segment, bool) {
	scrapeCtx, cancel := context.WithTimeout(tabCtx, 5*time.Second)
	defer cancel()

	var raw []domSegment
	if err := chromedp.Run(scrapeCtx, chromedp.Evaluate(domScrapeJS, &raw)); err != nil {
		logger.Debug("dom scrape failed", zap.Error(err))
		return nil, false
	}
	segments := segmentsFromDOM(raw)
	if len(segments) == 0 {
		return nil, false
	}
	logger.Info("transcript captured via dom scrape", zap.Int("segments", len(segments)))
	return segments, true
}

func segmentsFromDOM(raw []domSegment) []transcript.Segment {
	var segments []transcript.Segment
	for _, r := range raw {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		segments = append(segments, transcript.Segment{
			Text:  text,
			Start: parseClock(r.TS),
		})
	}
	for i := 0; i+1 < len(segments); i++ {
		if d := segments[i+1].Start - segments[i].Start; d > 0 {
			segments[i].Duration = d
		}
	}
	return segments
}

// parseClock converts "m:ss" or "h:mm:ss" panel timestamps to seconds.
func parseClock(clock string) float64 {
	parts := strings.Split(strings.TrimSpace(clock), ":")
	total := 0.0
	for _, part := range parts {
		n, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total
}

func classify(reason string, err error) error {
	kind := transcript.KindUnavailable
	switch reason {
	case reasonAuthMissing:
		kind = transcript.KindAuth
	case reasonNavTimeout:
		kind = transcript.KindTimeout
	case reasonProxy:
		kind = transcript.KindUnreachable
	}
	return &transcript.StageError{Kind: kind, Stage: "capture", Err: fmt.Errorf("%s: %w", reason, err)}
}

func classifyNavError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return classify(reasonNavTimeout, err)
	case strings.Contains(msg, "err_proxy") || strings.Contains(msg, "err_tunnel") || strings.Contains(msg, "err_no_supported_proxies"):
		return classify(reasonProxy, err)
	default:
		return classify(reasonNavTimeout, err)
	}
}

var _ pipeline.Stage = (*Engine)(nil)
