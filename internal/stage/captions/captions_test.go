package captions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voxlay/transcriptd/internal/credentials"
	"github.com/voxlay/transcriptd/internal/pipeline"
	"github.com/voxlay/transcriptd/internal/proxy"
	"github.com/voxlay/transcriptd/internal/transcript"
	"github.com/voxlay/transcriptd/internal/webfetch"
)

const trackJSON3 = `{"events": [{"tStartMs": 0, "dDurationMs": 1000, "segs": [{"utf8": "hi"}]}]}`

// newStageProxy serves both the player endpoint and the caption track
// behind a fake forward proxy.
func newStageProxy(t *testing.T, playerHandler http.HandlerFunc) (*Stage, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/player":
			playerHandler(w, r)
		case "/track":
			if r.URL.Query().Get("fmt") != "json3" {
				t.Errorf("track fetch missing fmt=json3: %s", r.URL)
			}
			fmt.Fprint(w, trackJSON3)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	stage := New(webfetch.New("", 5*time.Second), Config{
		PlayerURL: "http://upstream.invalid/player",
		Language:  "en",
	}, zap.NewNop())
	return stage, server
}

func playerBody(tracks ...map[string]string) string {
	payload := map[string]any{
		"captions": map[string]any{
			"playerCaptionsTracklistRenderer": map[string]any{
				"captionTracks": tracks,
			},
		},
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

func request(proxyURL string) pipeline.Request {
	return pipeline.Request{
		VideoID: "vid-1",
		Proxy:   proxy.Config{HTTP: proxyURL, HTTPS: proxyURL},
	}
}

func TestFetchHappyPath(t *testing.T) {
	var gotPlayerReq playerRequest
	stage, proxySrv := newStageProxy(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotPlayerReq); err != nil {
			t.Errorf("decode player request: %v", err)
		}
		fmt.Fprint(w, playerBody(map[string]string{
			"baseUrl": "http://upstream.invalid/track", "languageCode": "en",
		}))
	})

	segments, err := stage.Fetch(context.Background(), request(proxySrv.URL))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(segments) != 1 || segments[0].Text != "hi" {
		t.Errorf("segments = %+v", segments)
	}
	if gotPlayerReq.VideoID != "vid-1" {
		t.Errorf("player request video id = %q", gotPlayerReq.VideoID)
	}
	if gotPlayerReq.Context.Client.ClientName != "WEB" {
		t.Errorf("client name = %q", gotPlayerReq.Context.Client.ClientName)
	}
}

func TestFetchNoTracks(t *testing.T) {
	stage, proxySrv := newStageProxy(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, playerBody())
	})

	_, err := stage.Fetch(context.Background(), request(proxySrv.URL))
	if transcript.KindOf(err) != transcript.KindUnavailable {
		t.Errorf("kind = %v, want unavailable", transcript.KindOf(err))
	}
}

func TestFetchConsentPageRejected(t *testing.T) {
	stage, proxySrv := newStageProxy(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<!DOCTYPE html><html>Before you continue</html>")
	})

	_, err := stage.Fetch(context.Background(), request(proxySrv.URL))
	if transcript.KindOf(err) != transcript.KindContentInvalid {
		t.Errorf("kind = %v, want content_invalid", transcript.KindOf(err))
	}
}

func TestElevatedRetryAttachesCookies(t *testing.T) {
	cookieFile := filepath.Join(t.TempDir(), "cookies.txt")
	content := ".youtube.com\tTRUE\t/\tTRUE\t0\tSID\tabc123\n"
	if err := os.WriteFile(cookieFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	var gotCookie string
	stage, proxySrv := newStageProxy(t, func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		fmt.Fprint(w, playerBody(map[string]string{
			"baseUrl": "http://upstream.invalid/track", "languageCode": "en",
		}))
	})

	req := request(proxySrv.URL)
	req.Creds = credentials.Credentials{CookiePath: cookieFile, Source: credentials.SourceFile}

	// Plain request: no cookies attached.
	if _, err := stage.Fetch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if gotCookie != "" {
		t.Errorf("plain request sent Cookie %q", gotCookie)
	}

	// Elevated retry: cookie header attached.
	req.Elevated = true
	if _, err := stage.Fetch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if gotCookie != "SID=abc123" {
		t.Errorf("elevated Cookie = %q, want SID=abc123", gotCookie)
	}
}

func TestPickTrack(t *testing.T) {
	tracks := []captionTrack{
		{BaseURL: "u1", LanguageCode: "es"},
		{BaseURL: "u2", LanguageCode: "en", Kind: "asr"},
		{BaseURL: "u3", LanguageCode: "en"},
	}

	if track, _ := pickTrack(tracks, "en"); track.BaseURL != "u3" {
		t.Errorf("want human en track, got %+v", track)
	}
	if track, _ := pickTrack(tracks[:2], "en"); track.BaseURL != "u2" {
		t.Errorf("want asr fallback, got %+v", track)
	}
	if track, _ := pickTrack(tracks, "de"); track.BaseURL != "u1" {
		t.Errorf("want first-track fallback, got %+v", track)
	}
	if _, ok := pickTrack(nil, "en"); ok {
		t.Error("empty track list accepted")
	}
}

func TestTrackURL(t *testing.T) {
	if got := trackURL("http://x/api"); got != "http://x/api?fmt=json3" {
		t.Errorf("trackURL = %q", got)
	}
	if got := trackURL("http://x/api?v=1"); got != "http://x/api?v=1&fmt=json3" {
		t.Errorf("trackURL = %q", got)
	}
}
