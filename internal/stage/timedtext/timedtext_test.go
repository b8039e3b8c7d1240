package timedtext

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voxlay/transcriptd/internal/pipeline"
	"github.com/voxlay/transcriptd/internal/proxy"
	"github.com/voxlay/transcriptd/internal/transcript"
	"github.com/voxlay/transcriptd/internal/webfetch"
)

func newStage(t *testing.T, handler http.HandlerFunc) (*Stage, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	stage := New(webfetch.New("", 5*time.Second), Config{
		BaseURL:  "http://upstream.invalid/api/timedtext",
		Language: "en",
	}, zap.NewNop())
	return stage, server
}

func request(proxyURL string) pipeline.Request {
	return pipeline.Request{
		VideoID: "vid-1",
		Proxy:   proxy.Config{HTTP: proxyURL, HTTPS: proxyURL},
	}
}

func TestFetchJSON3(t *testing.T) {
	var gotQuery url.Values
	stage, proxySrv := newStage(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		fmt.Fprint(w, `{"events": [{"tStartMs": 500, "dDurationMs": 1500, "segs": [{"utf8": "hello"}]}]}`)
	})

	segments, err := stage.Fetch(context.Background(), request(proxySrv.URL))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(segments) != 1 || segments[0].Text != "hello" || segments[0].Start != 0.5 {
		t.Errorf("segments = %+v", segments)
	}
	if gotQuery.Get("v") != "vid-1" || gotQuery.Get("lang") != "en" || gotQuery.Get("fmt") != "json3" {
		t.Errorf("query = %v", gotQuery)
	}
}

func TestFetchLegacyXML(t *testing.T) {
	stage, proxySrv := newStage(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<transcript><text start="1.0" dur="2.0">legacy</text></transcript>`)
	})

	segments, err := stage.Fetch(context.Background(), request(proxySrv.URL))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(segments) != 1 || segments[0].Text != "legacy" {
		t.Errorf("segments = %+v", segments)
	}
}

func TestFetchEmptyBodyRejected(t *testing.T) {
	stage, proxySrv := newStage(t, func(http.ResponseWriter, *http.Request) {})

	_, err := stage.Fetch(context.Background(), request(proxySrv.URL))
	if transcript.KindOf(err) != transcript.KindContentInvalid {
		t.Errorf("kind = %v, want content_invalid", transcript.KindOf(err))
	}
}

func TestFetchAuthStatus(t *testing.T) {
	stage, proxySrv := newStage(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusProxyAuthRequired)
	})

	_, err := stage.Fetch(context.Background(), request(proxySrv.URL))
	if transcript.KindOf(err) != transcript.KindAuth {
		t.Errorf("kind = %v, want auth", transcript.KindOf(err))
	}
}
