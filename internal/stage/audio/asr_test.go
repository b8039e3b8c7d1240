package audio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/voxlay/transcriptd/internal/transcript"
)

func writeAudioFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.m4a")
	if err := os.WriteFile(path, []byte("fake audio bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHTTPTranscriber(t *testing.T) {
	var gotAuth string
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotModel = r.FormValue("model")
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			file.Close()
			if header.Filename != "audio.m4a" {
				t.Errorf("filename = %q", header.Filename)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"segments": []map[string]any{
				{"start": 0.0, "end": 2.5, "text": "hello there"},
				{"start": 2.5, "end": 2.5, "text": ""},
				{"start": 2.5, "end": 5.0, "text": "general"},
			},
		})
	}))
	defer server.Close()

	tr := NewHTTPTranscriber(HTTPTranscriberConfig{
		Endpoint: server.URL,
		Model:    "whisper-1",
		APIKey:   "key-123",
	}, server.Client())

	segments, err := tr.Transcribe(context.Background(), writeAudioFixture(t))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("len = %d, want 2 (empty text dropped)", len(segments))
	}
	if segments[0] != (transcript.Segment{Text: "hello there", Start: 0, Duration: 2.5}) {
		t.Errorf("first = %+v", segments[0])
	}
	if gotAuth != "Bearer key-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotModel != "whisper-1" {
		t.Errorf("model field = %q", gotModel)
	}
}

func TestHTTPTranscriberStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   transcript.Kind
	}{
		{http.StatusUnauthorized, transcript.KindAuth},
		{http.StatusForbidden, transcript.KindAuth},
		{http.StatusBadGateway, transcript.KindUnreachable},
		{http.StatusUnprocessableEntity, transcript.KindUnavailable},
	}
	for _, tc := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		tr := NewHTTPTranscriber(HTTPTranscriberConfig{Endpoint: server.URL}, server.Client())
		_, err := tr.Transcribe(context.Background(), writeAudioFixture(t))
		if transcript.KindOf(err) != tc.want {
			t.Errorf("status %d kind = %v, want %v", tc.status, transcript.KindOf(err), tc.want)
		}
		server.Close()
	}
}

func TestHTTPTranscriberBadResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	tr := NewHTTPTranscriber(HTTPTranscriberConfig{Endpoint: server.URL}, server.Client())
	_, err := tr.Transcribe(context.Background(), writeAudioFixture(t))
	if transcript.KindOf(err) != transcript.KindContentInvalid {
		t.Errorf("kind = %v, want content_invalid", transcript.KindOf(err))
	}
}

func TestHTTPTranscriberMissingFile(t *testing.T) {
	tr := NewHTTPTranscriber(HTTPTranscriberConfig{Endpoint: "http://127.0.0.1:1"}, nil)
	if _, err := tr.Transcribe(context.Background(), "/does/not/exist"); err == nil {
		t.Error("missing file accepted")
	}
}
