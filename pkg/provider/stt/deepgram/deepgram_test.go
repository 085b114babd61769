package deepgram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/listenpipe/pkg/provider/stt"
)

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}

func writeFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unit.wav")
	if err := os.WriteFile(path, []byte("RIFF-test-body"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestBuildURL_Defaults(t *testing.T) {
	p, _ := New("test-key")
	raw, err := p.buildURL("")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()

	assertEqual(t, "host", "api.deepgram.com", u.Host)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "ko", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
}

func TestBuildURL_RequestLanguageWins(t *testing.T) {
	p, _ := New("key", WithModel("base"), WithLanguage("ko"))
	raw, _ := p.buildURL("ja")
	q, _ := url.ParseQuery(mustQuery(t, raw))

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "ja", q.Get("language"))
}

func mustQuery(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return u.RawQuery
}

func TestTranscribe(t *testing.T) {
	var gotAuth, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"results":{"channels":[{"alternatives":[{"transcript":"언제 시작해요?","confidence":0.93}]}]}}`)
	}))
	defer srv.Close()

	p, _ := New("secret", WithEndpoint(srv.URL+"/v1/listen"))
	res, err := p.Transcribe(context.Background(), stt.Request{AudioPath: writeFile(t), Language: "ko"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	assertEqual(t, "text", "언제 시작해요?", res.Text)
	if res.Confidence != 0.93 {
		t.Errorf("confidence: want 0.93, got %v", res.Confidence)
	}
	assertEqual(t, "authorization", "Token secret", gotAuth)
	assertEqual(t, "content-type", "audio/wav", gotType)
	assertEqual(t, "body", "RIFF-test-body", gotBody)
}

func TestTranscribe_NoAlternatives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"results":{"channels":[]}}`)
	}))
	defer srv.Close()

	p, _ := New("secret", WithEndpoint(srv.URL))
	res, err := p.Transcribe(context.Background(), stt.Request{AudioPath: writeFile(t)})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "" {
		t.Errorf("expected empty text, got %q", res.Text)
	}
}

func TestTranscribe_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantMalformed bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"err_code":"INVALID_AUTH"}`, false},
		{"garbage", http.StatusOK, `not json`, true},
		{"no results", http.StatusOK, `{"metadata":{}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			p, _ := New("secret", WithEndpoint(srv.URL))
			_, err := p.Transcribe(context.Background(), stt.Request{AudioPath: writeFile(t)})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, stt.ErrMalformedResponse); got != tt.wantMalformed {
				t.Errorf("malformed = %v, want %v (err: %v)", got, tt.wantMalformed, err)
			}
		})
	}
}
