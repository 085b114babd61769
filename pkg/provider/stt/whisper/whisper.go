// Package whisper provides whisper.cpp-backed transcription engines.
//
// [Provider] talks to a running whisper-server binary, which exposes
// POST /inference accepting a multipart WAV upload. [NativeProvider] links
// whisper.cpp directly through its cgo bindings and runs inference in
// process.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("ko"))
//	res, err := p.Transcribe(ctx, stt.Request{AudioPath: "/tmp/unit.wav"})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/listenpipe/pkg/provider/stt"
)

const (
	defaultLanguage = "ko"
	defaultTimeout  = 60 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base", "small"). When empty the server uses whichever model it
// was started with, which is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language used when a request carries no hint.
// Defaults to "ko".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithHTTPClient replaces the HTTP client. Its Timeout bounds each request.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe uploads the WAV file at req.AudioPath to the /inference endpoint
// as multipart/form-data and returns the recognised text.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	f, err := os.Open(req.AudioPath)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: open audio: %w", err)
	}
	defer f.Close()

	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", filepath.Base(req.AudioPath))
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	fields := map[string]string{
		"language":        lang,
		"model":           p.model,
		"response_format": "json",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}
	return parseInference(data)
}

// parseInference decodes the server's JSON answer. whisper-server reports an
// error object with HTTP 200 for some failures, so that case is checked too.
func parseInference(data []byte) (stt.Result, error) {
	var result struct {
		Text       *string  `json:"text"`
		Confidence *float64 `json:"confidence"`
		Error      string   `json:"error"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: parse JSON response: %w: %w", stt.ErrMalformedResponse, err)
	}
	if result.Error != "" {
		return stt.Result{}, fmt.Errorf("whisper: server error: %s", result.Error)
	}
	if result.Text == nil {
		return stt.Result{}, fmt.Errorf("whisper: response has no text field: %w", stt.ErrMalformedResponse)
	}

	out := stt.Result{Text: strings.TrimSpace(*result.Text)}
	if nonSpeech(out.Text) {
		out.Text = ""
	}
	if result.Confidence != nil {
		out.Confidence = *result.Confidence
	}
	return out, nil
}

// nonSpeech reports whisper's annotations for audio without words, such as
// "[BLANK_AUDIO]" or "(music)".
func nonSpeech(text string) bool {
	return (strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]")) ||
		(strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")"))
}
