// Package openai provides a transcription engine backed by the OpenAI audio
// transcription endpoint (or any server that implements it, such as a
// self-hosted faster-whisper gateway).
package openai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/listenpipe/pkg/provider/stt"
)

const defaultModel = "whisper-1"

// Provider implements stt.Provider using the OpenAI audio API.
type Provider struct {
	client oai.Client
	model  string
	prompt string
}

type config struct {
	baseURL    string
	model      string
	prompt     string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the transcription model. Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithPrompt sets a vocabulary/style prompt sent with every request.
func WithPrompt(prompt string) Option {
	return func(c *config) { c.prompt = prompt }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how many times the SDK retries transient failures.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// New constructs a transcription Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel, maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.model == "" {
		cfg.model = defaultModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		prompt: cfg.prompt,
	}, nil
}

// Transcribe implements stt.Provider. The endpoint does not report a
// confidence score, so Result.Confidence stays zero.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	f, err := os.Open(req.AudioPath)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai: open audio: %w", err)
	}
	defer f.Close()

	params := oai.AudioTranscriptionNewParams{
		File:  f,
		Model: oai.AudioModel(p.model),
	}
	if req.Language != "" {
		params.Language = oai.String(baseLanguage(req.Language))
	}
	if p.prompt != "" {
		params.Prompt = oai.String(p.prompt)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai: transcription: %w", err)
	}
	if resp == nil {
		return stt.Result{}, fmt.Errorf("openai: nil transcription: %w", stt.ErrMalformedResponse)
	}
	return stt.Result{Text: strings.TrimSpace(resp.Text)}, nil
}

// baseLanguage reduces a BCP-47 tag to the ISO-639-1 code the endpoint
// expects ("ko-KR" -> "ko").
func baseLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}

var _ stt.Provider = (*Provider)(nil)
