// Package openai provides a refinement backend for the OpenAI API and for
// self-hosted servers that speak its chat-completions protocol (vLLM,
// LM Studio, llama.cpp in OpenAI mode).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/listenpipe/pkg/provider/llm"
)

var (
	// ErrTruncated is returned when a schema-constrained reply hit the token
	// limit; partial JSON is never handed to the caller.
	ErrTruncated = errors.New("openai: reply truncated at token limit")

	// ErrRefused is returned when the model declined to answer.
	ErrRefused = errors.New("openai: model refused")
)

// Provider implements llm.Provider over the chat-completions endpoint.
type Provider struct {
	client oai.Client
	model  string
	caps   llm.ModelCapabilities
}

type settings struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
	httpClient   *http.Client
}

// Option configures a Provider.
type Option func(*settings)

// WithBaseURL points the client at a compatible server instead of
// api.openai.com. An API key is optional when a base URL is set.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithOrganization sets the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.organization = org }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithMaxRetries sets the SDK retry count for transient failures. Negative
// keeps the SDK default.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// WithHTTPClient replaces the HTTP client. WithTimeout is ignored when set.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// New returns a Provider for model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	s := settings{maxRetries: -1}
	for _, o := range opts {
		o(&s)
	}
	if apiKey == "" && s.baseURL == "" {
		return nil, errors.New("openai: apiKey must not be empty without a base URL")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(s.organization))
	}
	switch {
	case s.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(s.httpClient))
	case s.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}
	if s.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(s.maxRetries))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		caps:   capabilitiesFor(model, s.baseURL != ""),
	}, nil
}

// Complete implements llm.Provider. With a schema the reply is decoded by the
// server against it, so Content is always a complete JSON document.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}

	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("%w: %s", ErrRefused, choice.Message.Refusal)
	}
	if req.Schema != nil && choice.FinishReason == "length" {
		return nil, ErrTruncated
	}
	return &llm.CompletionResponse{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return p.caps
}

// reasoningModel reports the o-series, which reject sampling parameters.
func reasoningModel(model string) bool {
	m := strings.ToLower(model)
	return len(m) > 1 && m[0] == 'o' && m[1] >= '1' && m[1] <= '9'
}

// capabilitiesFor knows the hosted OpenAI families. Models behind a custom
// base URL get JSON mode only, since schema support varies by server.
func capabilitiesFor(model string, custom bool) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{
		ContextWindow:    128_000,
		MaxOutputTokens:  4_096,
		SupportsJSONMode: true,
	}
	if custom {
		caps.ContextWindow = 32_000
		return caps
	}

	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4.1"), strings.HasPrefix(m, "gpt-5"):
		caps.MaxOutputTokens = 16_384
		caps.SupportsSchema = true
	case strings.HasPrefix(m, "gpt-4-turbo"):
	case strings.HasPrefix(m, "gpt-4"):
		caps.ContextWindow = 8_192
		caps.SupportsJSONMode = false
	case strings.HasPrefix(m, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
	case strings.HasPrefix(m, "o1-mini"):
		caps.MaxOutputTokens = 65_536
		caps.SupportsJSONMode = false
	case reasoningModel(m):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
		caps.SupportsSchema = true
	}
	return caps
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, oai.SystemMessage(m.Content))
		case "user":
			messages = append(messages, oai.UserMessage(m.Content))
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: unknown message role %q", m.Role)
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != 0 && !reasoningModel(p.model) {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	switch {
	case req.Schema != nil && p.caps.SupportsSchema:
		js := shared.ResponseFormatJSONSchemaJSONSchemaParam{
			Name:   req.Schema.Name,
			Schema: req.Schema.Schema,
			Strict: param.NewOpt(true),
		}
		if req.Schema.Description != "" {
			js.Description = param.NewOpt(req.Schema.Description)
		}
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{JSONSchema: js},
		}
	case (req.JSONMode || req.Schema != nil) && p.caps.SupportsJSONMode:
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params, nil
}

var _ llm.Provider = (*Provider)(nil)
