// Package llm defines the Provider interface for the text-refinement backend.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, Gemini, a
// local Ollama or llama.cpp server, ...) behind a single request/response
// call. The listening pipeline treats it as an opaque collaborator: it sends
// one prompt per batch of detected questions and parses whatever text comes
// back.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
)

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between providers
// for the same textual content.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages must
// be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically from
	// the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before the
	// messages. Providers without a dedicated system slot prepend it as a
	// "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// JSONMode asks the backend to constrain its output to a single JSON
	// object. Providers without native support ignore it; callers must still
	// validate the returned text.
	JSONMode bool

	// Schema, when set, asks for a reply matching a JSON Schema. Providers
	// enforce it natively or through a function call whose arguments become
	// the reply Content. It implies JSONMode.
	Schema *OutputSchema
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	//
	// Returns an error if the request fails or if ctx is cancelled before
	// the completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing what this provider's underlying
	// model supports. The result is assumed to be constant for the lifetime of the
	// Provider instance.
	Capabilities() ModelCapabilities
}
