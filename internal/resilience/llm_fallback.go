package resilience

import (
	"context"

	"github.com/MrWong99/listenpipe/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] over an ordered list of refinement
// backends, each behind its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend, tried after those already added.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends req to the first healthy backend whose context window can
// hold it. Backends that are too small are passed over without counting
// against their breakers.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	need := requiredTokens(req)
	fits := func(p llm.Provider) bool {
		window := p.Capabilities().ContextWindow
		return window <= 0 || need <= window
	}
	return executeEligible(ctx, f.group, fits, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// requiredTokens estimates the prompt plus the reserved completion budget.
func requiredTokens(req llm.CompletionRequest) int {
	need := llm.EstimateTokens(req.Messages...) + req.MaxTokens
	if req.SystemPrompt != "" {
		need += llm.EstimateTokens(llm.Message{Role: "system", Content: req.SystemPrompt})
	}
	return need
}

// Capabilities reports what every backend in the group can honour, so a
// caller sizing or shaping a request stays valid after a failover. Zero
// limits mean unknown and are ignored.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	var out llm.ModelCapabilities
	for i, e := range f.group.entries {
		c := e.value.Capabilities()
		if i == 0 {
			out = c
			continue
		}
		out.ContextWindow = minKnown(out.ContextWindow, c.ContextWindow)
		out.MaxOutputTokens = minKnown(out.MaxOutputTokens, c.MaxOutputTokens)
		out.SupportsJSONMode = out.SupportsJSONMode && c.SupportsJSONMode
		out.SupportsSchema = out.SupportsSchema && c.SupportsSchema
	}
	return out
}

func minKnown(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	}
	return min(a, b)
}

// Status reports the breaker state of every backend.
func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }

// Available reports whether any backend would accept a call.
func (f *LLMFallback) Available() bool { return f.group.Available() }
