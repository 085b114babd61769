package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/listenpipe/pkg/provider/llm"
	llmmock "github.com/MrWong99/listenpipe/pkg/provider/llm/mock"
)

func refineRequest(maxTokens int) llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: "Fix transcription errors in the numbered questions.",
		Messages:     []llm.Message{{Role: "user", Content: "1. 다음 회의는 언제인가요\n2. 자료는 어디서 받나요"}},
		MaxTokens:    maxTokens,
		Schema:       &llm.OutputSchema{Name: "refined_questions"},
	}
}

func reply(text string) *llmmock.Provider {
	return &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: text}}
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		primary       *llmmock.Provider
		secondary     *llmmock.Provider
		want          string
		primaryCalls  int
		fallbackCalls int
	}{
		{
			name:         "primary answers",
			primary:      reply("1. 다음 회의는 언제인가요?"),
			secondary:    reply("from secondary"),
			want:         "1. 다음 회의는 언제인가요?",
			primaryCalls: 1,
		},
		{
			name:          "primary down",
			primary:       &llmmock.Provider{CompleteErr: errors.New("connection refused")},
			secondary:     reply("from secondary"),
			want:          "from secondary",
			primaryCalls:  1,
			fallbackCalls: 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fb := NewLLMFallback(tc.primary, "primary", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
			})
			fb.AddFallback("secondary", tc.secondary)

			req := refineRequest(0)
			resp, err := fb.Complete(context.Background(), req)
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Content != tc.want {
				t.Errorf("Content = %q, want %q", resp.Content, tc.want)
			}
			if n := len(tc.primary.Calls()); n != tc.primaryCalls {
				t.Errorf("primary calls = %d, want %d", n, tc.primaryCalls)
			}
			if n := len(tc.secondary.Calls()); n != tc.fallbackCalls {
				t.Errorf("secondary calls = %d, want %d", n, tc.fallbackCalls)
			}
			calls := tc.primary.Calls()
			if calls[0].Req.Schema == nil || calls[0].Req.SystemPrompt != req.SystemPrompt {
				t.Error("request was not forwarded unchanged")
			}
		})
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	t.Parallel()

	fb := NewLLMFallback(&llmmock.Provider{CompleteErr: errors.New("primary down")}, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", &llmmock.Provider{CompleteErr: errors.New("secondary down")})

	_, err := fb.Complete(context.Background(), refineRequest(0))
	if !errors.Is(err, ErrAllFailed) || !strings.Contains(err.Error(), "secondary down") {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the last failure", err)
	}
	if !fb.Available() {
		t.Error("Available() = false after a single failure each")
	}
}

func TestLLMFallback_Complete_SkipsSmallContext(t *testing.T) {
	t.Parallel()

	small := reply("from small")
	small.ModelCapabilities = llm.ModelCapabilities{ContextWindow: 512}
	large := reply("from large")
	large.ModelCapabilities = llm.ModelCapabilities{ContextWindow: 128_000}

	fb := NewLLMFallback(small, "local", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("hosted", large)

	resp, err := fb.Complete(context.Background(), refineRequest(1024))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from large" {
		t.Errorf("Content = %q, want the large backend's", resp.Content)
	}
	if len(small.Calls()) != 0 {
		t.Error("backend with a too-small window was called")
	}
	if st := fb.Status(); st[0].State != StateClosed {
		t.Errorf("skipped backend breaker = %v, want closed", st[0].State)
	}

	// A request that fits goes to the preferred backend again.
	if resp, _ := fb.Complete(context.Background(), refineRequest(64)); resp == nil || resp.Content != "from small" {
		t.Errorf("small request answered by %+v, want the primary", resp)
	}
}

func TestLLMFallback_Complete_NoneFits(t *testing.T) {
	t.Parallel()

	p := reply("unused")
	p.ModelCapabilities = llm.ModelCapabilities{ContextWindow: 256}
	fb := NewLLMFallback(p, "tiny", FallbackConfig{})

	_, err := fb.Complete(context.Background(), refineRequest(4096))
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrNoEligible) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping ErrNoEligible", err)
	}
	if len(p.Calls()) != 0 {
		t.Error("backend was called")
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		primary   llm.ModelCapabilities
		secondary llm.ModelCapabilities
		want      llm.ModelCapabilities
	}{
		{
			name:      "smallest limits win",
			primary:   llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsJSONMode: true, SupportsSchema: true},
			secondary: llm.ModelCapabilities{ContextWindow: 32_000, MaxOutputTokens: 4_096, SupportsSchema: true},
			want:      llm.ModelCapabilities{ContextWindow: 32_000, MaxOutputTokens: 4_096, SupportsSchema: true},
		},
		{
			name:      "unknown limits ignored",
			primary:   llm.ModelCapabilities{ContextWindow: 8_192, SupportsJSONMode: true},
			secondary: llm.ModelCapabilities{MaxOutputTokens: 2_048, SupportsJSONMode: true},
			want:      llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 2_048, SupportsJSONMode: true},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fb := NewLLMFallback(&llmmock.Provider{ModelCapabilities: tc.primary}, "primary", FallbackConfig{})
			fb.AddFallback("secondary", &llmmock.Provider{ModelCapabilities: tc.secondary})
			if got := fb.Capabilities(); got != tc.want {
				t.Errorf("Capabilities() = %+v, want %+v", got, tc.want)
			}
		})
	}

	single := NewLLMFallback(&llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 200_000}}, "only", FallbackConfig{})
	if got := single.Capabilities().ContextWindow; got != 200_000 {
		t.Errorf("single-entry ContextWindow = %d", got)
	}
}
