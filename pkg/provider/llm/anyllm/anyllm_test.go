package anyllm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/listenpipe/pkg/provider/llm"
)

var refineSchema = &llm.OutputSchema{
	Name:        "refined_questions",
	Description: "Return the corrected questions.",
	Schema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"questions": map[string]any{"type": "array"}},
	},
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{name: "anthropic", model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "refine",
		Messages:     []llm.Message{{Role: "user", Content: "1. 몇 시에 시작하나요"}},
		Temperature:  0.2,
		MaxTokens:    256,
		Schema:       refineSchema,
	})

	if params.Model != "claude-3-5-haiku-latest" || len(params.Messages) != 2 {
		t.Fatalf("params = %+v", params)
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 || params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("sampling = %v / %v", params.Temperature, params.MaxTokens)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "refined_questions" {
		t.Errorf("tools = %+v, want the schema function", params.Tools)
	}

	plain := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "q"}}})
	if plain.Temperature != nil || plain.MaxTokens != nil || len(plain.Tools) != 0 {
		t.Errorf("zero request produced %+v", plain)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New("openai", "", anyllmlib.WithAPIKey("sk-test")); err == nil {
		t.Error("empty model accepted")
	}
	if _, err := New("fakecloud", "m"); err == nil {
		t.Error("unknown backend accepted")
	}
	p, err := New("Ollama", "qwen2.5:7b")
	if err != nil {
		t.Fatalf("New(Ollama): %v", err)
	}
	if p.name != "ollama" {
		t.Errorf("backend name = %q, want lower-cased", p.name)
	}
	if !slices.Contains(Backends(), "llamacpp") || !slices.IsSorted(Backends()) {
		t.Errorf("Backends() = %v", Backends())
	}
}

func TestCapabilitiesFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backend, model string
		context        int
		schema         bool
	}{
		{"openai", "gpt-4o-mini", 128_000, true},
		{"anthropic", "CLAUDE-3-OPUS", 200_000, true},
		{"gemini", "gemini-2.0-flash", 1_048_576, true},
		{"ollama", "qwen2.5:7b", 128_000, true},
		{"llamafile", "mistral-7b", 32_000, false},
	}
	for _, tt := range tests {
		caps := capabilitiesFor(tt.backend, tt.model)
		if caps.ContextWindow != tt.context || caps.SupportsSchema != tt.schema {
			t.Errorf("capabilitiesFor(%s, %s) = %+v", tt.backend, tt.model, caps)
		}
		if caps.SupportsJSONMode {
			t.Errorf("%s advertises JSON mode", tt.backend)
		}
	}
}

// llamaServer fakes the OpenAI-compatible endpoint of a llama.cpp server.
type llamaServer struct {
	*httptest.Server
	mu    sync.Mutex
	tools []any
}

func newLlamaServer(t *testing.T, message string) *llamaServer {
	t.Helper()
	ls := &llamaServer{}
	ls.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Tools []any `json:"tools"`
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		ls.mu.Lock()
		ls.tools = body.Tools
		ls.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id": "c1", "object": "chat.completion", "created": 1, "model": "qwen2.5",
			"choices": [{"index": 0, "finish_reason": "stop", "message": `+message+`}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 9, "total_tokens": 39}}`)
	}))
	t.Cleanup(ls.Close)
	return ls
}

func (ls *llamaServer) sentTools() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.tools)
}

func TestComplete_Schema(t *testing.T) {
	t.Parallel()

	const args = `{"questions":[{"id":"1","text":"몇 시에 시작하나요?"}]}`
	call, _ := json.Marshal(map[string]any{
		"role":    "assistant",
		"content": "",
		"tool_calls": []any{map[string]any{
			"id": "call_1", "type": "function",
			"function": map[string]any{"name": "refined_questions", "arguments": args},
		}},
	})

	tests := []struct {
		name    string
		message string
		want    string
		wantErr error
	}{
		{"function call", string(call), args, nil},
		{"plain text answer", `{"role": "assistant", "content": "1. 몇 시에 시작하나요?"}`, "1. 몇 시에 시작하나요?", nil},
		{"empty answer", `{"role": "assistant", "content": ""}`, "", ErrNoSchemaCall},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newLlamaServer(t, tc.message)
			p, err := New("llamacpp", "qwen2.5", anyllmlib.WithBaseURL(srv.URL+"/v1"))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			resp, err := p.Complete(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: "user", Content: "1. 몇 시에 시자카나요"}},
				Schema:   refineSchema,
			})
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Content != tc.want {
				t.Errorf("Content = %q, want %q", resp.Content, tc.want)
			}
			if resp.Usage.TotalTokens != 39 {
				t.Errorf("TotalTokens = %d, want 39", resp.Usage.TotalTokens)
			}
			if srv.sentTools() != 1 {
				t.Errorf("request carried %d tools, want 1", srv.sentTools())
			}
		})
	}
}
