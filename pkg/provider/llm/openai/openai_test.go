package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/listenpipe/pkg/provider/llm"
)

// chatServer answers every chat completion with one canned choice and keeps
// the last request body.
type chatServer struct {
	*httptest.Server
	mu   sync.Mutex
	body map[string]any
}

func newChatServer(t *testing.T, status int, reply string) *chatServer {
	t.Helper()
	cs := &chatServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		cs.mu.Lock()
		cs.body = body
		cs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *chatServer) lastBody() map[string]any {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.body
}

func completion(finish, message string) string {
	return `{"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
		"choices": [{"index": 0, "finish_reason": "` + finish + `", "message": ` + message + `}],
		"usage": {"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52}}`
}

var refineSchema = &llm.OutputSchema{
	Name: "refined_questions",
	Schema: map[string]any{
		"type":     "object",
		"required": []string{"questions"},
	},
}

func newTestProvider(t *testing.T, srv *chatServer, model string) *Provider {
	t.Helper()
	p, err := New("", model, WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("sk-test", ""); err == nil {
		t.Error("empty model accepted")
	}
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("empty key accepted for the hosted API")
	}
	if _, err := New("", "qwen2.5", WithBaseURL("http://localhost:8000/v1")); err != nil {
		t.Errorf("keyless self-hosted server rejected: %v", err)
	}
}

func TestComplete_RefinesBatch(t *testing.T) {
	t.Parallel()

	srv := newChatServer(t, http.StatusOK, completion("stop",
		`{"role": "assistant", "content": "{\"questions\":[{\"id\":\"1\",\"text\":\"몇 시에 시작하나요?\"}]}"}`))
	p := newTestProvider(t, srv, "gpt-4o-mini")

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "fix transcription errors",
		Messages:     []llm.Message{{Role: "user", Content: `{"questions":[{"id":"1","text":"몇 시에 시자카나요"}]}`}},
		Temperature:  0.1,
		JSONMode:     true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !strings.Contains(resp.Content, "몇 시에 시작하나요?") {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 52 {
		t.Errorf("TotalTokens = %d, want 52", resp.Usage.TotalTokens)
	}

	body := srv.lastBody()
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Errorf("sent %d messages, want system + user", len(msgs))
	}
	if rf, _ := body["response_format"].(map[string]any); rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", body["response_format"])
	}
	if body["temperature"] != 0.1 {
		t.Errorf("temperature = %v, want 0.1", body["temperature"])
	}
}

func TestComplete_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		reply  string
		schema *llm.OutputSchema
		want   error
	}{
		{
			name:   "http error",
			status: http.StatusBadRequest,
			reply:  `{"error": {"message": "bad request", "type": "invalid_request_error"}}`,
		},
		{
			name:   "refusal",
			status: http.StatusOK,
			reply:  completion("stop", `{"role": "assistant", "content": "", "refusal": "cannot help"}`),
			want:   ErrRefused,
		},
		{
			name:   "truncated schema reply",
			status: http.StatusOK,
			reply:  completion("length", `{"role": "assistant", "content": "{\"questions\":[{\"id\":\"1\""}`),
			schema: refineSchema,
			want:   ErrTruncated,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := newTestProvider(t, newChatServer(t, tc.status, tc.reply), "gpt-4o-mini")
			_, err := p.Complete(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: "user", Content: "1. 질문"}},
				Schema:   tc.schema,
			})
			if err == nil {
				t.Fatal("Complete() succeeded")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestBuildParams_Schema(t *testing.T) {
	t.Parallel()

	hosted, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	params, err := hosted.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "q"}},
		Schema:   refineSchema,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	js := params.ResponseFormat.OfJSONSchema
	if js == nil {
		t.Fatal("hosted gpt-4o-mini did not get a json_schema response format")
	}
	if js.JSONSchema.Name != "refined_questions" || !js.JSONSchema.Strict.Value {
		t.Errorf("json_schema = %+v", js.JSONSchema)
	}

	// Self-hosted servers fall back to plain JSON mode.
	local, err := New("", "gpt-4o-mini", WithBaseURL("http://localhost:8000/v1"))
	if err != nil {
		t.Fatal(err)
	}
	params, _ = local.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "q"}},
		Schema:   refineSchema,
	})
	if params.ResponseFormat.OfJSONSchema != nil || params.ResponseFormat.OfJSONObject == nil {
		t.Error("self-hosted model should get json_object, not json_schema")
	}

	if _, err := local.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "narrator"}}}); err == nil {
		t.Error("unknown role accepted")
	}
}

func TestBuildParams_ReasoningModelDropsTemperature(t *testing.T) {
	t.Parallel()

	p, err := New("sk-test", "o3-mini")
	if err != nil {
		t.Fatal(err)
	}
	params, _ := p.buildParams(llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: "q"}},
		Temperature: 0.1,
	})
	if params.Temperature.Valid() {
		t.Error("temperature sent to a reasoning model")
	}
}

func TestCapabilitiesFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model      string
		custom     bool
		wantJSON   bool
		wantSchema bool
	}{
		{"gpt-4o-mini", false, true, true},
		{"gpt-4", false, false, false},
		{"gpt-3.5-turbo", false, true, false},
		{"o1-mini", false, false, false},
		{"o4-mini", false, true, true},
		{"gpt-4o-mini", true, true, false},
		{"qwen2.5-7b-instruct", false, true, false},
	}
	for _, tt := range tests {
		caps := capabilitiesFor(tt.model, tt.custom)
		if caps.SupportsJSONMode != tt.wantJSON || caps.SupportsSchema != tt.wantSchema {
			t.Errorf("capabilitiesFor(%q, %v) = json %v schema %v, want %v %v",
				tt.model, tt.custom, caps.SupportsJSONMode, caps.SupportsSchema, tt.wantJSON, tt.wantSchema)
		}
	}
}
