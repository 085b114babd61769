package llm

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsJSONMode indicates the backend can be forced to emit a JSON object.
	SupportsJSONMode bool

	// SupportsSchema indicates [CompletionRequest.Schema] is enforced rather
	// than ignored.
	SupportsSchema bool
}

// OutputSchema names a JSON Schema the reply must satisfy.
type OutputSchema struct {
	// Name identifies the schema to the backend. Letters, digits, '_' and '-'.
	Name        string
	Description string

	// Schema is the JSON Schema document, e.g. {"type": "object", ...}.
	Schema map[string]any
}

// EstimateTokens returns a rough token estimate for msgs: about four bytes
// per token plus a small per-message overhead.
func EstimateTokens(msgs ...Message) int {
	total := 0
	for _, m := range msgs {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}
