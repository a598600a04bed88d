package domain

// Chat roles understood by the generation backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by the
// pipeline, the memory manager and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is one call to the generation backend.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature *float64
}

// Completion is the generated text plus the token usage reported upstream.
type Completion struct {
	Text        string
	TotalTokens int
}

// Temperature returns a pointer suitable for CompletionRequest.Temperature.
func Temperature(t float64) *float64 {
	return &t
}
