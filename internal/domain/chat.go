package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// context builder and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest describes a single generation-backend call.
// A MaxTokens of zero leaves the output length uncapped.
type GenerateRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// GenerateResult carries the generated text and the actual token cost
// reported by the backend for the whole call.
type GenerateResult struct {
	Text       string
	TokensUsed int
}
