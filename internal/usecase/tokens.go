package usecase

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/xylitol6744/StoryMate-AI/internal/domain"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// estimatePromptTokens approximates the token size of a prompt for
// audit entries. Uses the cl100k_base encoding; falls back to a rough
// bytes/4 estimate if the encoding cannot be loaded. The figure is
// informational only and never used for quota decisions, which rely on
// the cost the backend actually reports.
func estimatePromptTokens(messages []domain.ChatMessage) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err == nil {
			encoding = enc
		}
	})

	// Per-message overhead for role framing.
	const perMessage = 4

	total := 0
	for _, m := range messages {
		if encoding != nil {
			total += len(encoding.Encode(m.Content, nil, nil)) + perMessage
		} else {
			total += len(m.Content)/4 + perMessage
		}
	}
	return total
}
