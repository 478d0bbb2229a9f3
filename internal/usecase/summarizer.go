package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/xylitol6744/StoryMate-AI/internal/domain"
)

const (
	summaryTemperature = 0.5
	summaryMaxTokens   = 777

	defaultCompactThreshold = 8
)

// shouldCompact reports whether the unsummarized tail has grown past
// the threshold and must be folded into the standing summary before
// the next turn is sent to the backend.
func shouldCompact(turnCount, checkpoint, threshold int) bool {
	return turnCount-checkpoint-1 >= threshold
}

// Summarizer compacts a run of raw turns into summary text via the
// generation backend.
type Summarizer struct {
	llm Generator
}

// NewSummarizer creates a Summarizer backed by the given generator.
func NewSummarizer(llm Generator) (*Summarizer, error) {
	if llm == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	return &Summarizer{llm: llm}, nil
}

// Compact summarizes the tail and concatenates the result onto the
// prior summary. The standing summary is cumulative; it is never
// replaced. The caller persists the returned summary together with the
// advanced checkpoint. The second return value is the token cost the
// backend reported for the compaction call.
func (s *Summarizer) Compact(ctx context.Context, model, instruction, priorSummary string, tail []domain.Turn) (string, int, error) {
	if len(tail) == 0 {
		return priorSummary, 0, nil
	}
	res, err := s.llm.Generate(ctx, domain.GenerateRequest{
		Model:       model,
		Messages:    buildSummaryMessages(instruction, tail),
		MaxTokens:   summaryMaxTokens,
		Temperature: summaryTemperature,
	})
	if err != nil {
		return "", 0, fmt.Errorf("usecase: compact tail: %w", err)
	}
	if res.Text == "" {
		return "", 0, errors.New("usecase: compact tail: empty summary from backend")
	}
	if priorSummary == "" {
		return res.Text, res.TokensUsed, nil
	}
	return priorSummary + "\n" + res.Text, res.TokensUsed, nil
}
