package usecase

import (
	"strings"

	"github.com/xylitol6744/StoryMate-AI/internal/domain"
)

// buildNarratorMessages assembles the prompt for one turn: the narrator
// system instruction, the standing summary as one block if non-empty,
// the flattened unsummarized tail as one block if non-empty, then the
// new user text. Pure; identical inputs produce identical ordering.
func buildNarratorMessages(instruction, summary string, tail []domain.Turn, userText string) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: instruction},
	}
	if summary != "" {
		messages = append(messages, domain.ChatMessage{Role: "user", Content: summary})
	}
	if block := flattenTurns(tail); block != "" {
		messages = append(messages, domain.ChatMessage{Role: "user", Content: block})
	}
	messages = append(messages, domain.ChatMessage{Role: "user", Content: userText})
	return messages
}

// buildSummaryMessages assembles the compaction prompt: the summary
// instruction followed by the flattened turns, as a single user message.
func buildSummaryMessages(instruction string, tail []domain.Turn) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "user", Content: instruction + "\n" + flattenTurns(tail)},
	}
}

// buildStoryMessages assembles the finalization prompt: the story
// instruction followed by the raw transcript, as a single user message.
func buildStoryMessages(instruction, transcript string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "user", Content: instruction + "\n" + transcript},
	}
}

// flattenTurns renders turns as speaker-prefixed lines, one per turn.
func flattenTurns(turns []domain.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, string(t.Speaker)+":"+t.Text)
	}
	return strings.Join(lines, "\n")
}

// transcript concatenates the raw text of all turns for finalization;
// the standing summary is deliberately not used there.
func transcript(turns []domain.Turn) string {
	texts := make([]string, 0, len(turns))
	for _, t := range turns {
		texts = append(texts, t.Text)
	}
	return strings.Join(texts, "\n")
}
