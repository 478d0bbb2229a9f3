package usecase

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/xylitol6744/StoryMate-AI/internal/domain"
)

const (
	storyTemperature = 0.7

	maxTitleLen = 11

	// fallbackStory stands in when the backend cannot produce the
	// story; the conversation still finalizes so the user keeps a
	// record of the session.
	fallbackStory = "The story could not be written this time, but the adventure happened all the same."

	storyEndpoint = "/api/story"
)

type FinalizeInput struct {
	Owner          string
	ConversationID string
	Title          string
}

type FinalizeOutput struct {
	Story string
	Title string
}

// Finalize turns the full transcript into a story, marks the
// conversation completed, and strips the working summary state.
// Finalization is terminal even when the backend fails: the
// conversation completes with a placeholder story rather than staying
// open. Calling Finalize on an already completed conversation returns
// the stored story without another backend call.
func (s *ChatService) Finalize(ctx context.Context, in FinalizeInput) (FinalizeOutput, error) {
	owner := strings.TrimSpace(in.Owner)
	if owner == "" {
		return FinalizeOutput{}, newError(ErrorUnauthenticated, "missing_owner", nil)
	}
	id := strings.TrimSpace(in.ConversationID)
	if id == "" {
		return FinalizeOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return FinalizeOutput{}, newError(ErrorInvalidInput, "empty_title", nil)
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return FinalizeOutput{}, newError(ErrorInvalidInput, "title_too_long", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return FinalizeOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	conv, err := s.store.GetConversation(ctx, owner, id)
	if err != nil {
		if isConversationNotFound(err) {
			return FinalizeOutput{}, newError(ErrorInvalidInput, "conversation_not_found", err)
		}
		return FinalizeOutput{}, newError(ErrorInternal, "conversation_read_error", err)
	}
	if conv.Completed {
		return FinalizeOutput{Story: conv.Story, Title: conv.Title}, nil
	}

	messages := buildStoryMessages(s.storyPrompt, transcript(conv.Turns))
	story := fallbackStory
	tokens := 0
	res, genErr := s.llm.Generate(ctx, domain.GenerateRequest{
		Model:       s.model,
		Messages:    messages,
		Temperature: storyTemperature,
	})
	if genErr != nil {
		s.logger.Error("story generation failed, finalizing with placeholder",
			"conversationId", conv.ID, "err", genErr)
	} else if res.Text != "" {
		story = res.Text
		tokens = res.TokensUsed
	}

	if err := s.store.FinalizeConversation(ctx, owner, conv.ID, story, title); err != nil {
		return FinalizeOutput{}, newError(ErrorInternal, "finalize_write_error", err)
	}

	s.writeAudit(ctx, owner, storyEndpoint, messages, tokens)

	return FinalizeOutput{Story: story, Title: title}, nil
}
