package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/xylitol6744/StoryMate-AI/internal/domain"
)

const (
	chatTemperature = 0.9
	chatMaxTokens   = 444

	defaultMaxMessageLen = 300

	// fallbackReply stands in when the backend returns an empty choice.
	fallbackReply = "The narrator is silent for a moment."

	chatEndpoint    = "/api/chat"
	summaryEndpoint = "/api/summary"
)

// ParamGetter fetches configuration values from the parameter store.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Generator is the generation backend consumed by turns, compaction
// and finalization.
type Generator interface {
	Generate(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResult, error)
}

// ConversationStore is the conversation persistence consumed by the
// chat service.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	GetConversation(ctx context.Context, owner, id string) (domain.Conversation, error)
	AppendTurns(ctx context.Context, owner, id string, turns []domain.Turn) error
	UpdateSummary(ctx context.Context, owner, id, summary string, checkpoint, expected int) error
	FinalizeConversation(ctx context.Context, owner, id, story, title string) error
}

// conversationNotFounder marks store errors for a missing conversation
// document, probed by interface to keep this package free of repository
// imports.
type conversationNotFounder interface {
	ConversationNotFound() bool
}

// AuditWriter records best-effort audit entries.
type AuditWriter interface {
	WriteAudit(ctx context.Context, entry domain.AuditEntry) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type contentRejecter interface {
	ContentRejected() bool
}

// ChatService drives the conversation state machine: admission
// control, context assembly, summary compaction, generation, and
// persistence of each accepted turn.
type ChatService struct {
	params     ParamGetter
	llm        Generator
	store      ConversationStore
	ledger     *Ledger
	summarizer *Summarizer
	audit      AuditWriter
	logger     *slog.Logger

	paramPrefix      string
	maxMessageLen    int
	compactThreshold int

	cacheMu        sync.RWMutex
	cacheLoaded    bool
	narratorPrompt string
	summaryPrompt  string
	storyPrompt    string
	model          string
}

type TurnInput struct {
	Owner          string
	ConversationID string
	Text           string
}

type TurnOutput struct {
	ConversationID string
	Reply          string
	TokensUsed     int
}

type UsageOutput struct {
	Used  int
	Limit int
	Day   string
}

func NewChatService(p ParamGetter, llm Generator, store ConversationStore, ledger *Ledger, audit AuditWriter, logger *slog.Logger, paramPrefix string, maxMessageLen, compactThreshold int) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if ledger == nil {
		return nil, errors.New("usecase: ledger must not be nil")
	}
	if audit == nil {
		return nil, errors.New("usecase: audit writer must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	if compactThreshold <= 0 {
		compactThreshold = defaultCompactThreshold
	}
	summarizer, err := NewSummarizer(llm)
	if err != nil {
		return nil, err
	}
	return &ChatService{
		params:           p,
		llm:              llm,
		store:            store,
		ledger:           ledger,
		summarizer:       summarizer,
		audit:            audit,
		logger:           logger,
		paramPrefix:      paramPrefix,
		maxMessageLen:    maxMessageLen,
		compactThreshold: compactThreshold,
	}, nil
}

// Turn processes one user message: admission pre-check, compaction if
// the tail crossed the threshold, context build, generation, admission
// post-check with the actual cost, then ledger commit and history
// append. A failed post-check discards the reply without charging.
func (s *ChatService) Turn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	owner := strings.TrimSpace(in.Owner)
	if owner == "" {
		return TurnOutput{}, newError(ErrorUnauthenticated, "missing_owner", nil)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > s.maxMessageLen {
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	now := timeNow().UTC()
	adm, err := s.ledger.CheckAdmission(ctx, owner, now)
	if err != nil {
		return TurnOutput{}, newError(ErrorBackendUnavailable, "ledger_read_error", err)
	}
	if !adm.Allowed {
		return TurnOutput{}, newQuotaError("daily_limit_reached", adm.Used, 0, adm.Limit)
	}

	conv, err := s.loadOrCreateConversation(ctx, owner, in.ConversationID, now)
	if err != nil {
		return TurnOutput{}, err
	}
	if conv.Completed {
		return TurnOutput{}, newError(ErrorInvalidInput, "conversation_completed", nil)
	}

	// Compact before building context so the just-summarized turns are
	// not duplicated into the model call. Failure is recoverable: the
	// turn continues over the uncompacted tail.
	if shouldCompact(len(conv.Turns), conv.SummaryCheckpoint, s.compactThreshold) {
		if err := s.compact(ctx, &conv); err != nil {
			s.logger.Warn("summary compaction failed, continuing uncompacted",
				"conversationId", conv.ID, "err", err)
		}
	}

	messages := buildNarratorMessages(s.narratorPrompt, conv.Summary, conv.Tail(), text)
	res, err := s.llm.Generate(ctx, domain.GenerateRequest{
		Model:       s.model,
		Messages:    messages,
		MaxTokens:   chatMaxTokens,
		Temperature: chatTemperature,
	})
	if err != nil {
		return TurnOutput{}, classifyGenerationError("generation_error", err)
	}
	reply := res.Text
	if reply == "" {
		reply = fallbackReply
	}

	// Post-check with the actual token cost before anything is
	// persisted. A would-exceed turn is discarded and never charged.
	if s.ledger.WouldExceed(adm.Used, res.TokensUsed) {
		return TurnOutput{}, newQuotaError("turn_would_exceed_limit", adm.Used, res.TokensUsed, adm.Limit)
	}

	if _, err := s.ledger.Commit(ctx, owner, now, res.TokensUsed); err != nil {
		// Nothing persisted yet; the whole turn is safely retryable.
		return TurnOutput{}, newError(ErrorBackendUnavailable, "ledger_commit_error", err)
	}
	turns := []domain.Turn{
		{Speaker: domain.SpeakerUser, Text: text},
		{Speaker: domain.SpeakerNarrator, Text: reply},
	}
	if err := s.store.AppendTurns(ctx, owner, conv.ID, turns); err != nil {
		// The charge is already committed; this window is logged for
		// reconciliation rather than retried, since a blind retry could
		// double-charge.
		s.logger.Error("history append failed after ledger commit",
			"conversationId", conv.ID, "owner", owner, "tokens", res.TokensUsed, "err", err)
		return TurnOutput{}, newError(ErrorPersistenceInconsistent, "history_append_failed", err)
	}

	s.writeAudit(ctx, owner, chatEndpoint, messages, res.TokensUsed)

	return TurnOutput{ConversationID: conv.ID, Reply: reply, TokensUsed: res.TokensUsed}, nil
}

// Usage reports the owner's consumption for the current day together
// with the configured limit.
func (s *ChatService) Usage(ctx context.Context, owner string) (UsageOutput, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return UsageOutput{}, newError(ErrorUnauthenticated, "missing_owner", nil)
	}
	now := timeNow().UTC()
	adm, err := s.ledger.CheckAdmission(ctx, owner, now)
	if err != nil {
		return UsageOutput{}, newError(ErrorBackendUnavailable, "ledger_read_error", err)
	}
	return UsageOutput{Used: adm.Used, Limit: adm.Limit, Day: now.Format("2006-01-02")}, nil
}

func (s *ChatService) loadOrCreateConversation(ctx context.Context, owner, id string, now time.Time) (domain.Conversation, error) {
	if strings.TrimSpace(id) == "" {
		conv := domain.Conversation{
			ID:                newUUID(),
			Owner:             owner,
			Summary:           "",
			SummaryCheckpoint: -1,
			CreatedAt:         now,
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return domain.Conversation{}, newError(ErrorInternal, "conversation_create_error", err)
		}
		return conv, nil
	}

	conv, err := s.store.GetConversation(ctx, owner, strings.TrimSpace(id))
	if err != nil {
		if isConversationNotFound(err) {
			return domain.Conversation{}, newError(ErrorInvalidInput, "conversation_not_found", err)
		}
		return domain.Conversation{}, newError(ErrorInternal, "conversation_read_error", err)
	}
	return conv, nil
}

// compact folds the current tail into the standing summary and
// advances the checkpoint. Summary and checkpoint are persisted as one
// write; on any failure the conversation is left untouched.
func (s *ChatService) compact(ctx context.Context, conv *domain.Conversation) error {
	tail := conv.Tail()
	newSummary, tokens, err := s.summarizer.Compact(ctx, s.model, s.summaryPrompt, conv.Summary, tail)
	if err != nil {
		return err
	}
	checkpoint := len(conv.Turns) - 1
	if err := s.store.UpdateSummary(ctx, conv.Owner, conv.ID, newSummary, checkpoint, conv.SummaryCheckpoint); err != nil {
		return err
	}
	conv.Summary = newSummary
	conv.SummaryCheckpoint = checkpoint
	s.writeAudit(ctx, conv.Owner, summaryEndpoint, buildSummaryMessages(s.summaryPrompt, tail), tokens)
	return nil
}

// writeAudit records a best-effort audit entry. Failures are logged
// and swallowed; they must never fail the user-visible operation.
func (s *ChatService) writeAudit(ctx context.Context, owner, endpoint string, messages []domain.ChatMessage, tokens int) {
	entry := domain.AuditEntry{
		ID:         newUUID(),
		Owner:      owner,
		Endpoint:   endpoint,
		PromptSize: estimatePromptTokens(messages),
		TokensUsed: tokens,
		Timestamp:  timeNow().UTC(),
	}
	if err := s.audit.WriteAudit(ctx, entry); err != nil {
		s.logger.Warn("audit write failed", "endpoint", endpoint, "err", err)
	}
}

// ensureConfig lazily loads the narrator, summary and story prompts
// plus the model name from the parameter store, once per process.
func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	narrator, summary, story, model, err := s.loadSSMParams(ctx)
	if err != nil {
		return err
	}

	s.narratorPrompt = narrator
	s.summaryPrompt = summary
	s.storyPrompt = story
	s.model = model
	s.cacheLoaded = true
	return nil
}

func (s *ChatService) loadSSMParams(ctx context.Context) (narrator, summary, story, model string, err error) {
	prefix := strings.TrimRight(s.paramPrefix, "/")

	narrator, err = s.params.GetParameter(ctx, prefix+"/narrator_prompt")
	if err != nil {
		return "", "", "", "", fmt.Errorf("usecase: load narrator prompt: %w", err)
	}
	summary, err = s.params.GetParameter(ctx, prefix+"/summary_prompt")
	if err != nil {
		return "", "", "", "", fmt.Errorf("usecase: load summary prompt: %w", err)
	}
	story, err = s.params.GetParameter(ctx, prefix+"/story_prompt")
	if err != nil {
		return "", "", "", "", fmt.Errorf("usecase: load story prompt: %w", err)
	}
	model, err = s.params.GetParameter(ctx, prefix+"/config/openai_model")
	if err != nil {
		return "", "", "", "", fmt.Errorf("usecase: load openai model: %w", err)
	}
	return narrator, summary, story, model, nil
}

func classifyGenerationError(reason string, err error) *Error {
	if isContentRejected(err) {
		return newError(ErrorInvalidInput, "content_rejected", err)
	}
	if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
		return newError(ErrorBackendUnavailable, "backend_rate_limited", err)
	}
	return newError(ErrorBackendUnavailable, reason, err)
}

func isContentRejected(err error) bool {
	var cr contentRejecter
	return errors.As(err, &cr) && cr.ContentRejected()
}

func isConversationNotFound(err error) bool {
	var nf conversationNotFounder
	return errors.As(err, &nf) && nf.ConversationNotFound()
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}

var timeNow = time.Now
