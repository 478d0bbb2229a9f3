package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/xylitol6744/StoryMate-AI/internal/usecase"
)

// ChatUseCase is the application surface the handler routes into.
type ChatUseCase interface {
	Turn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	Finalize(ctx context.Context, in usecase.FinalizeInput) (usecase.FinalizeOutput, error)
	Usage(ctx context.Context, owner string) (usecase.UsageOutput, error)
}

// TokenVerifier exchanges a bearer credential for the owner id it
// belongs to.
type TokenVerifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

type Handler struct {
	uc       ChatUseCase
	verifier TokenVerifier
	logger   *slog.Logger
}

type chatRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

type chatResponse struct {
	ConversationID string `json:"conversationId"`
	Reply          string `json:"reply"`
	TokensUsed     int    `json:"tokensUsed"`
}

type storyRequest struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
}

type storyResponse struct {
	Story string `json:"story"`
	Title string `json:"title"`
}

type usageResponse struct {
	Used  int    `json:"used"`
	Limit int    `json:"limit"`
	Day   string `json:"day"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Used      int    `json:"used,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func NewHandler(uc ChatUseCase, verifier TokenVerifier, logger *slog.Logger) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if verifier == nil {
		return nil, errors.New("handler: token verifier must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{uc: uc, verifier: verifier, logger: logger}, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, "x-correlation-id")
	if correlationID == "" {
		correlationID = newCorrelationID()
	}

	owner, errResp := h.authenticate(ctx, event, correlationID)
	if errResp != nil {
		return *errResp, nil
	}

	switch {
	case event.HTTPMethod == http.MethodPost && event.Path == "/api/chat":
		return h.handleChat(ctx, event, owner, correlationID), nil
	case event.HTTPMethod == http.MethodPost && event.Path == "/api/story":
		return h.handleStory(ctx, event, owner, correlationID), nil
	case event.HTTPMethod == http.MethodGet && event.Path == "/api/usage":
		return h.handleUsage(ctx, owner, correlationID), nil
	default:
		return jsonResponse(http.StatusNotFound, errorResponse{Error: "NOT_FOUND", Reason: "unknown_route"}, correlationID), nil
	}
}

func (h *Handler) authenticate(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string) (string, *events.APIGatewayProxyResponse) {
	credential := bearerToken(event.Headers)
	if credential == "" {
		resp := jsonResponse(http.StatusUnauthorized, errorResponse{
			Error:  string(usecase.ErrorUnauthenticated),
			Reason: "missing_credential",
		}, correlationID)
		return "", &resp
	}
	owner, err := h.verifier.Verify(ctx, credential)
	if err != nil {
		if isInvalidCredential(err) {
			resp := jsonResponse(http.StatusUnauthorized, errorResponse{
				Error:  string(usecase.ErrorUnauthenticated),
				Reason: "invalid_credential",
			}, correlationID)
			return "", &resp
		}
		h.logger.Error("identity verification failed", "correlationId", correlationID, "err", err)
		resp := jsonResponse(http.StatusBadGateway, errorResponse{
			Error:  string(usecase.ErrorBackendUnavailable),
			Reason: "identity_unavailable",
		}, correlationID)
		return "", &resp
	}
	return owner, nil
}

func (h *Handler) handleChat(ctx context.Context, event events.APIGatewayProxyRequest, owner, correlationID string) events.APIGatewayProxyResponse {
	var req chatRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "malformed_body",
		}, correlationID)
	}
	out, err := h.uc.Turn(ctx, usecase.TurnInput{
		Owner:          owner,
		ConversationID: req.ConversationID,
		Text:           req.Message,
	})
	if err != nil {
		return h.errorResponse(err, correlationID)
	}
	return jsonResponse(http.StatusOK, chatResponse{
		ConversationID: out.ConversationID,
		Reply:          out.Reply,
		TokensUsed:     out.TokensUsed,
	}, correlationID)
}

func (h *Handler) handleStory(ctx context.Context, event events.APIGatewayProxyRequest, owner, correlationID string) events.APIGatewayProxyResponse {
	var req storyRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "malformed_body",
		}, correlationID)
	}
	out, err := h.uc.Finalize(ctx, usecase.FinalizeInput{
		Owner:          owner,
		ConversationID: req.ConversationID,
		Title:          req.Title,
	})
	if err != nil {
		return h.errorResponse(err, correlationID)
	}
	return jsonResponse(http.StatusOK, storyResponse{Story: out.Story, Title: out.Title}, correlationID)
}

func (h *Handler) handleUsage(ctx context.Context, owner, correlationID string) events.APIGatewayProxyResponse {
	out, err := h.uc.Usage(ctx, owner)
	if err != nil {
		return h.errorResponse(err, correlationID)
	}
	return jsonResponse(http.StatusOK, usageResponse{Used: out.Used, Limit: out.Limit, Day: out.Day}, correlationID)
}

func (h *Handler) errorResponse(err error, correlationID string) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		h.logger.Error("unexpected error", "correlationId", correlationID, "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{
			Error: string(usecase.ErrorInternal),
		}, correlationID)
	}

	body := errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}
	if ucErr.Quota != nil {
		body.Used = ucErr.Quota.Used
		body.Requested = ucErr.Quota.Requested
		body.Limit = ucErr.Quota.Limit
	}

	status := http.StatusInternalServerError
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorUnauthenticated:
		status = http.StatusUnauthorized
	case usecase.ErrorQuotaExceeded:
		status = http.StatusTooManyRequests
	case usecase.ErrorBackendUnavailable:
		status = http.StatusBadGateway
	case usecase.ErrorPersistenceInconsistent, usecase.ErrorInternal:
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "correlationId", correlationID, "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	}
	return jsonResponse(status, body, correlationID)
}

func jsonResponse(status int, body any, correlationID string) events.APIGatewayProxyResponse {
	payload, err := json.Marshal(body)
	if err != nil {
		payload = []byte(`{"error":"INTERNAL_ERROR"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": correlationID,
		},
		Body: string(payload),
	}
}

// headerValue looks up a header case-insensitively; API Gateway does
// not normalize header casing.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func bearerToken(headers map[string]string) string {
	auth := headerValue(headers, "authorization")
	if auth == "" {
		return ""
	}
	const prefix = "bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

type invalidCredentialer interface {
	InvalidCredential() bool
}

func isInvalidCredential(err error) bool {
	var ic invalidCredentialer
	return errors.As(err, &ic) && ic.InvalidCredential()
}

var newCorrelationID = func() string {
	return uuid.NewString()
}
