package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/xylitol6744/StoryMate-AI/handler"
	"github.com/xylitol6744/StoryMate-AI/internal/integrations/identity"
	"github.com/xylitol6744/StoryMate-AI/internal/integrations/openai"
	"github.com/xylitol6744/StoryMate-AI/internal/integrations/paramstore"
	"github.com/xylitol6744/StoryMate-AI/internal/repository"
	"github.com/xylitol6744/StoryMate-AI/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	identityBaseURL := mustEnv("IDENTITY_BASE_URL")
	dailyTokenLimit := envInt("DAILY_TOKEN_LIMIT", 70000)
	summaryThreshold := envInt("SUMMARY_THRESHOLD", 8)
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 300)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	store, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	var openaiOpts []openai.Option
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(baseURL))
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix, openaiOpts...)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	identityClient, err := identity.NewClient(identityBaseURL)
	if err != nil {
		slog.Error("failed to create identity client", "err", err)
		os.Exit(1)
	}

	// ---- Services ----
	ledger, err := usecase.NewLedger(store, dailyTokenLimit)
	if err != nil {
		slog.Error("failed to create ledger", "err", err)
		os.Exit(1)
	}
	chatService, err := usecase.NewChatService(ssmClient, openaiClient, store, ledger, store, logger, paramPrefix, maxMessageLen, summaryThreshold)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService, identityClient, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
