package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/groq-gate/internal/config"
)

var (
	ErrEmptyMessage = errors.New("message is required")
	ErrEmptyReply   = errors.New("model returned an empty reply")
)

// Service answers single chat queries through the configured model.
type Service struct {
	systemPrompt string
	chain        compose.Runnable[map[string]any, *schema.Message]
	logger       *slog.Logger
}

// NewService creates a new AI service instance from configuration.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg.SystemPrompt)
}

// NewServiceWithModel wires an existing chat model into the query chain.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, systemPrompt string) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		systemPrompt: strings.TrimSpace(systemPrompt),
		chain:        runnable,
		logger:       slog.Default().With("component", "ai"),
	}, nil
}

// Reply runs one query through the chain and returns the model's text.
func (s *Service) Reply(ctx context.Context, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ErrEmptyMessage
	}

	response, err := s.chain.Invoke(ctx, map[string]any{
		"system": s.systemPrompt,
		"query":  message,
	})
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	reply := ""
	if response != nil {
		reply = strings.TrimSpace(response.Content)
	}
	if reply == "" {
		return "", ErrEmptyReply
	}

	s.logger.Debug("generated reply", "query_length", len(message), "reply_length", len(reply))
	return reply, nil
}
