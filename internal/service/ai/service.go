package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/csec/ragchat/backend/internal/config"
)

// Service runs grounded chat generations against the configured model.
type Service struct {
	cfg   config.AIConfig
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewService compiles the generation chain. The prompt carries exactly two
// message roles: the assembled system instruction and the raw user message.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

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

	return &Service{cfg: cfg, chain: runnable}, nil
}

// Stream opens one generation stream for a user turn. The returned stream
// is finite and not restartable; callers own Close.
func (s *Service) Stream(ctx context.Context, systemPrompt, userMessage string) (*Stream, error) {
	input := map[string]any{
		"system": systemPrompt,
		"query":  userMessage,
	}

	reader, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream chat chain output: %w", err)
	}

	return &Stream{reader: reader}, nil
}

// Stream adapts the eino message stream to plain text deltas.
type Stream struct {
	reader *schema.StreamReader[*schema.Message]
}

// Recv returns the next text delta. io.EOF signals normal exhaustion; any
// other error is an upstream failure. Chunks without content yield empty
// deltas, which the relay drops.
func (s *Stream) Recv() (string, error) {
	chunk, err := s.reader.Recv()
	if errors.Is(err, io.EOF) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	if chunk == nil {
		return "", nil
	}
	return chunk.Content, nil
}

// Close releases the upstream stream.
func (s *Stream) Close() {
	s.reader.Close()
}
