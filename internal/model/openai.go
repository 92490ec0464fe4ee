package model

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"coteacher/internal/config"
	"coteacher/pkg/types"
)

// OpenAISource streams completions from any OpenAI-compatible endpoint.
type OpenAISource struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAISource creates a token source from the model configuration.
func NewOpenAISource(cfg config.ModelConfig) *OpenAISource {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAISource{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

// Stream forwards each completion delta to emit as it arrives.
func (s *OpenAISource) Stream(ctx context.Context, prompt Prompt, emit func(string) error) error {
	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: s.temperature,
		Stream:      true,
		Messages:    buildMessages(prompt),
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer func() { _ = stream.Close() }()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}

		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			if err := emit(delta); err != nil {
				return err
			}
		}
	}
}

func buildMessages(prompt Prompt) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(prompt.History)+2)

	if prompt.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: prompt.System,
		})
	}

	for _, turn := range prompt.History {
		role := openai.ChatMessageRoleUser
		if turn.Sender == types.SenderAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Message,
		})
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt.Input,
	})
	return messages
}

var _ TokenSource = (*OpenAISource)(nil)
