package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/OmChillure/friday/internal/session"
	"github.com/OmChillure/friday/internal/stream"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI streams replies from OpenAI's chat completion API. Each choice is a candidate.
type OpenAI struct {
	model        string
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key, model name, and system prompt.
// An empty baseURL selects the public API.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(req session.Request) []goopenai.ChatCompletionMessage {
	turns := conversation(req)
	msgs := make([]goopenai.ChatCompletionMessage, len(turns))
	for i, t := range turns {
		msgs[i] = goopenai.ChatCompletionMessage{
			Role:    string(t.role),
			Content: t.text,
		}
	}
	return msgs
}

// Stream implements session.Provider. The io.EOF that follows the [DONE] marker is the end signal.
func (o OpenAI) Stream(ctx context.Context, req session.Request) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		msgs := slices.Insert(openAIMessages(req), 0, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		})

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		chatReq := o.chatRequest(req.Model, msgs, true)
		o.logger.Debug("Request", slog.String("model", chatReq.Model), slog.Int("messages", len(msgs)))

		res, err := o.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			if canceled(ctx, err) {
				return
			}
			yield(stream.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer res.Close()

		counters := make(map[int]*entities)
		for {
			response, err := res.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					yield(stream.EndChunk(), nil)
					return
				}
				if canceled(ctx, err) {
					return
				}
				yield(stream.Chunk{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			for _, choice := range response.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				ents, ok := counters[choice.Index]
				if !ok {
					ents = &entities{candidate: choice.Index}
					counters[choice.Index] = ents
				}
				if !yield(ents.text(answerKind(req), choice.Delta.Content), nil) {
					return
				}
			}
		}
	}
}

// GenerateTitle is a wrapper around the OpenAI chat completion API.
func (o OpenAI) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []goopenai.ChatCompletionMessage{
		{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		},
		{
			Role:    goopenai.ChatMessageRoleUser,
			Content: message,
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, o.chatRequest("", msgs, false))
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (o OpenAI) chatRequest(
	model string,
	messages []goopenai.ChatCompletionMessage,
	stream bool,
) goopenai.ChatCompletionRequest {
	if model == "" {
		model = o.model
	}
	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}
	if o.params.LogitBias != nil {
		req.LogitBias = o.params.LogitBias
	}
	if o.params.Logprobs != nil {
		req.LogProbs = *o.params.Logprobs
	}
	if o.params.TopLogprobs != nil {
		req.TopLogProbs = *o.params.TopLogprobs
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}

	return req
}
