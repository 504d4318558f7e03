package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/OmChillure/friday/internal/session"
	"github.com/OmChillure/friday/internal/stream"
	"github.com/ollama/ollama/api"
)

// Ollama streams replies from an Ollama server. The response flagged Done is the end signal.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	params LLMParameters

	client *api.Client

	logger *slog.Logger
}

var errStopped = errors.New("consumer stopped")

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server. If the provided host URL is invalid,
// the function will panic.
func NewOllama(host, model, systemPrompt string, params LLMParameters, logger *slog.Logger) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}
}

// Stream implements session.Provider.
func (o Ollama) Stream(ctx context.Context, req session.Request) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		turns := conversation(req)
		msgs := make([]api.Message, len(turns))
		for i, t := range turns {
			msgs[i] = api.Message{
				Role:    string(t.role),
				Content: t.text,
			}
		}
		msgs = slices.Insert(msgs, 0, api.Message{
			Role:    "system",
			Content: o.systemPrompt,
		})

		model := req.Model
		if model == "" {
			model = o.model
		}
		t := true
		chatReq := api.ChatRequest{
			Model:    model,
			Messages: msgs,
			Stream:   &t,
			Options:  o.options(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ents := &entities{}
		ended := false
		err := o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
			if res.Message.Content != "" {
				if !yield(ents.text(answerKind(req), res.Message.Content), nil) {
					return errStopped
				}
			}
			if res.Done {
				o.logger.Debug("Chat done", slog.String("reason", res.DoneReason))
				ended = true
				if !yield(stream.EndChunk(), nil) {
					return errStopped
				}
			}
			return nil
		})
		if err == nil || ended || errors.Is(err, errStopped) || canceled(ctx, err) {
			return
		}
		yield(stream.Chunk{}, fmt.Errorf("error sending request: %w", err))
	}
}

// GenerateTitle generates a title for a given message using the Ollama API. It sends the system prompt
// and the message to the Ollama API and returns the response content as the title. The context can be
// used to cancel ongoing requests.
func (o Ollama) GenerateTitle(ctx context.Context, message string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{
				Role:    "system",
				Content: o.systemPrompt,
			},
			{
				Role:    "user",
				Content: message,
			},
		},
		Stream:  &f,
		Options: o.options(),
	}

	var title string

	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title = res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return strings.TrimSpace(title), nil
}

func (o Ollama) options() map[string]any {
	opts := make(map[string]any)
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.TopK != nil {
		opts["top_k"] = *o.params.TopK
	}
	if o.params.Seed != nil {
		opts["seed"] = *o.params.Seed
	}
	if o.params.Stop != nil {
		opts["stop"] = o.params.Stop
	}
	if o.params.MaxTokens != nil {
		opts["num_predict"] = *o.params.MaxTokens
	}
	if o.params.PresencePenalty != nil {
		opts["presence_penalty"] = *o.params.PresencePenalty
	}
	if o.params.FrequencyPenalty != nil {
		opts["frequency_penalty"] = *o.params.FrequencyPenalty
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
