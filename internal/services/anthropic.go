package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/OmChillure/friday/internal/session"
	"github.com/OmChillure/friday/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// Anthropic streams replies from the Anthropic messages API. Text and thinking deltas are delivered
// as they arrive; message_stop is the end signal.
type Anthropic struct {
	apiKey       string
	model        string
	systemPrompt string
	maxTokens    int
	endpoint     string

	params LLMParameters

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	TopK        *int               `json:"top_k,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint    = "https://api.anthropic.com/v1"
	anthropicMaxTokens      = 4096
	anthropicThinkingBudget = 2048
)

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, and maximum
// token limit. A zero maxTokens falls back to a default.
func NewAnthropic(
	apiKey, model, systemPrompt string,
	maxTokens int,
	params LLMParameters,
	logger *slog.Logger,
) Anthropic {
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return Anthropic{
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		endpoint:     anthropicAPIEndpoint,
		params:       params,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// WithEndpoint returns a copy of a that sends its requests to endpoint.
func (a Anthropic) WithEndpoint(endpoint string) Anthropic {
	a.endpoint = strings.TrimSuffix(endpoint, "/")
	return a
}

// Stream implements session.Provider.
func (a Anthropic) Stream(ctx context.Context, req session.Request) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		resp, err := a.doRequest(ctx, req, true)
		if err != nil {
			if canceled(ctx, err) {
				return
			}
			yield(stream.Chunk{}, err)
			return
		}
		defer resp.Body.Close()

		ents := &entities{}
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if canceled(ctx, err) {
					return
				}
				yield(stream.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(stream.Chunk{}, fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield(stream.Chunk{}, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				yield(stream.EndChunk(), nil)
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(stream.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}

				var c stream.Chunk
				switch res.Delta.Type {
				case "thinking_delta":
					if res.Delta.Thinking == "" {
						continue
					}
					c = ents.text(stream.KindThought, res.Delta.Thinking)
				case "text_delta":
					if res.Delta.Text == "" {
						continue
					}
					c = ents.text(answerKind(req), res.Delta.Text)
				default:
					continue
				}
				if !yield(c, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}

// GenerateTitle asks the model for a short title of message.
func (a Anthropic) GenerateTitle(ctx context.Context, message string) (string, error) {
	resp, err := a.doRequest(ctx, session.Request{Prompt: message}, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	for _, ct := range res.Content {
		if ct.Type == "text" {
			return strings.TrimSpace(ct.Text), nil
		}
	}
	return "", errors.New("no text content found")
}

func (a Anthropic) doRequest(ctx context.Context, req session.Request, stream bool) (*http.Response, error) {
	turns := conversation(req)
	msgs := make([]anthropicMessage, len(turns))
	for i, t := range turns {
		msgs[i] = anthropicMessage{Role: string(t.role), Content: t.text}
	}

	model := req.Model
	if model == "" {
		model = a.model
	}
	reqBody := anthropicChatRequest{
		Model:       model,
		Messages:    msgs,
		System:      a.systemPrompt,
		MaxTokens:   a.maxTokens,
		Temperature: a.params.Temperature,
		TopP:        a.params.TopP,
		TopK:        a.params.TopK,
		Stop:        a.params.Stop,
		Stream:      stream,
	}
	if req.Reasoning {
		budget := anthropicThinkingBudget
		if a.params.ThinkingBudget != nil {
			budget = *a.params.ThinkingBudget
		}
		reqBody.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
		// Extended thinking requires the default temperature.
		reqBody.Temperature = nil
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}
