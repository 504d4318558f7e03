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
	"slices"
	"strings"

	"github.com/OmChillure/friday/internal/session"
	"github.com/OmChillure/friday/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter streams replies from OpenRouter's chat completion API. Besides content deltas it
// delivers reasoning deltas and generated images, which arrive as base64 data URLs.
type OpenRouter struct {
	apiKey       string
	model        string
	systemPrompt string
	endpoint     string

	params LLMParameters

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model       string               `json:"model"`
	Messages    []openRouterMessage  `json:"messages"`
	Modalities  []string             `json:"modalities,omitempty"`
	Reasoning   *openRouterReasoning `json:"reasoning,omitempty"`
	Temperature *float32             `json:"temperature,omitempty"`
	TopP        *float32             `json:"top_p,omitempty"`
	TopK        *int                 `json:"top_k,omitempty"`
	MaxTokens   *int                 `json:"max_tokens,omitempty"`
	Seed        *int                 `json:"seed,omitempty"`
	Stop        []string             `json:"stop,omitempty"`
	Stream      bool                 `json:"stream"`
}

type openRouterReasoning struct {
	MaxTokens *int `json:"max_tokens,omitempty"`
	Exclude   bool `json:"exclude"`
}

type openRouterMessage struct {
	Role      string            `json:"role"`
	Content   string            `json:"content,omitempty"`
	Reasoning string            `json:"reasoning,omitempty"`
	Images    []openRouterImage `json:"images,omitempty"`
}

type openRouterImage struct {
	Type     string `json:"type"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
	Error   *openRouterError            `json:"error,omitempty"`
}

type openRouterStreamingChoice struct {
	Index int               `json:"index"`
	Delta openRouterMessage `json:"delta"`
}

type openRouterResponse struct {
	Choices []openRouterChoice `json:"choices"`
}

type openRouterChoice struct {
	Message openRouterMessage `json:"message"`
}

type openRouterError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance with the specified API key, model name, and system prompt.
func NewOpenRouter(apiKey, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenRouter {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return OpenRouter{
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		endpoint:     openRouterAPIEndpoint,
		params:       params,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

// WithEndpoint returns a copy of o that sends its requests to endpoint.
func (o OpenRouter) WithEndpoint(endpoint string) OpenRouter {
	o.endpoint = strings.TrimSuffix(endpoint, "/")
	return o
}

// parseDataURL splits a base64 data URL into its MIME type and payload.
func parseDataURL(u string) (string, string, error) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return "", "", fmt.Errorf("not a data url: %.32s", u)
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", errors.New("data url has no payload")
	}
	mimeType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", "", errors.New("data url is not base64 encoded")
	}
	return mimeType, data, nil
}

// Stream implements session.Provider. The [DONE] marker is the end signal.
func (o OpenRouter) Stream(ctx context.Context, req session.Request) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		resp, err := o.doRequest(ctx, req, true)
		if err != nil {
			if canceled(ctx, err) {
				return
			}
			yield(stream.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		counters := make(map[int]*entities)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if canceled(ctx, err) {
					return
				}
				yield(stream.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			if ev.Data == "[DONE]" {
				yield(stream.EndChunk(), nil)
				return
			}
			if ev.Data == "" {
				continue
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(stream.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}
			if res.Error != nil {
				yield(stream.Chunk{}, fmt.Errorf("openrouter error %d: %s", res.Error.Code, res.Error.Message))
				return
			}

			for _, choice := range res.Choices {
				ents, ok := counters[choice.Index]
				if !ok {
					ents = &entities{candidate: choice.Index}
					counters[choice.Index] = ents
				}
				for _, c := range o.choiceChunks(req, ents, choice.Delta) {
					if !yield(c, nil) {
						return
					}
				}
			}
		}
	}
}

func (o OpenRouter) choiceChunks(req session.Request, ents *entities, delta openRouterMessage) []stream.Chunk {
	var chunks []stream.Chunk
	if delta.Reasoning != "" {
		chunks = append(chunks, ents.text(stream.KindThought, delta.Reasoning))
	}
	if delta.Content != "" {
		chunks = append(chunks, ents.text(answerKind(req), delta.Content))
	}
	for _, img := range delta.Images {
		mimeType, data, err := parseDataURL(img.ImageURL.URL)
		if err != nil {
			// Delivered anyway so the decoder reports it as a malformed entity.
			o.logger.Warn("Received image that is not a data url", slog.String("err", err.Error()))
		}
		chunks = append(chunks, ents.inline(mimeType, data))
	}
	return chunks
}

// GenerateTitle generates a title for a given message using the OpenRouter API. It sends a single message to the
// OpenRouter API and returns the first response content as the title. The context can be used to cancel ongoing
// requests.
func (o OpenRouter) GenerateTitle(ctx context.Context, message string) (string, error) {
	resp, err := o.doRequest(ctx, session.Request{Prompt: message}, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return strings.TrimSpace(res.Choices[0].Message.Content), nil
}

func (o OpenRouter) doRequest(ctx context.Context, req session.Request, stream bool) (*http.Response, error) {
	turns := conversation(req)
	msgs := make([]openRouterMessage, len(turns))
	for i, t := range turns {
		msgs[i] = openRouterMessage{Role: string(t.role), Content: t.text}
	}
	msgs = slices.Insert(msgs, 0, openRouterMessage{
		Role:    "system",
		Content: o.systemPrompt,
	})

	model := req.Model
	if model == "" {
		model = o.model
	}
	reqBody := openRouterChatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: o.params.Temperature,
		TopP:        o.params.TopP,
		TopK:        o.params.TopK,
		MaxTokens:   o.params.MaxTokens,
		Seed:        o.params.Seed,
		Stop:        o.params.Stop,
		Stream:      stream,
	}
	if req.Images {
		reqBody.Modalities = []string{"image", "text"}
	}
	if req.Reasoning {
		reqBody.Reasoning = &openRouterReasoning{MaxTokens: o.params.ThinkingBudget}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("HTTP-Referer", "https://github.com/OmChillure/friday/")
	httpReq.Header.Set("X-Title", "Friday")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
