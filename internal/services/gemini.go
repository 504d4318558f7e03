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

	"github.com/OmChillure/friday/internal/models"
	"github.com/OmChillure/friday/internal/session"
	"github.com/OmChillure/friday/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// Gemini streams replies from the Google Generative Language API. Every part of a streamed response
// (text, thought or inline image data) is delivered as one complete entity of its candidate.
type Gemini struct {
	apiKey       string
	model        string
	systemPrompt string
	endpoint     string

	params LLMParameters

	client *http.Client

	logger *slog.Logger
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
	Tools             []geminiTool           `json:"tools,omitempty"`
}

type geminiTool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	Thought    bool              `json:"thought,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature        *float32              `json:"temperature,omitempty"`
	TopP               *float32              `json:"topP,omitempty"`
	TopK               *int                  `json:"topK,omitempty"`
	MaxOutputTokens    *int                  `json:"maxOutputTokens,omitempty"`
	StopSequences      []string              `json:"stopSequences,omitempty"`
	ResponseModalities []string              `json:"responseModalities,omitempty"`
	ThinkingConfig     *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
	Error      *geminiError      `json:"error,omitempty"`
}

type geminiCandidate struct {
	Index        int           `json:"index"`
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

const (
	geminiAPIEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	geminiModel       = "gemini-2.5-flash-preview-04-17"
)

// NewGemini creates a new Gemini instance. An empty model selects the default model; requests that
// name a model override it.
func NewGemini(apiKey, model, systemPrompt string, params LLMParameters, logger *slog.Logger) Gemini {
	if model == "" {
		model = geminiModel
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return Gemini{
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		endpoint:     geminiAPIEndpoint,
		params:       params,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "gemini")),
	}
}

// WithEndpoint returns a copy of g that sends its requests to endpoint.
func (g Gemini) WithEndpoint(endpoint string) Gemini {
	g.endpoint = strings.TrimSuffix(endpoint, "/")
	return g
}

// Stream implements session.Provider. The stream ends with the end signal once the body is exhausted
// and at least one candidate reported a finish reason.
func (g Gemini) Stream(ctx context.Context, req session.Request) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		resp, err := g.doRequest(ctx, req, "streamGenerateContent?alt=sse")
		if err != nil {
			if canceled(ctx, err) {
				return
			}
			yield(stream.Chunk{}, err)
			return
		}
		defer resp.Body.Close()

		counters := make(map[int]*entities)
		finished := false
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if canceled(ctx, err) {
					return
				}
				yield(stream.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			if ev.Data == "" {
				continue
			}

			var res geminiResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(stream.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}
			if res.Error != nil {
				yield(stream.Chunk{}, fmt.Errorf("gemini error %s: %s", res.Error.Status, res.Error.Message))
				return
			}

			for _, cand := range res.Candidates {
				ents, ok := counters[cand.Index]
				if !ok {
					ents = &entities{candidate: cand.Index}
					counters[cand.Index] = ents
				}
				for _, part := range cand.Content.Parts {
					var c stream.Chunk
					switch {
					case part.InlineData != nil:
						c = ents.inline(part.InlineData.MIMEType, part.InlineData.Data)
					case part.Text == "":
						continue
					case part.Thought:
						c = ents.text(stream.KindThought, part.Text)
					default:
						c = ents.text(answerKind(req), part.Text)
					}
					if !yield(c, nil) {
						return
					}
				}
				if cand.FinishReason != "" {
					g.logger.Debug("Candidate finished",
						slog.Int("candidate", cand.Index),
						slog.String("reason", cand.FinishReason))
					finished = true
				}
			}
		}

		if finished {
			yield(stream.EndChunk(), nil)
		}
	}
}

// GenerateTitle asks the model for a short title of message.
func (g Gemini) GenerateTitle(ctx context.Context, message string) (string, error) {
	req := session.Request{Prompt: message}
	resp, err := g.doRequest(ctx, req, "generateContent")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	if len(res.Candidates) == 0 {
		return "", errors.New("no candidates found")
	}

	var sb strings.Builder
	for _, part := range res.Candidates[0].Content.Parts {
		if !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func (g Gemini) doRequest(ctx context.Context, req session.Request, method string) (*http.Response, error) {
	turns := conversation(req)
	contents := make([]geminiContent, len(turns))
	for i, t := range turns {
		role := "user"
		if t.role == models.RoleAssistant {
			role = "model"
		}
		contents[i] = geminiContent{Role: role, Parts: []geminiPart{{Text: t.text}}}
	}

	body := geminiRequest{
		Contents:          contents,
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: g.systemPrompt}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     g.params.Temperature,
			TopP:            g.params.TopP,
			TopK:            g.params.TopK,
			MaxOutputTokens: g.params.MaxTokens,
			StopSequences:   g.params.Stop,
		},
	}
	if req.Images {
		body.GenerationConfig.ResponseModalities = []string{"TEXT", "IMAGE"}
		// Image generation models reject system instructions.
		body.SystemInstruction = nil
	}
	if req.Search {
		body.Tools = []geminiTool{{GoogleSearch: &struct{}{}}}
	}
	if req.Reasoning {
		body.GenerationConfig.ThinkingConfig = &geminiThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  g.params.ThinkingBudget,
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	model := req.Model
	if model == "" {
		model = g.model
	}
	url := fmt.Sprintf("%s/models/%s:%s", g.endpoint, model, method)
	g.logger.Debug("Request", slog.String("url", url), slog.Int("contents", len(contents)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
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
